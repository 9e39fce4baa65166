// Package intake feeds link batches from Pub/Sub into the frontier.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// ErrMalformed marks a message that can never be processed. It is acked and dropped.
var ErrMalformed = errors.New("malformed link batch")

// Batch is the wire shape of one intake message.
type Batch struct {
	SessionID string `json:"session_id"`
	Links     []Link `json:"links"`
}

// Link is one discovered URL.
type Link struct {
	URL       string `json:"url"`
	ParentURL string `json:"parent_url,omitempty"`
	Method    string `json:"method,omitempty"`
	Depth     int    `json:"depth"`
}

// Offerer accepts candidate entries for a session.
type Offerer interface {
	OfferAll(ctx context.Context, sessionID string, entries []frontier.Entry) (int, error)
}

// Matcher decides whether a URL is in scope for a session.
type Matcher interface {
	Match(ctx context.Context, sessionID, url string) (bool, error)
}

// Subscriber receives link batches and offers them to the frontier.
type Subscriber struct {
	sub      *pubsub.Subscription
	frontier Offerer
	filter   Matcher
	recorder *metrics.Recorder
	logger   *zap.Logger
}

// New builds a Subscriber. filter may be nil to accept every link.
func New(sub *pubsub.Subscription, offerer Offerer, filter Matcher, recorder *metrics.Recorder, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		sub:      sub,
		frontier: offerer,
		filter:   filter,
		recorder: recorder,
		logger:   logger,
	}
}

// Run receives messages until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	if s.sub == nil {
		return fmt.Errorf("intake subscription is not configured")
	}
	s.logger.Info("intake started", zap.String("subscription", s.sub.ID()))
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		err := s.Handle(ctx, msg.Data)
		switch {
		case err == nil:
			s.recorder.ObserveIntake(metrics.IntakeAcked)
			msg.Ack()
		case errors.Is(err, ErrMalformed):
			s.logger.Warn("dropping malformed link batch", zap.String("message_id", msg.ID), zap.Error(err))
			s.recorder.ObserveIntake(metrics.IntakeMalformed)
			msg.Ack()
		default:
			s.logger.Error("link batch failed", zap.String("message_id", msg.ID), zap.Error(err))
			s.recorder.ObserveIntake(metrics.IntakeNacked)
			msg.Nack()
		}
	})
	if err != nil {
		return fmt.Errorf("receive link batches: %w", err)
	}
	return nil
}

// Handle decodes one message and offers its in-scope links.
func (s *Subscriber) Handle(ctx context.Context, data []byte) error {
	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if strings.TrimSpace(batch.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrMalformed)
	}

	entries := make([]frontier.Entry, 0, len(batch.Links))
	for _, link := range batch.Links {
		if link.Depth < 0 {
			return fmt.Errorf("%w: negative depth for %q", ErrMalformed, link.URL)
		}
		if s.filter != nil && strings.TrimSpace(link.URL) != "" {
			ok, err := s.filter.Match(ctx, batch.SessionID, link.URL)
			if err != nil {
				return fmt.Errorf("match %s: %w", link.URL, err)
			}
			if !ok {
				s.logger.Debug("link filtered out", zap.String("session_id", batch.SessionID), zap.String("url", link.URL))
				continue
			}
		}
		entries = append(entries, frontier.Entry{
			SessionID: batch.SessionID,
			URL:       link.URL,
			ParentURL: link.ParentURL,
			Method:    link.Method,
			Depth:     link.Depth,
		})
	}
	if len(entries) == 0 {
		return nil
	}

	accepted, err := s.frontier.OfferAll(ctx, batch.SessionID, entries)
	if err != nil {
		return fmt.Errorf("offer links of %s: %w", batch.SessionID, err)
	}
	s.logger.Debug("link batch offered",
		zap.String("session_id", batch.SessionID),
		zap.Int("count", len(entries)),
		zap.Int("accepted", accepted),
	)
	return nil
}
