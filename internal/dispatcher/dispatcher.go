// Package dispatcher fans frontier entries out to fetch workers over a topic.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// Poller hands out the next entry of a session.
type Poller interface {
	Poll(ctx context.Context, sessionID string) (frontier.Entry, bool, error)
}

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Pacer blocks until a URL may be dispatched.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Config controls the worker pool.
type Config struct {
	Workers  int
	Topic    string
	Sessions []string
	Idle     time.Duration
}

// Task is the message published for each dispatched entry.
type Task struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	URL        string    `json:"url"`
	ParentURL  string    `json:"parent_url,omitempty"`
	Method     string    `json:"method"`
	Depth      int       `json:"depth"`
	CreateTime time.Time `json:"create_time"`
}

// Attributes exposes the session for subscription filtering.
func (t Task) Attributes() map[string]string {
	return map[string]string{"session_id": t.SessionID}
}

// NewTask converts a frontier entry.
func NewTask(e frontier.Entry) Task {
	return Task{
		ID:         e.ID,
		SessionID:  e.SessionID,
		URL:        e.URL,
		ParentURL:  e.ParentURL,
		Method:     e.Method,
		Depth:      e.Depth,
		CreateTime: e.CreateTime,
	}
}

// Dispatcher polls registered sessions round-robin and publishes their entries.
// Dispatch is at-most-once: an entry whose publish fails is logged and dropped.
type Dispatcher struct {
	poller    Poller
	publisher Publisher
	pacer     Pacer
	recorder  *metrics.Recorder
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	sessions []string
	next     int
}

// New creates a Dispatcher. pacer may be nil.
func New(poller Poller, publisher Publisher, pacer Pacer, recorder *metrics.Recorder, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		poller:    poller,
		publisher: publisher,
		pacer:     pacer,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
	}
	for _, s := range cfg.Sessions {
		d.AddSession(s)
	}
	return d
}

// AddSession registers a session for dispatch. Repeats are ignored.
func (d *Dispatcher) AddSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s == sessionID {
			return
		}
	}
	d.sessions = append(d.sessions, sessionID)
}

// RemoveSession stops dispatching a session.
func (d *Dispatcher) RemoveSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.sessions {
		if s == sessionID {
			d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
			if d.next > i {
				d.next--
			}
			return
		}
	}
}

// Sessions returns the registered sessions.
func (d *Dispatcher) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sessions...)
}

// nextSession returns the next session in rotation and how many are registered.
func (d *Dispatcher) nextSession() (string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return "", 0
	}
	if d.next >= len(d.sessions) {
		d.next = 0
	}
	s := d.sessions[d.next]
	d.next++
	return s, len(d.sessions)
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, d.logger.With(zap.Int("worker", id)))
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, logger *zap.Logger) {
	empty := 0
	for ctx.Err() == nil {
		sessionID, n := d.nextSession()
		if n == 0 {
			sleep(ctx, d.cfg.Idle)
			continue
		}
		ok, err := d.DispatchOnce(ctx, sessionID)
		if err != nil && ctx.Err() == nil {
			logger.Error("dispatch failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		if ok {
			empty = 0
			continue
		}
		// a full rotation without work backs off
		empty++
		if empty >= n {
			empty = 0
			sleep(ctx, d.cfg.Idle)
		}
	}
}

// DispatchOnce polls one entry of the session and publishes it. It reports
// whether an entry was taken from the frontier.
func (d *Dispatcher) DispatchOnce(ctx context.Context, sessionID string) (bool, error) {
	entry, ok, err := d.poller.Poll(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", sessionID, err)
	}
	if !ok {
		return false, nil
	}
	if d.pacer != nil {
		if err := d.pacer.Wait(ctx, entry.URL); err != nil {
			d.recorder.ObserveDispatch(entry.URL, metrics.DispatchFailed)
			return true, fmt.Errorf("pace %s: %w", entry.URL, err)
		}
	}
	id, err := d.publisher.Publish(ctx, d.cfg.Topic, NewTask(entry))
	if err != nil {
		d.recorder.ObserveDispatch(entry.URL, metrics.DispatchFailed)
		return true, fmt.Errorf("publish %s: %w", entry.URL, err)
	}
	d.recorder.ObserveDispatch(entry.URL, metrics.DispatchPublished)
	d.logger.Debug("entry dispatched",
		zap.String("session_id", sessionID),
		zap.String("url", entry.URL),
		zap.String("message_id", id),
	)
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
