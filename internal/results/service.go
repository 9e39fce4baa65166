// Package results stores access records, the outcome of each crawl attempt.
// A stored record marks its URL as visited for the session.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/bulkwrite"
	"github.com/JakeFAU/crawl-frontier/internal/docstore"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// Config tunes result storage.
type Config struct {
	BufferSize    int
	ScrollSize    int
	ScrollTimeout time.Duration
}

// Service reads and writes access records in the data collection.
type Service struct {
	store   docstore.Store
	encoder frontier.IDEncoder
	cfg     Config
	logger  *zap.Logger
}

// New returns a Service.
func New(store docstore.Store, encoder frontier.IDEncoder, cfg Config, logger *zap.Logger) *Service {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = bulkwrite.DefaultSize
	}
	if cfg.ScrollSize <= 0 {
		cfg.ScrollSize = frontier.DefaultScrollSize
	}
	if cfg.ScrollTimeout <= 0 {
		cfg.ScrollTimeout = frontier.DefaultScrollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, encoder: encoder, cfg: cfg, logger: logger}
}

func (s *Service) prepare(rec frontier.AccessRecord) (frontier.AccessRecord, error) {
	if rec.SessionID == "" || rec.URL == "" {
		return rec, fmt.Errorf("%w: access record needs session and url", frontier.ErrInvalidEntry)
	}
	rec.ID = s.encoder.Encode(rec.SessionID, rec.URL)
	return rec, nil
}

// Store saves rec. A record without an id must be new; storing it twice
// fails with docstore.ErrConflict. A record carrying an id replaces the
// stored one. The returned record carries its id.
func (s *Service) Store(ctx context.Context, rec frontier.AccessRecord) (frontier.AccessRecord, error) {
	mode := docstore.ModeUpsert
	if rec.ID == "" {
		mode = docstore.ModeCreate
	}
	rec, err := s.prepare(rec)
	if err != nil {
		return rec, err
	}
	outcomes, err := s.store.BulkWrite(ctx, docstore.CollectionData, []docstore.Document{frontier.EncodeAccessRecord(rec)}, mode)
	if err != nil {
		return rec, fmt.Errorf("store access record %s: %w", rec.URL, err)
	}
	for _, outcome := range outcomes {
		if outcome.Status != docstore.StatusOK {
			return rec, fmt.Errorf("store access record %s: %w", rec.URL, outcome.Err)
		}
	}
	return rec, nil
}

// Update replaces the stored record.
func (s *Service) Update(ctx context.Context, rec frontier.AccessRecord) error {
	rec, err := s.prepare(rec)
	if err != nil {
		return err
	}
	if _, err := s.Store(ctx, rec); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

// UpdateAll replaces every record through the bulk write buffer.
func (s *Service) UpdateAll(ctx context.Context, recs []frontier.AccessRecord) error {
	docs := make([]docstore.Document, 0, len(recs))
	for _, rec := range recs {
		rec, err := s.prepare(rec)
		if err != nil {
			return err
		}
		docs = append(docs, frontier.EncodeAccessRecord(rec))
	}
	if _, err := bulkwrite.WriteAll(ctx, s.store, docstore.CollectionData, docs, bulkwrite.Options{
		Size: s.cfg.BufferSize,
		Mode: docstore.ModeUpsert,
	}); err != nil {
		return fmt.Errorf("update access records: %w", err)
	}
	return nil
}

// Get returns the record of (sessionID, url). The boolean is false when none exists.
func (s *Service) Get(ctx context.Context, sessionID, url string) (frontier.AccessRecord, bool, error) {
	doc, err := s.store.Get(ctx, docstore.CollectionData, s.encoder.Encode(sessionID, url))
	if errors.Is(err, docstore.ErrNotFound) {
		return frontier.AccessRecord{}, false, nil
	}
	if err != nil {
		return frontier.AccessRecord{}, false, fmt.Errorf("get access record %s: %w", url, err)
	}
	rec, err := frontier.DecodeAccessRecord(doc)
	if err != nil {
		return frontier.AccessRecord{}, false, err
	}
	return rec, true, nil
}

// Exists reports whether url was crawled in the session.
func (s *Service) Exists(ctx context.Context, sessionID, url string) (bool, error) {
	ok, err := s.store.Exists(ctx, docstore.CollectionData, s.encoder.Encode(sessionID, url))
	if err != nil {
		return false, fmt.Errorf("check access record %s: %w", url, err)
	}
	return ok, nil
}

// Count returns the number of records in the session.
func (s *Service) Count(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.store.Count(ctx, docstore.CollectionData, docstore.Eq(frontier.FieldSessionID, sessionID))
	if err != nil {
		return 0, fmt.Errorf("count access records: %w", err)
	}
	return n, nil
}

// Iterate calls fn for every record of the session, oldest first. A record
// that does not decode stops the iteration with frontier.ErrCorruptDecode.
func (s *Service) Iterate(ctx context.Context, sessionID string, fn func(frontier.AccessRecord) error) error {
	return docstore.ScrollEach(ctx, s.store, docstore.CollectionData, docstore.ScrollRequest{
		Filter:    docstore.Eq(frontier.FieldSessionID, sessionID),
		Sort:      []docstore.Sort{docstore.Asc(frontier.FieldCreateTime), docstore.Asc(docstore.FieldID)},
		PageSize:  s.cfg.ScrollSize,
		KeepAlive: s.cfg.ScrollTimeout,
	}, func(page []docstore.Document) error {
		for _, doc := range page {
			rec, err := frontier.DecodeAccessRecord(doc)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteSession removes every record of the session.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.store.DeleteByFilter(ctx, docstore.CollectionData, docstore.Eq(frontier.FieldSessionID, sessionID))
	if err != nil {
		return 0, fmt.Errorf("delete access records of %s: %w", sessionID, err)
	}
	if err := s.store.Refresh(ctx, docstore.CollectionData); err != nil {
		return n, fmt.Errorf("refresh access records: %w", err)
	}
	s.logger.Info("access records deleted", zap.String("session_id", sessionID), zap.Int64("records", n))
	return n, nil
}
