package frontier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-frontier/internal/bulkwrite"
	"github.com/JakeFAU/crawl-frontier/internal/docstore"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

// Config tunes the frontier service.
type Config struct {
	BufferSize           int
	ScrollTimeout        time.Duration
	ScrollSize           int
	PollingFetchSize     int
	MaxCrawlingQueueSize int
	ShutdownParallelism  int
}

// Defaults for unset Config fields.
const (
	DefaultScrollTimeout        = time.Minute
	DefaultScrollSize           = 100
	DefaultPollingFetchSize     = 1000
	DefaultMaxCrawlingQueueSize = 100
	DefaultShutdownParallelism  = 8
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = bulkwrite.DefaultSize
	}
	if c.ScrollTimeout <= 0 {
		c.ScrollTimeout = DefaultScrollTimeout
	}
	if c.ScrollSize <= 0 {
		c.ScrollSize = DefaultScrollSize
	}
	if c.PollingFetchSize <= 0 {
		c.PollingFetchSize = DefaultPollingFetchSize
	}
	if c.MaxCrawlingQueueSize <= 0 {
		c.MaxCrawlingQueueSize = DefaultMaxCrawlingQueueSize
	}
	if c.ShutdownParallelism <= 0 {
		c.ShutdownParallelism = DefaultShutdownParallelism
	}
	return c
}

// AccessRecords answers whether a URL was already crawled and enumerates a
// session's crawl results.
type AccessRecords interface {
	Exists(ctx context.Context, sessionID, url string) (bool, error)
	Iterate(ctx context.Context, sessionID string, fn func(AccessRecord) error) error
}

// Service is the crawl frontier. It is safe for concurrent use.
type Service struct {
	store    docstore.Store
	records  AccessRecords
	encoder  IDEncoder
	clock    Clock
	metrics  *metrics.Recorder
	cfg      Config
	logger   *zap.Logger
	overlays *overlays
}

// NewService wires a frontier over store.
func NewService(
	store docstore.Store,
	records AccessRecords,
	encoder IDEncoder,
	clock Clock,
	recorder *metrics.Recorder,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		store:    store,
		records:  records,
		encoder:  encoder,
		clock:    clock,
		metrics:  recorder,
		cfg:      cfg,
		logger:   logger,
		overlays: newOverlays(cfg.MaxCrawlingQueueSize),
	}
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Add queues url for the session unless it is already queued or in flight.
func (s *Service) Add(ctx context.Context, sessionID, url string) error {
	if blank(sessionID) || blank(url) {
		return fmt.Errorf("add: %w: session and url are required", ErrInvalidEntry)
	}
	queued, err := s.queued(ctx, sessionID, url)
	if err != nil {
		return err
	}
	if queued {
		s.logger.Debug("url already queued", zap.String("session_id", sessionID), zap.String("url", url))
		return nil
	}
	return s.Insert(ctx, Entry{
		SessionID:  sessionID,
		URL:        url,
		Method:     MethodGet,
		CreateTime: s.clock.Now(),
	})
}

func (s *Service) queued(ctx context.Context, sessionID, url string) (bool, error) {
	exists, err := s.store.Exists(ctx, docstore.CollectionQueue, s.encoder.Encode(sessionID, url))
	if err != nil {
		return false, fmt.Errorf("check queued %s: %w", url, err)
	}
	if exists {
		return true, nil
	}
	if q, ok := s.overlays.lookup(sessionID); ok && q.contains(url) {
		return true, nil
	}
	return false, nil
}

// Insert writes one entry. An entry without an id is created and left alone
// if it already exists; an entry carrying an id replaces the stored one.
func (s *Service) Insert(ctx context.Context, entry Entry) error {
	_, err := s.insert(ctx, entry)
	return err
}

func (s *Service) insert(ctx context.Context, entry Entry) (bool, error) {
	if blank(entry.SessionID) || blank(entry.URL) {
		return false, fmt.Errorf("insert: %w: session and url are required", ErrInvalidEntry)
	}
	mode := docstore.ModeUpsert
	if entry.ID == "" {
		mode = docstore.ModeCreate
	}
	entry.ID = s.encoder.Encode(entry.SessionID, entry.URL)
	outcomes, err := s.store.BulkWrite(ctx, docstore.CollectionQueue, []docstore.Document{EncodeEntry(entry)}, mode)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", entry.URL, err)
	}
	for _, outcome := range outcomes {
		switch outcome.Status {
		case docstore.StatusConflict:
			s.logger.Debug("url already in queue store",
				zap.String("session_id", entry.SessionID),
				zap.String("url", entry.URL),
			)
			return false, nil
		case docstore.StatusFailure:
			s.metrics.ObserveBulkFailures(string(docstore.CollectionQueue), 1)
			return false, fmt.Errorf("insert %s: %w", entry.URL, outcome.Err)
		}
	}
	return true, nil
}

// OfferAll queues every entry that is new to the session: not waiting or
// crawling in the overlay and not yet visited. Entries are stored in create
// mode, so ones already in the store are skipped, and accepted ones are also
// made available to Poll immediately. It returns how many were accepted.
func (s *Service) OfferAll(ctx context.Context, sessionID string, entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	s.logger.Debug("offering urls", zap.String("session_id", sessionID), zap.Int("count", len(entries)))
	q, resident := s.overlays.lookup(sessionID)
	seen := make(map[string]struct{}, len(entries))
	candidates := make([]Entry, 0, len(entries))
	for _, e := range entries {
		e.SessionID = sessionID
		if blank(e.SessionID) || blank(e.URL) {
			s.metrics.ObserveOffer(metrics.OfferInvalid)
			continue
		}
		if _, dup := seen[e.URL]; dup {
			s.metrics.ObserveOffer(metrics.OfferDuplicate)
			continue
		}
		seen[e.URL] = struct{}{}
		if resident && (q.isWaiting(e.URL) || q.isCrawling(e.URL)) {
			s.metrics.ObserveOffer(metrics.OfferDuplicate)
			continue
		}
		visited, err := s.records.Exists(ctx, sessionID, e.URL)
		if err != nil {
			return 0, fmt.Errorf("offer %s: %w", e.URL, err)
		}
		if visited {
			s.metrics.ObserveOffer(metrics.OfferVisited)
			continue
		}
		if e.Method == "" {
			e.Method = MethodGet
		}
		if e.CreateTime.IsZero() {
			e.CreateTime = s.clock.Now()
		}
		e.ID = s.encoder.Encode(sessionID, e.URL)
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	docs := make([]docstore.Document, len(candidates))
	for i, e := range candidates {
		docs[i] = EncodeEntry(e)
	}
	outcomes, err := bulkwrite.WriteAll(ctx, s.store, docstore.CollectionQueue, docs, bulkwrite.Options{
		Size:            s.cfg.BufferSize,
		Mode:            docstore.ModeCreate,
		IgnoreConflicts: true,
	})
	accepted := make([]Entry, 0, len(outcomes))
	for i, outcome := range outcomes {
		switch outcome.Status {
		case docstore.StatusOK:
			accepted = append(accepted, candidates[i])
			s.metrics.ObserveOffer(metrics.OfferAccepted)
		case docstore.StatusConflict:
			s.metrics.ObserveOffer(metrics.OfferDuplicate)
		default:
			s.metrics.ObserveOffer(metrics.OfferFailed)
		}
	}
	if len(accepted) > 0 {
		s.overlays.get(sessionID).pushStored(accepted...)
	}
	if err != nil {
		var partial *bulkwrite.PartialFailure
		if errors.As(err, &partial) {
			s.metrics.ObserveBulkFailures(string(docstore.CollectionQueue), len(partial.Failed))
		}
		return len(accepted), fmt.Errorf("offer urls for session %s: %w", sessionID, err)
	}
	return len(accepted), nil
}

// Poll hands out the next entry of the session. The boolean is false when the
// session has nothing left. Entries are claimed from the store in batches
// ordered by creation time and removed from it as they are claimed; offered
// entries served straight from the overlay are removed as they are handed out.
func (s *Service) Poll(ctx context.Context, sessionID string) (Entry, bool, error) {
	q := s.overlays.get(sessionID)
	if e, ok := q.next(); ok {
		s.release(ctx, e)
		s.metrics.ObservePoll(metrics.PollOverlay)
		return e.Entry, true, nil
	}

	q.refill.Lock()
	defer q.refill.Unlock()
	for {
		if e, ok := q.next(); ok {
			s.release(ctx, e)
			s.metrics.ObservePoll(metrics.PollStore)
			return e.Entry, true, nil
		}
		added, removed, err := s.refill(ctx, sessionID, q)
		if err != nil {
			return Entry{}, false, err
		}
		if added == 0 && removed == 0 {
			s.metrics.ObservePoll(metrics.PollEmpty)
			return Entry{}, false, nil
		}
	}
}

// release deletes the store document of a handed out entry if it still has
// one. A failed delete is logged and counted; the entry is still handed out.
func (s *Service) release(ctx context.Context, e waitingEntry) {
	if !e.stored {
		return
	}
	outcomes, err := s.store.BulkDelete(ctx, docstore.CollectionQueue, []string{e.ID})
	if err != nil {
		s.metrics.ObserveBulkFailures(string(docstore.CollectionQueue), 1)
		s.logger.Warn("failed to delete handed out url",
			zap.String("session_id", e.SessionID),
			zap.String("id", e.ID),
			zap.Error(err),
		)
		return
	}
	for _, outcome := range outcomes {
		// a refill may already have claimed it
		if outcome.Status == docstore.StatusOK || errors.Is(outcome.Err, docstore.ErrNotFound) {
			continue
		}
		s.metrics.ObserveBulkFailures(string(docstore.CollectionQueue), 1)
		s.logger.Warn("failed to delete handed out url",
			zap.String("session_id", e.SessionID),
			zap.String("id", outcome.ID),
			zap.Error(outcome.Err),
		)
	}
}

// refill claims the next batch of stored entries into the waiting queue. It
// reports how many entries became waiting and how many documents were
// removed from the store; both are zero once the session is exhausted.
func (s *Service) refill(ctx context.Context, sessionID string, q *sessionQueues) (added, removed int, err error) {
	docs, err := s.store.Search(ctx, docstore.CollectionQueue, docstore.SearchRequest{
		Filter: docstore.Eq(FieldSessionID, sessionID),
		Sort:   []docstore.Sort{docstore.Asc(FieldCreateTime), docstore.Asc(docstore.FieldID)},
		Size:   s.cfg.PollingFetchSize,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("fetch queue for session %s: %w", sessionID, err)
	}
	if len(docs) == 0 {
		return 0, 0, nil
	}
	entries := make([]Entry, len(docs))
	ids := make([]string, len(docs))
	for i, doc := range docs {
		e, derr := DecodeEntry(doc)
		if derr != nil {
			s.metrics.ObserveCorruptDocument(string(docstore.CollectionQueue))
			s.logger.Warn("undecodable queue document blocks the session",
				zap.String("session_id", sessionID),
				zap.String("id", doc.ID),
				zap.Error(derr),
			)
			return 0, 0, fmt.Errorf("fetch queue for session %s: document %s: %w", sessionID, doc.ID, derr)
		}
		entries[i] = e
		ids[i] = doc.ID
	}

	outcomes, err := s.store.BulkDelete(ctx, docstore.CollectionQueue, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("claim %d queued urls for session %s: %w", len(ids), sessionID, err)
	}
	failed := 0
	for _, outcome := range outcomes {
		if outcome.Status == docstore.StatusOK {
			removed++
		} else {
			failed++
			s.logger.Warn("failed to delete claimed url",
				zap.String("session_id", sessionID),
				zap.String("id", outcome.ID),
				zap.Error(outcome.Err),
			)
		}
	}
	s.metrics.ObserveBulkFailures(string(docstore.CollectionQueue), failed)

	added = q.pushWaiting(entries...)
	s.metrics.ObserveRefill(len(docs))
	s.logger.Debug("claimed queued urls",
		zap.String("session_id", sessionID),
		zap.Int("claimed", len(docs)),
		zap.Int("added", added),
	)
	return added, removed, nil
}

// Visited reports whether entry's URL is queued, in flight, or already crawled.
func (s *Service) Visited(ctx context.Context, entry Entry) (bool, error) {
	if blank(entry.URL) {
		s.logger.Debug("visited check on blank url", zap.String("session_id", entry.SessionID))
		return false, nil
	}
	queued, err := s.queued(ctx, entry.SessionID, entry.URL)
	if err != nil {
		return false, err
	}
	if queued {
		return true, nil
	}
	visited, err := s.records.Exists(ctx, entry.SessionID, entry.URL)
	if err != nil {
		return false, fmt.Errorf("check visited %s: %w", entry.URL, err)
	}
	return visited, nil
}

// UpdateSessionID moves every stored entry of oldID to newID. Document ids
// are left as they are, so they keep encoding the old session. Overlay
// contents are not moved.
func (s *Service) UpdateSessionID(ctx context.Context, oldID, newID string) error {
	if blank(oldID) || blank(newID) {
		return fmt.Errorf("update session id: %w: both session ids are required", ErrInvalidEntry)
	}
	if oldID == newID {
		return nil
	}
	migrated := 0
	err := docstore.ScrollEach(ctx, s.store, docstore.CollectionQueue, docstore.ScrollRequest{
		Filter:    docstore.Eq(FieldSessionID, oldID),
		Sort:      []docstore.Sort{docstore.Asc(docstore.FieldID)},
		PageSize:  s.cfg.ScrollSize,
		KeepAlive: s.cfg.ScrollTimeout,
	}, func(page []docstore.Document) error {
		ids := make([]string, len(page))
		for i, doc := range page {
			ids[i] = doc.ID
		}
		outcomes, err := s.store.BulkUpdate(ctx, docstore.CollectionQueue, ids, docstore.Fields{FieldSessionID: newID})
		if err != nil {
			return fmt.Errorf("update %d entries: %w", len(ids), err)
		}
		var errs *multierror.Error
		for _, outcome := range outcomes {
			if outcome.Status != docstore.StatusOK {
				errs = multierror.Append(errs, fmt.Errorf("entry %s: %w", outcome.ID, outcome.Err))
			}
		}
		if err := errs.ErrorOrNil(); err != nil {
			s.metrics.ObserveBulkFailures(string(docstore.CollectionQueue), errs.Len())
			return err
		}
		migrated += len(ids)
		return nil
	})
	s.metrics.ObserveMigrated(migrated)
	if err != nil {
		return fmt.Errorf("update session id %s to %s: %w", oldID, newID, err)
	}
	s.logger.Info("session id updated",
		zap.String("old_session_id", oldID),
		zap.String("new_session_id", newID),
		zap.Int("entries", migrated),
	)
	return nil
}

// GenerateURLQueues queues, for newID, one depth-zero entry per access
// record of prevID and returns how many were created.
func (s *Service) GenerateURLQueues(ctx context.Context, prevID, newID string) (int, error) {
	if blank(prevID) || blank(newID) {
		return 0, fmt.Errorf("generate url queues: %w: both session ids are required", ErrInvalidEntry)
	}
	created := 0
	err := s.records.Iterate(ctx, prevID, func(rec AccessRecord) error {
		queued, err := s.queued(ctx, newID, rec.URL)
		if err != nil {
			return err
		}
		if queued {
			s.logger.Debug("url already queued", zap.String("session_id", newID), zap.String("url", rec.URL))
			return nil
		}
		ok, err := s.insert(ctx, Entry{
			SessionID:    newID,
			URL:          rec.URL,
			ParentURL:    rec.ParentURL,
			Method:       rec.Method,
			LastModified: rec.LastModified,
			CreateTime:   s.clock.Now(),
		})
		if err != nil {
			return err
		}
		if ok {
			created++
		}
		return nil
	})
	s.metrics.ObserveReseeded(created)
	if err != nil {
		return created, fmt.Errorf("generate url queues from %s: %w", prevID, err)
	}
	s.logger.Info("url queues generated",
		zap.String("from_session_id", prevID),
		zap.String("session_id", newID),
		zap.Int("entries", created),
	)
	return created, nil
}

// DeleteSession removes every stored entry of the session and forgets its overlay.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.store.DeleteByFilter(ctx, docstore.CollectionQueue, docstore.Eq(FieldSessionID, sessionID))
	if err != nil {
		return 0, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	if err := s.store.Refresh(ctx, docstore.CollectionQueue); err != nil {
		return n, fmt.Errorf("refresh after deleting session %s: %w", sessionID, err)
	}
	s.overlays.remove(sessionID)
	s.logger.Info("session deleted", zap.String("session_id", sessionID), zap.Int64("entries", n))
	return n, nil
}

// ClearCache drops every overlay without writing it back.
func (s *Service) ClearCache() {
	s.overlays.clear()
}

// Stats reports stored and overlay sizes for the session.
func (s *Service) Stats(ctx context.Context, sessionID string) (Stats, error) {
	stored, err := s.store.Count(ctx, docstore.CollectionQueue, docstore.Eq(FieldSessionID, sessionID))
	if err != nil {
		return Stats{}, fmt.Errorf("count session %s: %w", sessionID, err)
	}
	out := Stats{SessionID: sessionID, Stored: stored, Pending: stored}
	if q, ok := s.overlays.lookup(sessionID); ok {
		var claimed int
		out.Waiting, out.Crawling, claimed = q.sizes()
		out.Pending += int64(claimed)
	}
	return out, nil
}

// Sessions lists the sessions that currently have an overlay.
func (s *Service) Sessions() []string {
	snap := s.overlays.snapshot()
	out := make([]string, 0, len(snap))
	for id := range snap {
		out = append(out, id)
	}
	return out
}

// Shutdown writes every session's waiting entries back to the store so they
// survive a restart. Sessions are drained concurrently; a failing session is
// logged and reported without stopping the others. Handed-out entries are
// not restored.
func (s *Service) Shutdown(ctx context.Context) error {
	sessions := s.overlays.snapshot()
	var (
		mu   sync.Mutex
		errs *multierror.Error
		g    errgroup.Group
	)
	g.SetLimit(s.cfg.ShutdownParallelism)
	for sessionID, q := range sessions {
		g.Go(func() error {
			entries := q.drainWaiting()
			if len(entries) == 0 {
				return nil
			}
			docs := make([]docstore.Document, len(entries))
			for i, e := range entries {
				e.ID = s.encoder.Encode(e.SessionID, e.URL)
				docs[i] = EncodeEntry(e)
			}
			outcomes, err := bulkwrite.WriteAll(ctx, s.store, docstore.CollectionQueue, docs, bulkwrite.Options{
				Size:            s.cfg.BufferSize,
				Mode:            docstore.ModeCreate,
				IgnoreConflicts: true,
			})
			restored := 0
			for _, outcome := range outcomes {
				if outcome.Status == docstore.StatusOK {
					restored++
				}
			}
			s.metrics.ObserveRestored(restored)
			if err != nil {
				s.logger.Warn("failed to restore queued urls",
					zap.String("session_id", sessionID),
					zap.Int("entries", len(entries)),
					zap.Int("restored", restored),
					zap.Error(err),
				)
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("session %s: %w", sessionID, err))
				mu.Unlock()
				return nil
			}
			s.logger.Debug("restored queued urls", zap.String("session_id", sessionID), zap.Int("entries", restored))
			return nil
		})
	}
	_ = g.Wait()
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("shutdown frontier: %w", err)
	}
	return nil
}
