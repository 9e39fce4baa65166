// Package memory provides an in-process docstore.Store used by tests and
// single-node deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-frontier/internal/docstore"
	"github.com/JakeFAU/crawl-frontier/internal/id/uuid"
)

var errMissingID = errors.New("document id is required")

// Store keeps documents in maps guarded by a single RWMutex.
type Store struct {
	mu          sync.RWMutex
	collections map[docstore.Collection]map[string]docstore.Fields
	cursors     map[string]*cursor
	ids         *uuid.Generator
	now         func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithNow overrides the clock used for cursor keep-alive accounting.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[docstore.Collection]map[string]docstore.Fields),
		cursors:     make(map[string]*cursor),
		ids:         uuid.New("scroll"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) collection(coll docstore.Collection) map[string]docstore.Fields {
	docs, ok := s.collections[coll]
	if !ok {
		docs = make(map[string]docstore.Fields)
		s.collections[coll] = docs
	}
	return docs
}

// Exists reports whether id is stored in coll.
func (s *Store) Exists(_ context.Context, coll docstore.Collection, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[coll][id]
	return ok, nil
}

// Get returns a copy of the document or docstore.ErrNotFound.
func (s *Store) Get(_ context.Context, coll docstore.Collection, id string) (docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.collections[coll][id]
	if !ok {
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", coll, id, docstore.ErrNotFound)
	}
	return docstore.Document{ID: id, Fields: fields.Clone()}, nil
}

// BulkWrite stores docs in order. Later duplicates within one call see the
// earlier ones, so a repeated id in create mode yields a Conflict.
func (s *Store) BulkWrite(_ context.Context, coll docstore.Collection, docs []docstore.Document, mode docstore.WriteMode) ([]docstore.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.collection(coll)
	outcomes := make([]docstore.Outcome, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			outcomes[i] = docstore.Failure(doc.ID, errMissingID)
			continue
		}
		if _, exists := target[doc.ID]; exists && mode == docstore.ModeCreate {
			outcomes[i] = docstore.Conflict(doc.ID)
			continue
		}
		target[doc.ID] = doc.Fields.Clone()
		outcomes[i] = docstore.OK(doc.ID)
	}
	return outcomes, nil
}

// BulkUpdate merges patch into each existing document.
func (s *Store) BulkUpdate(_ context.Context, coll docstore.Collection, ids []string, patch docstore.Fields) ([]docstore.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.collections[coll]
	outcomes := make([]docstore.Outcome, len(ids))
	for i, id := range ids {
		fields, ok := target[id]
		if !ok {
			outcomes[i] = docstore.Failure(id, docstore.ErrNotFound)
			continue
		}
		for k, v := range patch.Clone() {
			fields[k] = v
		}
		outcomes[i] = docstore.OK(id)
	}
	return outcomes, nil
}

// BulkDelete removes each id, reporting ErrNotFound for missing ones.
func (s *Store) BulkDelete(_ context.Context, coll docstore.Collection, ids []string) ([]docstore.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.collections[coll]
	outcomes := make([]docstore.Outcome, len(ids))
	for i, id := range ids {
		if _, ok := target[id]; !ok {
			outcomes[i] = docstore.Failure(id, docstore.ErrNotFound)
			continue
		}
		delete(target, id)
		outcomes[i] = docstore.OK(id)
	}
	return outcomes, nil
}

// Search returns matching documents sorted by req.Sort, ties broken by id.
func (s *Store) Search(_ context.Context, coll docstore.Collection, req docstore.SearchRequest) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.matching(coll, req.Filter, req.Sort)
	if req.Size > 0 && len(docs) > req.Size {
		docs = docs[:req.Size]
	}
	return docs, nil
}

// Count returns the number of matching documents.
func (s *Store) Count(_ context.Context, coll docstore.Collection, filter docstore.Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, fields := range s.collections[coll] {
		if filter.Matches(fields) {
			n++
		}
	}
	return n, nil
}

// DeleteByFilter removes every matching document and returns how many went.
func (s *Store) DeleteByFilter(_ context.Context, coll docstore.Collection, filter docstore.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, fields := range s.collections[coll] {
		if filter.Matches(fields) {
			delete(s.collections[coll], id)
			n++
		}
	}
	return n, nil
}

// Refresh is a no-op; writes are visible immediately.
func (s *Store) Refresh(context.Context, docstore.Collection) error {
	return nil
}

// Close drops every open cursor.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cursors)
	return nil
}

// Scroll snapshots the matching documents and pages through the snapshot.
func (s *Store) Scroll(_ context.Context, coll docstore.Collection, req docstore.ScrollRequest) (docstore.Cursor, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("scroll %s: %w", coll, err)
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &cursor{
		store:     s,
		id:        id,
		docs:      s.matching(coll, req.Filter, req.Sort),
		pageSize:  pageSize,
		keepAlive: req.KeepAlive,
		touched:   s.now(),
	}
	s.cursors[id] = c
	return c, nil
}

// OpenCursors reports how many scroll cursors have not been closed.
func (s *Store) OpenCursors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cursors)
}

// Len reports the number of documents in coll.
func (s *Store) Len(coll docstore.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[coll])
}

func (s *Store) matching(coll docstore.Collection, filter docstore.Filter, order []docstore.Sort) []docstore.Document {
	docs := make([]docstore.Document, 0)
	for id, fields := range s.collections[coll] {
		if filter.Matches(fields) {
			docs = append(docs, docstore.Document{ID: id, Fields: fields.Clone()})
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		for _, key := range order {
			var c int
			if key.Field == docstore.FieldID {
				c = docstore.Compare(docs[i].ID, docs[j].ID)
			} else {
				c = docstore.Compare(docs[i].Fields[key.Field], docs[j].Fields[key.Field])
			}
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return docs[i].ID < docs[j].ID
	})
	return docs
}

type cursor struct {
	store     *Store
	id        string
	docs      []docstore.Document
	pos       int
	pageSize  int
	keepAlive time.Duration
	touched   time.Time
}

// Next returns the next page of the snapshot.
func (c *cursor) Next(_ context.Context) ([]docstore.Document, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, open := s.cursors[c.id]; !open {
		return nil, fmt.Errorf("cursor %s: %w", c.id, docstore.ErrCursorExpired)
	}
	now := s.now()
	if c.keepAlive > 0 && now.Sub(c.touched) > c.keepAlive {
		delete(s.cursors, c.id)
		return nil, fmt.Errorf("cursor %s idle for %s: %w", c.id, now.Sub(c.touched), docstore.ErrCursorExpired)
	}
	c.touched = now
	end := min(c.pos+c.pageSize, len(c.docs))
	page := c.docs[c.pos:end]
	c.pos = end
	return page, nil
}

// Close releases the cursor. Closing twice is harmless.
func (c *cursor) Close(_ context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.cursors, c.id)
	return nil
}

// EnsureSchema creates empty collections for specs.
func (s *Store) EnsureSchema(_ context.Context, specs []docstore.CollectionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range specs {
		s.collection(spec.Collection)
	}
	return nil
}
