// Package docstore defines the document-store contract the frontier persists
// through: keyed JSON-like documents grouped into collections, bulk writes
// with per-document outcomes, term filters, sorted search, and scroll cursors.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Collection names a logical group of documents.
type Collection string

// Collections used by the frontier.
const (
	CollectionQueue  Collection = "queue"
	CollectionData   Collection = "data"
	CollectionFilter Collection = "filter"
)

// Collections lists every collection the frontier bootstraps.
func Collections() []Collection {
	return []Collection{CollectionQueue, CollectionData, CollectionFilter}
}

// FieldID sorts by the document id rather than a document field.
const FieldID = "_id"

var (
	// ErrNotFound reports a missing document.
	ErrNotFound = errors.New("document not found")
	// ErrConflict reports a create-mode write against an existing id.
	ErrConflict = errors.New("document already exists")
	// ErrTransport wraps failures talking to the backing store.
	ErrTransport = errors.New("document store transport failure")
	// ErrCursorExpired reports a scroll cursor that was closed or outlived its keep-alive.
	ErrCursorExpired = errors.New("scroll cursor expired")
)

// Fields holds a document body. Values are strings, numbers, bools, nested
// Fields/maps, or slices thereof.
type Fields map[string]any

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case Fields:
		return typed.Clone()
	case map[string]any:
		return Fields(typed).Clone()
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		return append([]byte(nil), typed...)
	default:
		return v
	}
}

// Document is one stored record.
type Document struct {
	ID     string
	Fields Fields
}

// WriteMode selects the behavior of BulkWrite for ids that already exist.
type WriteMode int

const (
	// ModeCreate rejects existing ids with a Conflict outcome.
	ModeCreate WriteMode = iota + 1
	// ModeUpsert replaces existing documents.
	ModeUpsert
)

func (m WriteMode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeUpsert:
		return "upsert"
	default:
		return fmt.Sprintf("WriteMode(%d)", int(m))
	}
}

// Status classifies the result of one document in a bulk operation.
type Status int

// Outcome statuses.
const (
	StatusOK Status = iota
	StatusConflict
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusConflict:
		return "conflict"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is the per-document result of a bulk operation. Bulk operations
// return exactly one Outcome per input, in input order.
type Outcome struct {
	ID     string
	Status Status
	Err    error
}

// OK builds a successful outcome.
func OK(id string) Outcome { return Outcome{ID: id, Status: StatusOK} }

// Conflict builds a create-mode conflict outcome.
func Conflict(id string) Outcome { return Outcome{ID: id, Status: StatusConflict, Err: ErrConflict} }

// Failure builds a failed outcome.
func Failure(id string, err error) Outcome { return Outcome{ID: id, Status: StatusFailure, Err: err} }

// Term matches documents whose Field equals Value.
type Term struct {
	Field string
	Value any
}

// Filter is a conjunction of equality terms. An empty Filter matches everything.
type Filter []Term

// Eq returns a single-term filter.
func Eq(field string, value any) Filter {
	return Filter{{Field: field, Value: value}}
}

// And returns a copy of f extended with another term.
func (f Filter) And(field string, value any) Filter {
	out := make(Filter, 0, len(f)+1)
	out = append(out, f...)
	return append(out, Term{Field: field, Value: value})
}

// Matches reports whether fields satisfy every term.
func (f Filter) Matches(fields Fields) bool {
	for _, term := range f {
		v, ok := fields[term.Field]
		if !ok || !Equal(v, term.Value) {
			return false
		}
	}
	return true
}

// Sort orders results by one field.
type Sort struct {
	Field string
	Desc  bool
}

// Asc sorts ascending by field.
func Asc(field string) Sort { return Sort{Field: field} }

// SearchRequest describes a bounded, sorted query.
type SearchRequest struct {
	Filter Filter
	Sort   []Sort
	// Size caps the result count; zero or negative means unbounded.
	Size int
}

// ScrollRequest describes a paged traversal.
type ScrollRequest struct {
	Filter    Filter
	Sort      []Sort
	PageSize  int
	KeepAlive time.Duration
}

// Cursor pages through a scroll. Next returns an empty page once exhausted.
// Close must be called on every exit path and is idempotent.
type Cursor interface {
	Next(ctx context.Context) ([]Document, error)
	Close(ctx context.Context) error
}

// Store is the document-store contract.
type Store interface {
	Exists(ctx context.Context, coll Collection, id string) (bool, error)
	Get(ctx context.Context, coll Collection, id string) (Document, error)
	BulkWrite(ctx context.Context, coll Collection, docs []Document, mode WriteMode) ([]Outcome, error)
	BulkUpdate(ctx context.Context, coll Collection, ids []string, patch Fields) ([]Outcome, error)
	BulkDelete(ctx context.Context, coll Collection, ids []string) ([]Outcome, error)
	Search(ctx context.Context, coll Collection, req SearchRequest) ([]Document, error)
	Count(ctx context.Context, coll Collection, filter Filter) (int64, error)
	Scroll(ctx context.Context, coll Collection, req ScrollRequest) (Cursor, error)
	DeleteByFilter(ctx context.Context, coll Collection, filter Filter) (int64, error)
	Refresh(ctx context.Context, coll Collection) error
	Close() error
}

// ScrollEach opens a scroll, hands every non-empty page to fn, and releases
// the cursor on every exit path. A close failure is reported only when the
// traversal itself succeeded.
func ScrollEach(ctx context.Context, store Store, coll Collection, req ScrollRequest, fn func([]Document) error) (err error) {
	cursor, err := store.Scroll(ctx, coll, req)
	if err != nil {
		return fmt.Errorf("open scroll on %s: %w", coll, err)
	}
	defer func() {
		if cerr := cursor.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = fmt.Errorf("close scroll on %s: %w", coll, cerr)
		}
	}()
	for {
		page, nerr := cursor.Next(ctx)
		if nerr != nil {
			return fmt.Errorf("scroll %s: %w", coll, nerr)
		}
		if len(page) == 0 {
			return nil
		}
		if ferr := fn(page); ferr != nil {
			return ferr
		}
	}
}

// CollectionSpec carries the sizing hints a collection is created with.
// Stores without sharding record them as metadata only.
type CollectionSpec struct {
	Collection Collection
	Shards     int
	Replicas   int
}

// Bootstrapper is implemented by stores that create their collections up front.
type Bootstrapper interface {
	EnsureSchema(ctx context.Context, specs []CollectionSpec) error
}
