// Package bulkwrite batches document writes into fixed-size bulk requests and
// aggregates per-document failures.
package bulkwrite

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/JakeFAU/crawl-frontier/internal/docstore"
)

// DefaultSize is the number of documents sent per bulk request.
const DefaultSize = 10

// Options controls one buffered write.
type Options struct {
	Size            int
	Mode            docstore.WriteMode
	IgnoreConflicts bool
}

// PartialFailure reports documents that failed after every document was attempted.
type PartialFailure struct {
	Collection docstore.Collection
	Attempted  int
	Failed     []docstore.Outcome
	errs       *multierror.Error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("bulk write to %s: %d of %d documents failed: %s",
		e.Collection, len(e.Failed), e.Attempted, e.errs.Error())
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *PartialFailure) Unwrap() error {
	return e.errs
}

// Buffer accumulates documents and flushes them in chunks of Options.Size.
// A Buffer is not safe for concurrent use.
type Buffer struct {
	store     docstore.Store
	coll      docstore.Collection
	opts      Options
	pending   []docstore.Document
	outcomes  []docstore.Outcome
	attempted int
	failures  []docstore.Outcome
	errs      *multierror.Error
}

// New returns an empty Buffer for coll.
func New(store docstore.Store, coll docstore.Collection, opts Options) *Buffer {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Mode == 0 {
		opts.Mode = docstore.ModeUpsert
	}
	return &Buffer{
		store:   store,
		coll:    coll,
		opts:    opts,
		pending: make([]docstore.Document, 0, opts.Size),
	}
}

// Add queues doc and flushes when the buffer is full. Only a transport
// failure is returned; per-document failures surface from Close.
func (b *Buffer) Add(ctx context.Context, doc docstore.Document) error {
	b.pending = append(b.pending, doc)
	if len(b.pending) >= b.opts.Size {
		return b.Flush(ctx)
	}
	return nil
}

// Flush sends the pending documents, if any.
func (b *Buffer) Flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make([]docstore.Document, 0, b.opts.Size)
	outcomes, err := b.store.BulkWrite(ctx, b.coll, batch, b.opts.Mode)
	if err != nil {
		return fmt.Errorf("bulk write %d documents to %s: %w", len(batch), b.coll, err)
	}
	b.attempted += len(batch)
	for i, outcome := range outcomes {
		b.outcomes = append(b.outcomes, outcome)
		switch outcome.Status {
		case docstore.StatusOK:
		case docstore.StatusConflict:
			if b.opts.IgnoreConflicts {
				continue
			}
			b.fail(b.attempted-len(batch)+i, outcome)
		default:
			b.fail(b.attempted-len(batch)+i, outcome)
		}
	}
	return nil
}

func (b *Buffer) fail(index int, outcome docstore.Outcome) {
	b.failures = append(b.failures, outcome)
	b.errs = multierror.Append(b.errs, fmt.Errorf("document %d (%s): %s: %w", index, outcome.ID, outcome.Status, outcome.Err))
}

// Outcomes returns one outcome per flushed document, in the order added.
func (b *Buffer) Outcomes() []docstore.Outcome {
	return b.outcomes
}

// Close flushes the remainder and returns a *PartialFailure when any
// document failed.
func (b *Buffer) Close(ctx context.Context) error {
	if err := b.Flush(ctx); err != nil {
		return err
	}
	if len(b.failures) == 0 {
		return nil
	}
	return &PartialFailure{
		Collection: b.coll,
		Attempted:  b.attempted,
		Failed:     b.failures,
		errs:       b.errs,
	}
}

// WriteAll writes docs through a Buffer. The returned outcomes cover every
// document attempted before any transport failure, in input order.
func WriteAll(ctx context.Context, store docstore.Store, coll docstore.Collection, docs []docstore.Document, opts Options) ([]docstore.Outcome, error) {
	buf := New(store, coll, opts)
	for _, doc := range docs {
		if err := buf.Add(ctx, doc); err != nil {
			return buf.Outcomes(), err
		}
	}
	if err := buf.Close(ctx); err != nil {
		return buf.Outcomes(), err
	}
	return buf.Outcomes(), nil
}
