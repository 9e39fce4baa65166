package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/docstore"
)

// cursorName is scoped to the owning transaction, so one name serves every scroll.
const cursorName = "frontier_scroll"

// Scroll declares a server-side cursor inside a dedicated transaction. The
// transaction is the point-in-time view; Close commits it.
func (s *Store) Scroll(ctx context.Context, coll docstore.Collection, req docstore.ScrollRequest) (docstore.Cursor, error) {
	q, err := s.selectQuery(coll, req.Filter, req.Sort)
	if err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, transport("begin scroll", coll, err)
	}
	if req.KeepAlive > 0 {
		timeout := strconv.FormatInt(req.KeepAlive.Milliseconds(), 10)
		if _, err := tx.Exec(ctx, `SELECT set_config('idle_in_transaction_session_timeout', $1, true)`, timeout); err != nil {
			s.rollback(ctx, tx)
			return nil, transport("scroll keep-alive", coll, err)
		}
	}
	if _, err := tx.Exec(ctx, "DECLARE "+cursorName+" NO SCROLL CURSOR FOR "+q.sql, q.args...); err != nil {
		s.rollback(ctx, tx)
		return nil, transport("declare scroll", coll, err)
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &cursor{
		store:     s,
		tx:        tx,
		coll:      coll,
		pageSize:  pageSize,
		keepAlive: req.KeepAlive,
		touched:   s.now(),
	}, nil
}

func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		s.logger.Debug("scroll rollback failed", zap.Error(err))
	}
}

type cursor struct {
	store     *Store
	tx        pgx.Tx
	coll      docstore.Collection
	pageSize  int
	keepAlive time.Duration
	touched   time.Time
	closed    bool
	failed    bool
}

// Next fetches the next page from the server-side cursor.
func (c *cursor) Next(ctx context.Context) ([]docstore.Document, error) {
	if c.closed {
		return nil, fmt.Errorf("scroll %s: %w", c.coll, docstore.ErrCursorExpired)
	}
	now := c.store.now()
	if c.keepAlive > 0 && now.Sub(c.touched) > c.keepAlive {
		c.failed = true
		return nil, fmt.Errorf("scroll %s idle for %s: %w", c.coll, now.Sub(c.touched), docstore.ErrCursorExpired)
	}
	c.touched = now
	rows, err := c.tx.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", c.pageSize, cursorName))
	if err != nil {
		c.failed = true
		return nil, transport("fetch scroll", c.coll, err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		c.failed = true
		return nil, fmt.Errorf("fetch scroll %s: %w", c.coll, err)
	}
	return docs, nil
}

// Close releases the cursor and ends its transaction. It is idempotent.
func (c *cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.failed {
		c.store.rollback(ctx, c.tx)
		return nil
	}
	if _, err := c.tx.Exec(ctx, "CLOSE "+cursorName); err != nil {
		c.store.rollback(ctx, c.tx)
		return transport("close scroll", c.coll, err)
	}
	if err := c.tx.Commit(ctx); err != nil {
		return transport("commit scroll", c.coll, err)
	}
	return nil
}
