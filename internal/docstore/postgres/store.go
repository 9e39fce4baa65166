// Package postgres implements docstore.Store on Postgres, keeping each
// collection in its own table of (id text primary key, doc jsonb).
package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/docstore"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table naming.
type Config struct {
	DSN             string
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectAttempts uint
	ConnectDelay    time.Duration
}

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is a Postgres-backed docstore.Store.
type Store struct {
	pool   Pool
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// New connects to Postgres and pings it with bounded retries.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.TablePrefix, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.ping(ctx, cfg.ConnectAttempts, cfg.ConnectDelay); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool, prefix string, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if prefix == "" {
		prefix = "frontier"
	}
	if !validIdentifier.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, prefix: prefix, logger: logger, now: time.Now}, nil
}

func (s *Store) ping(ctx context.Context, attempts uint, delay time.Duration) error {
	if attempts == 0 {
		attempts = 5
	}
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	err := retry.Do(
		func() error { return s.pool.Ping(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("postgres ping failed; retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("ping postgres: %w: %w", docstore.ErrTransport, err)
	}
	return nil
}

// Ping checks the connection once. It backs readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w: %w", docstore.ErrTransport, err)
	}
	return nil
}

// Table returns the table backing coll.
func (s *Store) Table(coll docstore.Collection) string {
	return s.prefix + "_" + string(coll)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func transport(op string, coll docstore.Collection, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, coll, docstore.ErrTransport, err)
}

// Exists reports whether id is stored in coll.
func (s *Store) Exists(ctx context.Context, coll docstore.Collection, id string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.Table(coll))
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, transport("exists", coll, err)
	}
	return exists, nil
}

// Get loads one document or returns docstore.ErrNotFound.
func (s *Store) Get(ctx context.Context, coll docstore.Collection, id string) (docstore.Document, error) {
	var raw []byte
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.Table(coll))
	if err := s.pool.QueryRow(ctx, query, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docstore.Document{}, fmt.Errorf("get %s/%s: %w", coll, id, docstore.ErrNotFound)
		}
		return docstore.Document{}, transport("get", coll, err)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return docstore.Document{}, fmt.Errorf("get %s/%s: %w", coll, id, err)
	}
	return docstore.Document{ID: id, Fields: fields}, nil
}

// BulkWrite inserts docs in one statement. In create mode existing ids are
// left untouched and reported as conflicts; a repeated id within one call
// succeeds once.
func (s *Store) BulkWrite(ctx context.Context, coll docstore.Collection, docs []docstore.Document, mode docstore.WriteMode) ([]docstore.Outcome, error) {
	outcomes := make([]docstore.Outcome, len(docs))
	ids := make([]string, 0, len(docs))
	bodies := make([]string, 0, len(docs))
	positions := make(map[string][]int, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			outcomes[i] = docstore.Failure("", errors.New("document id is required"))
			continue
		}
		body, err := json.Marshal(doc.Fields)
		if err != nil {
			outcomes[i] = docstore.Failure(doc.ID, fmt.Errorf("encode document: %w", err))
			continue
		}
		if prior, seen := positions[doc.ID]; seen && mode == docstore.ModeUpsert {
			// Postgres rejects touching one row twice in an upsert; last write wins.
			bodies[indexOf(ids, doc.ID)] = string(body)
			positions[doc.ID] = append(prior, i)
			continue
		}
		positions[doc.ID] = append(positions[doc.ID], i)
		ids = append(ids, doc.ID)
		bodies = append(bodies, string(body))
	}
	if len(ids) == 0 {
		return outcomes, nil
	}

	conflict := `DO NOTHING`
	if mode == docstore.ModeUpsert {
		conflict = `DO UPDATE SET doc = EXCLUDED.doc`
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, doc)
		SELECT u.id, u.doc::jsonb FROM unnest($1::text[], $2::text[]) AS u(id, doc)
		ON CONFLICT (id) %s RETURNING id`, s.Table(coll), conflict)
	written, err := s.returnedIDs(ctx, query, ids, bodies)
	if err != nil {
		return nil, transport("bulk write", coll, err)
	}

	for id, idxs := range positions {
		for n, i := range idxs {
			switch {
			case written[id] && (n == 0 || mode == docstore.ModeUpsert):
				outcomes[i] = docstore.OK(id)
			case mode == docstore.ModeCreate:
				outcomes[i] = docstore.Conflict(id)
			default:
				outcomes[i] = docstore.Failure(id, fmt.Errorf("upsert %s: row not written", id))
			}
		}
	}
	return outcomes, nil
}

// BulkUpdate merges patch into each existing document.
func (s *Store) BulkUpdate(ctx context.Context, coll docstore.Collection, ids []string, patch docstore.Fields) ([]docstore.Outcome, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET doc = doc || $2::jsonb WHERE id = ANY($1::text[]) RETURNING id`, s.Table(coll))
	updated, err := s.returnedIDs(ctx, query, ids, string(body))
	if err != nil {
		return nil, transport("bulk update", coll, err)
	}
	outcomes := make([]docstore.Outcome, len(ids))
	for i, id := range ids {
		if updated[id] {
			outcomes[i] = docstore.OK(id)
			continue
		}
		outcomes[i] = docstore.Failure(id, docstore.ErrNotFound)
	}
	return outcomes, nil
}

// BulkDelete removes each id. Ids that were absent, or repeated, report ErrNotFound.
func (s *Store) BulkDelete(ctx context.Context, coll docstore.Collection, ids []string) ([]docstore.Outcome, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1::text[]) RETURNING id`, s.Table(coll))
	deleted, err := s.returnedIDs(ctx, query, ids)
	if err != nil {
		return nil, transport("bulk delete", coll, err)
	}
	outcomes := make([]docstore.Outcome, len(ids))
	for i, id := range ids {
		if deleted[id] {
			delete(deleted, id)
			outcomes[i] = docstore.OK(id)
			continue
		}
		outcomes[i] = docstore.Failure(id, docstore.ErrNotFound)
	}
	return outcomes, nil
}

// Search returns matching documents sorted by req.Sort, ties broken by id.
func (s *Store) Search(ctx context.Context, coll docstore.Collection, req docstore.SearchRequest) ([]docstore.Document, error) {
	q, err := s.selectQuery(coll, req.Filter, req.Sort)
	if err != nil {
		return nil, err
	}
	if req.Size > 0 {
		q.sql += fmt.Sprintf(" LIMIT %d", req.Size)
	}
	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, transport("search", coll, err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", coll, err)
	}
	return docs, nil
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, coll docstore.Collection, filter docstore.Filter) (int64, error) {
	where, args, err := whereClause(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	query := fmt.Sprintf(`SELECT count(*) FROM %s%s`, s.Table(coll), where)
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, transport("count", coll, err)
	}
	return n, nil
}

// DeleteByFilter removes every matching document.
func (s *Store) DeleteByFilter(ctx context.Context, coll docstore.Collection, filter docstore.Filter) (int64, error) {
	where, args, err := whereClause(filter)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s%s`, s.Table(coll), where), args...)
	if err != nil {
		return 0, transport("delete by filter", coll, err)
	}
	return tag.RowsAffected(), nil
}

// Refresh is a no-op; committed rows are visible to subsequent statements.
func (s *Store) Refresh(context.Context, docstore.Collection) error {
	return nil
}

func (s *Store) returnedIDs(ctx context.Context, query string, args ...any) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return out, nil
}

func scanDocuments(rows pgx.Rows) ([]docstore.Document, error) {
	defer rows.Close()
	docs := make([]docstore.Document, 0)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
		docs = append(docs, docstore.Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", docstore.ErrTransport, err)
	}
	return docs, nil
}

func decodeFields(raw []byte) (docstore.Fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields docstore.Fields
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode document body: %w", err)
	}
	return fields, nil
}

func indexOf(ids []string, id string) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}
