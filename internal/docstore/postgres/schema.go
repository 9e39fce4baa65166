package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/docstore"
)

// EnsureSchema creates one table per collection with a GIN index over the
// document body and a session index. Shard and replica hints are kept as the
// table comment for operators; Postgres does not act on them.
func (s *Store) EnsureSchema(ctx context.Context, specs []docstore.CollectionSpec) error {
	for _, spec := range specs {
		table := s.Table(spec.Collection)
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, doc jsonb NOT NULL)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_doc_idx ON %s USING GIN (doc jsonb_path_ops)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_session_idx ON %s ((doc->>'sessionId'))`, table, table),
			fmt.Sprintf(`COMMENT ON TABLE %s IS 'shards=%d replicas=%d'`, table, spec.Shards, spec.Replicas),
		}
		for _, stmt := range statements {
			if _, err := s.pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("bootstrap %s: %w: %w", table, docstore.ErrTransport, err)
			}
		}
		s.logger.Info("collection ready",
			zap.String("table", table),
			zap.Int("shards", spec.Shards),
			zap.Int("replicas", spec.Replicas),
		)
	}
	return nil
}
