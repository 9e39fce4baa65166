// Package urlfilter stores per-session include and exclude URL patterns and
// decides whether a discovered link belongs to the crawl.
package urlfilter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/bulkwrite"
	"github.com/JakeFAU/crawl-frontier/internal/docstore"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// ErrInvalidPattern reports a pattern that is not a valid regular expression.
var ErrInvalidPattern = errors.New("invalid url pattern")

// Config tunes pattern loading.
type Config struct {
	CacheTTL    time.Duration
	MaxLoadSize int
	BufferSize  int
}

// Defaults for unset Config fields.
const (
	DefaultCacheTTL    = 10 * time.Second
	DefaultMaxLoadSize = 10000
)

// Service persists URL filters and caches their compiled form per session.
type Service struct {
	store   docstore.Store
	encoder frontier.IDEncoder
	cfg     Config
	include *cache.Cache
	exclude *cache.Cache
	logger  *zap.Logger
}

// New returns a Service.
func New(store docstore.Store, encoder frontier.IDEncoder, cfg Config, logger *zap.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.MaxLoadSize <= 0 {
		cfg.MaxLoadSize = DefaultMaxLoadSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		encoder: encoder,
		cfg:     cfg,
		include: cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		exclude: cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:  logger,
	}
}

// AddInclude stores include patterns for the session.
func (s *Service) AddInclude(ctx context.Context, sessionID string, patterns ...string) error {
	return s.add(ctx, sessionID, frontier.FilterInclude, patterns)
}

// AddExclude stores exclude patterns for the session.
func (s *Service) AddExclude(ctx context.Context, sessionID string, patterns ...string) error {
	return s.add(ctx, sessionID, frontier.FilterExclude, patterns)
}

func (s *Service) add(ctx context.Context, sessionID, filterType string, patterns []string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: url filter needs a session", frontier.ErrInvalidEntry)
	}
	docs := make([]docstore.Document, 0, len(patterns))
	for _, pattern := range patterns {
		if _, err := compile(pattern); err != nil {
			return fmt.Errorf("%w: %s %q: %w", ErrInvalidPattern, filterType, pattern, err)
		}
		docs = append(docs, frontier.EncodeURLFilter(frontier.URLFilter{
			// the type is part of the key so the same pattern can be both
			ID:         s.encoder.Encode(sessionID, filterType+" "+pattern),
			SessionID:  sessionID,
			FilterType: filterType,
			Pattern:    pattern,
		}))
	}
	if len(docs) == 0 {
		return nil
	}
	_, err := bulkwrite.WriteAll(ctx, s.store, docstore.CollectionFilter, docs, bulkwrite.Options{
		Size: s.cfg.BufferSize,
		Mode: docstore.ModeUpsert,
	})
	s.invalidate(sessionID)
	if err != nil {
		return fmt.Errorf("store %s filters: %w", filterType, err)
	}
	return nil
}

// DeleteSession removes every filter of the session.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.store.DeleteByFilter(ctx, docstore.CollectionFilter, docstore.Eq(frontier.FieldSessionID, sessionID))
	s.invalidate(sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete url filters of %s: %w", sessionID, err)
	}
	if err := s.store.Refresh(ctx, docstore.CollectionFilter); err != nil {
		return n, fmt.Errorf("refresh url filters: %w", err)
	}
	return n, nil
}

// IncludePatterns returns the compiled include patterns of the session.
func (s *Service) IncludePatterns(ctx context.Context, sessionID string) ([]*regexp.Regexp, error) {
	return s.patterns(ctx, s.include, sessionID, frontier.FilterInclude)
}

// ExcludePatterns returns the compiled exclude patterns of the session.
func (s *Service) ExcludePatterns(ctx context.Context, sessionID string) ([]*regexp.Regexp, error) {
	return s.patterns(ctx, s.exclude, sessionID, frontier.FilterExclude)
}

// Match reports whether url should be crawled: it must match an include
// pattern when any exist, and must match no exclude pattern. Patterns match
// the whole URL.
func (s *Service) Match(ctx context.Context, sessionID, url string) (bool, error) {
	includes, err := s.IncludePatterns(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if len(includes) > 0 && !anyMatch(includes, url) {
		return false, nil
	}
	excludes, err := s.ExcludePatterns(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return !anyMatch(excludes, url), nil
}

// compile anchors pattern so that it must match the whole URL. The bare
// pattern is checked first so unbalanced groups cannot escape the anchors.
func compile(pattern string) (*regexp.Regexp, error) {
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, err
	}
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

func anyMatch(patterns []*regexp.Regexp, url string) bool {
	for _, re := range patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

func (s *Service) invalidate(sessionID string) {
	s.include.Delete(sessionID)
	s.exclude.Delete(sessionID)
}

func (s *Service) patterns(ctx context.Context, c *cache.Cache, sessionID, filterType string) ([]*regexp.Regexp, error) {
	if cached, ok := c.Get(sessionID); ok {
		return cached.([]*regexp.Regexp), nil
	}
	docs, err := s.store.Search(ctx, docstore.CollectionFilter, docstore.SearchRequest{
		Filter: docstore.Eq(frontier.FieldSessionID, sessionID).And(frontier.FieldFilterType, filterType),
		Sort:   []docstore.Sort{docstore.Asc(docstore.FieldID)},
		Size:   s.cfg.MaxLoadSize,
	})
	if err != nil {
		return nil, fmt.Errorf("load %s filters of %s: %w", filterType, sessionID, err)
	}
	if len(docs) == s.cfg.MaxLoadSize {
		s.logger.Warn("url filter load truncated",
			zap.String("session_id", sessionID),
			zap.String("filter_type", filterType),
			zap.Int("limit", s.cfg.MaxLoadSize),
		)
	}
	out := make([]*regexp.Regexp, 0, len(docs))
	for _, doc := range docs {
		f, err := frontier.DecodeURLFilter(doc)
		if err != nil {
			return nil, err
		}
		re, err := compile(f.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: url filter %q: %w", frontier.ErrCorruptDecode, doc.ID, err)
		}
		out = append(out, re)
	}
	c.Set(sessionID, out, cache.DefaultExpiration)
	return out, nil
}
