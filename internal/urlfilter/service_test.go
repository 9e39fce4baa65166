package urlfilter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/docstore"
	"github.com/JakeFAU/crawl-frontier/internal/docstore/memory"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/id/docid"
)

func newService(t *testing.T) (*Service, *countingStore) {
	t.Helper()
	store := &countingStore{Store: memory.New()}
	return New(store, docid.New(0), Config{}, zap.NewNop()), store
}

func TestMatchWithoutFiltersAcceptsEverything(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ok, err := svc.Match(context.Background(), "s1", "http://anything/")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchIncludeAndExclude(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.AddInclude(ctx, "s1", `https://example\.com/.*`))
	require.NoError(t, svc.AddExclude(ctx, "s1", `.*\.pdf`, `.*/private/.*`))

	tests := []struct {
		url  string
		want bool
	}{
		{url: "https://example.com/docs", want: true},
		{url: "https://example.com/file.pdf", want: false},
		{url: "https://example.com/private/x", want: false},
		{url: "https://other.com/docs", want: false},
		{url: "https://other.com/?next=https://example.com/docs", want: false},
		{url: "https://example.com/report.pdf?download=1", want: true},
	}
	for _, tc := range tests {
		got, err := svc.Match(ctx, "s1", tc.url)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, tc.url)
	}

	ok, err := svc.Match(ctx, "s2", "https://other.com/file.pdf")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPatternsMatchWholeURL(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.AddInclude(ctx, "s1", `http://example\.com/.*`))

	ok, err := svc.Match(ctx, "s1", "http://evil.com/?next=http://example.com/x")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.Match(ctx, "s1", "http://example.com/x")
	require.NoError(t, err)
	require.True(t, ok)

	// alternation stays inside the anchors
	require.NoError(t, svc.AddExclude(ctx, "s1", `http://example\.com/a|http://example\.com/b`))
	ok, err = svc.Match(ctx, "s1", "http://example.com/abc")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = svc.Match(ctx, "s1", "http://example.com/b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSamePatternCanIncludeAndExclude(t *testing.T) {
	t.Parallel()

	svc, store := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.AddInclude(ctx, "s1", "x"))
	require.NoError(t, svc.AddExclude(ctx, "s1", "x"))
	require.Equal(t, 2, store.Len(docstore.CollectionFilter))
}

func TestPatternsAreCachedAndInvalidatedOnWrite(t *testing.T) {
	t.Parallel()

	svc, store := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.AddInclude(ctx, "s1", "a"))

	_, err := svc.IncludePatterns(ctx, "s1")
	require.NoError(t, err)
	_, err = svc.IncludePatterns(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, store.searches)

	require.NoError(t, svc.AddInclude(ctx, "s1", "b"))
	got, err := svc.IncludePatterns(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 2, store.searches)
}

func TestAddRejectsInvalidRegexp(t *testing.T) {
	t.Parallel()

	svc, store := newService(t)
	require.ErrorIs(t, svc.AddExclude(context.Background(), "s1", "ok", "(unclosed"), ErrInvalidPattern)
	require.ErrorIs(t, svc.AddInclude(context.Background(), "s1", "a)|(b"), ErrInvalidPattern)
	require.Zero(t, store.Len(docstore.CollectionFilter))
}

func TestDeleteSessionClearsFilters(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.AddExclude(ctx, "s1", ".*"))
	ok, err := svc.Match(ctx, "s1", "http://a/")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := svc.DeleteSession(ctx, "s1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	ok, err = svc.Match(ctx, "s1", "http://a/")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCorruptStoredPatternIsSurfaced(t *testing.T) {
	t.Parallel()

	svc, store := newService(t)
	ctx := context.Background()
	_, err := store.BulkWrite(ctx, docstore.CollectionFilter, []docstore.Document{frontier.EncodeURLFilter(frontier.URLFilter{
		ID: "f", SessionID: "s1", FilterType: frontier.FilterInclude, Pattern: "(",
	})}, docstore.ModeCreate)
	require.NoError(t, err)

	_, err = svc.Match(ctx, "s1", "http://a/")
	require.ErrorIs(t, err, frontier.ErrCorruptDecode)
}

type countingStore struct {
	*memory.Store
	searches int
}

func (c *countingStore) Search(ctx context.Context, coll docstore.Collection, req docstore.SearchRequest) ([]docstore.Document, error) {
	c.searches++
	return c.Store.Search(ctx, coll, req)
}
