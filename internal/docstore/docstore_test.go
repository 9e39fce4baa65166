package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	fields := Fields{"sessionId": "s1", "depth": json.Number("2"), "filterType": "include"}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{name: "empty filter", filter: nil, want: true},
		{name: "string term", filter: Eq("sessionId", "s1"), want: true},
		{name: "numeric across types", filter: Eq("depth", 2), want: true},
		{name: "conjunction", filter: Eq("sessionId", "s1").And("filterType", "include"), want: true},
		{name: "mismatch", filter: Eq("sessionId", "s2"), want: false},
		{name: "missing field", filter: Eq("url", "http://a/"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.filter.Matches(fields))
		})
	}
}

func TestFilterAndDoesNotAlias(t *testing.T) {
	t.Parallel()

	base := make(Filter, 1, 4)
	base[0] = Term{Field: "a", Value: 1}
	first := base.And("b", 2)
	second := base.And("c", 3)
	require.Equal(t, "b", first[1].Field)
	require.Equal(t, "c", second[1].Field)
}

func TestCompare(t *testing.T) {
	t.Parallel()

	require.Equal(t, -1, Compare(nil, 1))
	require.Equal(t, 1, Compare(int64(5), json.Number("4")))
	require.Equal(t, 0, Compare(float64(3), 3))
	require.Equal(t, -1, Compare("a", "b"))
}

func TestInt64Conversions(t *testing.T) {
	t.Parallel()

	for _, v := range []any{7, int32(7), int64(7), float64(7), json.Number("7")} {
		got, ok := Int64(v)
		require.True(t, ok, "%T", v)
		require.Equal(t, int64(7), got)
	}
	_, ok := Int64(7.5)
	require.False(t, ok)
	_, ok = Int64("7")
	require.False(t, ok)
}

func TestFieldsCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := Fields{"nested": map[string]any{"k": "v"}, "list": []any{"x"}}
	clone := orig.Clone()
	clone["nested"].(Fields)["k"] = "changed"
	clone["list"].([]any)[0] = "y"
	require.Equal(t, "v", orig["nested"].(map[string]any)["k"])
	require.Equal(t, "x", orig["list"].([]any)[0])
}

func TestScrollEachClosesOnEveryPath(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name    string
		cursor  *fakeCursor
		fnErr   error
		wantErr error
		pages   int
	}{
		{name: "exhausted", cursor: &fakeCursor{pages: [][]Document{{{ID: "a"}}, {{ID: "b"}}}}, pages: 2},
		{name: "callback error", cursor: &fakeCursor{pages: [][]Document{{{ID: "a"}}, {{ID: "b"}}}}, fnErr: boom, wantErr: boom, pages: 1},
		{name: "next error", cursor: &fakeCursor{nextErr: ErrCursorExpired}, wantErr: ErrCursorExpired},
		{name: "close error surfaces", cursor: &fakeCursor{closeErr: ErrTransport}, wantErr: ErrTransport},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := &scrollOnlyStore{cursor: tc.cursor}
			pages := 0
			err := ScrollEach(context.Background(), store, CollectionQueue, ScrollRequest{}, func([]Document) error {
				pages++
				return tc.fnErr
			})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tc.pages, pages)
			require.Equal(t, 1, tc.cursor.closed)
		})
	}
}

type fakeCursor struct {
	pages    [][]Document
	nextErr  error
	closeErr error
	closed   int
}

func (c *fakeCursor) Next(context.Context) ([]Document, error) {
	if c.nextErr != nil {
		return nil, c.nextErr
	}
	if len(c.pages) == 0 {
		return nil, nil
	}
	page := c.pages[0]
	c.pages = c.pages[1:]
	return page, nil
}

func (c *fakeCursor) Close(context.Context) error {
	c.closed++
	return c.closeErr
}

type scrollOnlyStore struct {
	Store
	cursor Cursor
}

func (s *scrollOnlyStore) Scroll(context.Context, Collection, ScrollRequest) (Cursor, error) {
	return s.cursor, nil
}
