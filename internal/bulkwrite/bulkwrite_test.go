package bulkwrite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-frontier/internal/docstore"
	"github.com/JakeFAU/crawl-frontier/internal/docstore/memory"
)

func docs(n int) []docstore.Document {
	out := make([]docstore.Document, n)
	for i := range out {
		out[i] = docstore.Document{ID: fmt.Sprintf("doc-%02d", i), Fields: docstore.Fields{"n": i}}
	}
	return out
}

func TestWriteAllChunksBySize(t *testing.T) {
	t.Parallel()

	store := &countingStore{Store: memory.New()}
	out, err := WriteAll(context.Background(), store, docstore.CollectionQueue, docs(25), Options{Size: 10, Mode: docstore.ModeCreate})
	require.NoError(t, err)
	require.Len(t, out, 25)
	require.Equal(t, []int{10, 10, 5}, store.batches)
}

func TestWriteAllIgnoresConflictsWhenAsked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	_, err := WriteAll(ctx, store, docstore.CollectionQueue, docs(3), Options{Mode: docstore.ModeCreate})
	require.NoError(t, err)

	out, err := WriteAll(ctx, store, docstore.CollectionQueue, docs(5), Options{Mode: docstore.ModeCreate, IgnoreConflicts: true})
	require.NoError(t, err)
	require.Len(t, out, 5)
	require.Equal(t, docstore.StatusConflict, out[0].Status)
	require.Equal(t, docstore.StatusOK, out[4].Status)
}

func TestWriteAllAggregatesFailuresAcrossChunks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	_, err := WriteAll(ctx, store, docstore.CollectionQueue, docs(1), Options{Mode: docstore.ModeCreate})
	require.NoError(t, err)

	input := docs(12)
	input[11].ID = ""
	out, err := WriteAll(ctx, store, docstore.CollectionQueue, input, Options{Size: 5, Mode: docstore.ModeCreate})
	require.Len(t, out, 12)

	var partial *PartialFailure
	require.ErrorAs(t, err, &partial)
	require.Equal(t, 12, partial.Attempted)
	require.Len(t, partial.Failed, 2)
	require.ErrorIs(t, err, docstore.ErrConflict)
	require.Contains(t, err.Error(), "2 of 12 documents failed")
	// every other document was still written
	require.Equal(t, 11, store.Len(docstore.CollectionQueue))
}

func TestWriteAllAbortsOnTransportError(t *testing.T) {
	t.Parallel()

	store := &countingStore{Store: memory.New(), failAfter: 1}
	out, err := WriteAll(context.Background(), store, docstore.CollectionQueue, docs(25), Options{Size: 10})
	require.ErrorIs(t, err, docstore.ErrTransport)
	require.Len(t, out, 10)
	require.Equal(t, []int{10, 10}, store.batches)
}

func TestBufferDefaults(t *testing.T) {
	t.Parallel()

	buf := New(memory.New(), docstore.CollectionData, Options{})
	require.Equal(t, DefaultSize, buf.opts.Size)
	require.Equal(t, docstore.ModeUpsert, buf.opts.Mode)
	require.NoError(t, buf.Close(context.Background()))
}

type countingStore struct {
	docstore.Store
	batches   []int
	failAfter int
}

func (s *countingStore) BulkWrite(ctx context.Context, coll docstore.Collection, batch []docstore.Document, mode docstore.WriteMode) ([]docstore.Outcome, error) {
	s.batches = append(s.batches, len(batch))
	if s.failAfter > 0 && len(s.batches) > s.failAfter {
		return nil, fmt.Errorf("bulk: %w", errors.Join(docstore.ErrTransport, errors.New("node unavailable")))
	}
	return s.Store.BulkWrite(ctx, coll, batch, mode)
}
