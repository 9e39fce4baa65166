package intake

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

type recordingOfferer struct {
	mu      sync.Mutex
	calls   map[string][]frontier.Entry
	err     error
	attempt int
}

func (r *recordingOfferer) OfferAll(_ context.Context, sessionID string, entries []frontier.Entry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt++
	if r.err != nil {
		return 0, r.err
	}
	if r.calls == nil {
		r.calls = make(map[string][]frontier.Entry)
	}
	r.calls[sessionID] = append(r.calls[sessionID], entries...)
	return len(entries), nil
}

func (r *recordingOfferer) entries(sessionID string) []frontier.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frontier.Entry(nil), r.calls[sessionID]...)
}

func (r *recordingOfferer) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

type prefixMatcher struct {
	exclude string
	err     error
}

func (m prefixMatcher) Match(_ context.Context, _, url string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return !strings.HasPrefix(url, m.exclude), nil
}

func encode(t *testing.T, b Batch) []byte {
	t.Helper()
	data, err := json.Marshal(b)
	require.NoError(t, err)
	return data
}

func TestHandleOffersFilteredLinks(t *testing.T) {
	t.Parallel()

	offerer := &recordingOfferer{}
	s := New(nil, offerer, prefixMatcher{exclude: "http://ads."}, nil, zap.NewNop())

	err := s.Handle(context.Background(), encode(t, Batch{
		SessionID: "s1",
		Links: []Link{
			{URL: "http://a/", ParentURL: "http://root/", Depth: 1},
			{URL: "http://ads.example/x", Depth: 1},
			{URL: "http://b/", Method: "GET", Depth: 2},
		},
	}))
	require.NoError(t, err)

	got := offerer.entries("s1")
	require.Len(t, got, 2)
	require.Equal(t, frontier.Entry{SessionID: "s1", URL: "http://a/", ParentURL: "http://root/", Depth: 1}, got[0])
	require.Equal(t, "http://b/", got[1].URL)
	require.Equal(t, 2, got[1].Depth)
}

func TestHandleRejectsMalformed(t *testing.T) {
	t.Parallel()

	s := New(nil, &recordingOfferer{}, nil, nil, nil)
	tests := map[string][]byte{
		"not json":       []byte("{"),
		"no session":     encode(t, Batch{Links: []Link{{URL: "http://a/"}}}),
		"negative depth": encode(t, Batch{SessionID: "s1", Links: []Link{{URL: "http://a/", Depth: -1}}}),
	}
	for name, data := range tests {
		require.ErrorIs(t, s.Handle(context.Background(), data), ErrMalformed, name)
	}
}

func TestHandleSurfacesFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	batch := encode(t, Batch{SessionID: "s1", Links: []Link{{URL: "http://a/"}}})

	err := New(nil, &recordingOfferer{err: boom}, nil, nil, nil).Handle(context.Background(), batch)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrMalformed)

	err = New(nil, &recordingOfferer{}, prefixMatcher{err: boom}, nil, nil).Handle(context.Background(), batch)
	require.ErrorIs(t, err, boom)
}

func TestHandleSkipsEmptyBatch(t *testing.T) {
	t.Parallel()

	offerer := &recordingOfferer{}
	s := New(nil, offerer, prefixMatcher{exclude: "http://"}, nil, nil)
	require.NoError(t, s.Handle(context.Background(), encode(t, Batch{SessionID: "s1", Links: []Link{{URL: "http://a/"}}})))
	require.Zero(t, offerer.attempts())
}

func TestRunReceivesFromSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "links")
	require.NoError(t, err)
	defer topic.Stop()
	sub, err := client.CreateSubscription(ctx, "links-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	offerer := &recordingOfferer{}
	s := New(sub, offerer, nil, nil, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	for _, b := range []Batch{
		{SessionID: "s1", Links: []Link{{URL: "http://a/"}, {URL: "http://b/"}}},
		{SessionID: "s2", Links: []Link{{URL: "http://c/"}}},
	} {
		_, err := topic.Publish(ctx, &pubsub.Message{Data: encode(t, b)}).Get(ctx)
		require.NoError(t, err)
	}
	_, err = topic.Publish(ctx, &pubsub.Message{Data: []byte("garbage")}).Get(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(offerer.entries("s1")) == 2 && len(offerer.entries("s2")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop after context cancel")
	}
}

func TestRunWithoutSubscription(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, &recordingOfferer{}, nil, nil, nil).Run(context.Background()))
}
