package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
	"github.com/JakeFAU/crawl-frontier/internal/docstore"
	"github.com/JakeFAU/crawl-frontier/internal/docstore/memory"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/intake"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewWithMemoryStoreServesAPI(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Driver = "mongo"
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestRunRestoresOverlayOnShutdown(t *testing.T) {
	t.Parallel()

	store := memory.New()
	a, err := New(context.Background(), testConfig(t), zap.NewNop(), WithStore(store), WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)

	_, err = a.Frontier().OfferAll(context.Background(), "s1", []frontier.Entry{{URL: "http://a/"}, {URL: "http://b/"}})
	require.NoError(t, err)
	a.Frontier().ClearCache()
	// claim both from the store; one is handed out, one stays waiting
	_, ok, err := a.Frontier().Poll(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, store.Len(docstore.CollectionQueue))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop after context cancel")
	}
	require.Equal(t, 1, store.Len(docstore.CollectionQueue))
	require.NoError(t, a.Close())
}

func TestRunIntakeToDispatch(t *testing.T) {
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

	links, err := client.CreateTopic(ctx, "links")
	require.NoError(t, err)
	defer links.Stop()
	_, err = client.CreateSubscription(ctx, "links-sub", pubsub.SubscriptionConfig{Topic: links})
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "fetch")
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.PubSub = config.PubSubConfig{ProjectID: "project-id", IntakeSubscription: "links-sub", DispatchTopic: "fetch"}
	cfg.Dispatcher.Enabled = true
	cfg.Dispatcher.Workers = 2
	cfg.Dispatcher.Sessions = []string{"s1"}
	cfg.Dispatcher.IdleMs = 10

	a, err := New(ctx, cfg, zap.NewNop(), WithPubSubClient(client), WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	batch, err := json.Marshal(intake.Batch{SessionID: "s1", Links: []intake.Link{
		{URL: "http://a/", Depth: 1},
		{URL: "http://a/", Depth: 1},
		{URL: "http://b/", Depth: 1},
	}})
	require.NoError(t, err)
	_, err = links.Publish(ctx, &pubsub.Message{Data: batch}).Get(ctx)
	require.NoError(t, err)

	dispatched := func() []dispatcher.Task {
		var out []dispatcher.Task
		for _, m := range srv.Messages() {
			if m.Attributes["session_id"] != "s1" {
				continue
			}
			var task dispatcher.Task
			if json.Unmarshal(m.Data, &task) == nil {
				out = append(out, task)
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(dispatched()) == 2 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop after context cancel")
	}
	stats, err := a.Frontier().Stats(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, stats.Stored)
	require.Zero(t, stats.Pending)
	require.NoError(t, a.Close())

	urls := map[string]bool{}
	for _, task := range dispatched() {
		urls[task.URL] = true
	}
	require.Equal(t, map[string]bool{"http://a/": true, "http://b/": true}, urls)
}
