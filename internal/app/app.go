// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-frontier/internal/api"
	"github.com/JakeFAU/crawl-frontier/internal/clock/system"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
	"github.com/JakeFAU/crawl-frontier/internal/docstore"
	"github.com/JakeFAU/crawl-frontier/internal/docstore/memory"
	"github.com/JakeFAU/crawl-frontier/internal/docstore/postgres"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/id/docid"
	"github.com/JakeFAU/crawl-frontier/internal/intake"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
	"github.com/JakeFAU/crawl-frontier/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/crawl-frontier/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-frontier/internal/results"
	"github.com/JakeFAU/crawl-frontier/internal/urlfilter"
)

const shutdownTimeout = 10 * time.Second

// App holds the shared, long-lived services of the frontier process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	addr     string
	registry *prometheus.Registry
	recorder *metrics.Recorder

	store    docstore.Store
	frontier *frontier.Service
	results  *results.Service
	filters  *urlfilter.Service

	pubsubClient *pubsub.Client
	ownsClient   bool
	publisher    *pubsubpublisher.Publisher
	intake       *intake.Subscriber
	dispatcher   *dispatcher.Dispatcher
}

// Option customizes New.
type Option func(*App)

// WithStore uses store instead of the configured driver. The App closes it.
func WithStore(store docstore.Store) Option {
	return func(a *App) { a.store = store }
}

// WithPubSubClient uses client instead of dialing Pub/Sub. The caller keeps ownership.
func WithPubSubClient(client *pubsub.Client) Option {
	return func(a *App) { a.pubsubClient = client }
}

// WithListenAddr overrides the HTTP listen address.
func WithListenAddr(addr string) Option {
	return func(a *App) { a.addr = addr }
}

// New creates and initializes an App from cfg. It fails fast when a
// configured dependency cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:      cfg,
		logger:   logger,
		addr:     fmt.Sprintf(":%d", cfg.Server.Port),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	recorder, err := metrics.NewRecorder(a.registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	a.recorder = recorder

	if a.store == nil {
		if a.store, err = openStore(ctx, cfg, logger.Named("store")); err != nil {
			return nil, err
		}
	}
	if cfg.Store.Bootstrap {
		if b, ok := a.store.(docstore.Bootstrapper); ok {
			if err := b.EnsureSchema(ctx, collectionSpecs(cfg.Collections)); err != nil {
				a.closeStore()
				return nil, fmt.Errorf("bootstrap store: %w", err)
			}
		}
	}

	encoder := docid.New(cfg.Frontier.IDPrefixLength)
	a.results = results.New(a.store, encoder, results.Config{
		BufferSize:    cfg.Frontier.BufferSize,
		ScrollSize:    cfg.Frontier.ScrollSize,
		ScrollTimeout: cfg.ScrollTimeout(),
	}, logger.Named("results"))
	a.frontier = frontier.NewService(a.store, a.results, encoder, system.New(), recorder, frontier.Config{
		BufferSize:           cfg.Frontier.BufferSize,
		ScrollTimeout:        cfg.ScrollTimeout(),
		ScrollSize:           cfg.Frontier.ScrollSize,
		PollingFetchSize:     cfg.Frontier.PollingFetchSize,
		MaxCrawlingQueueSize: cfg.Frontier.MaxCrawlingQueueSize,
	}, logger.Named("frontier"))
	a.filters = urlfilter.New(a.store, encoder, urlfilter.Config{
		CacheTTL:    cfg.FilterCacheTTL(),
		MaxLoadSize: cfg.Filter.MaxLoadSize,
		BufferSize:  cfg.Frontier.BufferSize,
	}, logger.Named("urlfilter"))

	if err := a.initPubSub(ctx); err != nil {
		a.closeStore()
		return nil, err
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("intake", a.intake != nil),
		zap.Bool("dispatcher", a.dispatcher != nil),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (docstore.Store, error) {
	switch cfg.Store.Driver {
	case "", config.DriverMemory:
		logger.Info("using in-memory document store; queue state is lost on exit")
		return memory.New(), nil
	case config.DriverPostgres:
		logger.Info("connecting to postgres", zap.String("table_prefix", cfg.Store.TablePrefix))
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Store.DSN,
			TablePrefix:     cfg.Store.TablePrefix,
			MaxConns:        cfg.Store.MaxConns,
			ConnectAttempts: cfg.Store.ConnectAttempts,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

func collectionSpecs(c config.CollectionsConfig) []docstore.CollectionSpec {
	return []docstore.CollectionSpec{
		{Collection: docstore.CollectionQueue, Shards: c.QueueShards, Replicas: c.QueueReplicas},
		{Collection: docstore.CollectionData, Shards: c.DataShards, Replicas: c.DataReplicas},
		{Collection: docstore.CollectionFilter, Shards: c.FilterShards, Replicas: c.FilterReplicas},
	}
}

func (a *App) initPubSub(ctx context.Context) error {
	wantIntake := a.cfg.PubSub.IntakeSubscription != ""
	wantDispatch := a.cfg.Dispatcher.Enabled
	if !wantIntake && !wantDispatch {
		return nil
	}
	if a.pubsubClient == nil {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		a.pubsubClient = client
		a.ownsClient = true
	}
	if wantIntake {
		a.intake = intake.New(
			a.pubsubClient.Subscription(a.cfg.PubSub.IntakeSubscription),
			a.frontier,
			a.filters,
			a.recorder,
			a.logger.Named("intake"),
		)
	}
	if wantDispatch {
		a.publisher = pubsubpublisher.New(a.pubsubClient)
		pacer := ratelimit.New(ratelimit.Config{
			PerHostRPS:   a.cfg.Dispatcher.PerHostRPS,
			PerHostBurst: a.cfg.Dispatcher.PerHostBurst,
		}, a.recorder)
		a.dispatcher = dispatcher.New(a.frontier, a.publisher, pacer, a.recorder, dispatcher.Config{
			Workers:  a.cfg.Dispatcher.Workers,
			Topic:    a.cfg.PubSub.DispatchTopic,
			Sessions: a.cfg.Dispatcher.Sessions,
			Idle:     a.cfg.DispatchIdle(),
		}, a.logger.Named("dispatcher"))
	}
	return nil
}

// Frontier returns the crawl frontier.
func (a *App) Frontier() *frontier.Service {
	return a.frontier
}

// Results returns the access record service.
func (a *App) Results() *results.Service {
	return a.results
}

// Filters returns the URL filter service.
func (a *App) Filters() *urlfilter.Service {
	return a.filters
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Ready pings the store when it supports it.
func (a *App) Ready(ctx context.Context) error {
	if p, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store not ready: %w", err)
		}
	}
	return nil
}

// Handler builds the HTTP API.
func (a *App) Handler() http.Handler {
	return api.NewServer(api.Deps{
		Frontier: a.frontier,
		Filters:  a.filters,
		Results:  a.results,
		Recorder: a.recorder,
		Gatherer: a.registry,
		Ready:    a.Ready,
	}, a.cfg, a.logger.Named("api")).Handler()
}

// Run serves HTTP and, when configured, runs intake and dispatch until ctx
// ends. Overlay entries are written back to the store once every consumer
// has stopped.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.addr, err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	if a.intake != nil {
		g.Go(func() error { return a.intake.Run(gctx) })
	}
	if a.dispatcher != nil {
		g.Go(func() error {
			a.logger.Info("dispatcher started", zap.Strings("sessions", a.dispatcher.Sessions()))
			a.dispatcher.Run(gctx)
			return nil
		})
	}

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.frontier.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Close releases the publisher, the Pub/Sub client and the store.
func (a *App) Close() error {
	var result *multierror.Error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.pubsubClient != nil && a.ownsClient {
		if err := a.pubsubClient.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close store: %w", err))
	}
	return result.ErrorOrNil()
}

func (a *App) closeStore() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store failed", zap.Error(err))
	}
}
