// Package app initializes and holds the long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/runlens/runlens/internal/aggregator"
	"github.com/runlens/runlens/internal/api"
	"github.com/runlens/runlens/internal/archive"
	archivegcs "github.com/runlens/runlens/internal/archive/gcs"
	archivelocal "github.com/runlens/runlens/internal/archive/local"
	archivemem "github.com/runlens/runlens/internal/archive/memory"
	"github.com/runlens/runlens/internal/clock/system"
	"github.com/runlens/runlens/internal/config"
	"github.com/runlens/runlens/internal/engine"
	"github.com/runlens/runlens/internal/events"
	"github.com/runlens/runlens/internal/events/pubsub"
	"github.com/runlens/runlens/internal/gateway"
	"github.com/runlens/runlens/internal/id/uuid"
	"github.com/runlens/runlens/internal/run"
	"github.com/runlens/runlens/internal/sinks"
	"github.com/runlens/runlens/internal/store"
	"github.com/runlens/runlens/internal/store/memory"
	"github.com/runlens/runlens/internal/store/postgres"
	"github.com/runlens/runlens/internal/watch"
)

// App holds the shared services: event bus, repository, sinks, progress
// watcher, execution engine, and the HTTP server. It is initialized once at
// startup and fails fast if any critical service cannot be built.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	bus     *events.Bus
	repo    store.Repository
	pgStore *postgres.Store
	tap     *sinks.Tap
	watcher *watch.Watcher
	engine  *engine.Engine
	source  *pubsub.Source
	server  *http.Server
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Bus exposes the event bus for additional consumers.
func (a *App) Bus() *events.Bus {
	return a.bus
}

// Repository returns the configured run/config store.
func (a *App) Repository() store.Repository {
	return a.repo
}

// Option customizes App construction.
type Option func(*options)

type options struct {
	metrics prometheus.Registerer
}

// WithMetricsRegistry overrides the Prometheus registry the sinks register
// against. Defaults to prometheus.DefaultRegisterer.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.metrics = reg }
}

// New builds the full service graph from cfg. Provider selection (store,
// archive, run starter, event source) happens here; everything downstream
// works against the interfaces.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger}
	clk := system.New()
	ids := uuid.New()

	// The bus dispatch goroutine starts here; tear down everything built so
	// far if a later constructor fails.
	built := false
	defer func() {
		if !built {
			a.teardown(context.Background())
		}
	}()

	a.bus = events.NewBus(events.Config{
		BufferSize: cfg.Bus.BufferSize,
		Logger:     logger.Named("bus"),
	})

	if err := a.buildRepository(ctx, cfg); err != nil {
		return nil, err
	}

	blobStore, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(o.metrics)
	if err != nil {
		return nil, fmt.Errorf("initialize prometheus sink: %w", err)
	}
	sinkList := []sinks.Sink{
		sinks.NewStoreSink(a.repo, logger.Named("store-sink")),
		sinks.NewLogSink(logger.Named("event-log")),
		promSink,
	}
	if blobStore != nil {
		sinkList = append(sinkList, archive.New(blobStore, cfg.Archive.Prefix, logger.Named("archive")))
	}
	a.tap = sinks.NewTap(a.bus, sinks.TapConfig{Logger: logger.Named("tap")}, sinkList...)

	perf := aggregator.NewPerf(clk, logger.Named("perf-agg"))
	scenario := aggregator.NewScenario(clk, logger.Named("scenario-agg"))
	a.watcher = watch.New(a.bus, perf, scenario, logger.Named("watcher"))

	var starter run.Starter
	var aborter api.Aborter
	switch {
	case cfg.Engine.Enabled:
		a.engine = engine.New(a.bus, clk, ids, engine.Config{
			ProgressInterval: time.Duration(cfg.Engine.ProgressMs) * time.Millisecond,
			MaxRPS:           cfg.Engine.MaxRPS,
			StepDuration:     time.Duration(cfg.Engine.StepDurationMs) * time.Millisecond,
			FailureRate:      cfg.Engine.FailureRate,
		}, logger.Named("engine"))
		starter = a.engine
		aborter = a.engine
	case cfg.Engine.TargetBaseURL != "":
		// Runs are started on an external engine; its progress events arrive
		// through the Pub/Sub source.
		gwOpts := []gateway.Option{
			gateway.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Engine.RequestTimeoutMs) * time.Millisecond,
			}),
		}
		if cfg.Auth.APIKey != "" {
			gwOpts = append(gwOpts, gateway.WithAPIKey(cfg.Auth.APIKey))
		}
		starter = gateway.New(cfg.Engine.TargetBaseURL, logger.Named("gateway"), gwOpts...)
		logger.Info("using remote execution engine", zap.String("base_url", cfg.Engine.TargetBaseURL))
	}

	if cfg.PubSub.Enabled {
		source, err := pubsub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.SubscriptionID, a.bus, logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub source: %w", err)
		}
		a.source = source
	}

	apiServer := api.NewServer(a.repo, starter, aborter, a.watcher, ids, clk, cfg, logger.Named("api"))
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Provider),
		zap.String("archive", cfg.Archive.Provider),
		zap.Bool("engine", cfg.Engine.Enabled),
		zap.Bool("pubsub", cfg.PubSub.Enabled))
	built = true
	return a, nil
}

func (a *App) buildRepository(ctx context.Context, cfg config.Config) error {
	switch cfg.Store.Provider {
	case "memory":
		a.repo = memory.New()
	case "postgres":
		a.logger.Info("connecting to postgres")
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Store.DSN,
			MaxConns:        cfg.Store.MaxConns,
			MinConns:        cfg.Store.MinConns,
			MaxConnLifetime: time.Duration(cfg.Store.ConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("initialize postgres store: %w", err)
		}
		a.pgStore = pg
		a.repo = pg
	default:
		return fmt.Errorf("unknown store provider: %s", cfg.Store.Provider)
	}
	return nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (archive.BlobStore, error) {
	switch cfg.Archive.Provider {
	case "none":
		return nil, nil
	case "memory":
		return archivemem.New(), nil
	case "local":
		bs, err := archivelocal.New(archivelocal.Config{BaseDir: cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("initialize local archive: %w", err)
		}
		return bs, nil
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		bs, err := archivegcs.New(ctx, client, archivegcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("initialize gcs archive: %w", err)
		}
		logger.Info("archiving runs to gcs", zap.String("bucket", cfg.Archive.GCSBucket))
		return bs, nil
	default:
		return nil, fmt.Errorf("unknown archive provider: %s", cfg.Archive.Provider)
	}
}

// Run serves HTTP and, when configured, consumes the Pub/Sub event stream.
// It blocks until ctx is canceled or a service fails, then shuts everything
// down within the configured grace period.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if a.source != nil {
		go func() {
			if err := a.source.Run(ctx); err != nil {
				errCh <- fmt.Errorf("pubsub source: %w", err)
			}
		}()
	}
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace())
	defer cancel()
	a.Close(shutdownCtx)
	return runErr
}

// Close stops services in dependency order: ingress first, then the engine
// (which still publishes completion events while stopping), then the bus and
// its consumers, and finally the repository. Safe to call after Run returns.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("shutting down")
	a.teardown(ctx)
	// Best effort; syncing stderr fails on some platforms.
	_ = a.logger.Sync()
}

// teardown releases whatever has been built so far; every step is nil-guarded
// so the constructor's error path can reuse it on a partially built App.
func (a *App) teardown(ctx context.Context) {
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("http server shutdown", zap.Error(err))
		}
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			a.logger.Warn("pubsub source close", zap.Error(err))
		}
	}
	if a.engine != nil {
		if err := a.engine.Stop(ctx); err != nil {
			a.logger.Warn("engine stop", zap.Error(err))
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(ctx); err != nil {
			a.logger.Warn("bus close", zap.Error(err))
		}
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.tap != nil {
		if err := a.tap.Stop(ctx); err != nil {
			a.logger.Warn("sink tap stop", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
