// Package server builds the long-lived services of the screenshot crawler and
// runs the HTTP server until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/screenshot-crawler/internal/api"
	"github.com/JakeFAU/screenshot-crawler/internal/clock/system"
	"github.com/JakeFAU/screenshot-crawler/internal/config"
	"github.com/JakeFAU/screenshot-crawler/internal/crawler"
	"github.com/JakeFAU/screenshot-crawler/internal/hash/sha256"
	"github.com/JakeFAU/screenshot-crawler/internal/id/uuid"
	"github.com/JakeFAU/screenshot-crawler/internal/metrics"
	"github.com/JakeFAU/screenshot-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/screenshot-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/screenshot-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/screenshot-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/screenshot-crawler/internal/renderer/headless"
	"github.com/JakeFAU/screenshot-crawler/internal/renderer/static"
	gcsstorage "github.com/JakeFAU/screenshot-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/screenshot-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/screenshot-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/screenshot-crawler/internal/storage/postgres"
	"github.com/JakeFAU/screenshot-crawler/internal/store"
	"github.com/JakeFAU/screenshot-crawler/internal/telemetry"
)

const tracerName = "github.com/JakeFAU/screenshot-crawler/internal/crawler"

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	engine       crawler.Engine
	screenshots  crawler.ScreenshotStore
	gcs          *gcsstorage.BlobStore
	pages        *pgstore.PageStore
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	hub          *progress.Hub
	broadcaster  *progresssinks.Broadcaster
	orchestrator *crawler.Orchestrator
	apiServer    *api.Server
	handler      http.Handler
	tracing      *telemetry.Provider
	apiLimiter   *ratelimit.Limiter
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	extraSinks []progress.Sink
	engine     crawler.Engine
	registry   *prometheus.Registry
	telemetry  []telemetry.Option
}

// WithSinks appends progress sinks after the configured ones.
func WithSinks(sinks ...progress.Sink) Option {
	return func(o *buildOptions) {
		o.extraSinks = append(o.extraSinks, sinks...)
	}
}

// WithEngine skips renderer construction and uses engine instead. The App
// still closes it on shutdown.
func WithEngine(engine crawler.Engine) Option {
	return func(o *buildOptions) {
		o.engine = engine
	}
}

// WithRegistry registers collectors on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *buildOptions) {
		o.registry = reg
	}
}

// WithTelemetry passes opts to the tracer provider.
func WithTelemetry(opts ...telemetry.Option) Option {
	return func(o *buildOptions) {
		o.telemetry = append(o.telemetry, opts...)
	}
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{cfg: cfg, logger: logger, registry: o.registry}
	if app.registry == nil {
		app.registry = metrics.NewRegistry()
	}
	defer func() {
		if err != nil {
			app.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("building application dependencies",
		zap.String("renderer", cfg.Renderer.Kind),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("database", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.TopicName != ""),
	)

	if err = app.setupTelemetry(ctx, o.telemetry); err != nil {
		return nil, err
	}
	if o.engine != nil {
		app.engine = o.engine
	} else if err = app.setupRenderer(ctx); err != nil {
		return nil, err
	}
	if err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = app.setupProgress(ctx, o.extraSinks); err != nil {
		return nil, err
	}
	if err = app.setupOrchestrator(); err != nil {
		return nil, err
	}
	if err = app.setupAPI(); err != nil {
		return nil, err
	}
	return app, nil
}

// Orchestrator exposes the crawl orchestrator for one-shot runs.
func (a *App) Orchestrator() *crawler.Orchestrator {
	return a.orchestrator
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// Request contexts derive from ctx so event streams end on shutdown.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: time.Duration(a.cfg.Server.ReadHeaderTimeoutSec) * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
			return
		}
		serveErr <- nil
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)
	return <-serveErr
}

// Close stops any running crawl and releases every dependency. It is safe to
// call on a partially built App.
func (a *App) Close(ctx context.Context) {
	if a.orchestrator != nil {
		a.orchestrator.Stop()
		if err := a.orchestrator.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("crawl did not drain before shutdown", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			a.logger.Warn("renderer close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pages != nil {
		a.pages.Close()
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func (a *App) setupTelemetry(ctx context.Context, opts []telemetry.Option) error {
	tp, err := telemetry.NewProvider(ctx, a.cfg.Telemetry, opts...)
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.tracing = tp
	if tp.Enabled() {
		a.logger.Info("tracing enabled",
			zap.String("service", a.cfg.Telemetry.ServiceName),
			zap.Float64("sample_ratio", a.cfg.Telemetry.SampleRatio),
			zap.String("exporter", a.cfg.Telemetry.Exporter),
		)
	}
	return nil
}

func (a *App) setupRenderer(ctx context.Context) error {
	rc := a.cfg.Renderer
	switch rc.Kind {
	case config.RendererStatic:
		a.engine = static.New(static.Config{UserAgent: rc.UserAgent}, a.logger.Named("static"))
		a.logger.Warn("static renderer selected; screenshots are disabled")
	default:
		engine, err := headless.New(ctx, headless.Config{
			ExecPath:        rc.ExecPath,
			Headless:        rc.Headless,
			NoSandbox:       rc.NoSandbox,
			UserAgent:       rc.UserAgent,
			ViewportWidth:   rc.ViewportWidth,
			ViewportHeight:  rc.ViewportHeight,
			JPEGQuality:     rc.JPEGQuality,
			IdleWait:        time.Duration(rc.IdleWaitMs) * time.Millisecond,
			DismissOverlays: rc.DismissOverlays,
		}, a.logger.Named("headless"))
		if err != nil {
			return fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.engine = engine
		a.logger.Info("headless renderer started",
			zap.Int("viewport_width", rc.ViewportWidth),
			zap.Int("viewport_height", rc.ViewportHeight),
		)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.StorageGCS:
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       sc.GCSBucket,
			CacheControl: sc.CacheControl,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = blobs
		a.screenshots = blobs
		a.logger.Info("using GCS screenshot storage", zap.String("bucket", sc.GCSBucket))
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: sc.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.screenshots = blobs
		a.logger.Info("using local screenshot storage", zap.String("path", sc.LocalDir))
	case config.StorageMemory:
		a.screenshots = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory screenshot storage")
	default:
		a.logger.Info("screenshot storage disabled; images are only streamed")
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN configured; session history disabled")
		return nil
	}
	pages, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMins) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("page store init failed: %w", err)
	}
	a.pages = pages
	if a.cfg.DB.Migrate {
		if err := pages.Migrate(ctx); err != nil {
			return fmt.Errorf("page store migrate failed: %w", err)
		}
		a.logger.Info("session history schema applied")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured; session notifications disabled")
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, extra []progress.Sink) error {
	var sinkList []progress.Sink
	if a.pages != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.pages, a.logger.Named("progress_store")))
	}
	if a.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(a.publisher, a.cfg.PubSub.TopicName, a.logger.Named("progress_publish")))
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.broadcaster = progresssinks.NewBroadcaster(a.cfg.Events.SubscriberBuffer, a.logger.Named("progress_broadcast"))
	sinkList = append(sinkList,
		promSink,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		a.broadcaster,
	)
	sinkList = append(sinkList, extra...)

	hubCfg := progress.Config{
		BufferSize:   a.cfg.Events.HubBuffer,
		MaxBatchWait: time.Duration(a.cfg.Events.FlushMs) * time.Millisecond,
		BaseContext:  context.WithoutCancel(ctx),
		Logger:       a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupOrchestrator() error {
	retry := crawler.NewNavigationRetryPolicy()
	if !a.cfg.Crawler.RetryNavigation {
		retry = crawler.NoNavigationRetry()
	}
	worker := crawler.WorkerConfig{
		NavigationTimeout: a.cfg.NavigationTimeout(),
		Retry:             retry,
		Tracer:            a.tracing.Tracer(tracerName),
	}
	orch, err := crawler.NewOrchestrator(crawler.OrchestratorConfig{
		Engine:      a.engine,
		Emitter:     a.hub,
		Screenshots: a.screenshots,
		Hasher:      sha256.New(),
		IDs:         uuid.New(),
		Clock:       system.New(),
		Worker:      worker,
		BlobPrefix:  a.cfg.Crawler.BlobPrefix,
		Logger:      a.logger.Named("crawler"),
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	a.orchestrator = orch
	return nil
}

func (a *App) setupAPI() error {
	httpMetrics, err := metrics.NewHTTP(a.registry)
	if err != nil {
		return err
	}
	var history store.SessionRepository
	if a.pages != nil {
		history = a.pages
	}
	deps := api.Deps{
		Crawler:  a.orchestrator,
		Events:   a.broadcaster,
		Renderer: a.engine,
		History:  history,
		Metrics:  httpMetrics,
		Gatherer: a.registry,
		Ready:    a.ready,
		Config:   a.cfg,
		Logger:   a.logger.Named("api"),
	}
	a.apiLimiter = ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.RateLimit.APIRPS,
		Burst: a.cfg.RateLimit.APIBurst,
	})
	if a.apiLimiter.Enabled() {
		deps.Throttle = a.apiLimiter.Middleware
		a.logger.Info("api request shedding enabled",
			zap.Float64("rps", a.cfg.RateLimit.APIRPS),
			zap.Int("burst", a.cfg.RateLimit.APIBurst),
		)
	}
	a.apiServer = api.NewServer(deps)
	a.handler = a.tracing.Handler(a.apiServer.Handler(), "screenshot-crawler")
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pages == nil {
		return nil
	}
	return a.pages.Ping(ctx)
}
