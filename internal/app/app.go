// Package app builds the long-lived services of a listing-ingest process
// from configuration and releases them on Close.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-ingest/internal/api"
	"github.com/JakeFAU/listing-ingest/internal/clock/system"
	"github.com/JakeFAU/listing-ingest/internal/config"
	"github.com/JakeFAU/listing-ingest/internal/crawler"
	"github.com/JakeFAU/listing-ingest/internal/discovery"
	"github.com/JakeFAU/listing-ingest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/listing-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/listing-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/listing-ingest/internal/hash/sha256"
	"github.com/JakeFAU/listing-ingest/internal/id/uuid"
	"github.com/JakeFAU/listing-ingest/internal/jobqueue"
	queuememory "github.com/JakeFAU/listing-ingest/internal/jobqueue/memory"
	redisbroker "github.com/JakeFAU/listing-ingest/internal/jobqueue/redis"
	"github.com/JakeFAU/listing-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-ingest/internal/processor"
	publishermemory "github.com/JakeFAU/listing-ingest/internal/publisher/memory"
	publisherpubsub "github.com/JakeFAU/listing-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-ingest/internal/storage/gcs"
	"github.com/JakeFAU/listing-ingest/internal/storage/local"
	storagememory "github.com/JakeFAU/listing-ingest/internal/storage/memory"
	"github.com/JakeFAU/listing-ingest/internal/storage/postgres"
	"github.com/JakeFAU/listing-ingest/internal/telemetry"
)

// App holds the shared services. Store is nil when db.dsn is empty.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Clock     crawler.Clock
	Adapter   *jobqueue.Adapter
	Status    api.StatusReader
	Store     *postgres.Store
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Events    processor.EventSink
	Drivers   fetcher.Drivers
	Engine    *discovery.Engine

	checks  map[string]api.Checker
	closers []func() error
}

// New creates an App. On error, everything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  system.New(),
		checks: map[string]api.Checker{},
	}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Bool("postgres", a.Store != nil),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(func() error { return shutdownTracer(tp) })

	a.Drivers, a.Engine = NewEngine(cfg, a.Clock, a.Logger)

	if err := a.buildPublisher(ctx); err != nil {
		return err
	}
	a.Events = processor.NewPublisherSink(a.Publisher, cfg.PubSub.TopicName, a.Logger.Named("events"))

	if err := a.buildBroker(ctx); err != nil {
		return err
	}
	if err := a.buildBlobs(ctx); err != nil {
		return err
	}
	return a.buildStore(ctx)
}

// NewEngine builds the fetch drivers and the discovery engine. It needs no
// queue or storage, so one-off discovery runs use it directly.
func NewEngine(cfg config.Config, clock crawler.Clock, logger *zap.Logger) (fetcher.Drivers, *discovery.Engine) {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.PerHostRPS,
		DefaultBurst: cfg.HTTP.PerHostBurst,
	})
	httpDriver := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.FetchTimeout(),
		MaxBytes:  cfg.HTTP.MaxBytes,
		Pacer:     limiter,
		Logger:    logger.Named("http"),
	})

	var (
		headless crawler.Driver          = headlessfetcher.Disabled{}
		renderer crawler.ListingRenderer = headlessfetcher.Disabled{}
	)
	if cfg.Headless.Enabled {
		d, err := headlessfetcher.New(headlessfetcher.Config{
			Enabled:           true,
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.Headless.NavigationTimeout(),
			Settle:            cfg.Headless.Settle(),
			MaxBytes:          cfg.HTTP.MaxBytes,
			ExecPath:          cfg.Headless.ExecPath,
			Logger:            logger.Named("headless"),
		})
		if err != nil {
			logger.Warn("headless driver init failed; continuing without it", zap.Error(err))
		} else {
			headless, renderer = d, d
		}
	}

	drivers := fetcher.Drivers{HTTP: httpDriver, Headless: headless}
	engine := discovery.New(drivers, renderer,
		discovery.WithLogger(logger.Named("discovery")),
		discovery.WithClock(clock),
		discovery.WithMaxBytes(cfg.HTTP.MaxBytes),
		discovery.WithSettle(cfg.Headless.Settle()),
		discovery.WithCandidateCaps(cfg.Discovery.PerSeedCandidateCap, cfg.Discovery.GlobalCandidateCap),
	)
	return drivers, engine
}

func (a *App) buildPublisher(ctx context.Context) error {
	cfg := a.Config.PubSub
	if cfg.ProjectID == "" {
		a.Logger.Info("using in-memory run event publisher")
		a.Publisher = publishermemory.New()
		return nil
	}
	p, err := publisherpubsub.Connect(ctx, cfg.ProjectID, cfg.TopicName)
	if err != nil {
		return fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.Logger.Info("publishing run events to pubsub", zap.String("topic", cfg.TopicName))
	a.Publisher = p
	a.onClose(p.Close)
	return nil
}

func (a *App) buildBroker(ctx context.Context) error {
	cfg := a.Config.Queue
	var broker jobqueue.Broker
	switch cfg.Backend {
	case "memory":
		mb := queuememory.NewBroker()
		broker, a.Status = mb, mb
	default:
		rb, err := redisbroker.New(ctx, redisbroker.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
		if err != nil {
			return fmt.Errorf("init redis broker: %w", err)
		}
		broker, a.Status = rb, rb
		a.checks["redis"] = rb.Ping
	}
	a.Adapter = jobqueue.NewAdapter(broker, jobqueue.Options{
		Logger:      a.Logger.Named("jobqueue"),
		IDGenerator: uuid.New(),
		OnLockEvent: processor.LockEventHandler(a.Events, a.Clock),
	})
	a.onClose(a.Adapter.Close)
	return nil
}

func (a *App) buildBlobs(ctx context.Context) error {
	cfg := a.Config.Storage
	if cfg.GCSBucket == "" && cfg.LocalDir != "" {
		blobs, err := local.New(cfg.LocalDir)
		if err != nil {
			return fmt.Errorf("init local blob store: %w", err)
		}
		a.Logger.Info("writing html snapshots to disk", zap.String("dir", cfg.LocalDir))
		a.Blobs = blobs
		return nil
	}
	if cfg.GCSBucket == "" {
		a.Logger.Info("keeping html snapshots in memory")
		a.Blobs = storagememory.NewBlobStore()
		return nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("init gcs client: %w", err)
	}
	a.onClose(client.Close)
	// Object names already carry storage.prefix; see processor.Config.
	blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
	if err != nil {
		return fmt.Errorf("init gcs blob store: %w", err)
	}
	a.Blobs = blobs
	return nil
}

func (a *App) buildStore(ctx context.Context) error {
	cfg := a.Config.DB
	if cfg.DSN == "" {
		return nil
	}
	store, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: time.Duration(cfg.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.onClose(func() error {
		store.Close()
		return nil
	})
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	a.Store = store
	a.checks["postgres"] = store.Ping
	return nil
}

// CrawlProcessor builds the crawl_site processor. It needs Postgres.
func (a *App) CrawlProcessor() (*processor.CrawlSite, error) {
	if a.Store == nil {
		return nil, errors.New("crawl processor needs db.dsn")
	}
	q := a.Config.Queue
	return processor.New(processor.Deps{
		Sources:    a.Store,
		Listings:   a.Store,
		Runs:       a.Store,
		Discoverer: a.Engine,
		Drivers:    a.Drivers,
		Blobs:      a.Blobs,
		Hasher:     sha256.New(),
		Clock:      a.Clock,
		IDs:        uuid.New(),
		Events:     a.Events,
		Retry: processor.NewRetryPolicy(q.MaxAttempts,
			time.Duration(q.RetryBaseSeconds)*time.Second,
			time.Duration(q.RetryMaxSeconds)*time.Second),
	}, processor.Config{
		MaxHTMLBytes:   a.Config.HTTP.MaxBytes,
		SnapshotPrefix: a.Config.Storage.Prefix,
		ContentType:    a.Config.Storage.ContentType,
	}, a.Logger.Named("processor")), nil
}

// WorkerOptions maps queue configuration onto worker options.
func (a *App) WorkerOptions() jobqueue.WorkerOptions {
	q := a.Config.Queue
	return jobqueue.WorkerOptions{
		Concurrency:     q.Concurrency,
		LockDuration:    q.LockDuration(),
		RenewEvery:      q.RenewEvery(),
		StalledInterval: q.StalledInterval(),
		PollInterval:    q.PollInterval(),
	}
}

// ReadinessChecks returns the dependency probes for /readyz.
func (a *App) ReadinessChecks() map[string]api.Checker {
	out := make(map[string]api.Checker, len(a.checks))
	for k, v := range a.checks {
		out[k] = v
	}
	return out
}

// Close releases services in reverse order of creation.
func (a *App) Close() {
	a.Logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func shutdownTracer(tp *sdktrace.TracerProvider) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
