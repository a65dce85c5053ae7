// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/regwatch/internal/api"
	"github.com/JakeFAU/regwatch/internal/clock"
	"github.com/JakeFAU/regwatch/internal/compress"
	"github.com/JakeFAU/regwatch/internal/config"
	"github.com/JakeFAU/regwatch/internal/crawler"
	"github.com/JakeFAU/regwatch/internal/extract"
	"github.com/JakeFAU/regwatch/internal/hash/sha256"
	"github.com/JakeFAU/regwatch/internal/id"
	"github.com/JakeFAU/regwatch/internal/metrics"
	"github.com/JakeFAU/regwatch/internal/publisher/memory"
	"github.com/JakeFAU/regwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/regwatch/internal/sinks"
	"github.com/JakeFAU/regwatch/internal/sinks/postgres"
	"github.com/JakeFAU/regwatch/internal/storage"
	"github.com/JakeFAU/regwatch/internal/storage/gcs"
	"github.com/JakeFAU/regwatch/internal/storage/local"
	storagememory "github.com/JakeFAU/regwatch/internal/storage/memory"
	"github.com/JakeFAU/regwatch/internal/store"
	"github.com/JakeFAU/regwatch/internal/telemetry"
	"github.com/JakeFAU/regwatch/internal/writer"
)

const memoryPublisherLimit = 1000

// Version is stamped into traces; overridden at build time with -ldflags.
var Version = "dev"

// App holds all the shared, long-lived services for the application.
// It is initialized once per command and closed by the cobra post-run hook.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	fs         afero.Fs
	provider   storage.Provider
	compressor *compress.Compressor
	store      *store.Store
	extractor  *extract.Extractor
	repo       sinks.Repository
	publisher  crawler.Publisher
	tracer     *sdktrace.TracerProvider
	closers    []func() error
}

// Option overrides a service before the defaults are built.
type Option func(*App)

// WithProvider injects the storage provider instead of building one from config.
func WithProvider(p storage.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithRepository injects the sink repository instead of the log/postgres fanout.
func WithRepository(r sinks.Repository) Option {
	return func(a *App) { a.repo = r }
}

// WithPublisher injects the change publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithFs swaps the filesystem used by local storage, the compressor and writers.
func WithFs(fs afero.Fs) Option {
	return func(a *App) { a.fs = fs }
}

// New builds every service described by cfg. It fails fast when a configured
// backend (bucket, database, broker) cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(a)
	}
	metrics.Init()

	if err := a.init(ctx); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("Error closing partially initialized services", zap.Error(closeErr))
		}
		return nil, err
	}
	logger.Info("Application services initialized",
		zap.String("storage", cfg.Storage.Provider),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.ProjectID != ""),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry.ServiceName, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracer = tp
	a.closers = append(a.closers, func() error { return tp.Shutdown(context.Background()) })

	if a.provider == nil {
		if a.provider, err = a.openProvider(ctx); err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
	}

	a.compressor = compress.New(a.logger, compress.WithFs(a.fs))
	a.store = store.New(a.provider, a.compressor, a.logger,
		store.WithClock(clock.New()),
		store.WithDigester(sha256.New()),
		store.WithMaxVersions(a.cfg.Storage.MaxVersions),
	)
	a.extractor = extract.New(a.logger,
		extract.WithChunkSize(a.cfg.Extractor.ChunkSize),
		extract.WithProcessingThreshold(a.cfg.Extractor.ProcessingThreshold),
		extract.WithBufferObserver(metrics.ObserveExtractorBuffer),
	)

	if a.repo == nil {
		if a.repo, err = a.openRepository(ctx); err != nil {
			return fmt.Errorf("failed to initialize sinks: %w", err)
		}
	}
	if a.publisher == nil {
		if a.publisher, err = a.openPublisher(ctx); err != nil {
			return fmt.Errorf("failed to initialize publisher: %w", err)
		}
	}
	return nil
}

func (a *App) openProvider(ctx context.Context) (storage.Provider, error) {
	switch a.cfg.Storage.Provider {
	case config.ProviderGCS:
		a.logger.Info("Using GCS storage provider", zap.String("bucket", a.cfg.Storage.GCSBucket))
		p, err := gcs.Open(ctx, gcs.DefaultClientFactory{}, gcs.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		return p, nil
	case config.ProviderMemory:
		a.logger.Info("Using in-memory storage provider. State is discarded on exit.")
		return storagememory.NewProvider(), nil
	case config.ProviderLocal, "":
		a.logger.Info("Using local storage provider", zap.String("base_dir", a.cfg.Storage.BaseDir))
		p, err := local.New(local.Config{BaseDir: a.cfg.Storage.BaseDir}, local.WithFs(a.fs))
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown storage provider: %s", a.cfg.Storage.Provider)
	}
}

func (a *App) openRepository(ctx context.Context) (sinks.Repository, error) {
	repos := sinks.Multi{sinks.NewLogSink(a.logger)}
	if a.cfg.DB.DSN == "" {
		return repos, nil
	}
	a.logger.Info("Connecting to PostgreSQL...")
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:         a.cfg.DB.DSN,
		TablePrefix: a.cfg.DB.TablePrefix,
		MaxConns:    a.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	return append(repos, pg), nil
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("Using in-memory publisher. Change events are not delivered.")
		return memory.New(memory.WithLogger(a.logger), memory.WithLimit(memoryPublisherLimit)), nil
	}
	a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", a.cfg.PubSub.Topic))
	p, err := pubsub.Open(ctx, a.cfg.PubSub.ProjectID, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, p.Close)
	return p, nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Store returns the versioned content store.
func (a *App) Store() *store.Store { return a.store }

// Compressor returns the content compressor.
func (a *App) Compressor() *compress.Compressor { return a.compressor }

// Extractor returns the streaming HTML extractor.
func (a *App) Extractor() *extract.Extractor { return a.extractor }

// Publisher returns the change publisher.
func (a *App) Publisher() crawler.Publisher { return a.publisher }

// NewWriter opens a writer run for the configured scraper.
func (a *App) NewWriter(ctx context.Context) (*writer.Writer, error) {
	w, err := writer.New(ctx, writer.Config{
		OutputDir:   a.cfg.Writer.OutputDir,
		DefaultDir:  a.cfg.Writer.DefaultDir,
		MaxRetries:  a.cfg.Writer.MaxRetries,
		RetryDelay:  a.cfg.RetryDelay(),
		ScraperID:   a.cfg.Crawler.ScraperID,
		Topic:       a.cfg.PubSub.Topic,
		MaxVersions: a.cfg.Storage.MaxVersions,
	}, a.store, a.logger,
		writer.WithFs(a.fs),
		writer.WithClock(clock.New()),
		writer.WithHasher(sha256.New()),
		writer.WithIDGenerator(id.New()),
		writer.WithRepository(a.repo),
		writer.WithPublisher(a.publisher),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create writer: %w", err)
	}
	return w, nil
}

// CrawlerConfig translates the crawler section of the configuration.
func (a *App) CrawlerConfig() crawler.Config {
	c := a.cfg.Crawler
	return crawler.Config{
		ScraperID:      c.ScraperID,
		Seeds:          c.Seeds,
		AllowedDomains: c.AllowedDomains,
		BlockedDomains: c.BlockedDomains,
		UserAgent:      c.UserAgent,
		HTTPTimeout:    a.cfg.HTTPTimeout(),
		MaxDepth:       c.MaxDepth,
		Concurrency:    c.Concurrency,
		Delay:          a.cfg.CrawlDelay(),
		RevisitKnown:   c.RevisitKnown,

		RespectRobots:     c.RespectRobots,
		MaxForbidden:      c.MaxForbidden,
		RateLimitBackoff:  a.cfg.RateLimitBackoff(),
		RequestsPerSecond: c.RPS,
		Burst:             c.Burst,
	}
}

// NewRunner builds a crawl driver for the configured crawl that saves through saver.
func (a *App) NewRunner(saver crawler.ContentSaver) *crawler.Runner {
	return a.NewRunnerWithConfig(a.CrawlerConfig(), saver)
}

// NewRunnerWithConfig is NewRunner with an explicit crawl configuration.
func (a *App) NewRunnerWithConfig(cfg crawler.Config, saver crawler.ContentSaver) *crawler.Runner {
	return crawler.NewRunner(cfg, a.logger, a.store, saver, a.extractor)
}

// ReadHistory loads a persisted run artifact from the writer output directory.
func (a *App) ReadHistory(runID string) (crawler.RunHistory, error) {
	return writer.ReadHistory(a.fs, a.cfg.Writer.OutputDir, runID)
}

// APIServer builds the status API over the store and run history.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.store, a.ReadHistory, a.logger)
}

// Close gracefully shuts down all services in reverse order of creation.
func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	// Sync fails on stdout/stderr for some platforms; that is not worth reporting.
	_ = a.logger.Sync()
	return errs
}
