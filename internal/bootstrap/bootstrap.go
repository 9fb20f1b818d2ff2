// Package bootstrap builds the object graph shared by the API and worker
// binaries from a loaded Config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"orbital/internal/adapter/memory"
	"orbital/internal/adapter/repo"
	"orbital/internal/adapter/sqlite"
	"orbital/internal/alerts"
	"orbital/internal/dispatch"
	"orbital/internal/domain"
	"orbital/internal/http/handlers"
	"orbital/internal/http/httpapi"
	"orbital/internal/identity"
	"orbital/internal/infra"
	"orbital/internal/infra/geoip"
	"orbital/internal/jobs"
	"orbital/internal/ledger"
	"orbital/internal/payments"
	"orbital/internal/pipeline"
	"orbital/internal/providers/parser"
	"orbital/internal/ratelimit"
	"orbital/internal/storage"
)

// Container holds every long-lived dependency. Build it once per process.
type Container struct {
	Config *infra.Config
	Logger zerolog.Logger

	Alerts        alerts.Notifier
	JobStore      domain.JobStore
	Subscriptions domain.SubscriptionStore
	Ledger        *ledger.Service
	Broker        dispatch.Broker
	Backend       dispatch.Backend
	Dispatcher    *dispatch.Dispatcher
	Limiter       *ratelimit.Limiter
	Jobs          *jobs.Service
	Payments      *payments.Processor
	Verifier      identity.Verifier
	GeoIP         *geoip.Resolver
	Files         *storage.FileStore

	// Components are pinged by the detailed health check.
	Components map[string]domain.Pinger

	ledgerStore ledger.Store
	closers     []func() error
}

// New connects the configured backends. On error everything opened so far
// is closed.
func New(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (c *Container, err error) {
	c = &Container{
		Config:     cfg,
		Logger:     logger,
		Components: map[string]domain.Pinger{},
	}
	defer func() {
		if err != nil {
			_ = c.Close()
			c = nil
		}
	}()

	c.Alerts = alerts.NewWebhook(alerts.Config{
		Enabled:     cfg.AlertEnabled,
		URLs:        []string{cfg.AlertWebhookURL, cfg.AlertDiscordURL, cfg.AlertSlackURL},
		Cooldown:    cfg.AlertCooldown,
		Environment: cfg.AppEnv,
		Service:     cfg.ServiceName,
	}, logger)

	if err = c.openStores(ctx); err != nil {
		return c, err
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return c, err
		}
		c.closers = append(c.closers, rdb.Close)
		c.Components["redis"] = redisPinger{rdb}
	}

	if err = c.openDispatch(ctx, rdb); err != nil {
		return c, err
	}

	var counter ratelimit.Counter = ratelimit.NewMemoryCounter()
	if rdb != nil {
		counter = ratelimit.NewRedisCounter(rdb)
	}
	c.Limiter = ratelimit.New(counter, logger, c.Alerts)

	c.Ledger = ledger.NewService(c.ledgerStore, logger, c.Alerts)

	p, err := c.newParser()
	if err != nil {
		return c, err
	}
	c.Jobs = jobs.NewService(c.JobStore, c.Ledger, c.Dispatcher, p, c.Alerts, jobs.Config{
		StuckCeiling: cfg.StuckJobCeiling,
	}, logger)

	pricing, err := payments.LoadPricing(cfg.PricingFile)
	if err != nil {
		return c, err
	}
	c.Payments = payments.NewProcessor(cfg.StripeWebhookSecret, c.Ledger, c.Subscriptions, pricing, c.Alerts, logger)

	switch cfg.AuthMode {
	case infra.AuthJWKS:
		c.Verifier = identity.NewJWKSVerifier(cfg.AuthIssuer, cfg.AuthAudience, &http.Client{Timeout: 10 * time.Second})
	default:
		c.Verifier = identity.NewHS256Verifier(cfg.JWTSecret, cfg.AuthIssuer, cfg.AuthAudience)
	}

	c.GeoIP, err = geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Str("path", cfg.GeoIPDBPath).Msg("bootstrap: geoip disabled")
		c.GeoIP, err = nil, nil
	}
	if c.GeoIP != nil {
		c.closers = append(c.closers, c.GeoIP.Close)
	}

	storagePath := cfg.StoragePath
	if abs, absErr := filepath.Abs(storagePath); absErr == nil {
		storagePath = abs
	}
	c.Files, err = storage.NewFileStore(storagePath)
	if err != nil {
		return c, fmt.Errorf("configure storage: %w", err)
	}

	logger.Info().
		Str("store", cfg.StoreDriver).
		Str("broker", cfg.DispatchBroker).
		Str("auth", cfg.AuthMode).
		Str("parser", cfg.ParserProvider).
		Msg("bootstrap: ready")
	return c, nil
}

func (c *Container) openStores(ctx context.Context) error {
	cfg := c.Config
	switch cfg.StoreDriver {
	case infra.StorePostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, func() error { pool.Close(); return nil })
		runner := infra.NewSQLRunner(pool, c.Logger)
		c.JobStore = repo.NewJobRepository(runner)
		c.Subscriptions = repo.NewSubscriptionRepository(runner)
		c.ledgerStore = repo.NewLedgerRepository(runner)
		c.Components["database"] = runner
	case infra.StoreSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, db.Close)
		c.JobStore = sqlite.NewJobStore(db)
		c.Subscriptions = sqlite.NewSubscriptionStore(db)
		c.ledgerStore = sqlite.NewLedgerStore(db)
		c.Components["database"] = db
	case infra.StoreMemory:
		c.Logger.Warn().Msg("bootstrap: memory store, data is lost on restart")
		c.JobStore = memory.NewJobStore()
		c.Subscriptions = memory.NewSubscriptionStore()
		c.ledgerStore = memory.NewLedgerStore()
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	return nil
}

func (c *Container) openDispatch(ctx context.Context, rdb *redis.Client) error {
	cfg := c.Config
	switch cfg.DispatchBroker {
	case infra.BrokerRedis:
		if rdb == nil {
			return errors.New("redis broker requires REDIS_URL")
		}
		c.Broker = dispatch.NewRedisBroker(rdb)
	case infra.BrokerSQS:
		client, err := infra.NewSQSClient(ctx, cfg)
		if err != nil {
			return err
		}
		c.Broker = dispatch.NewSQSBroker(client, cfg.SQSQueueURL)
	case infra.BrokerMemory:
		if !cfg.EmbeddedWorker {
			c.Logger.Warn().Msg("bootstrap: memory broker without embedded worker, tasks will not run")
		}
		c.Broker = dispatch.NewMemoryBroker()
	default:
		return fmt.Errorf("unsupported dispatch broker %q", cfg.DispatchBroker)
	}

	if rdb != nil {
		c.Backend = dispatch.NewRedisBackend(rdb, cfg.TaskResultTTL)
	} else {
		c.Backend = dispatch.NewMemoryBackend()
	}
	c.Dispatcher = dispatch.NewDispatcher(c.Broker, c.Backend, cfg.DispatchQueue, c.Logger)
	c.Components["broker"] = c.Dispatcher
	return nil
}

func (c *Container) newParser() (parser.Parser, error) {
	cfg := c.Config
	if cfg.ParserProvider == parser.ProviderStatic {
		return parser.NewStaticParser(), nil
	}
	logger := c.Logger.With().Str("component", "parser").Logger()
	onFailure := func(reason string, err error) {
		c.Alerts.Notify(context.Background(), alerts.SeverityWarning, "Parser call failed", map[string]any{
			"provider": cfg.ParserProvider,
			"reason":   reason,
			"error":    err.Error(),
		})
	}
	onWarning := func(reason, detail string) {
		logger.Warn().Str("reason", reason).Str("detail", detail).Msg("parser: degraded response")
	}
	return parser.NewChatParser(parser.ChatOptions{
		Provider:   cfg.ParserProvider,
		APIKey:     cfg.ParserAPIKey,
		Model:      cfg.ParserModel,
		BaseURL:    cfg.ParserBaseURL,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		OnFailure:  onFailure,
		OnWarning:  onWarning,
	})
}

// Router builds the HTTP handler for the API.
func (c *Container) Router(version string) http.Handler {
	app := handlers.NewApp(c.Jobs, c.Ledger, c.Payments, c.Components, c.Config.ServiceName, version, c.Logger)
	return httpapi.NewRouter(httpapi.Deps{
		App:            app,
		Verifier:       c.Verifier,
		Limiter:        c.Limiter,
		Limits:         c.Config.RateLimits,
		Logger:         c.Logger,
		Country:        c.GeoIP.Lookup(),
		VideosDir:      filepath.Join(c.Files.BasePath(), "videos"),
		AllowedOrigins: c.Config.AllowedOrigins,
	})
}

// NewWorker builds a task worker with the video runner registered.
func (c *Container) NewWorker() *dispatch.Worker {
	cfg := c.Config
	renderer := pipeline.NewCommandRenderer(cfg.RenderCommand, cfg.RenderArgs, cfg.RenderDir, c.Logger)
	pipe := pipeline.New(renderer, c.Files, pipeline.Options{Retries: cfg.RenderRetries}, c.Logger)
	runner := jobs.NewRunner(c.JobStore, c.Ledger, pipe, c.Alerts, cfg.PublicBaseURL, c.Logger)

	w := dispatch.NewWorker(c.Broker, c.Backend, dispatch.WorkerConfig{
		Queue:         cfg.DispatchQueue,
		Concurrency:   cfg.WorkerConcurrency,
		SoftLimit:     cfg.TaskSoftLimit,
		HardLimit:     cfg.TaskHardLimit,
		MaxDeliveries: cfg.TaskMaxDeliveries,
	}, c.Logger)
	runner.Register(w)
	return w
}

// Close releases connections in reverse order of opening and flushes
// pending alerts.
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	if w, ok := c.Alerts.(interface{ Wait() }); ok {
		w.Wait()
	}
	return errors.Join(errs...)
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
