package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/opsdash/dispatch-engine/internal/broker"
	"github.com/opsdash/dispatch-engine/internal/cache"
	"github.com/opsdash/dispatch-engine/internal/config"
	"github.com/opsdash/dispatch-engine/internal/domain"
	"github.com/opsdash/dispatch-engine/internal/events"
	"github.com/opsdash/dispatch-engine/internal/handler"
	"github.com/opsdash/dispatch-engine/internal/infra/postgresql"
	"github.com/opsdash/dispatch-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/opsdash/dispatch-engine/internal/infra/redis"
	"github.com/opsdash/dispatch-engine/internal/observability"
	"github.com/opsdash/dispatch-engine/internal/provider"
	"github.com/opsdash/dispatch-engine/internal/queue"
	"github.com/opsdash/dispatch-engine/internal/ratelimit"
	"github.com/opsdash/dispatch-engine/internal/repository"
	"github.com/opsdash/dispatch-engine/internal/service"
	"github.com/opsdash/dispatch-engine/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	eventBufferSize   = 1024
	relayPublishLimit = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("dispatch-engine stopped with error", zap.Error(err))
	}
	logger.Info("dispatch-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()
	var checks []service.DependencyCheck

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if cfg.DatabaseDSN != "" {
		checks = append(checks, service.DependencyCheck{Name: "database", Ping: store.Ping})
	}

	var rdb *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
		checks = append(checks, service.DependencyCheck{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	bus := events.NewBus(logger)
	defer bus.Close()
	recorderSub := bus.Subscribe("metrics", eventBufferSize)
	subscriptions := []*events.Subscription{recorderSub}

	var relay *broker.Relay
	var relaySub *events.Subscription
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rmq, err := broker.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		publisher := broker.NewRabbitMQPublisher(rmq)
		defer publisher.Close()
		relay = broker.NewRelay(publisher, relayPublishLimit, logger.Named("relay"))
		relaySub = bus.Subscribe("relay", eventBufferSize)
		subscriptions = append(subscriptions, relaySub)
		checks = append(checks, service.DependencyCheck{Name: "rabbitmq", Ping: rmq.Ping})
	}

	appCache := cache.New(cache.Options{
		Remote:        rdb,
		RemoteTimeout: cfg.CacheRemoteTimeout(),
		SweepInterval: cfg.CacheSweepInterval(),
		Recorder:      metrics,
		Logger:        logger.Named("cache"),
	})

	registry, err := provider.NewDefaultRegistry(func(ch domain.Channel) provider.Config {
		opts := cfg.Provider(ch.String())
		return provider.Config{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			Region:    opts.Region,
			Endpoint:  opts.Endpoint,
		}
	}, provider.NewSimulator())
	if err != nil {
		return fmt.Errorf("provider registry initialization failed: %w", err)
	}

	tracker, err := service.NewDeliveryTracker(store, bus, cfg.ProviderSendTimeout(), logger.Named("tracker"))
	if err != nil {
		return err
	}

	dispatcher, err := service.NewDispatcher(
		registry,
		service.NewPreferenceGate(store.Preferences()),
		tracker,
		ratelimit.NewChannelLimiter(),
		bus,
		logger.Named("dispatcher"),
	)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics)

	router, err := newRouter(cfg, rdb, dispatcher, logger)
	if err != nil {
		return err
	}
	defer router.Close()

	notifications, err := service.NewNotificationService(store, router, tracker, appCache, bus, logger.Named("notifications"))
	if err != nil {
		return err
	}

	reconciler, err := service.NewReconciler(
		store,
		tracker,
		router,
		cfg.ReconcileInterval(),
		cfg.ReconcileStaleAfter(),
		logger.Named("reconciler"),
	)
	if err != nil {
		return err
	}

	healthMonitor, err := service.NewHealthMonitor(service.HealthMonitorOptions{
		Statuses:      registry,
		Depths:        router,
		Dependencies:  checks,
		Subscriptions: subscriptions,
		Cache:         appCache,
		Metrics:       metrics,
		Logger:        logger.Named("health"),
		Schedule:      cfg.HealthCheckSchedule,
	})
	if err != nil {
		return err
	}

	var tenantLimiter ratelimit.RateLimiter = ratelimit.NewLocalLimiter(nil, ratelimit.PerSecond(cfg.TenantRateLimitPerSec))
	if rdb != nil {
		tenantLimiter, err = infraredis.NewRedisRateLimiter(rdb, infraredis.RateLimitOptions{
			Scope: "tenant",
			Limit: cfg.TenantRateLimitPerSec,
		})
		if err != nil {
			return fmt.Errorf("tenant rate limiter initialization failed: %w", err)
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
		Immutable:             true,
	})
	app.Use(transport.RequestID())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, checks)
	handler.RegisterSystemRoutes(app, healthMonitor)
	if err := handler.RegisterNotificationRoutes(
		app,
		notifications,
		transport.Tenant(),
		transport.TenantRateLimit(tenantLimiter, logger),
	); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx, router.Queues()...) })
	g.Go(func() error { return reconciler.Start(gctx) })
	g.Go(func() error { return healthMonitor.Start(gctx) })
	g.Go(func() error { return appCache.Run(gctx) })
	g.Go(func() error {
		return observability.NewEventRecorder(metrics, logger.Named("events")).Run(gctx, recorderSub)
	})
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx, relaySub) })
	}
	g.Go(func() error {
		logger.Info("dispatch-engine api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, func(), error) {
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		logger.Warn("DATABASE_DSN not set, using in-memory store")
		return repository.NewMemoryStore(), func() {}, nil
	}

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return nil, nil, fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	return repository.NewGormStore(db), func() { _ = sqlDB.Close() }, nil
}

func newRouter(cfg *config.Config, rdb *redis.Client, dispatcher *service.Dispatcher, logger *zap.Logger) (*queue.Router, error) {
	queues := make([]*queue.ChannelQueue, 0, len(domain.Channels))
	for _, channel := range domain.Channels {
		var backend queue.Backend = queue.NewMemoryBackend()
		if cfg.QueueBackend == "redis" {
			rb, err := queue.NewRedisBackend(rdb, channel)
			if err != nil {
				return nil, fmt.Errorf("queue backend for %s: %w", channel, err)
			}
			backend = rb
		}

		q, err := queue.New(queue.Options{
			Channel:      channel,
			Backend:      backend,
			Workers:      cfg.Workers(channel.String()),
			PollInterval: cfg.QueuePollInterval(),
			MaxAttempts:  domain.MaxAttempts,
			OnExhausted:  dispatcher.OnExhausted,
			OnRetry:      dispatcher.OnRetry,
			Logger:       logger.Named("queue"),
		})
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queue.NewRouter(queues...)
}
