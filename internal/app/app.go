// Package app wires the cache and event bus components together. Everything
// is constructed once here and passed by reference; no package holds hidden
// global state.
package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"cachebus/internal/cache"
	"cachebus/internal/common/logging"
	"cachebus/internal/config"
	"cachebus/internal/events"
	"cachebus/internal/redis"
)

// App holds all the application dependencies.
type App struct {
	Config      *config.Config
	Logger      logging.Logger
	RedisClient *redis.Client

	Health      *cache.HealthMonitor
	Metrics     *cache.Collector
	Store       *cache.Store
	Tags        *cache.TagIndex
	ReadThrough *cache.ReadThrough
	Janitor     *cache.Janitor

	Bus        *events.Bus
	Publisher  *events.DashboardPublisher
	Subscriber *events.DashboardSubscriber

	Registry *prometheus.Registry

	cancelLoops context.CancelFunc
}

// New creates an application instance with all dependencies constructed in
// dependency order. Background loops are not running yet; call Start.
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
	}

	redisClient, err := redis.NewClient(&redis.Config{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		return nil, err
	}
	app.RedisClient = redisClient
	app.Logger.Info("Redis: Connected", logging.Field{Key: "address", Value: cfg.RedisAddress})

	app.Registry = prometheus.NewRegistry()

	app.Health = cache.NewHealthMonitor(
		cache.PingFunc(redisClient.Ping),
		cfg.HealthInterval,
		logging.GetGlobalLogger(),
	)
	if err := app.Health.InstrumentWith(app.Registry); err != nil {
		return nil, err
	}

	app.Metrics = cache.NewCollector()
	if err := app.Metrics.InstrumentWith(app.Registry); err != nil {
		return nil, err
	}

	app.Store = cache.NewStore(redisClient.Unwrap(), cache.Options{
		Prefix:         cfg.CachePrefix,
		MaxKeyLength:   cfg.MaxKeyLength,
		UseCompression: cfg.UseCompression,
		DefaultTTL:     cfg.DefaultTTL,
		TTLOverrides:   cfg.TTLOverrides,
		OpTimeout:      cfg.OpTimeout,
	}, app.Health, app.Metrics, logging.GetGlobalLogger())

	app.Tags = cache.NewTagIndex(app.Store, logging.GetGlobalLogger())
	app.ReadThrough = cache.NewReadThrough(app.Store, logging.GetGlobalLogger())

	if cfg.JanitorEnabled {
		app.Janitor = cache.NewJanitor(app.Store, cfg.JanitorInterval, logging.GetGlobalLogger())
	}

	app.Bus = events.NewBus(redisClient.Unwrap(), logging.GetGlobalLogger())
	app.Publisher = events.NewDashboardPublisher(app.Bus, app.Store, cfg.EventChannel, logging.GetGlobalLogger())
	app.Subscriber = events.NewDashboardSubscriber(app.Bus, app.Store, cfg.EventChannel, nil, logging.GetGlobalLogger())

	return app, nil
}

// Start launches the background loops: the health ticker, the dashboard
// event receive loop, and the tag janitor. They run until Stop.
func (app *App) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	app.cancelLoops = cancel

	app.Health.Start(loopCtx)
	app.Subscriber.Start(loopCtx)
	if app.Janitor != nil {
		app.Janitor.Start(loopCtx)
	}

	app.Logger.Info("Background loops started",
		logging.Field{Key: "health_interval", Value: app.Config.HealthInterval.String()},
		logging.Field{Key: "janitor", Value: app.Janitor != nil},
	)
}

// Stop cancels the background loops.
func (app *App) Stop() {
	if app.cancelLoops != nil {
		app.cancelLoops()
	}
}

// Cleanup releases all resources.
func (app *App) Cleanup() {
	app.Stop()
	if app.RedisClient != nil {
		if err := app.RedisClient.Close(); err != nil {
			app.Logger.Warn("Error closing Redis client", logging.Err(err))
		}
	}
}
