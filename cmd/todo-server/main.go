package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"todo-sync/api"
	"todo-sync/commands"
	"todo-sync/config"
	"todo-sync/domain"
	"todo-sync/storage"
	"todo-sync/storage/memory"
	"todo-sync/stream"
	"todo-sync/subscription"
)

const shutdownTimeout = 10 * time.Second

// backend is what the server needs from either store implementation.
type backend interface {
	commands.Store
	FetchTasks(ctx context.Context) ([]domain.Task, error)
	Ping(ctx context.Context) error
}

// snapshotStore serves snapshots through the cache and everything else from the store.
type snapshotStore struct {
	backend
	cache *storage.Cache
}

func (s snapshotStore) FetchTasks(ctx context.Context) ([]domain.Task, error) {
	return s.cache.FetchTasks(ctx)
}

func (s snapshotStore) Invalidate(ctx context.Context) error {
	return s.cache.Invalidate(ctx)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := setupTracing(logger)
	defer shutdownTracing()

	var (
		store     backend
		connector subscription.Connector
		closers   []func()
	)
	switch cfg.Store {
	case config.StoreMemory:
		mem := memory.New()
		store = mem
		connector = func(ctx context.Context) (subscription.Conn, error) {
			return mem.Connect(ctx)
		}
		logger.Warn("using in-memory store, data is lost on exit")
	default:
		pg, err := storage.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("storage: %v", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatalf("migrate: %v", err)
		}
		store = pg
		connector = subscription.PgConnector(cfg.DatabaseURL)
		closers = append(closers, pg.Close)
	}

	var (
		rc      *redis.Client
		deduper commands.Deduper
	)
	if cfg.RedisURL != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisURL))
		closers = append(closers, func() {
			if err := rc.Close(); err != nil {
				logger.WithError(err).Warn("close redis")
			}
		})
		deduper = commands.NewRedisDeduper(rc, cfg.DedupeTTL)
	} else {
		deduper = commands.NewMemoryDeduper(cfg.DedupeTTL)
	}
	snapshots := snapshotStore{backend: store, cache: storage.NewCache(store, rc, cfg.SnapshotCacheTTL)}

	hub := stream.New(snapshots, logger)
	handler := commands.New(store, deduper, logger)

	listener := subscription.New(connector, domain.ChangeChannel, hub, subscription.Retry{
		MaxRetries: uint64(cfg.ListenerMaxRetries),
		BaseDelay:  cfg.ListenerBaseDelay,
		MaxDelay:   cfg.ListenerMaxDelay,
	}, logger)
	if err := listener.Start(ctx); err != nil {
		logger.Fatalf("change listener: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.AllowedOrigin},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, "Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddleware("todo_sync"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.NewServer(hub, handler, snapshots, logger, api.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		SessionBuffer:  cfg.SessionBuffer,
		CommandTimeout: cfg.CommandTimeout,
	}).Register(e)

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("push service listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-listener.Err():
		logger.WithError(err).Error("change propagation lost")
		exitCode = 1
	case err := <-serverErr:
		logger.WithError(err).Error("http server failed")
		exitCode = 1
	}

	listener.Stop()
	hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	cancel()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	if exitCode != 0 {
		shutdownTracing()
		os.Exit(exitCode)
	}
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}
