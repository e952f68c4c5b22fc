package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsync/internal/config"
	"github.com/ehr/fhirsync/internal/domain/connection"
	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/fetch"
	"github.com/ehr/fhirsync/internal/importer"
	"github.com/ehr/fhirsync/internal/platform/db"
	"github.com/ehr/fhirsync/internal/platform/middleware"
	"github.com/ehr/fhirsync/internal/platform/ratelimit"
	"github.com/ehr/fhirsync/internal/platform/secrets"
	"github.com/ehr/fhirsync/internal/platform/webhook"
	"github.com/ehr/fhirsync/internal/platform/websocket"
	"github.com/ehr/fhirsync/internal/provider"
	"github.com/ehr/fhirsync/internal/reconcile"
	"github.com/ehr/fhirsync/internal/token"
)

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	providers *provider.Registry
	conns     *connection.Service
	records   *record.Service
	tokens    *token.Manager
	sync      *reconcile.Service
	importer  *importer.Orchestrator
	hub       *websocket.Hub
	closers   []func()
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires stores, clients and services from cfg. Postgres backs every
// store unless STORE=memory.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	registry, err := provider.LoadFile(cfg.ProvidersFile)
	if err != nil {
		return nil, err
	}
	a.providers = registry

	var notifier webhook.Notifier = webhook.Nop{}
	if cfg.WebhookURL != "" {
		client, err := webhook.NewClient(cfg.WebhookURL, cfg.WebhookSecret, logger,
			webhook.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
		if err != nil {
			return nil, err
		}
		notifier = client
	}

	var cipher secrets.Cipher = secrets.Plaintext{}
	if cfg.TokenEncryptionKey != "" {
		c, err := secrets.NewAESCipherFromHex(cfg.TokenEncryptionKey)
		if err != nil {
			return nil, err
		}
		cipher = c
	}

	var (
		connRepo connection.Repository
		records  record.Store
		changes  reconcile.ChangeStore
		states   reconcile.StateStore
		runs     importer.RunStore
		tx       db.TxRunner = db.NoopTxRunner{}
	)
	if cfg.UseMemory() {
		logger.Warn().Msg("using in-memory stores; data is lost on exit")
		connRepo = connection.NewMemoryRepo()
		records = record.NewMemoryStore()
		changes = reconcile.NewMemoryChangeStore()
		states = reconcile.NewMemoryStateStore()
		runs = importer.NewMemoryRunStore()
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, pool.Close)
		connRepo = connection.NewRepoPG(pool, cipher)
		records = record.NewStorePG(pool)
		changes = reconcile.NewChangeStorePG(pool)
		states = reconcile.NewStateStorePG(pool)
		runs = importer.NewRunStorePG(pool)
		tx = db.PoolTxRunner{Pool: pool}
	}

	limiters := ratelimit.Chain{ratelimit.NewLocal(cfg.RateLimitRPS, cfg.RateLimitBurst)}
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		limiters = append(limiters, ratelimit.NewRedis(rdb, int64(cfg.RateLimitBurst), time.Second))
		logger.Info().Msg("sharing provider request budget through redis")
	}

	a.conns = connection.NewService(connRepo, notifier, logger)
	a.records = record.NewService(records, logger)
	a.tokens = token.NewManager(a.conns, registry, logger,
		token.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		token.WithSkew(cfg.TokenRefreshSkew))

	fetcher := fetch.New(a.tokens, logger,
		fetch.WithLimiter(limiters),
		fetch.WithTimeout(cfg.HTTPTimeout),
		fetch.WithPageSize(cfg.FetchPageSize),
		fetch.WithPolicy(fetch.Policy{
			MaxAttempts:   cfg.FetchMaxAttempts,
			BaseDelay:     500 * time.Millisecond,
			MaxDelay:      30 * time.Second,
			MaxRetryAfter: 2 * time.Minute,
		}))

	policy, err := reconcile.ParsePolicy(cfg.DefaultConflictResolution)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sync = reconcile.NewService(reconcile.NewReconciler(records, changes, tx, logger), states, policy)

	a.hub = websocket.NewHub(logger)
	a.importer = importer.New(a.conns, registry, a.tokens, fetcher, a.sync, logger,
		importer.WithRunStore(runs),
		importer.WithNotifier(notifier),
		importer.WithPublisher(a.hub),
		importer.WithConcurrency(cfg.SyncConcurrency))
	return a, nil
}

// routes builds the HTTP API.
func (a *app) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(a.cfg.HTTPTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.pool))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	connection.NewHandler(a.conns, a.tokens).RegisterRoutes(apiV1)
	record.NewHandler(a.records).RegisterRoutes(apiV1)
	reconcile.NewHandler(a.sync).RegisterRoutes(apiV1)
	importer.NewHandler(a.importer).RegisterRoutes(apiV1)

	websocket.NewHandler(a.hub).RegisterRoutes(e.Group(""))
	return e
}
