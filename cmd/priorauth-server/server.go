package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/priorauth/internal/config"
	"github.com/ehr/priorauth/internal/domain/priorauth"
	"github.com/ehr/priorauth/internal/platform/auth"
	"github.com/ehr/priorauth/internal/platform/authz"
	"github.com/ehr/priorauth/internal/platform/db"
	"github.com/ehr/priorauth/internal/platform/events"
	"github.com/ehr/priorauth/internal/platform/middleware"
	"github.com/ehr/priorauth/internal/platform/telemetry"
	"github.com/ehr/priorauth/internal/platform/webhook"
)

// server is the assembled HTTP application and the resources it owns.
type server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	echo     *echo.Echo
	pool     *pgxpool.Pool
	redis    *redis.Client
	webhooks *webhook.Manager
	service  *priorauth.Service
}

// resolveSigningKey decodes the hex AUTH_SIGNING_KEY. Empty means JWKS.
func resolveSigningKey(envValue string) ([]byte, error) {
	if envValue == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(envValue)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	s := &server{cfg: cfg, logger: logger}

	provider := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "priorauth-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		MetricsEnabled: telemetry.BoolPtr(cfg.MetricsEnabled),
	})

	var store priorauth.Store
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		s.pool = pool
		provider.RegisterPoolStats(func() *db.PoolStats { return db.GetPoolStats(pool) })
		store = priorauth.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	default:
		store = priorauth.NewMemoryStore()
		logger.Warn().Msg("using in-memory store; records are lost on restart")
	}

	s.webhooks = webhook.NewManager(webhook.NewMemoryStore(),
		webhook.WithMaxRetries(uint64(cfg.WebhookMaxRetries)),
		webhook.WithLogger(logger.With().Str("component", "webhook").Logger()),
	)

	sinks := events.Multi{events.NewLogSink(logger.With().Str("component", "events").Logger()), s.webhooks}
	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.redis = client
		sinks = append(sinks, events.NewRedisSink(client, cfg.EventStream, logger))
		logger.Info().Str("stream", cfg.EventStream).Msg("publishing events to redis")
	}

	policy, err := authz.Load(cfg.AdjudicationPolicyFile, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.service = priorauth.NewService(store)
	s.service.SetPublisher(provider.CountEvents(sinks))
	s.service.SetMetrics(provider)
	s.service.SetLogger(logger.With().Str("component", "priorauth").Logger())
	if policy != nil {
		s.service.SetAdjudicator(policy)
		logger.Info().Str("policy", cfg.AdjudicationPolicyFile).Msg("adjudication policy loaded")
	}

	authMW, err := s.authMiddleware()
	if err != nil {
		s.Close()
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(provider.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", auth.DevUserHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if s.pool != nil {
		pool := s.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	}
	if cfg.MetricsEnabled {
		e.GET("/metrics", provider.Handler())
	}

	tenantMW := db.TenantTagMiddleware(cfg.DefaultTenant)
	if s.pool != nil {
		tenantMW = db.TenantMiddleware(s.pool, cfg.DefaultTenant)
	}

	api := e.Group("/api/v1",
		authMW,
		tenantMW,
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		middleware.Audit(logger),
	)
	priorauth.NewHandler(s.service).RegisterRoutes(api)
	webhook.NewHandler(s.webhooks).RegisterRoutes(api.Group("/admin"))

	s.echo = e
	return s, nil
}

func (s *server) authMiddleware() (echo.MiddlewareFunc, error) {
	if s.cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		s.logger.Warn().Msg("development auth is active: X-Dev-User is trusted and anonymous callers are admin")
		return auth.DevAuthMiddleware(s.cfg.DefaultTenant), nil
	}
	key, err := resolveSigningKey(s.cfg.AuthSigningKey)
	if err != nil {
		return nil, err
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     s.cfg.AuthIssuer,
		Audience:   s.cfg.AuthAudience,
		JWKSURL:    s.cfg.AuthJWKSURL,
		SigningKey: key,
	}), nil
}

func (s *server) Start() error {
	addr := ":" + s.cfg.Port
	s.logger.Info().Str("addr", addr).Str("store", s.cfg.StoreBackend).Msg("starting server")

	var err error
	if s.cfg.TLSEnabled {
		err = s.echo.StartTLS(addr, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		err = s.echo.Start(addr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then waits for webhook deliveries.
func (s *server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}
	if err := s.webhooks.Wait(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("webhook deliveries still in flight at shutdown")
	}
	return nil
}

func (s *server) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
