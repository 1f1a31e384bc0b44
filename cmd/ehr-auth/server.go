package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/ehr-auth/internal/config"
	"github.com/ehr/ehr-auth/internal/domain/authn"
	"github.com/ehr/ehr-auth/internal/domain/mfa"
	"github.com/ehr/ehr-auth/internal/domain/session"
	"github.com/ehr/ehr-auth/internal/platform/auth"
	"github.com/ehr/ehr-auth/internal/platform/cache"
	"github.com/ehr/ehr-auth/internal/platform/db"
	"github.com/ehr/ehr-auth/internal/platform/middleware"
	"github.com/ehr/ehr-auth/internal/platform/notification"
	"github.com/ehr/ehr-auth/internal/platform/telemetry"
)

const version = "0.1.0"

func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.UsesDevSecret() {
		logger.Warn().Msg("using built-in development JWT secret")
	}

	ctx := context.Background()

	tracing, err := telemetry.NewTracing(ctx, telemetry.TracingConfig{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		Insecure:       !cfg.IsProduction(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start tracing")
	}
	metrics := telemetry.NewMetrics()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store, err := newCacheStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure cache")
	}
	metrics.WatchCache(store.Available)
	logger.Info().Str("backend", store.Backend()).Bool("available", store.Available()).Msg("cache configured")

	txm := db.NewTxManager(pool)

	// Sessions
	sessions := session.NewManager(session.NewRepo(pool), txm, store, sessionOptions(cfg), logger).
		WithMetrics(metrics)
	claims := auth.NewClaimsCodec([]byte(cfg.JWTSecret), cfg.JWTIssuer)

	// Notifications
	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure notifications")
	}
	dispatcher.WithMetrics(metrics)

	// Users and MFA
	users := authn.NewUserRepo(pool)
	mfaSvc := mfa.NewService(mfa.NewRepo(pool), txm, authn.NewDirectory(users), dispatcher, mfaOptions(cfg), logger).
		WithMetrics(metrics)
	hasher, err := authn.NewHasher(0)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize password hasher")
	}
	authnSvc := authn.NewService(users, sessions, mfaSvc, claims, hasher, authn.Options{
		IdentityTTL:  cfg.AccessTokenTTL,
		ChallengeTTL: cfg.MFACodeExpiry,
	}, logger)

	e := newEcho(cfg, logger, metrics, tracing, pool, store, sessions, claims)

	api := e.Group("/api/v1")
	limiter := middleware.NewRateLimiter(rateLimitConfig(cfg))
	authn.NewHandler(authnSvc).RegisterRoutes(api, api, limiter.Middleware())
	session.NewHandler(sessions).RegisterRoutes(api)
	mfa.NewHandler(mfaSvc).RegisterRoutes(api)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	sessions.Close()
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("cache close failed")
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with global middleware, health and metrics.
// Every route outside auth.AuthSkipper requires a validated session.
func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics, tracing *telemetry.Tracing,
	pool *pgxpool.Pool, store cache.Store, sessions *session.Manager, claims *auth.ClaimsCodec) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tracing.Middleware())
	e.Use(metrics.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit("64K"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{
			"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID",
			"X-Access-Token", "X-Identity-Token",
		},
	}))

	authenticator := auth.NewAuthenticator(sessions, claims, logger)
	e.Use(authenticator.Authenticate(auth.AuthOptions{
		Required:        true,
		ValidateSession: true,
		Skipper:         auth.AuthSkipper,
	}))
	e.Use(db.TenantMiddleware(cfg.DefaultTenant))

	e.GET("/health", db.HealthHandler(pool, store))
	e.GET("/metrics", metrics.Handler())
	return e
}

// newCacheStore prefers Redis and falls back to the in-process store when
// REDIS_URL is unset. Production config refuses to start without Redis.
func newCacheStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, error) {
	if cfg.RedisURL == "" {
		logger.Warn().Msg("REDIS_URL not set, using in-memory session cache")
		return cache.NewMemory(time.Minute), nil
	}
	opts := cache.DefaultRedisOptions()
	if cfg.RedisHealthInterval > 0 {
		opts.HealthInterval = cfg.RedisHealthInterval
	}
	r, err := cache.NewRedis(ctx, cfg.RedisURL, opts, logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func newDispatcher(cfg *config.Config, logger zerolog.Logger) (*notification.Dispatcher, error) {
	fallback := notification.NewLogSender(logger)

	var email notification.EmailSender = fallback
	if cfg.SMTPHost != "" {
		s, err := notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp sender: %w", err)
		}
		email = s
	} else {
		logger.Warn().Msg("SMTP_HOST not set, email codes are logged instead of sent")
	}

	var sms notification.SMSSender = fallback
	if cfg.SMSGatewayURL != "" {
		g, err := notification.NewSMSGateway(notification.SMSGatewayConfig{
			URL:      cfg.SMSGatewayURL,
			APIKey:   cfg.SMSAPIKey,
			SenderID: cfg.SMSSenderID,
		})
		if err != nil {
			return nil, fmt.Errorf("sms gateway: %w", err)
		}
		sms = g
	}

	opts := notification.DefaultDispatcherOptions()
	opts.MaxRetries = cfg.NotifyMaxRetries
	if cfg.NotifyInitialBackoff > 0 {
		opts.InitialBackoff = cfg.NotifyInitialBackoff
	}
	return notification.NewDispatcher(email, sms, nil, opts, logger), nil
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}
