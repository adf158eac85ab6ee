package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/anthropic"
	"github.com/linkedai/assist-backend/internal/cache"
	"github.com/linkedai/assist-backend/internal/config"
	"github.com/linkedai/assist-backend/internal/db"
	"github.com/linkedai/assist-backend/internal/gate"
	"github.com/linkedai/assist-backend/internal/http/api/admin"
	"github.com/linkedai/assist-backend/internal/http/api/front"
	"github.com/linkedai/assist-backend/internal/identity"
	"github.com/linkedai/assist-backend/internal/ledger"
	"github.com/linkedai/assist-backend/internal/quota"
	"github.com/linkedai/assist-backend/internal/subscription"
	"github.com/linkedai/assist-backend/internal/telemetry"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if sqlDB, errDB := conn.DB(); errDB == nil {
		defer func() {
			if errClose := sqlDB.Close(); errClose != nil {
				log.Errorf("sql db close error: %v", errClose)
			}
		}()
	}
	return db.Migrate(conn.WithContext(ctx))
}

// Server is a fully wired HTTP handler plus the resources it owns.
type Server struct {
	Handler http.Handler
	Gate    *gate.Engine
	closers []func() error
}

// Close releases resources in reverse construction order.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if errClose := s.closers[i](); errClose != nil {
			errs = append(errs, errClose)
		}
	}
	return errors.Join(errs...)
}

// Build wires every component from cfg. The caller must Close the result.
func Build(ctx context.Context, cfg *config.Config) (*Server, error) {
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	srv := &Server{}
	fail := func(err error) (*Server, error) {
		_ = srv.Close()
		return nil, err
	}

	conn, err := db.Open(cfg.DSN())
	if err != nil {
		return fail(err)
	}
	if sqlDB, errDB := conn.DB(); errDB == nil {
		srv.closers = append(srv.closers, sqlDB.Close)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return fail(errMigrate)
	}

	resolver, err := buildResolver(ctx, cfg.Identity)
	if err != nil {
		return fail(err)
	}

	sealer, err := subscription.NewSealer(cfg.Security.OwnKeySecret)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", config.ErrConfigurationMissing, err))
	}
	store := subscription.NewGormStore(conn, sealer, nil)

	backend, err := ledger.NewBackend(ctx, cfg.Ledger, conn, redis.NewClient)
	if err != nil {
		return fail(err)
	}
	usageLedger := ledger.NewManager(backend, nil)
	srv.closers = append(srv.closers, usageLedger.Close)

	sink, closeSink := buildTelemetry(cfg.PostHog)
	srv.closers = append(srv.closers, closeSink)
	tracker := telemetry.NewTracker(sink, telemetry.SourceServer, nil)

	quotas := quota.NewLoader(conn, nil)
	engine, err := gate.NewEngine(gate.Deps{
		Resolver:          resolver,
		Subscriptions:     store,
		Quotas:            quotas,
		Ledger:            usageLedger,
		SubscriptionCache: cache.New[string, gate.TierState](cfg.Cache.SubscriptionTTL, nil),
		QuotaCache:        cache.New[string, quota.Table](cfg.Cache.QuotaTTL, nil),
		Telemetry:         tracker,
		PlatformKey:       cfg.Anthropic.APIKey,
	})
	if err != nil {
		return fail(err)
	}
	srv.Gate = engine

	router := gin.New()
	router.Use(gin.Recovery())
	front.RegisterFrontRoutes(router, front.Deps{
		DB:            conn,
		Gate:          engine,
		Subscriptions: store,
		Upstream:      anthropic.NewClient(cfg.Anthropic.BaseURL, cfg.Anthropic.Timeout, nil),
		Tracker:       tracker,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Version:       Version,
	})
	admin.RegisterAdminRoutes(router, admin.Deps{
		Token:         cfg.Admin.Token,
		Quotas:        quotas,
		Gate:          engine,
		Subscriptions: store,
	})
	srv.Handler = router
	return srv, nil
}

// RunServer loads config, wires components and serves until ctx is done.
// A positive port overrides the configured one.
func RunServer(ctx context.Context, appCfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ConfigureLogging(cfg.Logging)
	if port > 0 {
		cfg.Port = port
	}

	gin.SetMode(gin.ReleaseMode)
	srv, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := srv.Close(); errClose != nil {
			log.WithError(errClose).Warn("server resources close error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if errShutdown := httpServer.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("server shutdown error: %v", errShutdown)
		}
	}()

	log.Infof("starting assist backend on %s (config=%s, ledger=%s, identity=%s)", addr, configPath, cfg.Ledger.Backend, cfg.Identity.Mode)
	if errListen := httpServer.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
		return errListen
	}
	return nil
}

// ConfigureLogging applies level and formatter settings to the standard logger.
func ConfigureLogging(cfg config.LoggingConfig) {
	level, errLevel := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errLevel != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

func buildResolver(ctx context.Context, cfg config.IdentityConfig) (identity.Resolver, error) {
	switch cfg.Mode {
	case config.IdentityModeJWT:
		if strings.TrimSpace(cfg.JWKSURL) != "" {
			return identity.NewJWKSResolver(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
		}
		return identity.NewHMACResolver(cfg.JWTSecret, cfg.Issuer, cfg.Audience)
	case config.IdentityModeRemote:
		return identity.NewRemoteResolver(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.Timeout, nil), nil
	default:
		return nil, fmt.Errorf("invalid identity mode: %s", cfg.Mode)
	}
}

func buildTelemetry(cfg config.PostHogConfig) (telemetry.Sink, func() error) {
	noop := func() error { return nil }
	if strings.TrimSpace(cfg.APIKey) == "" {
		log.Info("telemetry: posthog api key not set, events are dropped")
		return telemetry.NoopSink{}, noop
	}
	sink, err := telemetry.NewPostHogSink(cfg.APIKey, cfg.Host)
	if err != nil {
		log.WithError(err).Warn("telemetry: posthog client unavailable, events are dropped")
		return telemetry.NoopSink{}, noop
	}
	return sink, sink.Close
}
