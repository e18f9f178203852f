// Package chant is the public API for embedding the chant deliberation
// engine server.
//
//	app, err := chant.New(
//	    chant.WithVersion(version),
//	    chant.WithLogger(logger),
//	    chant.WithEventHook(myHook),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types are
// standalone; the adapters that convert between the two sides live here.
package chant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/unitychant/chant/api"
	"github.com/unitychant/chant/internal/auth"
	"github.com/unitychant/chant/internal/config"
	"github.com/unitychant/chant/internal/mcp"
	"github.com/unitychant/chant/internal/model"
	"github.com/unitychant/chant/internal/moderation"
	"github.com/unitychant/chant/internal/ratelimit"
	"github.com/unitychant/chant/internal/server"
	"github.com/unitychant/chant/internal/service/engine"
	"github.com/unitychant/chant/internal/storage"
	"github.com/unitychant/chant/internal/telemetry"
	"github.com/unitychant/chant/migrations"
)

const (
	idempotencyCleanupInterval = time.Hour
	idempotencyCompletedTTL    = 24 * time.Hour
	idempotencyAbandonedTTL    = 10 * time.Minute

	// POST /auth/token is called by a trusted session service, so the
	// per-IP bucket only needs to stop key guessing.
	authRateLimitRPS   = 1.0
	authRateLimitBurst = 10

	retentionBatchSize = 100

	drainTimeout = 10 * time.Second
)

// App is the chant server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	db           *storage.DB
	engine       *engine.Engine
	worker       *engine.TierWorker
	sweeper      *engine.Sweeper
	srv          *server.Server
	broker       *server.Broker // nil without a notify connection
	limiter      ratelimit.Limiter
	authLimiter  ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New connects to the database, runs migrations and wires every subsystem.
// It starts no goroutines and accepts no connections; call Run for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("chant starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	fail := func(format string, err error) (*App, error) {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf(format, err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("jwt: no key pair configured, using an ephemeral key; tokens will not survive a restart")
	}

	var serviceKeyHash string
	if cfg.ServiceKey != "" {
		serviceKeyHash, err = auth.HashServiceKey(cfg.ServiceKey)
		if err != nil {
			return fail("hash service key: %w", err)
		}
	} else {
		logger.Info("auth: POST /auth/token disabled (no CHANT_SERVICE_KEY)")
	}

	var hooks []engine.EventHook
	for _, h := range o.eventHooks {
		hooks = append(hooks, &eventHookAdapter{hook: h})
	}
	eng := engine.New(db, engine.Config{
		GracePeriod:      cfg.GracePeriod,
		SeatTTL:          cfg.SeatTTL,
		CellTimeout:      cfg.CellTimeout,
		DiscussionWindow: cfg.DiscussionWindow,
		VoteBudget:       cfg.VoteBudget,
		SweepInterval:    cfg.SweepInterval,
		TierPollInterval: cfg.TierPollInterval,
		TierBatchSize:    cfg.TierBatchSize,
		StatusCacheTTL:   cfg.StatusCacheTTL,
	}, logger, hooks...)

	var mod moderation.Moderator
	if o.moderator != nil {
		mod = &moderatorAdapter{m: o.moderator}
	} else {
		mod = moderation.FromTerms(cfg.ModerationBlocklist)
		if bl, ok := mod.(*moderation.Blocklist); ok {
			logger.Info("moderation: blocklist", "terms", bl.Len())
		} else {
			logger.Info("moderation: disabled")
		}
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemory(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.Noop{}
		logger.Info("rate limiting: disabled")
	}
	authLimiter := ratelimit.NewMemory(authRateLimitRPS, authRateLimitBurst)

	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	mcpSrv := mcp.New(eng, mod, logger, version)

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	srv := server.New(server.ServerConfig{
		Engine:              eng,
		DB:                  db,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		ServiceKeyHash:      serviceKeyHash,
		Moderator:           mod,
		Limiter:             limiter,
		AuthLimiter:         authLimiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		engine:       eng,
		worker:       engine.NewTierWorker(eng),
		sweeper:      engine.NewSweeper(eng),
		srv:          srv,
		broker:       broker,
		limiter:      limiter,
		authLimiter:  authLimiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background workers and the HTTP server, then blocks until
// ctx is cancelled or the server fails. Shutdown is called on return.
func (a *App) Run(ctx context.Context) error {
	a.worker.Start(ctx)
	a.sweeper.Start(ctx)
	if a.broker != nil {
		go a.broker.Start(ctx)
	}
	go a.idempotencyCleanupLoop(ctx)
	if a.cfg.RetentionPeriod > 0 {
		go a.retentionLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown stops accepting requests and drains in-flight ones, then lets the
// tier worker finish queued advancement tasks before the sweeper, the engine's
// grace timers and hooks, and finally the database pool are closed.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("chant shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, drainTimeout)
	a.worker.Drain(drainCtx)
	a.sweeper.Stop(drainCtx)
	a.engine.Close(drainCtx)
	drainCancel()

	_ = a.limiter.Close()
	_ = a.authLimiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("chant stopped")
	return nil
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(idempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, idempotencyCompletedTTL, idempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// retentionLoop purges deliberations that completed more than
// RetentionPeriod ago.
func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			purged, err := a.db.PurgeCompletedDeliberations(opCtx, time.Now().Add(-a.cfg.RetentionPeriod), retentionBatchSize)
			cancel()
			if err != nil {
				a.logger.Warn("retention purge failed", "error", err)
				continue
			}
			if purged > 0 {
				a.logger.Info("retention purge deleted deliberations", "deleted", purged)
			}
		}
	}
}

func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// eventHookAdapter wraps a chant.EventHook to satisfy engine.EventHook.
type eventHookAdapter struct {
	hook EventHook
}

func (a *eventHookAdapter) OnEvent(ctx context.Context, ev model.Event) error {
	return a.hook.OnEvent(ctx, toPublicEvent(ev))
}

// moderatorAdapter wraps a chant.Moderator so its rejections carry the
// MODERATION_REJECTED code.
type moderatorAdapter struct {
	m Moderator
}

func (a *moderatorAdapter) Check(ctx context.Context, text string) error {
	err := a.m.Check(ctx, text)
	if err == nil || model.ErrorCode(err) != "" {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrModerationRejected, err)
}

func toPublicEvent(ev model.Event) Event {
	return Event{
		Type:           EventType(ev.Type),
		DeliberationID: ev.DeliberationID,
		CellID:         ev.CellID,
		IdeaID:         ev.IdeaID,
		UserID:         ev.UserID,
		Tier:           ev.Tier,
		At:             ev.At,
	}
}
