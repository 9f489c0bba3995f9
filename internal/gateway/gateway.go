// ABOUTME: Gateway orchestrator wiring store, queues, sessions, pipeline, and HTTP
// ABOUTME: Manages startup recovery and graceful shutdown of every component

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/zaphub/gateway/internal/config"
	"github.com/zaphub/gateway/internal/media"
	"github.com/zaphub/gateway/internal/pipeline"
	"github.com/zaphub/gateway/internal/protocol"
	"github.com/zaphub/gateway/internal/queue"
	"github.com/zaphub/gateway/internal/session"
	"github.com/zaphub/gateway/internal/store"
)

const (
	shutdownTimeout = 5 * time.Second
	// cleanupInterval is how often the maintenance job is enqueued.
	cleanupInterval = 12 * time.Hour
)

// Gateway orchestrates the zaphub-gateway server components: the SQLite
// store, the job broker, the connection manager, the pipeline workers,
// and the HTTP API.
type Gateway struct {
	config  *config.Config
	store   store.Store
	broker  queue.Broker
	manager *session.Manager
	enq     *pipeline.Enqueuer
	workers *pipeline.Workers
	echo    *echo.Echo
	logger  *slog.Logger
}

// initStore creates the store from config, honoring the ZAPHUB_DB_PATH
// environment override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ZAPHUB_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initBroker creates the configured queue broker.
func initBroker(cfg *config.Config, logger *slog.Logger) (queue.Broker, error) {
	switch cfg.Queue.Driver {
	case "memory":
		logger.Warn("using in-memory queue driver, jobs will not survive a restart")
		return queue.NewMemoryBroker(cfg.Queue.MaxAttempts, cfg.Queue.BackoffDelay), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return queue.NewRedisBroker(client, cfg.Queue.MaxAttempts, cfg.Queue.BackoffDelay), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

// initMediaStorage creates the configured media storage backend.
func initMediaStorage(cfg *config.Config) (media.Storage, error) {
	switch cfg.Media.Storage {
	case "supabase":
		return media.NewSupabaseStorage(cfg.Media.Supabase.URL, cfg.Media.Supabase.APIKey, cfg.Media.Supabase.Bucket)
	default:
		baseURL := cfg.Media.Local.BaseURL
		if baseURL == "" {
			baseURL = cfg.Server.PublicURL + "/media"
		}
		return media.NewLocalStorage(cfg.Media.Local.BasePath, baseURL)
	}
}

// New wires the gateway components. The dialer is the transport driver
// sockets are established through.
func New(cfg *config.Config, dialer protocol.Dialer, logger *slog.Logger) (*Gateway, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broker, err := initBroker(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	mediaStorage, err := initMediaStorage(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing media storage: %w", err)
	}

	creds, err := session.NewCredentialStore(cfg.Session.CredsDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing credential store: %w", err)
	}

	enq := pipeline.NewEnqueuer(broker, st, cfg.Webhook)
	manager := session.NewManager(st, dialer, creds, enq, cfg.Session)
	workers := pipeline.NewWorkers(st, enq, manager, mediaStorage, cfg)
	workers.Register(broker)

	g := &Gateway{
		config:  cfg,
		store:   st,
		broker:  broker,
		manager: manager,
		enq:     enq,
		workers: workers,
		logger:  logger.With("component", "gateway"),
	}
	g.echo = g.buildServer()
	return g, nil
}

// buildServer constructs the echo instance with middleware and routes.
func (g *Gateway) buildServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	if g.config.Server.APIKey != "" {
		e.Use(g.apiKeyMiddleware)
	}

	h := newHandler(g.store, g.enq, g.manager, g.workers.Tracker(), g.config)
	h.registerRoutes(e)

	if g.config.Media.Storage == "local" {
		e.Static("/media", g.config.Media.Local.BasePath)
	}
	return e
}

// apiKeyMiddleware rejects requests without the configured key. Health
// stays open for load balancer probes.
func (g *Gateway) apiKeyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == "/health" {
			return next(c)
		}
		if c.Request().Header.Get("X-API-Key") != g.config.Server.APIKey {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		}
		return next(c)
	}
}

// Run starts the broker, recovers sessions, and serves HTTP until the
// context is cancelled. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()

	errCh := make(chan error, 2)
	go func() {
		if err := g.broker.Start(brokerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("broker: %w", err)
		}
	}()

	report, err := g.manager.RecoverSessions(ctx)
	if err != nil {
		g.logger.Error("session recovery failed", "error", err)
	} else if len(report.Failed) > 0 {
		g.logger.Warn("some sessions failed to recover", "failed", len(report.Failed))
	}

	go g.cleanupLoop(ctx)

	go func() {
		g.logger.Info("HTTP server listening", "addr", g.config.Server.HTTPAddr)
		if err := g.echo.Start(g.config.Server.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context cancelled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stopBroker()
	shutdownErr := g.shutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// cleanupLoop enqueues the maintenance job at startup and on an interval.
func (g *Gateway) cleanupLoop(ctx context.Context) {
	if err := g.enq.EnqueueCleanup(ctx); err != nil {
		g.logger.Warn("enqueuing cleanup failed", "error", err)
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.enq.EnqueueCleanup(ctx); err != nil {
				g.logger.Warn("enqueuing cleanup failed", "error", err)
			}
		}
	}
}

// shutdown stops components in dependency order with a fresh context,
// since the run context is already cancelled. Sessions are stopped with
// reason shutdown so credentials survive for the next start.
func (g *Gateway) shutdown() error {
	g.logger.Info("shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := g.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.manager.Shutdown(ctx)
	g.workers.Close()

	if err := g.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("broker close: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	g.logger.Info("gateway stopped")
	return nil
}
