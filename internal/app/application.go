// Package app wires configuration into a running Herald node: stores,
// optional Redis and Postgres collaborators, the hub and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"herald/internal/api"
	"herald/internal/cache"
	"herald/internal/config"
	"herald/internal/database"
	"herald/internal/hub"
	"herald/internal/logger"
	"herald/internal/session"
	"herald/internal/unread"
	"herald/internal/websocket"
	dbconfig "herald/pkg/database"
	"herald/pkg/interfaces"
)

const purgeSpec = "@every 10m"

// Application owns every long-lived resource of a node.
type Application struct {
	cfg        *config.Config
	hub        *hub.Hub
	store      interfaces.ScheduleStore
	redis      *redis.Client
	pg         *pgxpool.Pool
	httpServer *http.Server
	mu         sync.Mutex
	listener   net.Listener
	serveErr   chan error
	logger     *slog.Logger
}

// New connects to every configured backend and assembles the node. It does
// not start serving; call Start.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}

	a := &Application{
		cfg:      cfg,
		serveErr: make(chan error, 1),
		logger:   log.With(logger.Component("app")),
	}
	ok := false
	defer func() {
		if !ok {
			a.closeBackends()
		}
	}()

	var (
		hubOpts = []hub.Option{hub.WithLogger(log)}
		checks  []api.HealthCheck
		err     error
	)

	if cfg.Redis.URL != "" {
		a.redis, err = cache.Connect(ctx, cache.Config{
			ConnectionURL:  cfg.Redis.URL,
			RetryAttempts:  cfg.Redis.RetryAttempts,
			RetryInterval:  cfg.Redis.RetryInterval,
			ConnectTimeout: cfg.Redis.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		checks = append(checks, api.HealthCheck{Name: "redis", Check: cache.Healthcheck(a.redis)})

		ttl := cfg.Redis.PresenceTTL
		if ttl <= 0 {
			ttl = session.DefaultPresenceTTL
		}
		mirror := session.NewRedisMirror(a.redis, cfg.NodeID, ttl, log)
		hubOpts = append(hubOpts,
			hub.WithSessionMirror(mirror),
			hub.WithJob(hub.Job{
				Name: "presence_refresh",
				Spec: "@every " + (ttl / 3).String(),
				Run:  mirror.Refresh,
			}),
		)
	}

	switch cfg.Scheduler.Store {
	case "redis":
		a.store = cache.NewScheduleStore(a.redis, log)
	default:
		dbCfg := dbconfig.DefaultConfig()
		dbCfg.DatabasePath = cfg.Database.Path
		dbCfg.WriteTimeout = cfg.Database.Timeout
		dbCfg.RetryDelay = cfg.Database.RetryDelay

		manager, err := database.NewManager(ctx, dbCfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open schedule database: %w", err)
		}
		a.store = manager
		hubOpts = append(hubOpts, hub.WithJob(hub.Job{
			Name: "schedule_purge",
			Spec: purgeSpec,
			Run: func(ctx context.Context) error {
				_, err := manager.PurgeExpired(ctx)
				return err
			},
		}))
	}
	checks = append(checks, api.HealthCheck{Name: "schedule_store", Check: a.store.HealthCheck})

	if cfg.Postgres.URL != "" {
		a.pg, err = unread.Connect(ctx, unread.Config{
			ConnectionURL: cfg.Postgres.URL,
			MaxConns:      cfg.Postgres.MaxConns,
			RetryAttempts: cfg.Postgres.RetryAttempts,
			RetryInterval: cfg.Postgres.RetryInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		checks = append(checks, api.HealthCheck{Name: "postgres", Check: unread.Healthcheck(a.pg)})
		hubOpts = append(hubOpts, hub.WithUnreadCounter(unread.NewCounter(a.pg, cfg.Postgres.UnreadQuery)))
	}

	a.hub, err = hub.New(a.store, hub.Config{
		NodeID:            cfg.NodeID,
		MaxConnections:    cfg.Registry.MaxConnections,
		InactivityTimeout: cfg.Registry.InactivityTimeout,
		SweepSpec:         cfg.Registry.SweepSpec,
		ReportSpec:        cfg.Metrics.ReportSpec,
		SendTimeout:       cfg.Broadcast.SendTimeout,
		BatchWindow:       cfg.Batching.Window,
		Lookahead:         cfg.Scheduler.Lookahead,
		TTLBuffer:         cfg.Scheduler.TTLBuffer,
		RescanInterval:    cfg.Scheduler.RescanInterval,
		Experiments:       cfg.Experiments,
	}, hubOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}

	ws := websocket.NewHandler(a.hub, websocket.Config{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
		MessageRate:  cfg.WebSocket.MessageRate,
		MessageBurst: cfg.WebSocket.MessageBurst,
		MaxMessage:   cfg.WebSocket.MaxMessage,
	}, log)

	a.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Handler:      api.NewServer(a.hub, ws, checks, log),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	ok = true
	return a, nil
}

// Start recovers scheduled work, starts the hub and begins accepting
// connections. Listen errors are returned synchronously; later serve errors
// arrive on Errors.
func (a *Application) Start(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.hub.Stop(ctx)
		return fmt.Errorf("failed to listen on %s: %w", a.httpServer.Addr, err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	a.logger.LogAttrs(ctx, slog.LevelInfo, "herald started",
		slog.String("addr", ln.Addr().String()),
		slog.String("node_id", a.cfg.NodeID),
		slog.String("schedule_store", a.cfg.Scheduler.Store),
		slog.Bool("redis", a.redis != nil),
		slog.Bool("postgres", a.pg != nil),
	)
	return nil
}

// Errors delivers fatal serve errors.
func (a *Application) Errors() <-chan error { return a.serveErr }

// Addr is the bound listen address once Start has returned.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

func (a *Application) Hub() *hub.Hub { return a.hub }

// Stop shuts down in reverse order: HTTP, hub, then backends.
func (a *Application) Stop(ctx context.Context) error {
	var errs []error
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := a.hub.Stop(ctx); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	errs = append(errs, a.closeBackends())

	a.logger.LogAttrs(ctx, slog.LevelInfo, "herald stopped")
	return errors.Join(errs...)
}

func (a *Application) closeBackends() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("schedule store: %w", err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the application and blocks until ctx is done or the server
// fails, then shuts down within the configured timeout.
func Run(ctx context.Context, a *Application) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case runErr = <-a.Errors():
		a.logger.Error("server failed", logger.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := a.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}

// startupTimeout bounds backend connection attempts at boot.
const startupTimeout = 2 * time.Minute

// Bootstrap builds an Application from the environment and an optional
// config file path.
func Bootstrap(ctx context.Context, configPath string) (*Application, *slog.Logger, error) {
	cfg, err := config.LoadConfigWithPrecedence(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(
		logger.WithLevelName(cfg.Log.Level),
		logger.WithFormat(logger.Format(cfg.Log.Format)),
		logger.WithAttr(slog.String("node_id", cfg.NodeID)),
	)

	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	a, err := New(ctx, cfg, log)
	if err != nil {
		return nil, log, err
	}
	return a, log, nil
}
