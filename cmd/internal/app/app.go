// Package app wires the roomsync server runtime: config, logging, stores,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"roomsync/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App is the roomsync server runtime. It owns the store clients and the
// realtime components built on them.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	rdb    *redis.Client

	roomLog   realtime.RoomLog
	hub       *realtime.Hub
	coord     *realtime.Coordinator
	backplane *realtime.RedisBackplane
	ws        *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	cfg = cfg.withDerivedDefaults()

	a := &App{cfg: cfg, log: log, hub: realtime.NewHub(log)}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.openStores(ctx); err != nil {
		a.closeStores()
		return nil, err
	}
	if err := a.wireRealtime(ctx); err != nil {
		a.closeStores()
		return nil, err
	}
	return a, nil
}

func (a *App) needsRedis() bool {
	return a.cfg.LogBackend == BackendRedis || a.cfg.Backplane == BackplaneRedis
}

func (a *App) openStores(ctx context.Context) error {
	if a.needsRedis() {
		if a.cfg.RedisURL == "" {
			return errors.New("app: ROOMSYNC_REDIS_URL is required for the configured backend or backplane")
		}
		rdb, err := NewRedisClient(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("app: redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis.enabled")
	}

	if a.cfg.LogBackend == BackendPostgres {
		if a.cfg.DatabaseURL == "" {
			return errors.New("app: ROOMSYNC_DATABASE_URL is required for the postgres backend")
		}
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("app: postgres: %w", err)
		}
		a.dbPool = pool
		a.log.Info("db.enabled.postgres_room_log")
	}
	return nil
}

func (a *App) wireRealtime(ctx context.Context) error {
	var err error

	switch a.cfg.LogBackend {
	case BackendMemory:
		a.roomLog = realtime.NewInMemoryRoomLog(a.cfg.HistoryCap)
		if a.cfg.Backplane == BackplaneRedis {
			a.log.Warn("roomlog.memory.with_shared_backplane", "hint", "catch-up only sees messages accepted by this process")
		}
	case BackendRedis:
		a.roomLog, err = realtime.NewRedisRoomLog(a.rdb,
			realtime.WithKeyPrefix(a.cfg.KeyPrefix),
			realtime.WithRedisCap(a.cfg.HistoryCap),
			realtime.WithRedisLogger(a.log),
		)
	case BackendPostgres:
		var pg *realtime.PostgresRoomLog
		if pg, err = openPostgresRoomLog(ctx, a.dbPool, a.cfg); err == nil {
			a.roomLog = pg
		}
	default:
		return fmt.Errorf("app: unknown ROOMSYNC_LOG_BACKEND %q", a.cfg.LogBackend)
	}
	if err != nil {
		return err
	}

	var ids realtime.IDGenerator
	switch a.cfg.IDStrategy {
	case IDStrategyClock:
		ids = realtime.NewClockIDGenerator()
	case IDStrategySequence:
		ids = realtime.SequenceIDGenerator{}
	default:
		return fmt.Errorf("app: unknown ROOMSYNC_ID_STRATEGY %q", a.cfg.IDStrategy)
	}

	var bc realtime.Broadcaster
	switch a.cfg.Backplane {
	case BackplaneLocal:
		bc = realtime.NewLocalBroadcaster(a.hub)
	case BackplaneRedis:
		a.backplane, err = realtime.NewRedisBackplane(a.log, a.rdb, a.hub, a.cfg.KeyPrefix)
		if err != nil {
			return err
		}
		bc = a.backplane
	default:
		return fmt.Errorf("app: unknown ROOMSYNC_BACKPLANE %q", a.cfg.Backplane)
	}

	a.coord, err = realtime.NewCoordinator(a.log, a.hub, a.roomLog, bc, ids)
	if err != nil {
		return err
	}
	a.ws = realtime.NewWSGateway(a.log, a.coord, a.cfg.Gateway)

	a.log.Info("realtime.wired",
		"room_log", a.cfg.LogBackend,
		"history_cap", a.roomLog.Cap(),
		"id_strategy", a.cfg.IDStrategy,
		"backplane", a.cfg.Backplane,
	)
	return nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	errCh := make(chan error, 2)

	if a.backplane != nil {
		go func() {
			if err := a.backplane.Run(ctx); err != nil {
				errCh <- fmt.Errorf("backplane: %w", err)
			}
		}()
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "base_url", base, "ws_url", wsBaseURL(base)+"/ws")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	cancel()
	a.closeStores()

	a.log.Info("server.stopped")
	return runErr
}

// closeStores releases resources owned by the app. RoomLog implementations
// do not own their clients, so their Close is called first and is cheap.
func (a *App) closeStores() {
	if a.roomLog != nil {
		if err := a.roomLog.Close(); err != nil {
			a.log.Error("roomlog.close.fail", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.rdb = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds are reported as 127.0.0.1.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) equivalent.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
