package app

import (
	"context"
	"fmt"
	"time"

	"roomsync/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSetupTimeout = 10 * time.Second

// NewDBPool opens the pool behind the postgres room log and checks that it can
// hand out a connection.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// dbPoolConfig maps Config onto pgxpool settings. Settings in the URL win
// unless the matching ROOMSYNC_DB_* knob is set.
func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	// Each append pins a connection for its locked transaction; idle minimums
	// above the cap would never be reachable.
	if cfg.DBMinConns > 0 {
		pcfg.MinConns = min(cfg.DBMinConns, pcfg.MaxConns)
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = "roomsync"
	}
	return pcfg, nil
}

// openPostgresRoomLog binds the room log to pool and creates its schema,
// room_log and room_seq tables when missing.
func openPostgresRoomLog(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*realtime.PostgresRoomLog, error) {
	pg, err := realtime.NewPostgresRoomLog(pool,
		realtime.WithSchema(cfg.DBSchema),
		realtime.WithPostgresCap(cfg.HistoryCap),
	)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, schemaSetupTimeout)
	defer cancel()
	if err := pg.EnsureSchema(sctx); err != nil {
		return nil, fmt.Errorf("ensure room log schema %q: %w", cfg.DBSchema, err)
	}
	return pg, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
