// Package realtime contains the roomsync WebSocket gateway, the delta-sync
// coordinator and the room log / fanout primitives it is built on.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRoomLog is a RoomLog backed by PostgreSQL.
//
// Ownership model:
// - PostgresRoomLog does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Uses per-room transactional advisory locks so id assignment + insert +
//     trim is one atomic unit. The id is taken from room_seq while the lock is
//     held, so id order, append position (pos) order and commit order agree
//     within a room.
type PostgresRoomLog struct {
	pool     *pgxpool.Pool
	schema   string
	capacity int
}

// PostgresOption configures PostgresRoomLog behavior.
type PostgresOption func(*PostgresRoomLog) error

// WithSchema sets the DB schema used by this store (default: "roomsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresRoomLog) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresCap sets the per-room retention bound (default: 500).
func WithPostgresCap(capacity int) PostgresOption {
	return func(s *PostgresRoomLog) error {
		if capacity <= 0 {
			return errors.New("realtime: cap must be positive")
		}
		s.capacity = capacity
		return nil
	}
}

// NewPostgresRoomLog constructs a Postgres-backed RoomLog.
func NewPostgresRoomLog(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresRoomLog, error) {
	st := &PostgresRoomLog{
		pool:     pool,
		schema:   DefaultKeyPrefix,
		capacity: DefaultHistoryCap,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Cap returns the per-room retention bound.
func (s *PostgresRoomLog) Cap() int { return s.capacity }

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresRoomLog) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresRoomLog) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storeUnavailable("realtime.PostgresRoomLog.Ping", "", err)
	}
	return nil
}

// EnsureSchema creates the schema and room_log table when missing.
func (s *PostgresRoomLog) EnsureSchema(ctx context.Context) error {
	roomLog := pgIdent(s.schema, "room_log")
	roomSeq := pgIdent(s.schema, "room_seq")
	idx := pgx.Identifier{"room_log_room_pos_idx"}.Sanitize()

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  pos      BIGSERIAL PRIMARY KEY,
  room     TEXT NOT NULL,
  id       BIGINT NOT NULL CHECK (id > 0),
  author   TEXT NOT NULL,
  text     TEXT NOT NULL,
  sent_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (room, id)
)`, roomLog),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (room, pos)`, idx, roomLog),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  room     TEXT PRIMARY KEY,
  last_id  BIGINT NOT NULL CHECK (last_id > 0)
)`, roomSeq),
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("realtime: ensure schema: %w", err)
		}
	}
	return nil
}

// Append assigns the next room id, inserts msg and deletes everything older
// than the newest Cap rows of the room, in one transaction.
func (s *PostgresRoomLog) Append(ctx context.Context, msg Message) (Message, error) {
	const op = "realtime.PostgresRoomLog.Append"
	if err := validateAppend(op, msg); err != nil {
		return Message{}, err
	}

	start := time.Now()
	stored, err := s.appendTx(ctx, msg)
	roomLogLatency.WithLabelValues("postgres", "append").Observe(time.Since(start).Seconds())
	roomLogAppends.WithLabelValues("postgres", resultLabel(err)).Inc()

	if err != nil {
		return Message{}, storeUnavailable(op, msg.Room, err)
	}
	return stored, nil
}

func (s *PostgresRoomLog) appendTx(ctx context.Context, msg Message) (Message, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	roomLog := pgIdent(s.schema, "room_log")

	// Serialize appends per room.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, msg.Room); err != nil {
		return Message{}, fmt.Errorf("advisory lock: %w", err)
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "room_seq")+` AS seq (room, last_id) VALUES ($1, $2)
		 ON CONFLICT (room) DO UPDATE SET last_id = GREATEST(seq.last_id + 1, EXCLUDED.last_id)
		 RETURNING last_id`,
		msg.Room, assignID(0, msg.ID),
	).Scan(&msg.ID); err != nil {
		return Message{}, fmt.Errorf("next id: %w", err)
	}

	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+roomLog+` (room, id, author, text, sent_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.Room, msg.ID, msg.Author, msg.Text, msg.SentAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	// Keep the newest cap rows; the subquery is NULL while the room is below cap.
	if _, err := tx.Exec(ctx,
		`DELETE FROM `+roomLog+`
		  WHERE room = $1
		    AND pos < (SELECT pos FROM `+roomLog+`
		                WHERE room = $1
		                ORDER BY pos DESC
		                OFFSET $2 LIMIT 1)`,
		msg.Room, s.capacity-1,
	); err != nil {
		return Message{}, fmt.Errorf("trim room: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ReadAll returns the room window ordered by append position.
func (s *PostgresRoomLog) ReadAll(ctx context.Context, room string) ([]Message, error) {
	const op = "realtime.PostgresRoomLog.ReadAll"

	start := time.Now()
	defer func() {
		roomLogLatency.WithLabelValues("postgres", "read_all").Observe(time.Since(start).Seconds())
	}()

	rows, err := s.pool.Query(ctx,
		`SELECT room, id, author, text, sent_at
		   FROM `+pgIdent(s.schema, "room_log")+`
		  WHERE room = $1
		  ORDER BY pos ASC`,
		room,
	)
	if err != nil {
		return nil, storeUnavailable(op, room, err)
	}
	defer rows.Close()

	msgs := make([]Message, 0, s.capacity)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Room, &m.ID, &m.Author, &m.Text, &m.SentAt); err != nil {
			return nil, storeUnavailable(op, room, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable(op, room, err)
	}
	return msgs, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
