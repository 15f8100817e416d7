package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxAppendAttempts bounds the WATCH retries of one append under contention.
const maxAppendAttempts = 32

// RedisRoomLog is a RoomLog backed by one Redis list per room.
//
// Ownership model:
// - RedisRoomLog does NOT own the client. The caller must close it.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - SET seq + RPUSH + LTRIM run inside one WATCHed MULTI/EXEC, so concurrent
//     appends from any number of processes are serialized by Redis, ids follow
//     list order, and a trim can never remove the entry that was just pushed.
type RedisRoomLog struct {
	rdb      redis.UniversalClient
	log      *slog.Logger
	prefix   string
	capacity int
}

// RedisOption configures RedisRoomLog behavior.
type RedisOption func(*RedisRoomLog) error

// WithKeyPrefix sets the key namespace (default: "roomsync").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisRoomLog) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return errors.New("realtime: empty key prefix")
		}
		s.prefix = prefix
		return nil
	}
}

// WithRedisCap sets the per-room retention bound (default: 500).
func WithRedisCap(capacity int) RedisOption {
	return func(s *RedisRoomLog) error {
		if capacity <= 0 {
			return errors.New("realtime: cap must be positive")
		}
		s.capacity = capacity
		return nil
	}
}

// WithRedisLogger sets the logger used for data-quality warnings.
func WithRedisLogger(log *slog.Logger) RedisOption {
	return func(s *RedisRoomLog) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewRedisRoomLog constructs a Redis-backed RoomLog.
func NewRedisRoomLog(rdb redis.UniversalClient, opts ...RedisOption) (*RedisRoomLog, error) {
	st := &RedisRoomLog{
		rdb:      rdb,
		log:      slog.Default(),
		prefix:   DefaultKeyPrefix,
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
	if st.rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	return st, nil
}

// Cap returns the per-room retention bound.
func (s *RedisRoomLog) Cap() int { return s.capacity }

// Ping checks the Redis connection.
func (s *RedisRoomLog) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return storeUnavailable("realtime.RedisRoomLog.Ping", "", err)
	}
	return nil
}

// Close is a no-op because the client is owned by the caller.
func (s *RedisRoomLog) Close() error { return nil }

// Append assigns the next room id, pushes msg and trims the list to the newest
// Cap entries in one transaction.
//
// The room's highest id lives in {prefix}:room:{room}:seq. It is WATCHed while
// the id is chosen, so a concurrent append from any process aborts this EXEC
// and the id is chosen again.
func (s *RedisRoomLog) Append(ctx context.Context, msg Message) (Message, error) {
	const op = "realtime.RedisRoomLog.Append"
	if err := validateAppend(op, msg); err != nil {
		return Message{}, err
	}

	start := time.Now()
	logKey := roomLogKey(s.prefix, msg.Room)
	seqKey := roomSeqKey(s.prefix, msg.Room)

	var (
		stored Message
		encErr error
		err    error
	)
	for range maxAppendAttempts {
		err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			last, err := tx.Get(ctx, seqKey).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			m := msg
			m.ID = assignID(last, msg.ID)
			data, err := encodeEntry(m)
			if err != nil {
				encErr = err
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, seqKey, m.ID, 0)
				pipe.RPush(ctx, logKey, data)
				pipe.LTrim(ctx, logKey, int64(-s.capacity), -1)
				return nil
			})
			if err == nil {
				stored = m
			}
			return err
		}, seqKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		roomLogConflicts.WithLabelValues("redis").Inc()
	}

	roomLogLatency.WithLabelValues("redis", "append").Observe(time.Since(start).Seconds())
	roomLogAppends.WithLabelValues("redis", resultLabel(err)).Inc()

	switch {
	case encErr != nil:
		return Message{}, OpError{Op: op, Kind: ErrInvalidMessage, Room: msg.Room, Err: encErr}
	case err != nil:
		return Message{}, storeUnavailable(op, msg.Room, err)
	}
	return stored, nil
}

// ReadAll returns the room window, oldest first. Entries that fail to decode are skipped.
func (s *RedisRoomLog) ReadAll(ctx context.Context, room string) ([]Message, error) {
	start := time.Now()
	raws, err := s.rdb.LRange(ctx, roomLogKey(s.prefix, room), 0, -1).Result()
	roomLogLatency.WithLabelValues("redis", "read_all").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, storeUnavailable("realtime.RedisRoomLog.ReadAll", room, err)
	}

	msgs := make([]Message, 0, len(raws))
	for i, raw := range raws {
		m, err := decodeEntry(room, []byte(raw))
		if err != nil {
			malformedEntries.WithLabelValues("redis").Inc()
			s.log.Warn("roomlog.entry.malformed", "room", room, "index", i, "err", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
