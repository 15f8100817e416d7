package realtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// mustMiniRedis starts an in-process Redis and returns a client bound to it.
func mustMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// nextMessageNew pops envelopes from s until a message_new arrives.
func nextMessageNew(t *testing.T, s *Session) v1.MessageRecord {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.Send:
			if env.Type != v1.TypeMessageNew {
				continue
			}
			var rec v1.MessageRecord
			if err := env.Decode(&rec); err != nil {
				t.Fatalf("decode message_new: %v", err)
			}
			return rec
		case <-deadline:
			t.Fatalf("session %s: no message_new received", s.ID)
			return v1.MessageRecord{}
		}
	}
}

// drain empties the session queue and returns what was in it.
func drain(s *Session) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-s.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func mustAppend(t *testing.T, log RoomLog, msgs ...Message) {
	t.Helper()
	for _, m := range msgs {
		if _, err := log.Append(context.Background(), m); err != nil {
			t.Fatalf("append id=%d: %v", m.ID, err)
		}
	}
}

func msgIDs(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

var fixedTime = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
