package realtime

import (
	"context"
	"sync"
	"time"
)

// InMemoryRoomLog is a single-process RoomLog used when no shared store is configured.
// Append and trim run under one mutex, which gives the same atomicity the shared
// backends get from transactions.
type InMemoryRoomLog struct {
	capacity int

	mu    sync.Mutex
	rooms map[string][]Message
}

// NewInMemoryRoomLog constructs an in-memory RoomLog retaining capacity messages per room.
func NewInMemoryRoomLog(capacity int) *InMemoryRoomLog {
	return &InMemoryRoomLog{
		capacity: normalizeCap(capacity),
		rooms:    make(map[string][]Message),
	}
}

// Cap returns the per-room retention bound.
func (s *InMemoryRoomLog) Cap() int { return s.capacity }

// Ping always succeeds.
func (s *InMemoryRoomLog) Ping(ctx context.Context) error { return ctx.Err() }

// Close closes the store (noop for in-memory).
func (s *InMemoryRoomLog) Close() error { return nil }

// Append assigns the next id of the room, stores msg and drops the oldest
// entries beyond the cap.
func (s *InMemoryRoomLog) Append(ctx context.Context, msg Message) (Message, error) {
	if err := validateAppend("realtime.InMemoryRoomLog.Append", msg); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	start := time.Now()
	defer func() {
		roomLogLatency.WithLabelValues("memory", "append").Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.rooms[msg.Room]
	var last int64
	if n := len(msgs); n > 0 {
		last = msgs[n-1].ID
	}
	msg.ID = assignID(last, msg.ID)

	msgs = append(msgs, msg)
	if len(msgs) > s.capacity {
		// Copy so the evicted prefix can be collected.
		msgs = append([]Message(nil), msgs[len(msgs)-s.capacity:]...)
	}
	s.rooms[msg.Room] = msgs

	roomLogAppends.WithLabelValues("memory", "ok").Inc()
	return msg, nil
}

// ReadAll returns a snapshot of the room window, oldest first.
func (s *InMemoryRoomLog) ReadAll(ctx context.Context, room string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	snap := append([]Message(nil), s.rooms[room]...)
	s.mu.Unlock()

	return snap, nil
}
