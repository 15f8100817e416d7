package realtime

import (
	"sync"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Session represents one connected websocket session and its sync state.
//
// Design notes:
//   - Send is NOT closed by the server to avoid panics from concurrent broadcasters.
//   - done is used to signal goroutines to stop.
//   - Close is idempotent.
//   - room is the Joined(room) state; empty means Unjoined.
//   - opMu serializes Coordinator.Join and Leave, so a leave issued from another
//     goroutine waits for an in-flight join instead of racing its hub update.
type Session struct {
	ID   string
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	opMu sync.Mutex

	mu   sync.Mutex
	room string
}

// NewSession constructs a Session with a bounded send queue.
func NewSession(id string, sendQueueSize int) *Session {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Session{
		ID:   id,
		Send: make(chan v1.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the session goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// JoinedRoom returns the active room, or "" when Unjoined.
func (s *Session) JoinedRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) setRoom(room string) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
}

// deliver enqueues env without blocking. It reports false when the session is
// shutting down or its queue is full.
func (s *Session) deliver(env v1.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.Send <- env:
		return true
	default:
		return false
	}
}
