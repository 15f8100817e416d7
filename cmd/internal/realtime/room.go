package realtime

import (
	"log/slog"
	"sync"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Room is the in-process membership + broadcast fanout primitive for one room.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure; the member recovers via catch-up).
// - Broadcast is panic-safe because Session.Send is never closed by the server.
type Room struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Session
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, name string) *Room {
	return &Room{
		log:     log,
		Name:    name,
		members: make(map[string]*Session),
	}
}

// Join adds a session to membership. It reports whether the session was newly added.
func (r *Room) Join(s *Session) bool {
	if r == nil || s == nil || s.ID == "" {
		return false
	}

	r.mu.Lock()
	_, existed := r.members[s.ID]
	r.members[s.ID] = s
	r.mu.Unlock()

	if !existed {
		r.log.Info("room.member.join", "room", r.Name, "session_id", s.ID)
	}
	return !existed
}

// Leave removes a session from membership. The session itself stays open.
func (r *Room) Leave(sessionID string) {
	if r == nil || sessionID == "" {
		return
	}

	r.mu.Lock()
	_, ok := r.members[sessionID]
	delete(r.members, sessionID)
	r.mu.Unlock()

	if ok {
		r.log.Info("room.member.leave", "room", r.Name, "session_id", sessionID)
	}
}

// Has reports whether sessionID is a member.
func (r *Room) Has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// Size returns the number of members.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Broadcast fans an envelope out to all members and returns how many accepted it.
func (r *Room) Broadcast(env v1.Envelope) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, m := range r.members {
		if m == nil {
			continue
		}
		if m.deliver(env) {
			delivered++
			continue
		}
		deliveriesDropped.Inc()
	}
	return delivered
}
