package realtime

import (
	"log/slog"
	"sync"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Hub owns the in-process rooms and routes live messages to their members.
// Persistence lives behind RoomLog; cross-process fanout lives behind Broadcaster.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Join subscribes s to the named room, creating it lazily. It reports whether s
// was newly added. Holding the hub lock keeps Join and Leave's unload from racing.
func (h *Hub) Join(name string, s *Session) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[name]
	if !ok {
		r = NewRoom(h.log, name)
		h.rooms[name] = r
	}
	return r, r.Join(s)
}

// Room returns the room handle if any session on this process has joined it.
func (h *Hub) Room(name string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[name]
	return r, ok
}

// Leave removes sessionID from the room and unloads the room once it is empty.
func (h *Hub) Leave(name, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[name]
	if !ok {
		return
	}
	r.Leave(sessionID)
	if r.Size() == 0 {
		delete(h.rooms, name)
	}
}

// RoomCount returns the number of loaded rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Deliver fans msg out as a message_new envelope to local members of msg.Room.
// It returns the number of sessions that accepted the envelope.
func (h *Hub) Deliver(msg Message) int {
	r, ok := h.Room(msg.Room)
	if !ok {
		return 0
	}

	now := time.Now().UTC()
	env, err := v1.NewEnvelope(v1.TypeMessageNew, NewEnvelopeID(now), msg.Record(), now)
	if err != nil {
		h.log.Error("hub.deliver.encode_fail", "room", msg.Room, "id", msg.ID, "err", err)
		return 0
	}
	return r.Broadcast(env)
}
