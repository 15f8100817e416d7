// Package syncclient is the Go client for roomsync: a WebSocket transport with
// automatic reconnect and the Reconciler that merges catch-up batches and live
// messages into one ordered, deduplicated view of the active room.
package syncclient

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// ErrMalformedCatchupEntry marks a catch-up record that failed schema validation.
// Such records are dropped from the batch and logged.
var ErrMalformedCatchupEntry = errors.New("malformed catch-up entry")

// Joiner issues a room join with a cursor. Client implements it over the wire.
type Joiner interface {
	Join(ctx context.Context, room string, cursor int64, fresh bool) error
}

// Reconciler holds the client side of delta sync for one connection: the
// active room, the merged message sequence and the cursor (highest durable id
// incorporated). All callbacks go through the same *Reconciler, so the cursor
// read on reconnect is the one every earlier callback advanced.
type Reconciler struct {
	joiner Joiner
	log    *slog.Logger

	mu     sync.Mutex
	room   string
	msgs   []v1.MessageRecord
	ids    map[int64]int // durable id -> index in msgs
	cursor int64

	// catchingUp is set from a join until the final history_load frame. Live
	// messages received meanwhile do not move the cursor past the gap.
	catchingUp bool

	changed chan struct{}
}

// NewReconciler constructs a Reconciler that joins rooms through j.
func NewReconciler(j Joiner, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		joiner:  j,
		log:     log,
		ids:     make(map[int64]int),
		changed: make(chan struct{}, 1),
	}
}

// Changed is signalled (coalesced) after every state change.
func (r *Reconciler) Changed() <-chan struct{} { return r.changed }

// OnJoinRoom switches to room: clears local state, resets the cursor to 0 and
// joins with cursor 0, which returns the whole retained window.
func (r *Reconciler) OnJoinRoom(ctx context.Context, room string) error {
	r.mu.Lock()
	r.room = room
	r.msgs = nil
	clear(r.ids)
	r.cursor = 0
	r.catchingUp = true
	r.mu.Unlock()
	r.notify()

	return r.joiner.Join(ctx, room, 0, false)
}

// OnReconnect rejoins the active room with the current cursor so the server
// returns exactly the gap. It does nothing while no room is active.
func (r *Reconciler) OnReconnect(ctx context.Context) error {
	r.mu.Lock()
	room, cursor := r.room, r.cursor
	if room != "" {
		r.catchingUp = true
	}
	r.mu.Unlock()

	if room == "" {
		return nil
	}
	r.log.Info("sync.rejoin", "room", room, "cursor", cursor)
	return r.joiner.Join(ctx, room, cursor, false)
}

// OnLiveMessage merges one live message. Synthetic (id 0) messages are always
// appended; durable ones only if their id is not present yet. Messages for a
// room other than the active one are ignored. While a catch-up is in flight
// the message is kept but the cursor stays put. It reports whether the
// sequence changed.
func (r *Reconciler) OnLiveMessage(m v1.MessageRecord) bool {
	if err := m.Validate(); err != nil {
		r.log.Warn("sync.live.malformed", "err", err)
		return false
	}

	r.mu.Lock()
	if r.room == "" || (m.Room != "" && m.Room != r.room) {
		r.mu.Unlock()
		return false
	}

	if m.ID == 0 {
		r.msgs = append(r.msgs, m)
		r.mu.Unlock()
		r.notify()
		return true
	}

	if _, dup := r.ids[m.ID]; dup {
		r.mu.Unlock()
		return false
	}
	r.ids[m.ID] = len(r.msgs)
	r.msgs = append(r.msgs, m)
	if !r.catchingUp {
		r.cursor = max(r.cursor, m.ID)
	}
	r.mu.Unlock()

	r.notify()
	return true
}

// OnCatchupBatch merges a complete, single-frame catch-up batch.
func (r *Reconciler) OnCatchupBatch(room string, batch []v1.MessageRecord) {
	r.OnCatchupFrame(room, batch, true)
}

// OnCatchupFrame unions one history_load frame into the sequence (last write
// wins per id) and re-sorts the whole sequence by id. Frames of a catch-up are
// contiguous, so each one advances the cursor to its largest id; the final
// frame also covers live messages held back while catching up. Frames for a
// foreign room are ignored.
func (r *Reconciler) OnCatchupFrame(room string, batch []v1.MessageRecord, final bool) {
	r.mu.Lock()
	if r.room == "" || room != r.room {
		r.mu.Unlock()
		return
	}

	for _, m := range batch {
		if err := validateCatchup(room, m); err != nil {
			r.log.Warn("sync.catchup.malformed", "room", room, "id", m.ID, "err", err)
			continue
		}
		if i, ok := r.ids[m.ID]; ok {
			r.msgs[i] = m
		} else {
			r.ids[m.ID] = len(r.msgs)
			r.msgs = append(r.msgs, m)
		}
		r.cursor = max(r.cursor, m.ID)
	}

	// Live messages can land between the server's read and this batch, so
	// order is restored by sorting, not by where entries were inserted.
	slices.SortStableFunc(r.msgs, func(a, b v1.MessageRecord) int { return cmp.Compare(a.ID, b.ID) })
	r.reindex()

	if final {
		r.catchingUp = false
		for id := range r.ids {
			r.cursor = max(r.cursor, id)
		}
	}
	r.mu.Unlock()

	r.notify()
}

// Room returns the active room.
func (r *Reconciler) Room() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// Cursor returns the highest durable id incorporated so far.
func (r *Reconciler) Cursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Messages returns a copy of the merged sequence.
func (r *Reconciler) Messages() []v1.MessageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.msgs)
}

func (r *Reconciler) reindex() {
	clear(r.ids)
	for i, m := range r.msgs {
		if m.ID > 0 {
			r.ids[m.ID] = i
		}
	}
}

func (r *Reconciler) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func validateCatchup(room string, m v1.MessageRecord) error {
	if err := m.Validate(); err != nil {
		return errors.Join(ErrMalformedCatchupEntry, err)
	}
	if m.ID == 0 {
		return errors.Join(ErrMalformedCatchupEntry, errors.New("synthetic message in catch-up"))
	}
	if m.Room != room {
		return errors.Join(ErrMalformedCatchupEntry, errors.New("room mismatch"))
	}
	return nil
}
