package realtime

import (
	"context"
	"fmt"
)

// RoomLog is the durable, capped, ordered per-room message log shared by all server processes.
//
// Requirements:
//   - Append assigns the message id, stores the message and trims the room to
//     the newest Cap entries, atomically. msg.ID is only a proposal: the stored
//     id is max(msg.ID, last+1) where last is the highest id the room ever held,
//     so ids are strictly increasing in append order and a reader that has
//     seen id N has already seen every id below N that will ever exist.
//   - ReadAll returns the current window (<= Cap entries), oldest first.
//   - Store failures wrap ErrStoreUnavailable.
type RoomLog interface {
	Append(ctx context.Context, msg Message) (Message, error)
	ReadAll(ctx context.Context, room string) ([]Message, error)
	Cap() int
	Ping(ctx context.Context) error
	Close() error
}

func roomLogKey(prefix, room string) string {
	return fmt.Sprintf("%s:room:%s:log", prefix, room)
}

func roomSeqKey(prefix, room string) string {
	return fmt.Sprintf("%s:room:%s:seq", prefix, room)
}

func roomChannel(prefix, room string) string {
	return fmt.Sprintf("%s:room:%s", prefix, room)
}

func roomChannelPattern(prefix string) string {
	return prefix + ":room:*"
}

// validateAppend checks the preconditions shared by every RoomLog implementation.
func validateAppend(op string, msg Message) error {
	if _, err := normalizeRoom(msg.Room); err != nil {
		return OpError{Op: op, Kind: ErrInvalidRoom, Room: msg.Room}
	}
	if msg.ID < 0 {
		return OpError{Op: op, Kind: ErrInvalidMessage, Room: msg.Room, Err: fmt.Errorf("negative id proposal %d", msg.ID)}
	}
	return nil
}

// assignID returns the id a message proposed as proposed gets when the room's
// highest id so far is last.
func assignID(last, proposed int64) int64 {
	return max(proposed, last+1)
}

func normalizeCap(capacity int) int {
	if capacity <= 0 {
		return DefaultHistoryCap
	}
	return capacity
}
