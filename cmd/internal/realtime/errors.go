package realtime

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire error codes).
var (
	// ErrStoreUnavailable is returned when the shared store is unreachable or a transaction failed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotJoined is returned when a send targets a room the session has not joined.
	ErrNotJoined = errors.New("not joined")

	// ErrMalformedCatchupEntry marks a stored record that failed to decode. It is logged, never returned.
	ErrMalformedCatchupEntry = errors.New("malformed catch-up entry")

	// ErrInvalidMessage is returned for empty or oversized message text and for unloggable messages.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidRoom is returned for empty or oversized room names.
	ErrInvalidRoom = errors.New("invalid room")

	// ErrSessionClosed is returned when a join arrives for a session that is shutting down.
	ErrSessionClosed = errors.New("session closed")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above; Err carries the underlying cause when there is one.
type OpError struct {
	Op   string
	Kind error
	Room string
	Err  error
}

func (e OpError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Room != "" {
		msg += fmt.Sprintf(" (room=%s)", e.Room)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func storeUnavailable(op, room string, cause error) error {
	return OpError{Op: op, Kind: ErrStoreUnavailable, Room: room, Err: cause}
}

// IsStoreUnavailable reports whether err represents ErrStoreUnavailable.
func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// IsNotJoined reports whether err represents ErrNotJoined.
func IsNotJoined(err error) bool { return errors.Is(err, ErrNotJoined) }
