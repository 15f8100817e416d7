package realtime

import (
	"context"
	"crypto/rand"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator proposes the id of a message about to be appended to a room.
//
// The proposal is a lower bound only: RoomLog.Append raises it past the room's
// highest id under the same lock or transaction as the write.
type IDGenerator interface {
	Next(ctx context.Context, room string) (int64, error)
}

// ticksAtUnixEpoch is the number of 100ns ticks between 0001-01-01 and 1970-01-01.
const ticksAtUnixEpoch = 621_355_968_000_000_000

// clockTicks converts t to 100ns ticks since 0001-01-01 UTC.
func clockTicks(t time.Time) int64 {
	return t.UnixNano()/100 + ticksAtUnixEpoch
}

// ClockIDGenerator derives ids from the wall clock (100ns ticks).
//
// Within one process ids are strictly increasing: if the clock has not
// advanced since the previous call (or stepped backwards) the previous id + 1
// is returned instead. Proposals are not coordinated across processes; two
// nodes sending into the same room in the same tick propose the same id and
// the room log bumps the later append.
type ClockIDGenerator struct {
	now  func() time.Time
	last atomic.Int64
}

// NewClockIDGenerator constructs a wall-clock id generator.
func NewClockIDGenerator() *ClockIDGenerator {
	return &ClockIDGenerator{now: time.Now}
}

// Next returns the next clock-derived id. The room is ignored.
func (g *ClockIDGenerator) Next(_ context.Context, _ string) (int64, error) {
	t := clockTicks(g.now())
	for {
		last := g.last.Load()
		next := t
		if next <= last {
			next = last + 1
		}
		if g.last.CompareAndSwap(last, next) {
			return next, nil
		}
	}
}

// SequenceIDGenerator proposes no id, so the room log numbers each room 1, 2, 3, ...
// The sequence is kept by the log itself and is shared by every process using it.
type SequenceIDGenerator struct{}

// Next always returns 0.
func (SequenceIDGenerator) Next(context.Context, string) (int64, error) { return 0, nil }

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) string {
	return newULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
// ULID is preferable to random hex for tracing and ordering in logs.
func NewEnvelopeID(now time.Time) string {
	return newULID(now)
}

func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		id = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	}
	return id.String()
}
