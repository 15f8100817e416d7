package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordFixture struct {
	hub   *Hub
	log   *InMemoryRoomLog
	coord *Coordinator
}

func newCoordFixture(t *testing.T, capacity int) coordFixture {
	t.Helper()

	log := discardLogger()
	hub := NewHub(log)
	roomLog := NewInMemoryRoomLog(capacity)
	coord, err := NewCoordinator(log, hub, roomLog, NewLocalBroadcaster(hub), NewClockIDGenerator())
	require.NoError(t, err)
	return coordFixture{hub: hub, log: roomLog, coord: coord}
}

func newTestSession(id string) *Session { return NewSession(id, 64) }

// failingLog fails every read/append with a store error.
type failingLog struct {
	*InMemoryRoomLog
	failReads   atomic.Bool
	failAppends atomic.Bool
}

func (f *failingLog) Append(ctx context.Context, msg Message) (Message, error) {
	if f.failAppends.Load() {
		return Message{}, storeUnavailable("test.Append", msg.Room, errors.New("down"))
	}
	return f.InMemoryRoomLog.Append(ctx, msg)
}

func (f *failingLog) ReadAll(ctx context.Context, room string) ([]Message, error) {
	if f.failReads.Load() {
		return nil, storeUnavailable("test.ReadAll", room, errors.New("down"))
	}
	return f.InMemoryRoomLog.ReadAll(ctx, room)
}

// gatedLog blocks ReadAll until release is closed or ctx ends.
type gatedLog struct {
	*InMemoryRoomLog
	entered chan struct{}
	release chan struct{}
}

func newGatedLog(capacity int) *gatedLog {
	return &gatedLog{
		InMemoryRoomLog: NewInMemoryRoomLog(capacity),
		entered:         make(chan struct{}, 1),
		release:         make(chan struct{}),
	}
}

func (g *gatedLog) ReadAll(ctx context.Context, room string) ([]Message, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.InMemoryRoomLog.ReadAll(ctx, room)
}

// scriptedIDs proposes the given ids in order, then 0.
type scriptedIDs struct {
	mu  sync.Mutex
	ids []int64
}

func (g *scriptedIDs) Next(context.Context, string) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) == 0 {
		return 0, nil
	}
	id := g.ids[0]
	g.ids = g.ids[1:]
	return id, nil
}

type countingBroadcaster struct {
	inner     Broadcaster
	published []Message
	fail      bool
}

func (b *countingBroadcaster) Publish(ctx context.Context, msg Message) error {
	b.published = append(b.published, msg)
	if b.fail {
		return errors.New("publish down")
	}
	return b.inner.Publish(ctx, msg)
}

func TestCoordinator_FreshJoinThenLiveSend(t *testing.T) {
	f := newCoordFixture(t, 500)
	ctx := testCtx(t)

	alice, bob := newTestSession("alice"), newTestSession("bob")

	res, err := f.coord.Join(ctx, alice, "lobby", -1, false)
	require.NoError(t, err)
	assert.True(t, res.Fresh)
	assert.Empty(t, res.Catchup)
	drain(alice)

	_, err = f.coord.Join(ctx, bob, "lobby", 0, true)
	require.NoError(t, err)

	// alice sees bob's announcement.
	ann := nextMessageNew(t, alice)
	assert.Equal(t, int64(0), ann.ID)
	assert.Equal(t, SystemAuthor, ann.Author)
	assert.Equal(t, "bob joined lobby", ann.Text)
	drain(bob)

	sent, err := f.coord.Send(ctx, alice, "lobby", "alice", "  hello  ")
	require.NoError(t, err)
	assert.Greater(t, sent.ID, int64(0))
	assert.Equal(t, "hello", sent.Text)

	got := nextMessageNew(t, bob)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "hello", got.Text)

	window, err := f.log.ReadAll(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []int64{sent.ID}, msgIDs(window), "announcements are never logged")
}

func TestCoordinator_RejoinReturnsOnlyNewer(t *testing.T) {
	f := newCoordFixture(t, 500)
	mustAppend(t, f.log,
		Message{ID: 100, Room: "lobby", Text: "a"},
		Message{ID: 200, Room: "lobby", Text: "b"},
		Message{ID: 300, Room: "lobby", Text: "c"},
	)

	res, err := f.coord.Join(testCtx(t), newTestSession("s"), "lobby", 200, false)
	require.NoError(t, err)
	assert.False(t, res.Fresh)
	assert.Equal(t, int64(200), res.Cursor)
	assert.Equal(t, []int64{300}, msgIDs(res.Catchup))
}

func TestCoordinator_CursorZeroReturnsWholeWindow(t *testing.T) {
	f := newCoordFixture(t, 3)
	for i := int64(1); i <= 5; i++ {
		mustAppend(t, f.log, Message{ID: i, Room: "lobby", Text: "x"})
	}

	res, err := f.coord.Join(testCtx(t), newTestSession("s"), "lobby", 0, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, msgIDs(res.Catchup))
}

func TestCoordinator_CursorAheadOfLog(t *testing.T) {
	f := newCoordFixture(t, 10)
	mustAppend(t, f.log, Message{ID: 5, Room: "lobby", Text: "x"})

	res, err := f.coord.Join(testCtx(t), newTestSession("s"), "lobby", 999, false)
	require.NoError(t, err)
	assert.Empty(t, res.Catchup)
}

func TestCoordinator_FreshSkipsCatchup(t *testing.T) {
	f := newCoordFixture(t, 10)
	mustAppend(t, f.log, Message{ID: 5, Room: "lobby", Text: "x"})

	res, err := f.coord.Join(testCtx(t), newTestSession("s"), "lobby", 0, true)
	require.NoError(t, err)
	assert.True(t, res.Fresh)
	assert.Empty(t, res.Catchup)
}

func TestCoordinator_SendRequiresJoinedRoom(t *testing.T) {
	f := newCoordFixture(t, 10)
	ctx := testCtx(t)
	s := newTestSession("s")

	_, err := f.coord.Send(ctx, s, "lobby", "a", "hi")
	assert.True(t, IsNotJoined(err), "got %v", err)

	_, err = f.coord.Join(ctx, s, "lobby", -1, false)
	require.NoError(t, err)

	_, err = f.coord.Send(ctx, s, "elsewhere", "a", "hi")
	assert.True(t, IsNotJoined(err), "got %v", err)

	window, _ := f.log.ReadAll(ctx, "elsewhere")
	assert.Empty(t, window)
}

func TestCoordinator_SendValidatesText(t *testing.T) {
	f := newCoordFixture(t, 10)
	ctx := testCtx(t)
	s := newTestSession("s")
	_, err := f.coord.Join(ctx, s, "lobby", -1, false)
	require.NoError(t, err)

	_, err = f.coord.Send(ctx, s, "lobby", "a", "   ")
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.coord.Send(ctx, s, "lobby", "a", strings.Repeat("é", maxMessageChars+1))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	msg, err := f.coord.Send(ctx, s, "lobby", "", strings.Repeat("é", maxMessageChars))
	require.NoError(t, err)
	assert.Equal(t, anonymousAuthor, msg.Author)
}

func TestCoordinator_SendIDsIncrease(t *testing.T) {
	f := newCoordFixture(t, 10)
	ctx := testCtx(t)
	s := newTestSession("s")
	_, err := f.coord.Join(ctx, s, "lobby", -1, false)
	require.NoError(t, err)

	var last int64
	for i := 0; i < 5; i++ {
		m, err := f.coord.Send(ctx, s, "lobby", "a", "x")
		require.NoError(t, err)
		assert.Greater(t, m.ID, last)
		last = m.ID
	}
}

func TestCoordinator_AppendFailureIsNotPublished(t *testing.T) {
	log := discardLogger()
	hub := NewHub(log)
	roomLog := &failingLog{InMemoryRoomLog: NewInMemoryRoomLog(10)}
	bc := &countingBroadcaster{inner: NewLocalBroadcaster(hub)}

	coord, err := NewCoordinator(log, hub, roomLog, bc, NewClockIDGenerator())
	require.NoError(t, err)

	ctx := testCtx(t)
	s := newTestSession("s")
	_, err = coord.Join(ctx, s, "lobby", -1, false)
	require.NoError(t, err)
	bc.published = nil

	roomLog.failAppends.Store(true)
	_, err = coord.Send(ctx, s, "lobby", "a", "lost")
	assert.True(t, IsStoreUnavailable(err), "got %v", err)
	assert.Empty(t, bc.published)
}

func TestCoordinator_PublishFailureStillAccepted(t *testing.T) {
	log := discardLogger()
	hub := NewHub(log)
	roomLog := NewInMemoryRoomLog(10)
	bc := &countingBroadcaster{inner: NewLocalBroadcaster(hub), fail: true}

	coord, err := NewCoordinator(log, hub, roomLog, bc, NewClockIDGenerator())
	require.NoError(t, err)

	ctx := testCtx(t)
	s := newTestSession("s")
	_, err = coord.Join(ctx, s, "lobby", -1, false)
	require.NoError(t, err)

	msg, err := coord.Send(ctx, s, "lobby", "a", "durable")
	require.NoError(t, err)

	window, err := roomLog.ReadAll(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []int64{msg.ID}, msgIDs(window))
}

func TestCoordinator_FailedJoinKeepsPreviousState(t *testing.T) {
	log := discardLogger()
	hub := NewHub(log)
	roomLog := &failingLog{InMemoryRoomLog: NewInMemoryRoomLog(10)}
	bc := &countingBroadcaster{inner: NewLocalBroadcaster(hub)}

	coord, err := NewCoordinator(log, hub, roomLog, bc, NewClockIDGenerator())
	require.NoError(t, err)

	ctx := testCtx(t)
	s := newTestSession("s")
	_, err = coord.Join(ctx, s, "lobby", 0, false)
	require.NoError(t, err)
	bc.published = nil

	roomLog.failReads.Store(true)
	_, err = coord.Join(ctx, s, "kitchen", 0, false)
	assert.True(t, IsStoreUnavailable(err), "got %v", err)

	assert.Equal(t, "lobby", s.JoinedRoom())
	_, loaded := hub.Room("kitchen")
	assert.False(t, loaded, "failed join must not leave a subscription behind")
	r, ok := hub.Room("lobby")
	require.True(t, ok)
	assert.True(t, r.Has(s.ID))
	assert.Empty(t, bc.published, "failed join must not announce")
}

func TestCoordinator_SwitchRoomLeavesPrevious(t *testing.T) {
	f := newCoordFixture(t, 10)
	ctx := testCtx(t)
	s, other := newTestSession("s"), newTestSession("other")

	_, err := f.coord.Join(ctx, s, "a", -1, false)
	require.NoError(t, err)
	_, err = f.coord.Join(ctx, other, "a", -1, false)
	require.NoError(t, err)
	_, err = f.coord.Join(ctx, s, "b", -1, false)
	require.NoError(t, err)
	drain(s)

	_, err = f.coord.Send(ctx, other, "a", "o", "only for a")
	require.NoError(t, err)

	for _, env := range drain(s) {
		if env.Type == v1.TypeMessageNew {
			var rec v1.MessageRecord
			require.NoError(t, env.Decode(&rec))
			assert.NotEqual(t, "a", rec.Room, "received message from the room it left")
		}
	}
	assert.Equal(t, "b", s.JoinedRoom())
}

func TestCoordinator_LeaveUnloadsEmptyRoom(t *testing.T) {
	f := newCoordFixture(t, 10)
	s := newTestSession("s")
	_, err := f.coord.Join(testCtx(t), s, "lobby", -1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.hub.RoomCount())

	f.coord.Leave(s)
	assert.Equal(t, "", s.JoinedRoom())
	assert.Equal(t, 0, f.hub.RoomCount())

	f.coord.Leave(s)
}

func TestCoordinator_InvalidRoom(t *testing.T) {
	f := newCoordFixture(t, 10)
	_, err := f.coord.Join(testCtx(t), newTestSession("s"), "  ", 0, false)
	assert.ErrorIs(t, err, ErrInvalidRoom)
}

func TestCoordinator_Catchup(t *testing.T) {
	f := newCoordFixture(t, 10)
	mustAppend(t, f.log, Message{ID: 1, Room: "lobby", Text: "a"}, Message{ID: 2, Room: "lobby", Text: "b"})

	got, err := f.coord.Catchup(testCtx(t), "lobby", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, msgIDs(got))
	assert.Equal(t, 0, f.hub.RoomCount(), "catch-up must not subscribe")
}

func TestCoordinator_IdsFollowAppendOrderWhenProposalsRegress(t *testing.T) {
	log := discardLogger()
	hub := NewHub(log)
	roomLog := NewInMemoryRoomLog(10)
	coord, err := NewCoordinator(log, hub, roomLog, NewLocalBroadcaster(hub), &scriptedIDs{ids: []int64{500, 100, 100}})
	require.NoError(t, err)

	ctx := testCtx(t)
	s := newTestSession("s")
	_, err = coord.Join(ctx, s, "lobby", -1, false)
	require.NoError(t, err)

	var got []int64
	for _, text := range []string{"first", "second", "third"} {
		m, err := coord.Send(ctx, s, "lobby", "a", text)
		require.NoError(t, err)
		got = append(got, m.ID)
	}
	assert.Equal(t, []int64{500, 501, 502}, got)

	window, err := roomLog.ReadAll(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, got, msgIDs(window))

	// A client that saw 501 live and rejoins with that cursor still gets 502.
	res, err := coord.Join(ctx, s, "lobby", 501, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{502}, msgIDs(res.Catchup))
}

func TestCoordinator_ConcurrentSendsAppendInIDOrder(t *testing.T) {
	const senders, perSender = 8, 25
	f := newCoordFixture(t, senders*perSender)
	ctx := testCtx(t)

	var wg sync.WaitGroup
	for i := range senders {
		s := NewSession(fmt.Sprintf("s%d", i), senders*perSender*2)
		_, err := f.coord.Join(ctx, s, "lobby", -1, false)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range perSender {
				if _, err := f.coord.Send(ctx, s, "lobby", s.ID, fmt.Sprint(j)); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	window, err := f.log.ReadAll(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, window, senders*perSender)
	for i := 1; i < len(window); i++ {
		require.Greater(t, window[i].ID, window[i-1].ID, "index %d out of order", i)
	}
}

func TestCoordinator_LeaveDuringJoinRemovesMembership(t *testing.T) {
	log := discardLogger()
	hub := NewHub(log)
	roomLog := newGatedLog(10)
	coord, err := NewCoordinator(log, hub, roomLog, NewLocalBroadcaster(hub), NewClockIDGenerator())
	require.NoError(t, err)

	ctx := testCtx(t)
	s := newTestSession("s")

	joined := make(chan error, 1)
	go func() {
		_, err := coord.Join(ctx, s, "lobby", 0, false)
		joined <- err
	}()

	select {
	case <-roomLog.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("join never reached the log read")
	}

	// Connection teardown: close the session, then leave, while the join is mid-read.
	left := make(chan struct{})
	go func() {
		s.Close()
		coord.Leave(s)
		close(left)
	}()

	close(roomLog.release)
	require.NoError(t, <-joined)

	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatalf("leave did not return")
	}

	assert.Equal(t, "", s.JoinedRoom())
	assert.Equal(t, 0, hub.RoomCount(), "closed session must not stay subscribed")
}

func TestCoordinator_JoinRejectsClosedSession(t *testing.T) {
	f := newCoordFixture(t, 10)
	s := newTestSession("s")
	s.Close()

	_, err := f.coord.Join(testCtx(t), s, "lobby", 0, false)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 0, f.hub.RoomCount())
}
