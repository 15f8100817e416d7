package syncclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer speaks just enough of the roomsync protocol: hello, room_join
// (answered with history_load filtered by cursor) and message_send.
type fakeServer struct {
	t *testing.T

	mu      sync.Mutex
	log     []v1.MessageRecord
	joins   []v1.RoomJoinPayload
	conns   []*websocket.Conn
	nextID  int64
	joinSig chan struct{}
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{t: t, nextID: 100, joinSig: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) add(room, text string) v1.MessageRecord {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	m := v1.MessageRecord{ID: fs.nextID, Room: room, Author: "srv", Text: text}
	fs.nextID++
	fs.log = append(fs.log, m)
	return m
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (fs *fakeServer) joinCursors() []int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]int64, 0, len(fs.joins))
	for _, j := range fs.joins {
		out = append(out, j.Cursor)
	}
	return out
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}

		switch env.Type {
		case v1.TypeHello:
			fs.reply(ctx, conn, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: "s-1"})

		case v1.TypeRoomJoin:
			var p v1.RoomJoinPayload
			_ = env.Decode(&p)

			fs.mu.Lock()
			fs.joins = append(fs.joins, p)
			batch := make([]v1.MessageRecord, 0, len(fs.log))
			for _, m := range fs.log {
				if m.Room == p.Room && m.ID > p.Cursor {
					batch = append(batch, m)
				}
			}
			fs.mu.Unlock()

			fs.reply(ctx, conn, v1.TypeMessageNew, v1.MessageRecord{ID: 0, Room: p.Room, Author: "System", Text: "s-1 joined " + p.Room})
			fs.reply(ctx, conn, v1.TypeRoomJoined, v1.RoomJoinedPayload{Room: p.Room, Cursor: p.Cursor, CatchupCount: len(batch)})
			fs.reply(ctx, conn, v1.TypeHistoryLoad, v1.HistoryLoadPayload{Room: p.Room, Messages: batch, Final: true})
			fs.joinSig <- struct{}{}

		case v1.TypeMessageSend:
			var p v1.MessageSendPayload
			_ = env.Decode(&p)
			m := fs.add(p.Room, p.Text)
			fs.reply(ctx, conn, v1.TypeMessageNew, m)
			fs.reply(ctx, conn, v1.TypeMessageAck, v1.MessageAckPayload{Room: m.Room, ID: m.ID})
		}
	}
}

func (fs *fakeServer) reply(ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	env, err := v1.NewEnvelope(typ, "srv", payload, time.Time{})
	if err != nil {
		fs.t.Errorf("new envelope: %v", err)
		return
	}
	b, _ := json.Marshal(env)
	_ = conn.Write(ctx, websocket.MessageText, b)
}

func newTestClient(srvURL string, opts ...Option) *Client {
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
	}, opts...)
	return New("ws"+strings.TrimPrefix(srvURL, "http"), opts...)
}

func startClient(t *testing.T, srvURL string, opts ...Option) *Client {
	t.Helper()
	c := newTestClient(srvURL, opts...)
	runClient(t, c)
	waitConnected(t, c)
	return c
}

func runClient(t *testing.T, c *Client) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Connected():
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not connect")
	}
}

func waitJoin(t *testing.T, fs *fakeServer) {
	t.Helper()
	select {
	case <-fs.joinSig:
	case <-time.After(3 * time.Second):
		t.Fatalf("server saw no join")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func durableIDs(msgs []v1.MessageRecord) []int64 {
	out := []int64{}
	for _, m := range msgs {
		if m.ID > 0 {
			out = append(out, m.ID)
		}
	}
	return out
}

func TestClient_JoinReceivesWindow(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.add("general", "a")
	fs.add("general", "b")
	fs.add("general", "c")
	fs.add("other", "x")

	c := startClient(t, srv.URL)
	assert.Equal(t, "s-1", c.SessionID())

	require.NoError(t, c.JoinRoom(context.Background(), "general"))
	waitJoin(t, fs)

	rec := c.Reconciler()
	waitFor(t, "catch-up", func() bool { return rec.Cursor() == 102 })
	assert.Equal(t, []int64{100, 101, 102}, durableIDs(rec.Messages()))
}

func TestClient_ReconnectRejoinsWithCursor(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.add("general", "a")
	fs.add("general", "b")

	c := startClient(t, srv.URL)
	require.NoError(t, c.JoinRoom(context.Background(), "general"))
	waitJoin(t, fs)

	rec := c.Reconciler()
	waitFor(t, "initial catch-up", func() bool { return rec.Cursor() == 101 })

	// Messages accepted while the client is away come back through catch-up.
	fs.add("general", "missed")
	fs.dropAll()

	waitJoin(t, fs)
	waitFor(t, "gap catch-up", func() bool { return rec.Cursor() == 102 })

	// A join racing the first dial may be sent twice with cursor 0.
	cursors := fs.joinCursors()
	require.GreaterOrEqual(t, len(cursors), 2)
	assert.Equal(t, int64(101), cursors[len(cursors)-1])
	for _, cur := range cursors[:len(cursors)-1] {
		assert.Equal(t, int64(0), cur)
	}
	assert.Equal(t, []int64{100, 101, 102}, durableIDs(rec.Messages()))
}

func TestClient_JoinBeforeConnectIsSentOnConnect(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.add("general", "a")
	fs.add("general", "b")

	c := newTestClient(srv.URL)
	require.NoError(t, c.JoinRoom(context.Background(), "general"))
	assert.Equal(t, "general", c.Reconciler().Room())

	runClient(t, c)
	waitJoin(t, fs)

	rec := c.Reconciler()
	waitFor(t, "catch-up", func() bool { return rec.Cursor() == 101 })
	assert.Equal(t, []int64{100, 101}, durableIDs(rec.Messages()))
	assert.Equal(t, []int64{0}, fs.joinCursors())
}

func TestClient_DropsInvalidHistoryFrame(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	require.NoError(t, c.JoinRoom(context.Background(), "general"))

	frame := func(p v1.HistoryLoadPayload) v1.Envelope {
		env, err := v1.NewEnvelope(v1.TypeHistoryLoad, "srv", p, time.Time{})
		require.NoError(t, err)
		return env
	}

	// A synthetic entry poisons the whole frame.
	c.dispatch(frame(v1.HistoryLoadPayload{
		Room:     "general",
		Messages: []v1.MessageRecord{{ID: 1, Room: "general"}, {ID: 0, Room: "general"}},
		Final:    true,
	}))
	assert.Empty(t, c.Reconciler().Messages())
	assert.Equal(t, int64(0), c.Reconciler().Cursor())

	c.dispatch(frame(v1.HistoryLoadPayload{
		Room:     "general",
		Messages: []v1.MessageRecord{{ID: 1, Room: "general"}, {ID: 2, Room: "general"}},
		Final:    true,
	}))
	assert.Equal(t, []int64{1, 2}, durableIDs(c.Reconciler().Messages()))
	assert.Equal(t, int64(2), c.Reconciler().Cursor())
}

func TestClient_SendRoundTrip(t *testing.T) {
	fs, srv := newFakeServer(t)

	acks := make(chan v1.MessageAckPayload, 1)
	c := startClient(t, srv.URL, WithAckHandler(func(p v1.MessageAckPayload) { acks <- p }))

	require.Error(t, c.Send(context.Background(), "me", "too early"))

	require.NoError(t, c.JoinRoom(context.Background(), "general"))
	waitJoin(t, fs)
	require.NoError(t, c.Send(context.Background(), "me", "hello"))

	select {
	case ack := <-acks:
		assert.Equal(t, int64(100), ack.ID)
	case <-time.After(3 * time.Second):
		t.Fatalf("no ack")
	}
	waitFor(t, "live message", func() bool { return c.Reconciler().Cursor() == 100 })
}

func TestClient_WriteWhileDisconnected(t *testing.T) {
	c := New("ws://127.0.0.1:1/ws")
	err := c.Join(context.Background(), "general", 0, false)
	assert.ErrorIs(t, err, ErrNotConnected)
}
