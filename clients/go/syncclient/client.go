package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes = v1.MaxFrameBytes

	defaultWriteTimeout = 5 * time.Second
	defaultBackoffMin   = 250 * time.Millisecond
	defaultBackoffMax   = 10 * time.Second
)

// ErrNotConnected is returned by writes while no connection is up.
var ErrNotConnected = errors.New("syncclient: not connected")

// Option configures a Client.
type Option func(*Client)

// WithOrigin sets the Origin header sent on the handshake.
func WithOrigin(origin string) Option {
	return func(c *Client) { c.origin = strings.TrimSpace(origin) }
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if minDelay > 0 {
			c.backoffMin = minDelay
		}
		if maxDelay >= c.backoffMin {
			c.backoffMax = maxDelay
		}
	}
}

// WithErrorHandler registers a callback for server error envelopes.
func WithErrorHandler(fn func(v1.ErrorPayload)) Option {
	return func(c *Client) { c.onError = fn }
}

// WithAckHandler registers a callback for message_ack envelopes.
func WithAckHandler(fn func(v1.MessageAckPayload)) Option {
	return func(c *Client) { c.onAck = fn }
}

// Client is a reconnecting roomsync WebSocket client.
//
// One read loop per connection feeds the Reconciler; after every successful
// dial Run calls Reconciler.OnReconnect so the active room is (re)joined with
// the current cursor.
type Client struct {
	url    string
	origin string
	log    *slog.Logger

	backoffMin time.Duration
	backoffMax time.Duration

	onError func(v1.ErrorPayload)
	onAck   func(v1.MessageAckPayload)

	rec *Reconciler

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	connected chan struct{}

	writeMu sync.Mutex
}

// New constructs a Client for the given ws:// or wss:// URL. Call Run to connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		log:        slog.Default(),
		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
		connected:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.rec = NewReconciler(c, c.log)
	return c
}

// Reconciler returns the client's sync state.
func (c *Client) Reconciler() *Reconciler { return c.rec }

// Connected returns a channel closed once the current connection has completed
// its hello handshake. A fresh channel is installed after every disconnect.
func (c *Client) Connected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the server session id of the current connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// JoinRoom switches the client to room and requests the full retained window.
// While disconnected the join is sent as soon as Run has a connection.
func (c *Client) JoinRoom(ctx context.Context, room string) error {
	err := c.rec.OnJoinRoom(ctx, room)
	if errors.Is(err, ErrNotConnected) {
		c.log.Debug("client.join.deferred", "room", room)
		return nil
	}
	return err
}

// Join sends a room_join envelope. It implements Joiner.
func (c *Client) Join(ctx context.Context, room string, cursor int64, fresh bool) error {
	return c.write(ctx, v1.TypeRoomJoin, v1.RoomJoinPayload{Room: room, Cursor: cursor, Fresh: fresh})
}

// Send sends a message into the active room.
func (c *Client) Send(ctx context.Context, author, text string) error {
	room := c.rec.Room()
	if room == "" {
		return errors.New("syncclient: no active room")
	}
	return c.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{Room: room, Author: author, Text: text})
}

// Run connects and keeps the client connected until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			if err := c.rec.OnReconnect(ctx); err != nil {
				c.log.Warn("client.rejoin.fail", "err", err)
			}

			err = c.readLoop(ctx, conn)
			c.disconnect(conn)
		}

		if ctx.Err() != nil {
			return nil
		}

		delay := backoff(attempt, c.backoffMin, c.backoffMax)
		attempt++
		c.log.Info("client.reconnect.wait", "attempt", attempt, "delay", delay, "err", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if c.origin != "" {
		h.Set("Origin", c.origin)
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(maxReadBytes)

	if err := writeEnvelope(dialCtx, conn, v1.TypeHello, v1.HelloPayload{}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}
	env, err := readEnvelope(dialCtx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}
	var ack v1.HelloAckPayload
	if env.Type != v1.TypeHelloAck || env.Decode(&ack) != nil {
		_ = conn.Close(websocket.StatusProtocolError, "expected hello_ack")
		return nil, fmt.Errorf("handshake: unexpected %q", env.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.sessionID = ack.SessionID
	close(c.connected)
	c.mu.Unlock()

	c.log.Info("client.connected", "session_id", ack.SessionID)
	return conn, nil
}

func (c *Client) disconnect(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.sessionID = ""
		c.connected = make(chan struct{})
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			c.log.Warn("client.read.bad_envelope", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageNew:
		var m v1.MessageRecord
		if err := env.Decode(&m); err != nil {
			c.log.Warn("client.message_new.malformed", "err", err)
			return
		}
		c.rec.OnLiveMessage(m)

	case v1.TypeHistoryLoad:
		var p v1.HistoryLoadPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warn("client.history_load.malformed", "err", err)
			return
		}
		if err := p.Validate(); err != nil {
			// The frame is dropped whole; the cursor stays below it and the
			// next rejoin asks for it again.
			c.log.Warn("client.history_load.invalid", "room", p.Room, "err", err)
			return
		}
		c.rec.OnCatchupFrame(p.Room, p.Messages, p.Final)

	case v1.TypeRoomJoined:
		var p v1.RoomJoinedPayload
		if err := env.Decode(&p); err == nil {
			c.log.Debug("client.room.joined", "room", p.Room, "cursor", p.Cursor, "catchup", p.CatchupCount)
		}

	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if err := env.Decode(&p); err == nil && c.onAck != nil {
			c.onAck(p)
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		c.log.Warn("client.server_error", "code", p.Code, "message", p.Message)
		if c.onError != nil {
			c.onError(p)
		}
	}
}

func (c *Client) write(ctx context.Context, typ string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return writeEnvelope(wctx, conn, typ, payload)
}

// backoff returns the capped exponential delay for attempt with "equal jitter":
// half fixed, half random.
func backoff(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	d := minDelay
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	d = min(d, maxDelay)

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, fmt.Sprintf("c-%d", now.UnixNano()), payload, now)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	return decodeEnvelope(data)
}

func decodeEnvelope(data []byte) (v1.Envelope, error) {
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}
