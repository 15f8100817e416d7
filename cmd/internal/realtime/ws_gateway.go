package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed by default.
	wsDefaultOriginRequired = true
)

// Budget for the messages of one history_load frame; the rest of
// v1.MaxHistoryFrameBytes is left for the room name and field names.
const historyFrameBudget = v1.MaxHistoryFrameBytes - 4<<10

var errBackpressure = errors.New("backpressure")

// GatewayConfig holds the WebSocket gateway knobs.
type GatewayConfig struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// WSGateway is the WebSocket entrypoint for roomsync.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats,
// and maps validated envelopes onto Coordinator.Join / Send / Leave.
type WSGateway struct {
	log   *slog.Logger
	coord *Coordinator
	cfg   GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway around coord.
func NewWSGateway(log *slog.Logger, coord *Coordinator, cfg GatewayConfig) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = wsDefaultReadIdle
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}

	return &WSGateway{
		log:   log,
		coord: coord,
		cfg:   cfg,
		// websocket.Accept runs its own origin check; derive its patterns from
		// the allowlist so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sess := NewSession(NewSessionID(time.Now().UTC()), g.cfg.SendQueueSize)
	liveSessions.Inc()
	defer liveSessions.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close sess.Send.
	// sess.Close comes first so a join still in flight fails instead of
	// re-adding the session after Leave; deliver drops envelopes for it meanwhile.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close()
			cancel()
			g.coord.Leave(sess)
			_ = conn.Close(code, reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case env := <-sess.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sess.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sess.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess, v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sess.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, sess, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, sess); err != nil {
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeRoomJoin:
			if err := g.onJoin(ctx, sess, env); err != nil {
				if errors.Is(err, errBackpressure) {
					// A partial catch-up cannot be repaired in place; the client
					// rejoins with the cursor it still holds.
					g.log.Info("ws.join.backpressure", "session_id", sess.ID, "err", err)
					shutdown(websocket.StatusTryAgainLater, "send queue full")
					break readLoop
				}
				g.trySendError(ctx, sess, errorCode(err, v1.CodeJoinFailed), err.Error())
				continue readLoop
			}

		case v1.TypeRoomLeave:
			g.coord.Leave(sess)

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess, errorCode(err, v1.CodeSendFailed), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, sess, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, sess *Session) error {
	return g.enqueue(ctx, sess, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: sess.ID})
}

func (g *WSGateway) onJoin(ctx context.Context, sess *Session, env v1.Envelope) error {
	var p v1.RoomJoinPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	res, err := g.coord.Join(ctx, sess, p.Room, p.Cursor, p.Fresh)
	if err != nil {
		return err
	}

	// The join reply and the catch-up wait for queue space: dropping either
	// would leave the client with a hole it cannot see.
	if err := g.enqueueWait(ctx, sess, v1.TypeRoomJoined, v1.RoomJoinedPayload{
		Room:         res.Room,
		Cursor:       res.Cursor,
		CatchupCount: len(res.Catchup),
	}); err != nil {
		return err
	}
	if res.Fresh {
		return nil
	}

	frames, err := historyFrames(res.Room, res.Catchup, historyFrameBudget)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := g.enqueueWait(ctx, sess, v1.TypeHistoryLoad, f); err != nil {
			return err
		}
	}
	return nil
}

// historyFrames splits a catch-up into history_load payloads whose encoded
// message lists stay within budget bytes. A single record larger than budget
// gets a frame of its own. There is always at least one frame and only the
// last is Final.
func historyFrames(room string, msgs []Message, budget int) ([]v1.HistoryLoadPayload, error) {
	var frames []v1.HistoryLoadPayload
	cur := v1.HistoryLoadPayload{Room: room, Messages: []v1.MessageRecord{}}
	size := 0

	for _, m := range msgs {
		rec := m.Record()
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode history record %d: %w", m.ID, err)
		}
		n := len(b) + 1 // separator
		if len(cur.Messages) > 0 && size+n > budget {
			frames = append(frames, cur)
			cur = v1.HistoryLoadPayload{Room: room, Messages: []v1.MessageRecord{}}
			size = 0
		}
		cur.Messages = append(cur.Messages, rec)
		size += n
	}

	cur.Final = true
	return append(frames, cur), nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, sess *Session, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		return err
	}

	msg, err := g.coord.Send(ctx, sess, p.Room, p.Author, p.Text)
	if err != nil {
		return err
	}
	return g.enqueue(ctx, sess, v1.TypeMessageAck, v1.MessageAckPayload{Room: msg.Room, ID: msg.ID})
}

// errorCode maps an operation error onto a wire error code.
func errorCode(err error, fallback string) string {
	switch {
	case errors.Is(err, ErrNotJoined):
		return v1.CodeNotJoined
	case errors.Is(err, ErrStoreUnavailable):
		return v1.CodeStoreUnavailable
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrInvalidRoom):
		return v1.CodeInvalidMessage
	default:
		return fallback
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, sess *Session, code, msg string) {
	_ = g.enqueue(ctx, sess, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

func (g *WSGateway) enqueue(ctx context.Context, sess *Session, typ string, payload any) error {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), payload, now)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.Done():
		return ErrSessionClosed
	case sess.Send <- env:
		return nil
	default:
		return fmt.Errorf("%w: %s", errBackpressure, typ)
	}
}

// enqueueWait is enqueue for envelopes that must not be dropped: it waits up
// to the write timeout for queue space.
func (g *WSGateway) enqueueWait(ctx context.Context, sess *Session, typ string, payload any) error {
	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, NewEnvelopeID(now), payload, now)
	if err != nil {
		return err
	}

	t := time.NewTimer(g.cfg.WriteTimeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.Done():
		return ErrSessionClosed
	case sess.Send <- env:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: %s", errBackpressure, typ)
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if g.cfg.DevInsecure {
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			// Host match ignores scheme and port.
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into the host
// patterns websocket.Accept matches against.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		// Accept matches against host[:port]; allow any port of an allowlisted host.
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return out
}
