package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// anonymousAuthor replaces an empty author on send.
const anonymousAuthor = "anonymous"

// Coordinator runs the join/rejoin handshake and the send path.
//
// It holds no per-client sync state: the server only knows what it has
// stored, the client knows what it has rendered. Join is a single filter pass
// over the bounded room window; all merging happens client-side.
type Coordinator struct {
	log     *slog.Logger
	hub     *Hub
	roomLog RoomLog
	bc      Broadcaster
	ids     IDGenerator
	now     func() time.Time
}

// NewCoordinator wires a Coordinator from its collaborators.
func NewCoordinator(log *slog.Logger, hub *Hub, roomLog RoomLog, bc Broadcaster, ids IDGenerator) (*Coordinator, error) {
	if hub == nil || roomLog == nil || bc == nil || ids == nil {
		return nil, errors.New("realtime: coordinator requires hub, room log, broadcaster and id generator")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:     log,
		hub:     hub,
		roomLog: roomLog,
		bc:      bc,
		ids:     ids,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// JoinResult is the outcome of a join: the confirmed room and the catch-up batch.
type JoinResult struct {
	Room    string
	Cursor  int64
	Fresh   bool
	Catchup []Message
}

// Join subscribes s to room and returns every logged message with id > cursor,
// oldest first. A negative cursor or fresh=true skips catch-up entirely.
//
// Subscription happens before the log read so nothing appended in between can
// fall through the gap; duplicates this may cause are removed client-side.
// On a failed read the subscription is undone and s keeps its previous state.
// A session that has been closed is never subscribed.
func (c *Coordinator) Join(ctx context.Context, s *Session, room string, cursor int64, fresh bool) (JoinResult, error) {
	const op = "realtime.Coordinator.Join"

	room, err := normalizeRoom(room)
	if err != nil {
		return JoinResult{}, OpError{Op: op, Kind: ErrInvalidRoom}
	}

	skip := fresh || cursor < 0
	kind := "catchup"
	if skip {
		kind = "fresh"
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed() {
		return JoinResult{}, OpError{Op: op, Kind: ErrSessionClosed, Room: room}
	}

	prev := s.JoinedRoom()
	_, added := c.hub.Join(room, s)

	var batch []Message
	if !skip {
		window, err := c.roomLog.ReadAll(ctx, room)
		if err != nil {
			if added {
				c.hub.Leave(room, s.ID)
			}
			joinsTotal.WithLabelValues(kind, "error").Inc()
			c.log.Warn("sync.join.fail", "room", room, "session_id", s.ID, "cursor", cursor, "err", err)
			return JoinResult{}, err
		}
		batch = AfterCursor(window, cursor)
		catchupSize.Observe(float64(len(batch)))
	}

	if prev != "" && prev != room {
		c.hub.Leave(prev, s.ID)
	}
	s.setRoom(room)

	now := c.now()
	announce := systemMessage(room, fmt.Sprintf("%s joined %s", s.ID, room), now)
	if err := c.bc.Publish(ctx, announce); err != nil {
		c.log.Warn("sync.join.announce_fail", "room", room, "session_id", s.ID, "err", err)
	}

	joinsTotal.WithLabelValues(kind, "ok").Inc()
	c.log.Info("sync.join", "room", room, "session_id", s.ID, "cursor", cursor, "fresh", skip, "catchup", len(batch))

	return JoinResult{Room: room, Cursor: cursor, Fresh: skip, Catchup: batch}, nil
}

// Send stamps, logs and then publishes a message from s into room.
//
// A message whose append fails is never published: live delivery must not
// show anything a later catch-up could not return.
func (c *Coordinator) Send(ctx context.Context, s *Session, room, author, text string) (Message, error) {
	const op = "realtime.Coordinator.Send"

	room, err := normalizeRoom(room)
	if err != nil {
		return Message{}, OpError{Op: op, Kind: ErrInvalidRoom}
	}
	if s.JoinedRoom() != room {
		sendsTotal.WithLabelValues("not_joined").Inc()
		return Message{}, OpError{Op: op, Kind: ErrNotJoined, Room: room}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, OpError{Op: op, Kind: ErrInvalidMessage, Room: room, Err: errors.New("empty text")}
	}
	if utf8.RuneCountInString(text) > maxMessageChars {
		return Message{}, OpError{Op: op, Kind: ErrInvalidMessage, Room: room, Err: fmt.Errorf("message too long: max=%d chars", maxMessageChars)}
	}

	author = strings.TrimSpace(author)
	if author == "" {
		author = anonymousAuthor
	}

	proposed, err := c.ids.Next(ctx, room)
	if err != nil {
		sendsTotal.WithLabelValues("error").Inc()
		return Message{}, err
	}

	// The log fixes the final id inside its append, so ids follow append order.
	msg, err := c.roomLog.Append(ctx, Message{ID: proposed, Room: room, Author: author, Text: text, SentAt: c.now()})
	if err != nil {
		sendsTotal.WithLabelValues("error").Inc()
		c.log.Error("sync.send.append_fail", "room", room, "session_id", s.ID, "err", err)
		return Message{}, err
	}

	// Durable from here on: a publish failure only delays delivery until the next catch-up.
	if err := c.bc.Publish(ctx, msg); err != nil {
		c.log.Warn("sync.send.publish_fail", "room", room, "id", msg.ID, "err", err)
	}

	sendsTotal.WithLabelValues("ok").Inc()
	return msg, nil
}

// Leave unsubscribes s from its active room, if any. It waits for a join of s
// that is still in flight.
func (c *Coordinator) Leave(s *Session) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	room := s.JoinedRoom()
	if room == "" {
		return
	}
	c.hub.Leave(room, s.ID)
	s.setRoom("")
}

// Catchup returns the messages after cursor without subscribing anyone.
// It backs the read-only HTTP history endpoint.
func (c *Coordinator) Catchup(ctx context.Context, room string, cursor int64) ([]Message, error) {
	room, err := normalizeRoom(room)
	if err != nil {
		return nil, OpError{Op: "realtime.Coordinator.Catchup", Kind: ErrInvalidRoom}
	}
	window, err := c.roomLog.ReadAll(ctx, room)
	if err != nil {
		return nil, err
	}
	return AfterCursor(window, cursor), nil
}

// Ping checks the room log backend.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.roomLog.Ping(ctx)
}
