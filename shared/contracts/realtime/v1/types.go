package v1

import (
	"errors"
	"strings"
	"time"
)

// MessageRecord is the wire shape of one chat message.
// ID 0 marks a synthetic system message that is never part of a room log.
type MessageRecord struct {
	ID     int64     `json:"id"`
	Room   string    `json:"room,omitempty"`
	Author string    `json:"author"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at,omitempty"`
}

// Validate checks the record schema at the decoding boundary.
func (m MessageRecord) Validate() error {
	if m.ID < 0 {
		return errors.New("negative id")
	}
	if m.ID > 0 && strings.TrimSpace(m.Room) == "" {
		return errors.New("missing room")
	}
	return nil
}

// HelloPayload is sent by the client to initiate a session.
type HelloPayload struct{}

// HelloAckPayload returns the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// RoomJoinPayload joins a room. Cursor is the highest message id the client
// already holds; a negative cursor or Fresh=true skips catch-up.
type RoomJoinPayload struct {
	Room   string `json:"room"`
	Cursor int64  `json:"cursor"`
	Fresh  bool   `json:"fresh,omitempty"`
}

// RoomJoinedPayload confirms a join.
type RoomJoinedPayload struct {
	Room         string `json:"room"`
	Cursor       int64  `json:"cursor"`
	CatchupCount int    `json:"catchup_count"`
}

// RoomLeavePayload leaves a room.
type RoomLeavePayload struct {
	Room string `json:"room"`
}

// HistoryLoadPayload carries one frame of the catch-up batch, oldest first.
// A catch-up larger than MaxHistoryFrameBytes spans several frames; the last
// one has Final set. Frames of one catch-up are contiguous and ascending.
type HistoryLoadPayload struct {
	Room     string          `json:"room"`
	Messages []MessageRecord `json:"messages"`
	Final    bool            `json:"final"`
}

// Validate rejects batches containing records that fail MessageRecord.Validate.
func (p HistoryLoadPayload) Validate() error {
	if strings.TrimSpace(p.Room) == "" {
		return errors.New("missing room")
	}
	for _, m := range p.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
		if m.ID == 0 {
			return errors.New("synthetic message in history")
		}
	}
	return nil
}

// MessageSendPayload requests sending a message into a room.
type MessageSendPayload struct {
	Room   string `json:"room"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// MessageAckPayload acknowledges a send with the stored id.
type MessageAckPayload struct {
	Room string `json:"room"`
	ID   int64  `json:"id"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
