package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// SystemAuthor is the author of synthetic (id 0) room announcements.
const SystemAuthor = "System"

// Message is the canonical room message.
//
// ID is strictly increasing per room in acceptance order. ID 0 is reserved for
// synthetic messages (join announcements) that never enter a RoomLog.
type Message struct {
	ID     int64     `json:"id"`
	Room   string    `json:"room"`
	Author string    `json:"author"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at,omitempty"`
}

// Durable reports whether the message belongs in a room log.
func (m Message) Durable() bool { return m.ID > 0 }

// Record converts the message to its wire shape.
func (m Message) Record() v1.MessageRecord {
	return v1.MessageRecord{
		ID:     m.ID,
		Room:   m.Room,
		Author: m.Author,
		Text:   m.Text,
		SentAt: m.SentAt,
	}
}

// Records converts a batch to wire shape, preserving order.
func Records(msgs []Message) []v1.MessageRecord {
	out := make([]v1.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Record())
	}
	return out
}

// systemMessage builds the synthetic announcement for a join.
func systemMessage(room, text string, now time.Time) Message {
	return Message{ID: 0, Room: room, Author: SystemAuthor, Text: text, SentAt: now}
}

// encodeEntry serializes a message for list/column storage.
func encodeEntry(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// decodeEntry parses one stored entry and validates it against the room it was read from.
func decodeEntry(room string, raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedCatchupEntry, err)
	}
	if m.ID <= 0 {
		return Message{}, fmt.Errorf("%w: non-positive id %d", ErrMalformedCatchupEntry, m.ID)
	}
	if m.Room != room {
		return Message{}, fmt.Errorf("%w: room mismatch %q", ErrMalformedCatchupEntry, m.Room)
	}
	return m, nil
}

// normalizeRoom trims and validates a room name.
func normalizeRoom(room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" || len(room) > maxRoomNameBytes {
		return "", ErrInvalidRoom
	}
	return room, nil
}

// AfterCursor returns entries with id > cursor, preserving input order.
// This is the whole server-side delta computation.
func AfterCursor(window []Message, cursor int64) []Message {
	out := make([]Message, 0, len(window))
	for _, m := range window {
		if m.ID > cursor {
			out = append(out, m)
		}
	}
	return out
}
