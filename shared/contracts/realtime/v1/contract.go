// Package v1 defines the roomsync realtime protocol v1 contract.
//
// It is shared between the server gateway and Go clients so both sides agree on
// envelope framing and payload schemas.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol negotiated by server and client.
const Subprotocol = "roomsync.v1"

// MaxHistoryFrameBytes bounds the encoded payload of one history_load frame.
// Clients must accept frames of at least MaxFrameBytes.
const MaxHistoryFrameBytes = 256 << 10

// MaxFrameBytes is the largest envelope either side sends.
const MaxFrameBytes = 1 << 20

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin joins or rejoins a room with a cursor (client -> server).
	TypeRoomJoin = "room_join"
	// TypeRoomJoined confirms a join (server -> client).
	TypeRoomJoined = "room_joined"
	// TypeRoomLeave leaves the active room (client -> server).
	TypeRoomLeave = "room_leave"

	// TypeHistoryLoad carries the catch-up batch for a join (server -> client).
	TypeHistoryLoad = "history_load"

	// TypeMessageSend requests sending a message into the joined room (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges an accepted send (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew delivers one live message (server -> room members).
	TypeMessageNew = "message_new"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried in ErrorPayload.Code.
const (
	CodeBadJSON          = "bad_json"
	CodeBadEnvelope      = "bad_envelope"
	CodeNotJoined        = "not_joined"
	CodeStoreUnavailable = "store_unavailable"
	CodeInvalidMessage   = "invalid_message"
	CodeRateLimited      = "rate_limited"
	CodeUnsupported      = "unsupported"
	CodeJoinFailed       = "join_failed"
	CodeSendFailed       = "send_failed"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeRoomJoined,
		TypeRoomLeave,
		TypeHistoryLoad,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ, id string, payload any, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
