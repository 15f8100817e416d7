package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message text length (runes).
	maxMessageChars = 4000

	// Max room name length (bytes). Room names become store keys and channel names.
	maxRoomNameBytes = 128
)

const (
	// DefaultHistoryCap is the number of messages retained per room.
	DefaultHistoryCap = 500

	// DefaultKeyPrefix namespaces every key and channel roomsync writes to a shared store.
	DefaultKeyPrefix = "roomsync"
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
