// Package protocol defines the JSON envelope exchanged on the patchbay
// WebSocket.
package protocol

import "jackdaw/hub/internal/jack"

// Message types used by the patchbay websocket protocol.
const (
	// Server → client.
	TypeGraph         = "graph"
	TypeRoomCreated   = "room_created"
	TypeRoomDestroyed = "room_destroyed"
	TypeError         = "error"

	// Client → server.
	TypeConnect    = "connect"
	TypeDisconnect = "disconnect"
	TypeRefresh    = "refresh"
)

// Message is the JSON envelope for both directions. Graph rides in Data
// on every TypeGraph frame; subscribers reconcile any missed incremental
// event by consuming the next full snapshot.
type Message struct {
	Type   string      `json:"type"`
	Source string      `json:"source,omitempty"`
	Dest   string      `json:"dest,omitempty"`
	RoomID string      `json:"room_id,omitempty"`
	Error  string      `json:"error,omitempty"`
	Data   *jack.Graph `json:"data,omitempty"`
}
