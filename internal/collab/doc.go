// Package collab implements the real-time collaboration hub for
// contractops-server.
//
// Hub manages per-contract rooms of WebSocket connections and fans
// collaboration events out to room members. Every event a client sends is
// stamped with the server-side identity of its connection, serialized once,
// and offered to every other member of the same room; a member whose
// outbound queue is full is dropped rather than allowed to stall the room.
//
// Hub.ServeWS upgrades an HTTP connection, attaches it to the contract's
// room, notifies the room, and blocks until the connection closes.
// Hub.Run(ctx) blocks until ctx is cancelled, then closes all active
// connections without emitting leave notifications.
//
// Message format sent to room members:
//
//	{
//	  "type":        "cursor_update",
//	  "user_id":     7,
//	  "contract_id": 42,
//	  "position":    { /* payload fields at the top level */ },
//	  "timestamp":   "2025-06-01T12:30:00Z"
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The WebSocket endpoint is mounted at /ws/{contract_id} by the
// server.
package collab
