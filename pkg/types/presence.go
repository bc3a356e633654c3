package types

import "time"

// Presence view modes.
const (
	ViewModeEdit     = "edit"
	ViewModeReview   = "review"
	ViewModeReadOnly = "read-only"
)

// PresenceRecord is one user's persisted presence on one contract. Records
// are written by the presence snapshotter and read by the HTTP API; they
// outlive the WebSocket connections they describe.
type PresenceRecord struct {
	UserID        int64     `json:"user_id"`
	ContractID    int64     `json:"contract_id"`
	IsActive      bool      `json:"is_active"`
	CurrentAction string    `json:"current_action,omitempty"`
	ViewMode      string    `json:"view_mode,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
}
