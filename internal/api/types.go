package api

import (
	"github.com/contractops/contractops/internal/collab"
	"github.com/contractops/contractops/pkg/types"
)

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Connections int    `json:"connections"`
}

// ContractPresenceResponse is the payload for
// GET /api/v1/contracts/{id}/presence. ActiveUserIDs reflects live
// WebSocket membership; PresenceData is the persisted view, which may
// lag by one snapshot interval.
type ContractPresenceResponse struct {
	ContractID      int64                  `json:"contract_id"`
	ConnectionCount int                    `json:"connection_count"`
	ActiveUserIDs   []int64                `json:"active_user_ids"`
	PresenceData    []types.PresenceRecord `json:"presence_data"`
}

// InjectResponse reports how many connections an injected event
// reached.
type InjectResponse struct {
	Delivered int `json:"delivered"`
}

// DiagnosticsResponse is the payload for GET /api/v1/diagnostics.
type DiagnosticsResponse struct {
	Rooms            []collab.RoomInfo `json:"rooms"`
	TotalConnections int               `json:"total_connections"`
	UptimeSeconds    int64             `json:"uptime_seconds"`
	GeneratedAt      string            `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
