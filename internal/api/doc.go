// Package api exposes the HTTP surface of the collaboration service:
// the WebSocket entrypoint, the REST endpoints that inspect or inject
// collaboration state, and the Prometheus scrape handler.
//
//	GET  /health                          liveness probe
//	GET  /ws/{contract_id}                WebSocket upgrade, token via Authorization header or ?token=
//	GET  /api/v1/contracts/{id}/presence  connection count, active users, presence records
//	POST /api/v1/contracts/{id}/events    inject a server-generated event into a contract room
//	POST /api/v1/users/{id}/events        push an event to every connection of one user
//	GET  /api/v1/notifications            recently fired notification rules
//	GET  /api/v1/diagnostics              per-room connection breakdown
//	GET  /metrics                         Prometheus exposition
package api
