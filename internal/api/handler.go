package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/contractops/contractops/internal/auth"
	"github.com/contractops/contractops/internal/collab"
	"github.com/contractops/contractops/internal/metrics"
	"github.com/contractops/contractops/internal/notify"
	"github.com/contractops/contractops/internal/presence"
	"github.com/contractops/contractops/pkg/types"
)

// maxEventBody caps the request body of injected events.
const maxEventBody = 1 << 20

// Authorizer resolves the user behind a request before the WebSocket
// upgrade. *auth.Authorizer implements it.
type Authorizer interface {
	Authorize(r *http.Request, contractID int64) (int64, error)
}

// Handler is the HTTP handler for the whole service surface: WebSocket
// upgrades, the /api/v1/* endpoints, and the metrics exposition.
type Handler struct {
	hub      *collab.Hub
	auth     Authorizer
	presence presence.Store
	notify   *notify.Engine // nil when no webhook is configured
	started  time.Time
	mux      *http.ServeMux
}

// New creates a Handler wired to the given hub and registers all routes.
// engine may be nil; /api/v1/notifications then serves an empty list.
func New(hub *collab.Hub, authz Authorizer, store presence.Store, engine *notify.Engine, m *metrics.Set) http.Handler {
	h := &Handler{
		hub:      hub,
		auth:     authz,
		presence: store,
		notify:   engine,
		started:  time.Now(),
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("/health", h.health)
	h.mux.HandleFunc("/ws/", h.serveWS) // subtree, extracts {contract_id}
	h.mux.HandleFunc("/api/v1/contracts/", h.contracts)
	h.mux.HandleFunc("/api/v1/users/", h.users)
	h.mux.HandleFunc("/api/v1/notifications", h.notifications)
	h.mux.HandleFunc("/api/v1/diagnostics", h.diagnostics)
	h.mux.Handle("/metrics", m.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers -----------------------------------------------------------

// health returns GET /health, a cheap liveness probe with the live
// connection total.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:      "healthy",
		Service:     "contractops",
		Connections: h.hub.TotalConnections(),
	})
}

// serveWS handles GET /ws/{contract_id}. Authorization runs before the
// upgrade so a rejected client gets a clean HTTP status instead of a
// dropped socket.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contractID, err := pathID(strings.TrimPrefix(r.URL.Path, "/ws/"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid contract id")
		return
	}

	userID, err := h.auth.Authorize(r, contractID)
	if err != nil {
		jsonErr(w, http.StatusUnauthorized, authMessage(err))
		return
	}

	h.hub.ServeWS(w, r, contractID, userID)
}

// contracts dispatches /api/v1/contracts/{id}/presence and
// /api/v1/contracts/{id}/events.
func (h *Handler) contracts(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/contracts/")
	idPart, action, _ := strings.Cut(rest, "/")

	contractID, err := pathID(idPart)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid contract id")
		return
	}

	switch action {
	case "presence":
		h.contractPresence(w, r, contractID)
	case "events":
		h.contractEvents(w, r, contractID)
	default:
		jsonErr(w, http.StatusNotFound, "not found")
	}
}

// contractPresence returns GET /api/v1/contracts/{id}/presence, merging
// the hub's live membership with the persisted presence records.
func (h *Handler) contractPresence(w http.ResponseWriter, r *http.Request, contractID int64) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := ContractPresenceResponse{
		ContractID:      contractID,
		ConnectionCount: h.hub.ConnectionCount(contractID),
		ActiveUserIDs:   h.hub.ActiveUserIDs(contractID),
		PresenceData:    []types.PresenceRecord{},
	}
	if h.presence != nil {
		recs, err := h.presence.ActiveUsers(r.Context(), contractID)
		if err != nil {
			jsonErr(w, http.StatusInternalServerError, "presence store unavailable")
			return
		}
		resp.PresenceData = recs
	}

	jsonResp(w, http.StatusOK, resp)
}

// contractEvents handles POST /api/v1/contracts/{id}/events. The body
// is one event object; user_id may name the acting user or be absent
// for a system event.
func (h *Handler) contractEvents(w http.ResponseWriter, r *http.Request, contractID int64) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	typ, userID, fields, err := decodeEventBody(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	delivered, err := h.hub.Inject(contractID, typ, userID, fields)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResp(w, http.StatusAccepted, InjectResponse{Delivered: delivered})
}

// users handles POST /api/v1/users/{id}/events, pushing one event to
// every connection the user holds. Any user_id in the body is ignored;
// the path names the target.
func (h *Handler) users(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/users/")
	idPart, action, _ := strings.Cut(rest, "/")

	userID, err := pathID(idPart)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if action != "events" {
		jsonErr(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	typ, _, fields, err := decodeEventBody(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	delivered, err := h.hub.BroadcastToUser(userID, typ, fields)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResp(w, http.StatusAccepted, InjectResponse{Delivered: delivered})
}

// notifications returns GET /api/v1/notifications, the recently fired
// rules, newest first.
func (h *Handler) notifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.notify == nil {
		jsonResp(w, http.StatusOK, []notify.Notification{})
		return
	}
	jsonResp(w, http.StatusOK, h.notify.Recent())
}

// diagnostics returns GET /api/v1/diagnostics, a per-room breakdown of
// live connections.
func (h *Handler) diagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rooms := h.hub.Rooms()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ContractID < rooms[j].ContractID })

	jsonResp(w, http.StatusOK, DiagnosticsResponse{
		Rooms:            rooms,
		TotalConnections: h.hub.TotalConnections(),
		UptimeSeconds:    int64(time.Since(h.started).Seconds()),
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ------------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// pathID parses one numeric path segment. IDs are positive.
func pathID(s string) (int64, error) {
	s = strings.TrimSuffix(s, "/")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// authMessage maps authorization failures to client-facing text.
func authMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing token"
	case errors.Is(err, auth.ErrTokenExpired):
		return "token expired"
	default:
		return "invalid token"
	}
}

// decodeEventBody reads one event object from the request body and
// splits it into type, acting user, and payload fields. The payload
// keeps only keys the event type defines; that filtering happens later
// in types.NewEvent.
func decodeEventBody(r *http.Request) (string, int64, map[string]json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		return "", 0, nil, fmt.Errorf("read body: %w", err)
	}

	typ, fields, err := types.ParseInbound(body)
	if err != nil {
		return "", 0, nil, err
	}

	var userID int64
	if raw, ok := fields["user_id"]; ok {
		delete(fields, "user_id")
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &userID); err != nil {
				return "", 0, nil, fmt.Errorf("decode user_id: %w", err)
			}
		}
	}
	return typ, userID, fields, nil
}
