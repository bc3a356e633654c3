package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/contractops/contractops/internal/metrics"
	"github.com/contractops/contractops/pkg/types"
)

// defaultSendBuffer is the per-connection outgoing message buffer depth used
// when the configured value is not positive.
const defaultSendBuffer = 16

// ErrUnknownEventType is returned by Inject and BroadcastToUser when the
// event type is not one server-side callers may produce.
var ErrUnknownEventType = errors.New("collab: unknown event type")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventSink receives a copy of every event the hub accepts into a contract
// room, including joins and leaves. Implementations must not block: the hub
// calls Offer from connection read loops.
type EventSink interface {
	Offer(ev types.PresenceEvent)
}

// RoomInfo is a point-in-time view of one contract room.
type RoomInfo struct {
	ContractID  int64   `json:"contract_id"`
	Connections int     `json:"connections"`
	UserIDs     []int64 `json:"user_ids"`
}

// Hub manages per-contract rooms of WebSocket connections and fans
// collaboration events out to room members.
type Hub struct {
	reg        *registry
	metrics    *metrics.Set
	sendBuf    int
	maxMessage int64
	sink       EventSink
	now        func() time.Time
}

// New creates a Hub. sendBuf is the per-connection outbound queue depth and
// maxMessage bounds the size of a single inbound frame.
func New(sendBuf int, maxMessage int64, m *metrics.Set) *Hub {
	if sendBuf <= 0 {
		sendBuf = defaultSendBuffer
	}
	return &Hub{
		reg:        newRegistry(),
		metrics:    m,
		sendBuf:    sendBuf,
		maxMessage: maxMessage,
		now:        time.Now,
	}
}

// SetEventSink registers a consumer for accepted events. Call before the hub
// starts serving connections.
func (h *Hub) SetEventSink(s EventSink) { h.sink = s }

// Run blocks until ctx is cancelled, then shuts the hub down.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.Shutdown()
}

// ServeWS upgrades the HTTP connection to WebSocket and attaches it to the
// contract's room. The caller has already authorized the request; userID 0
// means anonymous. The join notification goes out only after the connection
// is registered, so no peer can learn of a member it cannot yet address.
// Blocks until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, contractID, userID int64) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := newConn(ws, h.sendBuf)
	h.reg.register(c, contractID, userID)
	h.metrics.Connects.Inc()
	h.updateGauges()
	slog.Info("collab: connection opened",
		"contract_id", contractID, "user_id", userID, "remote", r.RemoteAddr)

	h.emit(types.NewEvent(types.TypeUserJoined, userID, contractID, nil, h.now()), c)

	go c.writePump()
	c.readPump(h) // blocks until connection closes
	h.Disconnect(c)
}

// Disconnect deregisters c, closes it, and notifies the remaining room
// members. Disconnecting a connection that is already gone is a no-op, so
// the read-loop teardown, queue-overflow eviction and shutdown can race
// freely.
func (h *Hub) Disconnect(c *Conn) {
	contractID, userID, ok := h.reg.deregister(c)
	c.close()
	if !ok {
		return
	}
	h.metrics.Disconnects.Inc()
	h.updateGauges()
	slog.Info("collab: connection closed",
		"contract_id", contractID, "user_id", userID, "age", time.Since(c.createdAt))

	// The room was already left, so the departed connection gets nothing
	// even without an exclusion.
	h.emit(types.NewEvent(types.TypeUserLeft, userID, contractID, nil, h.now()), c)
}

// Inject broadcasts a server-originated event to every connection in the
// contract's room. Unlike a client message the event has no sending
// connection, so nothing is excluded. It reports how many connections the
// event was queued for.
func (h *Hub) Inject(contractID int64, typ string, userID int64, fields map[string]json.RawMessage) (int, error) {
	if !types.Injectable(typ) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	ev := types.NewEvent(typ, userID, contractID, fields, h.now())
	h.metrics.Events.WithLabelValues(typ).Inc()
	return h.emit(ev, nil), nil
}

// BroadcastToUser sends a server-originated event to every connection the
// user holds, across all contract rooms. The event's user_id names the
// target user and its contract_id is null.
func (h *Hub) BroadcastToUser(userID int64, typ string, fields map[string]json.RawMessage) (int, error) {
	if !types.Injectable(typ) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}
	ev := types.NewEvent(typ, userID, 0, fields, h.now())
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	h.metrics.Events.WithLabelValues(typ).Inc()

	delivered := 0
	for _, c := range h.reg.connectionsByUser(userID) {
		if c.offer(data) {
			delivered++
		} else {
			h.metrics.Dropped.Inc()
			slog.Warn("collab: outbound queue full, dropping connection", "user_id", userID)
			go h.Disconnect(c)
		}
	}
	return delivered, nil
}

// ConnectionCount reports the number of open connections on one contract.
func (h *Hub) ConnectionCount(contractID int64) int {
	return h.reg.connectionCount(contractID)
}

// ActiveUserIDs reports the distinct authenticated users connected to one
// contract. Anonymous connections are counted by ConnectionCount but carry
// no user id.
func (h *Hub) ActiveUserIDs(contractID int64) []int64 {
	return h.reg.userIDs(contractID)
}

// TotalConnections reports the number of open connections across all rooms.
func (h *Hub) TotalConnections() int {
	return h.reg.totalConnections()
}

// Rooms returns a snapshot of every room with at least one connection.
func (h *Hub) Rooms() []RoomInfo {
	return h.reg.snapshotRooms()
}

// Shutdown closes every open connection and clears the registry. No leave
// notifications are emitted: the process is going away, not a user.
func (h *Hub) Shutdown() {
	conns := h.reg.drain()
	for _, c := range conns {
		go c.close()
	}
	h.updateGauges()
	slog.Info("collab: hub shut down", "connections_closed", len(conns))
}

// --- internal ---------------------------------------------------------------

// dispatch routes one raw client frame: validate, stamp identity, fan out.
// Malformed frames earn the sender a personal error message; frames of
// unknown type are logged and dropped. Neither closes the connection.
func (h *Hub) dispatch(c *Conn, raw []byte) {
	contractID, userID, ok := h.reg.binding(c)
	if !ok {
		return // already deregistered, frame raced the disconnect
	}

	typ, fields, err := types.ParseInbound(raw)
	if err != nil {
		slog.Warn("collab: malformed message",
			"contract_id", contractID, "user_id", userID, "err", err)
		h.sendError(c, "invalid message")
		return
	}
	if !types.ClientSendable(typ) {
		slog.Warn("collab: unknown message type",
			"type", typ, "contract_id", contractID, "user_id", userID)
		return
	}

	// Identity and time are stamped server-side; whatever the client put in
	// those fields is discarded, so a sender cannot impersonate another user.
	ev := types.NewEvent(typ, userID, contractID, fields, h.now())
	h.metrics.Events.WithLabelValues(typ).Inc()
	h.emit(ev, c)
}

// emit serializes ev once, offers it to every member of its room except
// exclude, and forwards it to the event sink. A member whose outbound queue
// is full is disconnected asynchronously so the fan-out never stalls and
// never mutates membership mid-iteration. Returns the number of connections
// the event was queued for.
func (h *Hub) emit(ev types.PresenceEvent, exclude *Conn) int {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("collab: marshal event", "type", ev.Type, "err", err)
		return 0
	}

	delivered := 0
	for _, c := range h.reg.members(ev.ContractID) {
		if c == exclude {
			continue
		}
		if c.offer(data) {
			delivered++
		} else {
			h.metrics.Dropped.Inc()
			slog.Warn("collab: outbound queue full, dropping connection",
				"contract_id", ev.ContractID)
			go h.Disconnect(c)
		}
	}
	h.metrics.Broadcasts.Inc()

	if h.sink != nil {
		h.sink.Offer(ev)
	}
	return delivered
}

// sendError queues a personal error message for one client.
func (h *Hub) sendError(c *Conn, msg string) {
	data, err := json.Marshal(types.NewError(msg))
	if err != nil {
		return
	}
	c.offer(data)
}

func (h *Hub) updateGauges() {
	h.metrics.Connections.Set(float64(h.reg.totalConnections()))
	h.metrics.Rooms.Set(float64(h.reg.roomCount()))
}
