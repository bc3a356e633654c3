package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/contractops/contractops/internal/api"
	"github.com/contractops/contractops/internal/auth"
	"github.com/contractops/contractops/internal/collab"
	"github.com/contractops/contractops/internal/metrics"
	"github.com/contractops/contractops/internal/notify"
	"github.com/contractops/contractops/internal/presence"
	"github.com/contractops/contractops/pkg/types"
)

// --- test helpers -------------------------------------------------------------

type env struct {
	handler http.Handler
	hub     *collab.Hub
	store   *presence.MemoryStore
	auth    *auth.Authorizer
}

func newEnv(t *testing.T, allowAnonymous bool) *env {
	t.Helper()
	m := metrics.New()
	hub := collab.New(16, 64*1024, m)
	t.Cleanup(hub.Shutdown)

	store := presence.NewMemoryStore(5*time.Minute, 30*time.Minute)
	authz := auth.New([]byte("api-test-secret"), allowAnonymous)
	return &env{
		handler: api.New(hub, authz, store, nil, m),
		hub:     hub,
		store:   store,
		auth:    authz,
	}
}

func wsServer(t *testing.T, e *env) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(e.handler)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { c.Close() })
	return c
}

func token(t *testing.T, e *env, userID int64) string {
	t.Helper()
	tok, err := e.auth.Issue(userID, fmt.Sprintf("user-%d", userID), time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// readEventOfType reads frames until one of the wanted type arrives,
// skipping join/leave noise from other clients.
func readEventOfType(t *testing.T, c *websocket.Conn, typ string) map[string]interface{} {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if msg["type"] == typ {
			return msg
		}
	}
}

func expectNoMessage(t *testing.T, c *websocket.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(300 * time.Millisecond)) //nolint:errcheck
	_, raw, err := c.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected message: %s", raw)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("read failed: %v", err)
	}
}

// --- /health ------------------------------------------------------------------

func TestHealth(t *testing.T) {
	e := newEnv(t, true)
	rr := get(t, e.handler, "/health")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp map[string]interface{}
	decode(t, rr, &resp)

	if resp["status"] != "healthy" {
		t.Errorf("status: got %v, want healthy", resp["status"])
	}
	if resp["service"] != "contractops" {
		t.Errorf("service: got %v, want contractops", resp["service"])
	}
	if resp["connections"].(float64) != 0 {
		t.Errorf("connections: got %v, want 0", resp["connections"])
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	e := newEnv(t, true)
	rr := post(t, e.handler, "/health", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- /ws/{contract_id} ----------------------------------------------------------

func TestServeWS_TokenInQuery(t *testing.T) {
	e := newEnv(t, false)
	srv := wsServer(t, e)

	dialWS(t, srv, "/ws/7?token="+token(t, e, 42))

	waitFor(t, func() bool { return e.hub.ConnectionCount(7) == 1 })
	ids := e.hub.ActiveUserIDs(7)
	if len(ids) != 1 || ids[0] != 42 {
		t.Fatalf("active users = %v, want [42]", ids)
	}
}

func TestServeWS_TokenInHeader(t *testing.T) {
	e := newEnv(t, false)
	srv := wsServer(t, e)

	header := http.Header{"Authorization": {"Bearer " + token(t, e, 42)}}
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/7"
	c, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with header: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { c.Close() })

	waitFor(t, func() bool { return e.hub.ConnectionCount(7) == 1 })
}

func TestServeWS_AnonymousAllowed(t *testing.T) {
	e := newEnv(t, true)
	srv := wsServer(t, e)

	dialWS(t, srv, "/ws/7")

	waitFor(t, func() bool { return e.hub.ConnectionCount(7) == 1 })
	if ids := e.hub.ActiveUserIDs(7); len(ids) != 0 {
		t.Fatalf("active users = %v, want none for anonymous", ids)
	}
}

func TestServeWS_MissingTokenRejected(t *testing.T) {
	e := newEnv(t, false)
	srv := wsServer(t, e)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/7"
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		c.Close()
		t.Fatal("dial succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", resp)
	}
}

func TestServeWS_InvalidContractID(t *testing.T) {
	e := newEnv(t, true)
	for _, path := range []string{"/ws/abc", "/ws/0", "/ws/-3", "/ws/"} {
		rr := get(t, e.handler, path)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", path, rr.Code)
		}
	}
}

func TestServeWS_MethodNotAllowed(t *testing.T) {
	e := newEnv(t, true)
	rr := post(t, e.handler, "/ws/7", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// TestServeWS_IdentityStampsEvents drives the full stack: the user id
// from the token, not the client's claim, ends up on broadcast events.
func TestServeWS_IdentityStampsEvents(t *testing.T) {
	e := newEnv(t, false)
	srv := wsServer(t, e)

	c1 := dialWS(t, srv, "/ws/7?token="+token(t, e, 101))
	c2 := dialWS(t, srv, "/ws/7?token="+token(t, e, 102))
	waitFor(t, func() bool { return e.hub.ConnectionCount(7) == 2 })

	err := c1.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"cursor_update","user_id":777,"position":55}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readEventOfType(t, c2, "cursor_update")
	if msg["user_id"].(float64) != 101 {
		t.Errorf("user_id: got %v, want 101 from token", msg["user_id"])
	}
	if msg["contract_id"].(float64) != 7 {
		t.Errorf("contract_id: got %v, want 7", msg["contract_id"])
	}
	if msg["position"].(float64) != 55 {
		t.Errorf("position: got %v, want 55", msg["position"])
	}
}

// --- /api/v1/contracts/{id}/presence --------------------------------------------

func TestContractPresence(t *testing.T) {
	e := newEnv(t, false)
	srv := wsServer(t, e)

	dialWS(t, srv, "/ws/7?token="+token(t, e, 101))
	dialWS(t, srv, "/ws/7?token="+token(t, e, 102))
	waitFor(t, func() bool { return e.hub.ConnectionCount(7) == 2 })

	// Seed one persisted record the way the snapshotter would.
	err := e.store.Upsert(context.Background(), types.PresenceRecord{
		UserID:        101,
		ContractID:    7,
		IsActive:      true,
		CurrentAction: "connected",
		ViewMode:      types.ViewModeEdit,
	})
	if err != nil {
		t.Fatalf("seed presence: %v", err)
	}

	rr := get(t, e.handler, "/api/v1/contracts/7/presence")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp map[string]interface{}
	decode(t, rr, &resp)

	if resp["contract_id"].(float64) != 7 {
		t.Errorf("contract_id: got %v, want 7", resp["contract_id"])
	}
	if resp["connection_count"].(float64) != 2 {
		t.Errorf("connection_count: got %v, want 2", resp["connection_count"])
	}
	if ids := resp["active_user_ids"].([]interface{}); len(ids) != 2 {
		t.Errorf("active_user_ids: got %v, want 2 entries", ids)
	}
	recs := resp["presence_data"].([]interface{})
	if len(recs) != 1 {
		t.Fatalf("presence_data: got %d records, want 1", len(recs))
	}
	if rec := recs[0].(map[string]interface{}); rec["user_id"].(float64) != 101 {
		t.Errorf("presence_data user_id: got %v, want 101", rec["user_id"])
	}
}

func TestContractPresence_EmptyContract(t *testing.T) {
	e := newEnv(t, true)
	rr := get(t, e.handler, "/api/v1/contracts/12/presence")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp map[string]interface{}
	decode(t, rr, &resp)

	if resp["connection_count"].(float64) != 0 {
		t.Errorf("connection_count: got %v, want 0", resp["connection_count"])
	}
	if resp["active_user_ids"] == nil {
		t.Error("active_user_ids: got null, want []")
	}
	if resp["presence_data"] == nil {
		t.Error("presence_data: got null, want []")
	}
}

func TestContractPresence_InvalidID(t *testing.T) {
	e := newEnv(t, true)
	for _, path := range []string{
		"/api/v1/contracts/abc/presence",
		"/api/v1/contracts/0/presence",
	} {
		rr := get(t, e.handler, path)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", path, rr.Code)
		}
	}
}

func TestContracts_UnknownAction(t *testing.T) {
	e := newEnv(t, true)
	rr := get(t, e.handler, "/api/v1/contracts/7/bogus")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
}

func TestContractPresence_MethodNotAllowed(t *testing.T) {
	e := newEnv(t, true)
	rr := post(t, e.handler, "/api/v1/contracts/7/presence", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- /api/v1/contracts/{id}/events ----------------------------------------------

func TestInjectEvent_DeliveredToMembers(t *testing.T) {
	e := newEnv(t, true)
	srv := wsServer(t, e)

	c1 := dialWS(t, srv, "/ws/7")
	c2 := dialWS(t, srv, "/ws/7")
	waitFor(t, func() bool { return e.hub.ConnectionCount(7) == 2 })

	rr := post(t, e.handler, "/api/v1/contracts/7/events",
		`{"type":"comment_added","user_id":55,"comment_id":"c-19","position":240}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202 (body: %s)", rr.Code, rr.Body.String())
	}
	var resp map[string]interface{}
	decode(t, rr, &resp)
	if resp["delivered"].(float64) != 2 {
		t.Errorf("delivered: got %v, want 2", resp["delivered"])
	}

	for _, c := range []*websocket.Conn{c1, c2} {
		msg := readEventOfType(t, c, "comment_added")
		if msg["user_id"].(float64) != 55 {
			t.Errorf("user_id: got %v, want 55", msg["user_id"])
		}
		if msg["comment_id"] != "c-19" {
			t.Errorf("comment_id: got %v, want c-19", msg["comment_id"])
		}
		if msg["contract_id"].(float64) != 7 {
			t.Errorf("contract_id: got %v, want 7", msg["contract_id"])
		}
		if msg["timestamp"] == nil {
			t.Error("timestamp: missing")
		}
	}
}

func TestInjectEvent_EmptyRoom(t *testing.T) {
	e := newEnv(t, true)
	rr := post(t, e.handler, "/api/v1/contracts/7/events",
		`{"type":"typing_start","position":1}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", rr.Code)
	}
	var resp map[string]interface{}
	decode(t, rr, &resp)
	if resp["delivered"].(float64) != 0 {
		t.Errorf("delivered: got %v, want 0", resp["delivered"])
	}
}

func TestInjectEvent_UnknownType(t *testing.T) {
	e := newEnv(t, true)
	for _, body := range []string{
		`{"type":"bogus"}`,
		`{"type":"user_joined"}`, // join events come only from real connections
		`{"type":"error","message":"x"}`,
	} {
		rr := post(t, e.handler, "/api/v1/contracts/7/events", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", body, rr.Code)
		}
	}
}

func TestInjectEvent_MalformedBody(t *testing.T) {
	e := newEnv(t, true)
	for _, body := range []string{"{", `{"position":1}`, `{"type":7}`, ""} {
		rr := post(t, e.handler, "/api/v1/contracts/7/events", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%q: got %d, want 400", body, rr.Code)
		}
	}
}

func TestInjectEvent_MethodNotAllowed(t *testing.T) {
	e := newEnv(t, true)
	rr := get(t, e.handler, "/api/v1/contracts/7/events")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- /api/v1/users/{id}/events --------------------------------------------------

func TestUserBroadcast_SpansContracts(t *testing.T) {
	e := newEnv(t, false)
	srv := wsServer(t, e)

	tok := token(t, e, 42)
	c1 := dialWS(t, srv, "/ws/7?token="+tok)
	c2 := dialWS(t, srv, "/ws/8?token="+tok)
	other := dialWS(t, srv, "/ws/7?token="+token(t, e, 99))
	waitFor(t, func() bool { return e.hub.TotalConnections() == 3 })

	rr := post(t, e.handler, "/api/v1/users/42/events",
		`{"type":"presence_update","activity_type":"deal_review","data":{"stage":"signature"}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202 (body: %s)", rr.Code, rr.Body.String())
	}
	var resp map[string]interface{}
	decode(t, rr, &resp)
	if resp["delivered"].(float64) != 2 {
		t.Errorf("delivered: got %v, want 2", resp["delivered"])
	}

	for _, c := range []*websocket.Conn{c1, c2} {
		msg := readEventOfType(t, c, "presence_update")
		if msg["user_id"].(float64) != 42 {
			t.Errorf("user_id: got %v, want 42", msg["user_id"])
		}
		if msg["contract_id"] != nil {
			t.Errorf("contract_id: got %v, want null", msg["contract_id"])
		}
		if msg["activity_type"] != "deal_review" {
			t.Errorf("activity_type: got %v", msg["activity_type"])
		}
	}
	expectNoMessage(t, other)
}

func TestUserBroadcast_NoConnections(t *testing.T) {
	e := newEnv(t, true)
	rr := post(t, e.handler, "/api/v1/users/42/events", `{"type":"typing_stop"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", rr.Code)
	}
	var resp map[string]interface{}
	decode(t, rr, &resp)
	if resp["delivered"].(float64) != 0 {
		t.Errorf("delivered: got %v, want 0", resp["delivered"])
	}
}

func TestUserBroadcast_InvalidID(t *testing.T) {
	e := newEnv(t, true)
	rr := post(t, e.handler, "/api/v1/users/abc/events", `{"type":"typing_stop"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", rr.Code)
	}
}

// --- /api/v1/notifications ------------------------------------------------------

type nopSender struct{}

func (nopSender) Send(notify.Notification) error { return nil }

func TestNotifications_EmptyWithoutEngine(t *testing.T) {
	e := newEnv(t, true)
	rr := get(t, e.handler, "/api/v1/notifications")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp []interface{}
	decode(t, rr, &resp)
	if resp == nil {
		t.Error("notifications: got null, want []")
	}
	if len(resp) != 0 {
		t.Errorf("notifications: got %d items, want 0", len(resp))
	}
}

func TestNotifications_ListsFiredRules(t *testing.T) {
	m := metrics.New()
	hub := collab.New(16, 64*1024, m)
	t.Cleanup(hub.Shutdown)
	engine := notify.New([]notify.Rule{
		{Name: "comments", Types: []string{types.TypeCommentAdded}},
	}, nopSender{})
	hub.SetEventSink(engine)
	store := presence.NewMemoryStore(5*time.Minute, 30*time.Minute)
	h := api.New(hub, auth.New([]byte("s"), true), store, engine, m)

	rr := post(t, h, "/api/v1/contracts/7/events",
		`{"type":"comment_added","comment_id":"c-1","position":3}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("inject status: got %d, want 202", rr.Code)
	}

	rr = get(t, h, "/api/v1/notifications")
	var resp []map[string]interface{}
	decode(t, rr, &resp)
	if len(resp) != 1 {
		t.Fatalf("notifications: got %d, want 1", len(resp))
	}
	if resp[0]["rule"] != "comments" {
		t.Errorf("rule: got %v, want comments", resp[0]["rule"])
	}
	ev := resp[0]["event"].(map[string]interface{})
	if ev["type"] != "comment_added" {
		t.Errorf("event type: got %v, want comment_added", ev["type"])
	}
}

// --- /api/v1/diagnostics --------------------------------------------------------

func TestDiagnostics(t *testing.T) {
	e := newEnv(t, false)
	srv := wsServer(t, e)

	dialWS(t, srv, "/ws/9?token="+token(t, e, 2))
	dialWS(t, srv, "/ws/4?token="+token(t, e, 1))
	dialWS(t, srv, "/ws/9?token="+token(t, e, 3))
	waitFor(t, func() bool { return e.hub.TotalConnections() == 3 })

	rr := get(t, e.handler, "/api/v1/diagnostics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp map[string]interface{}
	decode(t, rr, &resp)

	rooms := resp["rooms"].([]interface{})
	if len(rooms) != 2 {
		t.Fatalf("rooms: got %d, want 2", len(rooms))
	}
	first := rooms[0].(map[string]interface{})
	second := rooms[1].(map[string]interface{})
	if first["contract_id"].(float64) != 4 {
		t.Errorf("rooms not sorted: first contract_id %v, want 4", first["contract_id"])
	}
	if second["connections"].(float64) != 2 {
		t.Errorf("contract 9 connections: got %v, want 2", second["connections"])
	}
	if resp["total_connections"].(float64) != 3 {
		t.Errorf("total_connections: got %v, want 3", resp["total_connections"])
	}
	if resp["generated_at"] == "" || resp["generated_at"] == nil {
		t.Error("generated_at: missing")
	}
}

func TestDiagnostics_MethodNotAllowed(t *testing.T) {
	e := newEnv(t, true)
	rr := post(t, e.handler, "/api/v1/diagnostics", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- /metrics -------------------------------------------------------------------

func gaugeValue(t *testing.T, mf *dto.MetricFamily) float64 {
	t.Helper()
	if mf == nil || len(mf.GetMetric()) == 0 {
		t.Fatal("metric family missing")
	}
	return mf.GetMetric()[0].GetGauge().GetValue()
}

func counterValue(t *testing.T, mf *dto.MetricFamily) float64 {
	t.Helper()
	if mf == nil || len(mf.GetMetric()) == 0 {
		t.Fatal("metric family missing")
	}
	return mf.GetMetric()[0].GetCounter().GetValue()
}

func TestMetricsExposition(t *testing.T) {
	e := newEnv(t, false)
	srv := wsServer(t, e)

	dialWS(t, srv, "/ws/7?token="+token(t, e, 42))
	waitFor(t, func() bool { return e.hub.ConnectionCount(7) == 1 })

	rr := get(t, e.handler, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(rr.Body)
	if err != nil {
		t.Fatalf("parse exposition: %v", err)
	}
	if got := gaugeValue(t, families["contractops_ws_connections"]); got != 1 {
		t.Errorf("contractops_ws_connections: got %v, want 1", got)
	}
	if got := counterValue(t, families["contractops_ws_connects_total"]); got < 1 {
		t.Errorf("contractops_ws_connects_total: got %v, want >= 1", got)
	}
}

// --- Content-Type ---------------------------------------------------------------

func TestContentTypeJSON(t *testing.T) {
	e := newEnv(t, true)
	for _, path := range []string{
		"/health",
		"/api/v1/contracts/7/presence",
		"/api/v1/notifications",
		"/api/v1/diagnostics",
	} {
		rr := get(t, e.handler, path)
		ct := rr.Header().Get("Content-Type")
		if ct != "application/json" {
			t.Errorf("%s Content-Type: got %q, want application/json", path, ct)
		}
	}
}
