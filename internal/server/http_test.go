package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"wellpulse/backend/internal/gateway"
	"wellpulse/backend/internal/reading"
	"wellpulse/backend/internal/security"
)

type wireEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T) (*httptest.Server, *gateway.Gateway, *security.Issuer) {
	t.Helper()
	iss, ver, err := security.NewTestIssuerVerifier(15 * time.Minute)
	if err != nil {
		t.Fatalf("NewTestIssuerVerifier: %v", err)
	}
	gw := gateway.New(ver, nil, nil)
	poll := gateway.NewPollTransport(gw, nil, 200*time.Millisecond, time.Minute)
	t.Cleanup(poll.Stop)
	srv := httptest.NewServer(NewMux(Deps{Gateway: gw, Poll: poll}))
	t.Cleanup(srv.Close)
	return srv, gw, iss
}

func issueToken(t *testing.T, iss *security.Issuer, tenantID string) string {
	t.Helper()
	token, _, err := iss.Issue(security.Identity{
		UserID:   "u1",
		Email:    "ops@example.com",
		Role:     "operator",
		TenantID: tenantID,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func readEvent(t *testing.T, ws *websocket.Conn) wireEvent {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev wireEvent
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return ev
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestWebsocketSubscribeAndReceive(t *testing.T) {
	srv, gw, iss := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/ws?token=" + issueToken(t, iss, "T1")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	if ev := readEvent(t, ws); ev.Event != gateway.EventConnected {
		t.Fatalf("first event = %q, want %q", ev.Event, gateway.EventConnected)
	}

	if err := ws.WriteJSON(map[string]any{
		"event": gateway.ClientEventSubscribeWell,
		"data":  map[string]string{"wellId": "W1"},
	}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if ev := readEvent(t, ws); ev.Event != gateway.EventSubscribed {
		t.Fatalf("event = %q, want %q", ev.Event, gateway.EventSubscribed)
	}

	gw.Broadcast("T1", &reading.Reading{
		Timestamp:      time.Now().UTC(),
		TenantID:       "T1",
		WellID:         "W1",
		TagName:        "Tubing_Pressure",
		Value:          1450.2,
		Quality:        reading.QualityGood,
		SourceProtocol: "MQTT",
	})

	ev := readEvent(t, ws)
	if ev.Event != gateway.EventReading {
		t.Fatalf("event = %q, want %q", ev.Event, gateway.EventReading)
	}
	var r reading.Reading
	if err := json.Unmarshal(ev.Data, &r); err != nil {
		t.Fatalf("unmarshal reading: %v", err)
	}
	if r.WellID != "W1" || r.TagName != "Tubing_Pressure" || r.Value != 1450.2 {
		t.Errorf("reading = %+v", r)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	srv, gw, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/ws?token=garbage"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	if ev := readEvent(t, ws); ev.Event != gateway.EventError {
		t.Fatalf("event = %q, want %q", ev.Event, gateway.EventError)
	}
	// The server closes right after the error event.
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected close after auth rejection")
	}
	if s := gw.Stats(); s.TotalConnections != 0 {
		t.Errorf("TotalConnections = %d, want 0", s.TotalConnections)
	}
}

func TestPollLifecycle(t *testing.T) {
	srv, gw, iss := newTestServer(t)
	client := srv.Client()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/realtime/poll", nil)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, iss, "T1"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST /realtime/poll: %v", err)
	}
	var created struct {
		ConnectionID string `json:"connectionId"`
		TenantID     string `json:"tenantId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode connect response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.TenantID != "T1" || created.ConnectionID == "" {
		t.Fatalf("connect response = %d %+v", resp.StatusCode, created)
	}

	base := srv.URL + "/realtime/poll/" + created.ConnectionID

	// First drain returns the connected ack.
	evs := pollEvents(t, client, base)
	if len(evs) != 1 || evs[0].Event != gateway.EventConnected {
		t.Fatalf("first drain = %+v, want one connected event", evs)
	}

	body, _ := json.Marshal(map[string]string{"wellId": "W1"})
	resp, err = client.Post(base+"/subscribe", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST subscribe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("subscribe status = %d, want 202", resp.StatusCode)
	}

	gw.Broadcast("T1", &reading.Reading{
		Timestamp: time.Now().UTC(), TenantID: "T1", WellID: "W1",
		TagName: "Flow_Rate", Value: 38.5, Quality: reading.QualityGood, SourceProtocol: "Modbus",
	})

	evs = pollEvents(t, client, base)
	var names []string
	for _, ev := range evs {
		names = append(names, ev.Event)
	}
	if len(evs) != 2 || evs[0].Event != gateway.EventSubscribed || evs[1].Event != gateway.EventReading {
		t.Fatalf("drained events = %v, want [subscribed reading]", names)
	}

	req, _ = http.NewRequest(http.MethodDelete, base, nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	if s := gw.Stats(); s.TotalConnections != 0 {
		t.Errorf("TotalConnections after delete = %d, want 0", s.TotalConnections)
	}
}

func TestPollRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/realtime/poll", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /realtime/poll: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStatsz(t *testing.T) {
	srv, _, iss := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/ws?token=" + issueToken(t, iss, "T1")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()
	readEvent(t, ws) // connected ack means registration is complete

	resp, err := http.Get(srv.URL + "/statsz")
	if err != nil {
		t.Fatalf("GET /statsz: %v", err)
	}
	defer resp.Body.Close()
	var s gateway.Stats
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if s.TotalConnections != 1 || s.ByTenant["T1"] != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func pollEvents(t *testing.T, client *http.Client, base string) []wireEvent {
	t.Helper()
	resp, err := client.Get(base + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Events []wireEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	return out.Events
}
