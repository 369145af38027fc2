package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestMonitor_StatusEndpoint(t *testing.T) {
	m := NewMonitor("127.0.0.1", 0, func() any {
		return map[string]any{"devices": 2, "session": "trial_1"}
	})

	rr := httptest.NewRecorder()
	m.handleStatus(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status code %d", rr.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("status not valid JSON: %v", err)
	}
	if doc["session"] != "trial_1" {
		t.Errorf("unexpected status payload: %v", doc)
	}
}

func TestMonitor_HealthEndpoint(t *testing.T) {
	m := NewMonitor("127.0.0.1", 0, nil)

	rr := httptest.NewRecorder()
	m.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ok") {
		t.Errorf("unexpected health response: %d %s", rr.Code, rr.Body.String())
	}
}

func TestMonitor_EventsFeedDeliversBroadcasts(t *testing.T) {
	m := NewMonitor("127.0.0.1", 0, nil)

	srv := httptest.NewServer(http.HandlerFunc(m.handleEvents))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("observer dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never tracked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.Broadcast(MonitorEvent{Kind: "device_registered", DeviceID: "dev1", State: "active", Time: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("observer read failed: %v", err)
	}

	var ev MonitorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("event not valid JSON: %v", err)
	}
	if ev.Kind != "device_registered" || ev.DeviceID != "dev1" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestMonitor_StalledObserverIsDropped(t *testing.T) {
	m := NewMonitor("127.0.0.1", 0, nil)
	m.writeTimeout = 100 * time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(m.handleEvents))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("observer dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never tracked")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The observer never reads. Large events fill its socket buffers
	// until a write blocks past the deadline and it is dropped, without
	// Broadcast ever hanging the caller.
	payload := strings.Repeat("x", 1<<20)
	deadline = time.Now().Add(5 * time.Second)
	for m.ClientCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("stalled observer never dropped")
		}
		m.Broadcast(MonitorEvent{Kind: "status", Reason: payload, Time: time.Now()})
	}
}
