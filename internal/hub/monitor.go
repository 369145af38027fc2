package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/physiolink/sensorhub-cli/internal/device"
	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local tooling only
	},
}

// StatusFunc supplies the payload for the /status endpoint.
type StatusFunc func() any

// Monitor exposes registry and session activity to observers: a /status
// JSON endpoint and a /events WebSocket feed. It replaces the original
// GUI signal bus with a plain network-visible observer channel.
type Monitor struct {
	host   string
	port   int
	status StatusFunc

	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
	server  *http.Server
}

// MonitorEvent is one entry on the /events feed.
type MonitorEvent struct {
	Kind     string    `json:"kind"`
	DeviceID string    `json:"device_id,omitempty"`
	State    string    `json:"state,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	FrameID  int64     `json:"frame_id,omitempty"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	Time     time.Time `json:"time"`
}

// NewMonitor creates a monitor feed. statusFn may be nil, in which case
// /status serves an empty object.
func NewMonitor(host string, port int, statusFn StatusFunc) *Monitor {
	return &Monitor{
		host:         host,
		port:         port,
		status:       statusFn,
		writeTimeout: 5 * time.Second,
		clients:      make(map[*websocket.Conn]bool),
	}
}

// WatchRegistry subscribes the monitor to registry lifecycle events.
func (m *Monitor) WatchRegistry(r *device.Registry) {
	r.AddListener(func(ev device.Event) {
		m.Broadcast(MonitorEvent{
			Kind:     "device_" + string(ev.Kind),
			DeviceID: ev.DeviceID,
			State:    string(ev.State),
			Reason:   ev.Reason,
			Time:     ev.Time,
		})
	})
}

// PublishPreview forwards a preview frame notification (without the image
// payload) to observers.
func (m *Monitor) PublishPreview(deviceID string, frame protocol.PreviewFrame) {
	m.Broadcast(MonitorEvent{
		Kind:     "preview_frame",
		DeviceID: deviceID,
		FrameID:  frame.FrameID,
		Width:    frame.Width,
		Height:   frame.Height,
		Time:     time.Now(),
	})
}

// Start serves until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", m.handleEvents)
	mux.HandleFunc("/status", m.handleStatus)
	mux.HandleFunc("/health", m.handleHealth)

	m.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", m.host, m.port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("monitor: listening on http://%s", m.server.Addr)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return m.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown closes every observer connection and stops the HTTP server.
func (m *Monitor) Shutdown() error {
	m.mu.Lock()
	for client := range m.clients {
		client.Close()
	}
	m.clients = make(map[*websocket.Conn]bool)
	m.mu.Unlock()

	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.server.Shutdown(ctx)
	}
	return nil
}

func (m *Monitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m.status == nil {
		w.Write([]byte("{}\n"))
		return
	}
	if err := json.NewEncoder(w).Encode(m.status()); err != nil {
		log.Printf("monitor: failed to write status: %v", err)
	}
}

func (m *Monitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("monitor: upgrade failed: %v", err)
		return
	}

	m.mu.Lock()
	m.clients[conn] = true
	count := len(m.clients)
	m.mu.Unlock()
	log.Printf("monitor: observer connected from %s (total %d)", r.RemoteAddr, count)

	defer func() {
		m.mu.Lock()
		delete(m.clients, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	// Observers only listen; drain their reads to notice disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends an event to every connected observer. A slow or dead
// observer only loses its own feed.
func (m *Monitor) Broadcast(ev MonitorEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("monitor: failed to marshal event: %v", err)
		return
	}

	// Full lock: gorilla conns do not allow concurrent writers.
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.SetWriteDeadline(time.Now().Add(m.writeTimeout))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("monitor: dropping observer: %v", err)
			client.Close()
			delete(m.clients, client)
		}
	}
}

// ClientCount returns the number of connected observers.
func (m *Monitor) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
