package device

import (
	"log"
	"sync"
	"time"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

// State is a device's position in the connection lifecycle.
type State string

const (
	StateConnecting    State = "connecting"
	StateHandshaking   State = "handshaking"
	StateActive        State = "active"
	StateRecording     State = "recording"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
)

// legal transitions; anything else is logged and ignored
var transitions = map[State][]State{
	StateConnecting:    {StateHandshaking, StateDisconnecting, StateDisconnected},
	StateHandshaking:   {StateActive, StateDisconnecting, StateDisconnected},
	StateActive:        {StateRecording, StateDisconnecting, StateDisconnected},
	StateRecording:     {StateActive, StateDisconnecting, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
	StateDisconnected:  {},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Info is a point-in-time copy of one device's registry entry.
type Info struct {
	DeviceID         string    `json:"device_id"`
	State            State     `json:"state"`
	Capabilities     []string  `json:"capabilities"`
	BatteryLevel     *float64  `json:"battery_level,omitempty"`
	StorageAvailable *int64    `json:"storage_available,omitempty"`
	IsRecording      bool      `json:"is_recording"`
	ConnectedAt      time.Time `json:"connected_at"`
	LastSeen         time.Time `json:"last_seen"`
	MessagesReceived int64     `json:"messages_received"`
	BytesReceived    int64     `json:"bytes_received"`
	ErrorCount       int64     `json:"error_count"`
	DisconnectReason string    `json:"disconnect_reason,omitempty"`
}

// Totals aggregates traffic counters across all devices, including ones
// that have already disconnected.
type Totals struct {
	MessagesReceived int64 `json:"messages_received"`
	BytesReceived    int64 `json:"bytes_received"`
	ErrorCount       int64 `json:"error_count"`
}

// EventKind tags registry lifecycle notifications.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventStateChanged EventKind = "state_changed"
	EventStatus       EventKind = "status"
	EventRemoved      EventKind = "removed"
)

// Event is a registry lifecycle notification delivered to listeners.
type Event struct {
	Kind     EventKind `json:"kind"`
	DeviceID string    `json:"device_id"`
	State    State     `json:"state,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// Registry is the single source of truth for device state. Mutations are
// serialized under its lock; readers get consistent copies via Snapshot.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Info
	totals    Totals
	listeners []func(Event)
}

func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Info),
	}
}

// AddListener registers a callback for lifecycle events. Callbacks run
// outside the registry lock, on the goroutine that caused the event.
func (r *Registry) AddListener(fn func(Event)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) notify(ev Event) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// Register creates (or replaces) the entry for a device. The entry enters
// StateConnecting; the caller drives it through the handshake states via
// SetState once admission completes.
func (r *Registry) Register(deviceID string, capabilities []string) Info {
	now := time.Now()

	r.mu.Lock()
	if old, ok := r.devices[deviceID]; ok {
		log.Printf("registry: device %s re-registered, dropping previous entry (state %s)", deviceID, old.State)
	}
	info := &Info{
		DeviceID:     deviceID,
		State:        StateConnecting,
		Capabilities: append([]string(nil), capabilities...),
		ConnectedAt:  now,
		LastSeen:     now,
	}
	r.devices[deviceID] = info
	snapshot := *info
	r.mu.Unlock()

	r.notify(Event{Kind: EventRegistered, DeviceID: deviceID, State: StateConnecting, Time: now})
	return snapshot
}

// SetState drives the lifecycle state machine. Illegal transitions are
// logged and ignored so a late message cannot resurrect a dead entry.
func (r *Registry) SetState(deviceID string, to State) bool {
	r.mu.Lock()
	info, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		log.Printf("registry: state change for unknown device %s ignored", deviceID)
		return false
	}
	from := info.State
	if !canTransition(from, to) {
		r.mu.Unlock()
		log.Printf("registry: illegal transition %s -> %s for device %s ignored", from, to, deviceID)
		return false
	}
	info.State = to
	info.IsRecording = to == StateRecording
	r.mu.Unlock()

	r.notify(Event{Kind: EventStateChanged, DeviceID: deviceID, State: to, Time: time.Now()})
	return true
}

// UpdateStatus applies the fields of a device_status report. Absent fields
// leave the previous values in place.
func (r *Registry) UpdateStatus(deviceID string, status protocol.StatusBody) {
	r.mu.Lock()
	info, ok := r.devices[deviceID]
	if ok {
		if status.BatteryLevel != nil {
			v := *status.BatteryLevel
			info.BatteryLevel = &v
		}
		if status.StorageAvailable != nil {
			v := *status.StorageAvailable
			info.StorageAvailable = &v
		}
		if status.IsRecording != nil {
			info.IsRecording = *status.IsRecording
		}
		info.LastSeen = time.Now()
	}
	r.mu.Unlock()

	if !ok {
		log.Printf("registry: status for unknown device %s ignored", deviceID)
		return
	}
	r.notify(Event{Kind: EventStatus, DeviceID: deviceID, Time: time.Now()})
}

// RecordTraffic bumps the per-device and aggregate message/byte counters
// and refreshes the device's last-seen timestamp.
func (r *Registry) RecordTraffic(deviceID string, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totals.MessagesReceived++
	r.totals.BytesReceived += int64(bytes)
	if info, ok := r.devices[deviceID]; ok {
		info.MessagesReceived++
		info.BytesReceived += int64(bytes)
		info.LastSeen = time.Now()
	}
}

// RecordError bumps error counters for a device.
func (r *Registry) RecordError(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.totals.ErrorCount++
	if info, ok := r.devices[deviceID]; ok {
		info.ErrorCount++
	}
}

// Remove deletes a device's entry, recording the disconnect reason, and
// emits exactly one EventRemoved. Removing an unknown device is a no-op.
func (r *Registry) Remove(deviceID, reason string) bool {
	r.mu.Lock()
	info, ok := r.devices[deviceID]
	if ok {
		info.State = StateDisconnected
		info.DisconnectReason = reason
		delete(r.devices, deviceID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.notify(Event{Kind: EventRemoved, DeviceID: deviceID, State: StateDisconnected, Reason: reason, Time: time.Now()})
	return true
}

// Get returns a copy of one device's entry.
func (r *Registry) Get(deviceID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.devices[deviceID]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Snapshot returns a consistent point-in-time copy of every device entry.
// Callers own the returned slice; holding it never blocks the registry.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.devices))
	for _, info := range r.devices {
		copied := *info
		copied.Capabilities = append([]string(nil), info.Capabilities...)
		out = append(out, copied)
	}
	return out
}

// ActiveIDs lists devices currently able to receive commands.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.devices))
	for id, info := range r.devices {
		if info.State == StateActive || info.State == StateRecording {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// AggregateTotals returns the cross-device traffic counters.
func (r *Registry) AggregateTotals() Totals {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totals
}
