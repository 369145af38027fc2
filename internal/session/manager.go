package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

// CommandSender dispatches a command to one connected device. The hub
// implements this; tests may pass nil to skip network fan-out.
type CommandSender interface {
	SendCommand(deviceID string, msg protocol.Message) error
	ActiveDeviceIDs() []string
}

// Manager owns the lifecycle of the single active session. All mutating
// operations hold the lock for the duration of append-plus-persist, so the
// event log order equals call order and the on-disk file always reflects
// every call that has returned.
type Manager struct {
	baseDir string

	mu      sync.Mutex
	sender  CommandSender
	current *Session
	history []Session
}

// NewManager creates a manager writing sessions under baseDir.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// SetSender wires the command dispatcher. Called once by the hub after
// construction; nil disables fan-out (events are still logged).
func (m *Manager) SetSender(sender CommandSender) {
	m.mu.Lock()
	m.sender = sender
	m.mu.Unlock()
}

// CreateSession starts a new session, implicitly ending any active one.
// The new session folder and metadata file exist before this returns.
func (m *Manager) CreateSession(name string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		log.Printf("session: %s still active, ending it before creating %q", m.current.ID, name)
		m.endCurrentLocked(EventImplicitEnd)
	}

	s, err := newSession(name, m.baseDir, time.Now())
	if err != nil {
		return Session{}, err
	}
	s.appendEvent(EventSessionStart, map[string]any{
		"session_id":     s.ID,
		"enrolled_count": 0,
	})
	if err := s.persist(); err != nil {
		return Session{}, fmt.Errorf("failed to persist new session: %w", err)
	}

	m.current = s
	log.Printf("session: created %s in %s", s.ID, s.dir)
	return snapshotOf(s), nil
}

// AddDevice records a device's enrollment in the active session. Without
// an active session this logs a warning and does nothing.
func (m *Manager) AddDevice(deviceID, deviceType string, capabilities []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		log.Printf("session: add_device %s ignored, no active session", deviceID)
		return false
	}

	m.current.Devices[deviceID] = Enrollment{
		DeviceType:   deviceType,
		Capabilities: append([]string(nil), capabilities...),
		AddedAt:      time.Now().UTC().Format(time.RFC3339),
	}
	m.current.appendEvent(EventDeviceAdded, map[string]any{
		"device_id":   deviceID,
		"device_type": deviceType,
	})
	m.persistLocked()
	return true
}

// StartRecording fans out a start_record command carrying the active
// session's ID. With an empty device list the command goes to every active
// device. Acknowledgements arrive asynchronously via RecordAck; this
// returns true once dispatch succeeded regardless of acks.
func (m *Manager) StartRecording(deviceIDs []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		log.Printf("session: start_recording ignored, no active session")
		return false
	}

	sender := m.sender
	if len(deviceIDs) == 0 && sender != nil {
		deviceIDs = sender.ActiveDeviceIDs()
	}

	cmd := protocol.NewStartRecord(m.current.ID)
	sent := m.fanOutLocked(sender, deviceIDs, cmd)

	m.current.appendEvent(EventStartRecord, map[string]any{
		"session_id": m.current.ID,
		"devices":    deviceIDs,
		"sent":       sent,
	})
	m.persistLocked()
	return true
}

// StopRecording fans out stop_record to every active device. Devices keep
// transferring queued file chunks after this returns; the session stays
// open until EndSession.
func (m *Manager) StopRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		log.Printf("session: stop_recording ignored, no active session")
		return false
	}

	sender := m.sender
	var deviceIDs []string
	if sender != nil {
		deviceIDs = sender.ActiveDeviceIDs()
	}

	cmd := protocol.NewStopRecord(m.current.ID)
	sent := m.fanOutLocked(sender, deviceIDs, cmd)

	m.current.appendEvent(EventStopRecord, map[string]any{
		"session_id": m.current.ID,
		"devices":    deviceIDs,
		"sent":       sent,
	})
	m.persistLocked()
	return true
}

func (m *Manager) fanOutLocked(sender CommandSender, deviceIDs []string, cmd protocol.Message) int {
	if sender == nil {
		return 0
	}
	sent := 0
	for _, id := range deviceIDs {
		if err := sender.SendCommand(id, cmd); err != nil {
			log.Printf("session: failed to send %s to %s: %v", cmd.MessageType(), id, err)
			continue
		}
		sent++
	}
	return sent
}

// RecordAck logs a device's acknowledgement of a fanned-out command.
func (m *Manager) RecordAck(deviceID, messageID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		log.Printf("session: ack from %s ignored, no active session", deviceID)
		return
	}

	m.current.appendEvent(EventDeviceAck, map[string]any{
		"device_id":  deviceID,
		"message_id": messageID,
		"success":    success,
	})
	m.persistLocked()
}

// AddFile records a file received from a device and re-persists metadata.
func (m *Manager) AddFile(deviceID, fileType, path string, size int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		log.Printf("session: add_file from %s ignored, no active session", deviceID)
		return false
	}

	record := FileRecord{
		FileType:    fileType,
		FilePath:    path,
		FileSize:    size,
		CreatedTime: time.Now().UTC().Format(time.RFC3339),
	}
	m.current.Files[deviceID] = append(m.current.Files[deviceID], record)
	m.current.appendEvent(EventFileReceived, map[string]any{
		"device_id": deviceID,
		"file_type": fileType,
		"file_size": size,
	})
	m.persistLocked()
	return true
}

// EndSession completes the active session: computes its duration, marks it
// completed, persists the final record and appends it to history. With no
// active session it returns (Session{}, false) without error.
func (m *Manager) EndSession() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		log.Printf("session: end_session ignored, no active session")
		return Session{}, false
	}

	ended := m.endCurrentLocked(EventSessionEnd)
	return ended, true
}

func (m *Manager) endCurrentLocked(eventName string) Session {
	s := m.current

	now := time.Now()
	endTime := now.UTC().Format(time.RFC3339)
	duration := now.Sub(s.startedAt).Seconds()
	s.EndTime = &endTime
	s.Duration = &duration
	s.Status = StatusCompleted
	s.appendEvent(eventName, map[string]any{
		"session_id": s.ID,
		"duration":   duration,
	})
	if err := s.persist(); err != nil {
		log.Printf("session: failed to persist final metadata for %s: %v", s.ID, err)
	}

	copied := snapshotOf(s)
	m.history = append(m.history, copied)
	m.current = nil
	log.Printf("session: ended %s after %.1fs", s.ID, duration)
	return copied
}

// Current returns a copy of the active session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Session{}, false
	}
	return snapshotOf(m.current), true
}

// CurrentDir returns the active session's folder for file drops.
func (m *Manager) CurrentDir() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return "", false
	}
	return m.current.dir, true
}

// History returns copies of all completed sessions, oldest first.
func (m *Manager) History() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Session(nil), m.history...)
}

func (m *Manager) persistLocked() {
	if err := m.current.persist(); err != nil {
		log.Printf("session: failed to persist metadata for %s: %v", m.current.ID, err)
	}
}

// snapshotOf deep-copies a session record so callers cannot mutate the
// manager's state through shared maps.
func snapshotOf(s *Session) Session {
	copied := *s
	copied.Devices = make(map[string]Enrollment, len(s.Devices))
	for k, v := range s.Devices {
		copied.Devices[k] = v
	}
	copied.Events = append([]Event(nil), s.Events...)
	copied.Files = make(map[string][]FileRecord, len(s.Files))
	for k, v := range s.Files {
		copied.Files[k] = append([]FileRecord(nil), v...)
	}
	return copied
}
