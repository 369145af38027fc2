package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Status values of a session's lifecycle.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Event names appended to the session log.
const (
	EventSessionStart = "session_start"
	EventDeviceAdded  = "device_added"
	EventStartRecord  = "start_record"
	EventDeviceAck    = "device_ack"
	EventStopRecord   = "stop_record"
	EventFileReceived = "file_received"
	EventImplicitEnd  = "implicit_end"
	EventSessionEnd   = "session_end"
)

// Event is one append-only entry in a session's log.
type Event struct {
	Event     string         `json:"event"`
	Time      string         `json:"time"`
	Timestamp float64        `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Enrollment records one device's participation in a session.
type Enrollment struct {
	DeviceType   string   `json:"device_type"`
	Capabilities []string `json:"capabilities"`
	AddedAt      string   `json:"added_at"`
}

// FileRecord describes one file received from a device during a session.
type FileRecord struct {
	FileType    string `json:"file_type"`
	FilePath    string `json:"file_path"`
	FileSize    int64  `json:"file_size"`
	CreatedTime string `json:"created_time"`
}

// Session is the full metadata record for one recording session. It is the
// exact shape persisted to session_metadata.json.
type Session struct {
	ID        string                  `json:"session_id"`
	Name      string                  `json:"session_name"`
	StartTime string                  `json:"start_time"`
	EndTime   *string                 `json:"end_time"`
	Duration  *float64                `json:"duration"`
	Status    string                  `json:"status"`
	Devices   map[string]Enrollment   `json:"devices"`
	Events    []Event                 `json:"events"`
	Files     map[string][]FileRecord `json:"files"`

	dir       string
	startedAt time.Time
}

// MetadataFile is the file name each session folder carries.
const MetadataFile = "session_metadata.json"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// MakeID derives a filesystem-safe session ID from a human-readable name
// and the given start time.
func MakeID(name string, at time.Time) string {
	cleaned := unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		cleaned = "session"
	}
	return cleaned + "_" + at.Format("20060102_150405")
}

func newSession(name, baseDir string, at time.Time) (*Session, error) {
	if name == "" {
		name = "session"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session base directory: %w", err)
	}

	// Timestamps have second resolution, so sessions created back to back
	// get a numeric suffix to keep IDs and folders distinct.
	id := MakeID(name, at)
	dir := filepath.Join(baseDir, id)
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		id = fmt.Sprintf("%s_%d", MakeID(name, at), n)
		dir = filepath.Join(baseDir, id)
	}

	return &Session{
		ID:        id,
		Name:      name,
		StartTime: at.UTC().Format(time.RFC3339),
		Status:    StatusActive,
		Devices:   make(map[string]Enrollment),
		Events:    []Event{},
		Files:     make(map[string][]FileRecord),
		dir:       dir,
		startedAt: at,
	}, nil
}

// Dir returns the session's on-disk folder.
func (s *Session) Dir() string { return s.dir }

func (s *Session) appendEvent(name string, details map[string]any) {
	now := time.Now()
	s.Events = append(s.Events, Event{
		Event:     name,
		Time:      now.UTC().Format(time.RFC3339Nano),
		Timestamp: float64(now.UnixNano()) / 1e9,
		Details:   details,
	})
}

// persist rewrites the entire metadata file. The write goes to a temp file
// which is fsynced and renamed into place, so readers only ever observe a
// complete JSON document.
func (s *Session) persist() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	data = append(data, '\n')

	target := filepath.Join(s.dir, MetadataFile)
	tmp, err := os.CreateTemp(s.dir, MetadataFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync session metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close session metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace session metadata: %w", err)
	}
	return nil
}

// Load reads a session metadata file back from a session folder.
func Load(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session metadata: %w", err)
	}
	s.dir = dir
	if t, err := time.Parse(time.RFC3339, s.StartTime); err == nil {
		s.startedAt = t
	}
	return &s, nil
}
