package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

// recordingSender captures fan-out without a network.
type recordingSender struct {
	mu     sync.Mutex
	active []string
	sent   []protocol.Message
	failOn map[string]bool
}

func (s *recordingSender) SendCommand(deviceID string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[deviceID] {
		return os.ErrClosed
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) ActiveDeviceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.active...)
}

func readMetadata(t *testing.T, dir string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		t.Fatalf("failed to read metadata: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	return doc
}

func TestCreateSession_PersistsImmediately(t *testing.T) {
	m := NewManager(t.TempDir())

	s, err := m.CreateSession("Morning Trial #3")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if s.Status != StatusActive {
		t.Errorf("expected active, got %s", s.Status)
	}

	doc := readMetadata(t, s.Dir())
	if doc["session_id"] != s.ID {
		t.Errorf("on-disk id %v != %v", doc["session_id"], s.ID)
	}
	if doc["status"] != StatusActive {
		t.Errorf("on-disk status %v", doc["status"])
	}
}

func TestMakeID_SanitizesName(t *testing.T) {
	id := MakeID("Stress/Test: phase 2!", mustTime(t))
	want := "Stress_Test_phase_2_20260901_120000"
	if id != want {
		t.Errorf("expected %q, got %q", want, id)
	}
}

func TestAtMostOneActiveSession(t *testing.T) {
	m := NewManager(t.TempDir())

	first, err := m.CreateSession("trial")
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := m.CreateSession("trial")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("sessions share id %s", first.ID)
	}

	// The first session was implicitly completed and persisted as such.
	doc := readMetadata(t, first.Dir())
	if doc["status"] != StatusCompleted {
		t.Errorf("first session status on disk: %v", doc["status"])
	}
	if doc["end_time"] == nil || doc["duration"] == nil {
		t.Error("first session missing end_time/duration after implicit end")
	}

	current, ok := m.Current()
	if !ok || current.ID != second.ID {
		t.Errorf("expected %s active, got %+v ok=%v", second.ID, current.ID, ok)
	}
	if len(m.History()) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(m.History()))
	}
}

func TestStartRecording_FansOutWithSessionID(t *testing.T) {
	sender := &recordingSender{active: []string{"dev1", "dev2"}}
	m := NewManager(t.TempDir())
	m.SetSender(sender)

	s, _ := m.CreateSession("trial")
	if !m.StartRecording(nil) {
		t.Fatal("start_recording returned false")
	}

	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(sender.sent))
	}
	for _, msg := range sender.sent {
		sr, ok := msg.(protocol.StartRecord)
		if !ok {
			t.Fatalf("expected StartRecord, got %T", msg)
		}
		if sr.SessionID != s.ID {
			t.Errorf("command carries %q, want %q", sr.SessionID, s.ID)
		}
	}
}

func TestStartRecording_PartialSendFailureStillReturnsTrue(t *testing.T) {
	sender := &recordingSender{active: []string{"dev1", "dev2"}, failOn: map[string]bool{"dev2": true}}
	m := NewManager(t.TempDir())
	m.SetSender(sender)

	m.CreateSession("trial")
	if !m.StartRecording(nil) {
		t.Fatal("partial failure must not fail the dispatch")
	}

	current, _ := m.Current()
	last := current.Events[len(current.Events)-1]
	if last.Event != EventStartRecord {
		t.Fatalf("expected start_record event, got %s", last.Event)
	}
	if sent, _ := last.Details["sent"].(int); sent != 1 {
		t.Errorf("expected sent=1 recorded, got %v", last.Details["sent"])
	}
}

func TestAckAndEventOrdering(t *testing.T) {
	sender := &recordingSender{active: []string{"dev1"}}
	m := NewManager(t.TempDir())
	m.SetSender(sender)

	m.CreateSession("trial")
	m.AddDevice("dev1", "android", []string{"camera"})
	m.StartRecording([]string{"dev1"})
	m.RecordAck("dev1", "msg-1", true)
	m.StopRecording()

	current, _ := m.Current()
	var names []string
	for _, ev := range current.Events {
		names = append(names, ev.Event)
	}
	want := []string{EventSessionStart, EventDeviceAdded, EventStartRecord, EventDeviceAck, EventStopRecord}
	if len(names) != len(want) {
		t.Fatalf("expected events %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestOperationsWithoutSessionAreNoOps(t *testing.T) {
	m := NewManager(t.TempDir())

	if m.AddDevice("dev1", "android", nil) {
		t.Error("add_device without session should return false")
	}
	if m.StartRecording(nil) {
		t.Error("start_recording without session should return false")
	}
	if m.StopRecording() {
		t.Error("stop_recording without session should return false")
	}
	if m.AddFile("dev1", "video", "x.mp4", 10) {
		t.Error("add_file without session should return false")
	}
	if _, ok := m.EndSession(); ok {
		t.Error("end_session without session should report no session")
	}
}

func TestEndSession_CompletesAndPersists(t *testing.T) {
	m := NewManager(t.TempDir())

	s, _ := m.CreateSession("trial")
	m.AddFile("dev1", "gsr_data", "gsr.csv", 2048)

	ended, ok := m.EndSession()
	if !ok {
		t.Fatal("end_session reported no active session")
	}
	if ended.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", ended.Status)
	}
	if ended.Duration == nil || *ended.Duration < 0 {
		t.Errorf("bad duration: %v", ended.Duration)
	}
	if ended.EndTime == nil {
		t.Error("missing end_time")
	}
	if len(ended.Files["dev1"]) != 1 {
		t.Errorf("expected 1 file record, got %v", ended.Files)
	}

	doc := readMetadata(t, s.Dir())
	if doc["status"] != StatusCompleted {
		t.Errorf("on-disk status: %v", doc["status"])
	}

	if _, ok := m.Current(); ok {
		t.Error("current session pointer not cleared")
	}
}

func TestMetadataAlwaysParseableAfterEveryMutation(t *testing.T) {
	m := NewManager(t.TempDir())

	s, _ := m.CreateSession("crash_safety")
	mutate := []func(){
		func() { m.AddDevice("dev1", "android", []string{"camera"}) },
		func() { m.StartRecording([]string{"dev1"}) },
		func() { m.RecordAck("dev1", "m1", true) },
		func() { m.AddFile("dev1", "video", "v.mp4", 1) },
		func() { m.StopRecording() },
	}

	for i, op := range mutate {
		op()
		loaded, err := Load(s.Dir())
		if err != nil {
			t.Fatalf("metadata unreadable after mutation %d: %v", i, err)
		}
		if len(loaded.Events) != i+2 { // session_start plus one per op
			t.Errorf("after mutation %d: expected %d events on disk, got %d", i, i+2, len(loaded.Events))
		}
	}
}

func mustTime(t *testing.T) time.Time {
	t.Helper()
	at, err := time.Parse(time.RFC3339, "2026-09-01T12:00:00Z")
	if err != nil {
		t.Fatalf("bad test time: %v", err)
	}
	return at
}
