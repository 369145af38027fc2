package device

import (
	"fmt"
	"sync"
	"testing"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

// activate walks a freshly registered device through the handshake states.
func activate(t *testing.T, r *Registry, id string) {
	t.Helper()
	if !r.SetState(id, StateHandshaking) || !r.SetState(id, StateActive) {
		t.Fatalf("could not activate %s", id)
	}
}

func TestRegistry_RegisterAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Register("dev1", []string{"camera"})

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 device, got %d", len(snap))
	}
	if snap[0].DeviceID != "dev1" || snap[0].State != StateConnecting {
		t.Errorf("unexpected entry: %+v", snap[0])
	}
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Register("dev1", []string{"camera"})

	snap := r.Snapshot()
	snap[0].Capabilities[0] = "mutated"
	snap[0].State = StateDisconnected

	fresh, _ := r.Get("dev1")
	if fresh.Capabilities[0] != "camera" || fresh.State != StateConnecting {
		t.Error("snapshot mutation leaked into registry state")
	}
}

func TestRegistry_StateMachine(t *testing.T) {
	r := NewRegistry()
	r.Register("dev1", nil)

	// A new entry must walk the handshake states before recording.
	if r.SetState("dev1", StateRecording) {
		t.Error("connecting -> recording should be rejected")
	}
	if !r.SetState("dev1", StateHandshaking) {
		t.Fatal("connecting -> handshaking should be legal")
	}
	if !r.SetState("dev1", StateActive) {
		t.Fatal("handshaking -> active should be legal")
	}

	if !r.SetState("dev1", StateRecording) {
		t.Fatal("active -> recording should be legal")
	}
	if info, _ := r.Get("dev1"); !info.IsRecording {
		t.Error("expected is_recording true in recording state")
	}
	if !r.SetState("dev1", StateActive) {
		t.Fatal("recording -> active should be legal")
	}

	// Illegal jumps are ignored.
	if r.SetState("dev1", StateConnecting) {
		t.Error("active -> connecting should be rejected")
	}
	if info, _ := r.Get("dev1"); info.State != StateActive {
		t.Errorf("state changed despite rejection: %s", info.State)
	}
}

func TestRegistry_RemoveEmitsOneEvent(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	removed := 0
	r.AddListener(func(ev Event) {
		if ev.Kind == EventRemoved {
			mu.Lock()
			removed++
			mu.Unlock()
			if ev.Reason != "socket reset" {
				t.Errorf("unexpected reason: %q", ev.Reason)
			}
		}
	})

	r.Register("dev1", nil)
	if !r.Remove("dev1", "socket reset") {
		t.Fatal("remove of known device failed")
	}
	if r.Remove("dev1", "socket reset") {
		t.Error("second remove should be a no-op")
	}

	if len(r.Snapshot()) != 0 {
		t.Error("device still present after removal")
	}
	if removed != 1 {
		t.Errorf("expected exactly 1 removed event, got %d", removed)
	}
}

func TestRegistry_ConcurrentStatusUpdates(t *testing.T) {
	const devices = 8
	const updates = 200

	r := NewRegistry()
	for i := 0; i < devices; i++ {
		r.Register(fmt.Sprintf("dev%d", i), nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("dev%d", i)
			for j := 1; j <= updates; j++ {
				level := float64(i*1000 + j)
				r.UpdateStatus(id, protocol.StatusBody{BatteryLevel: &level})
				r.RecordTraffic(id, 10)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < devices; i++ {
		info, ok := r.Get(fmt.Sprintf("dev%d", i))
		if !ok {
			t.Fatalf("dev%d missing", i)
		}
		want := float64(i*1000 + updates)
		if info.BatteryLevel == nil || *info.BatteryLevel != want {
			t.Errorf("dev%d: expected final battery %v, got %v", i, want, info.BatteryLevel)
		}
		if info.MessagesReceived != updates {
			t.Errorf("dev%d: expected %d messages, got %d", i, updates, info.MessagesReceived)
		}
	}

	totals := r.AggregateTotals()
	if totals.MessagesReceived != devices*updates {
		t.Errorf("expected %d total messages, got %d", devices*updates, totals.MessagesReceived)
	}
	if totals.BytesReceived != devices*updates*10 {
		t.Errorf("expected %d total bytes, got %d", devices*updates*10, totals.BytesReceived)
	}
}

func TestRegistry_ActiveIDsExcludesDisconnecting(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		r.Register(id, nil)
		activate(t, r, id)
	}
	r.SetState("b", StateRecording)
	r.SetState("c", StateDisconnecting)

	ids := r.ActiveIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 active ids, got %v", ids)
	}
	for _, id := range ids {
		if id == "c" {
			t.Error("disconnecting device listed as active")
		}
	}
}
