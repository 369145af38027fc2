package timesync

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

func startService(t *testing.T) *Service {
	t.Helper()

	svc := NewService(Config{
		Host: "127.0.0.1",
		Port: 0,
		// Unreachable on purpose: tests must not depend on the network.
		NTPServers:   []string{"127.0.0.1:1"},
		SyncInterval: time.Hour,
		QueryTimeout: 200 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.Start(ctx); err != nil {
			t.Errorf("service start: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("service did not shut down")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for svc.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("service never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return svc
}

func TestService_AnswersWithEchoedSequence(t *testing.T) {
	svc := startService(t)

	resp, err := Query(svc.Addr().String(), "client-1", 17, 2*time.Second)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if resp.Sequence != 17 {
		t.Errorf("expected sequence 17, got %d", resp.Sequence)
	}
	if resp.ServerTimeMS == 0 {
		t.Error("missing server_time_ms")
	}
	if resp.ServerPrecisionMS <= 0 || resp.ServerPrecisionMS > 10 {
		t.Errorf("implausible precision estimate: %v ms", resp.ServerPrecisionMS)
	}

	now := float64(time.Now().UnixMilli())
	if diff := now - float64(resp.ServerTimeMS); diff < 0 || diff > 2000 {
		t.Errorf("server time far from local time: diff=%vms", diff)
	}
}

func TestService_ConcurrentSequenceCorrelation(t *testing.T) {
	svc := startService(t)
	addr := svc.Addr().String()

	const clients = 16
	var wg sync.WaitGroup
	errs := make(chan error, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			resp, err := Query(addr, fmt.Sprintf("client-%d", seq), seq, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if resp.Sequence != seq {
				errs <- fmt.Errorf("sequence mismatch: sent %d got %d", seq, resp.Sequence)
			}
		}(int64(i + 100))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	status := svc.GetStatus()
	if status.RequestsServed != clients {
		t.Errorf("expected %d requests served, got %d", clients, status.RequestsServed)
	}
}

func TestService_MalformedRequestDoesNotKillListener(t *testing.T) {
	svc := startService(t)
	addr := svc.Addr().String()

	// A well-framed but invalid message: dropped, connection closed.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	protocol.WriteRawFrame(conn, []byte("{{{{"))
	conn.Close()

	// A raw garbage burst that is not even a sane frame.
	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn2.Write([]byte{0xff, 0xff, 0xff, 0xff, 0x01})
	conn2.Close()

	// The listener must still answer real requests.
	resp, err := Query(addr, "client-ok", 5, 2*time.Second)
	if err != nil {
		t.Fatalf("service died after malformed requests: %v", err)
	}
	if resp.Sequence != 5 {
		t.Errorf("expected sequence 5, got %d", resp.Sequence)
	}
}

func TestService_FallsBackToSystemClock(t *testing.T) {
	svc := startService(t)

	// Give the initial (failing) sync attempt time to finish.
	deadline := time.Now().Add(3 * time.Second)
	for {
		status := svc.GetStatus()
		if !status.IsSynchronized && status.ReferenceSource == SourceSystem {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected system fallback, got %+v", status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Unsynchronized responses omit the ntp offset but still answer.
	resp, err := Query(svc.Addr().String(), "client-1", 1, 2*time.Second)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if resp.NTPOffset != nil {
		t.Error("unsynchronized response should omit ntp_offset")
	}
}

func TestService_CallbacksRunPerResponse(t *testing.T) {
	svc := startService(t)

	var mu sync.Mutex
	var seen []int64
	svc.AddCallback(func(resp protocol.TimeSyncResponse) {
		mu.Lock()
		seen = append(seen, resp.Sequence)
		mu.Unlock()
	})

	for seq := int64(1); seq <= 3; seq++ {
		if _, err := Query(svc.Addr().String(), "client-1", seq, 2*time.Second); err != nil {
			t.Fatalf("query %d failed: %v", seq, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("expected 3 callback invocations, got %d", len(seen))
	}
}
