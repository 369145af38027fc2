package timesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

// Reference clock sources.
const (
	SourceNTP    = "ntp"
	SourceSystem = "system"
)

// Config holds the time service configuration.
type Config struct {
	Host         string
	Port         int
	NTPServers   []string
	SyncInterval time.Duration
	QueryTimeout time.Duration
}

// DefaultNTPServers are tried in order during upstream synchronization.
var DefaultNTPServers = []string{
	"pool.ntp.org",
	"time.google.com",
	"time.cloudflare.com",
}

// Status is a point-in-time view of the service for status displays.
type Status struct {
	IsRunning       bool      `json:"is_running"`
	ClientCount     int       `json:"client_count"`
	RequestsServed  int64     `json:"requests_served"`
	IsSynchronized  bool      `json:"is_synchronized"`
	ReferenceSource string    `json:"reference_source"`
	NTPOffsetMS     float64   `json:"ntp_offset_ms"`
	LastNTPSync     time.Time `json:"last_ntp_sync"`
}

// Callback runs synchronously on the responding goroutine after every
// successfully answered request.
type Callback func(resp protocol.TimeSyncResponse)

// Service answers time_sync_request messages on its own TCP listener, one
// short-lived connection per request, and keeps itself synchronized
// against upstream NTP servers on a background timer. Losing upstream sync
// is never fatal; it falls back to the system clock.
type Service struct {
	cfg Config

	mu             sync.Mutex
	ln             net.Listener
	running        bool
	clientCount    int
	requestsServed int64
	isSynchronized bool
	refSource      string
	ntpOffset      time.Duration
	precisionMS    float64
	lastSync       time.Time
	callbacks      []Callback

	wg sync.WaitGroup
}

// NewService creates a time service. Zero config fields get defaults.
func NewService(cfg Config) *Service {
	if len(cfg.NTPServers) == 0 {
		cfg.NTPServers = DefaultNTPServers
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	return &Service{
		cfg:         cfg,
		refSource:   SourceSystem,
		precisionMS: measurePrecisionMS(),
	}
}

// measurePrecisionMS estimates the local clock step by sampling until the
// reported time changes. The estimate is capped so a coarse first sample
// cannot claim worse than 10ms.
func measurePrecisionMS() float64 {
	const samples = 10
	best := time.Duration(10 * time.Millisecond)
	for i := 0; i < samples; i++ {
		start := time.Now()
		for {
			step := time.Since(start)
			if step > 0 {
				if step < best {
					best = step
				}
				break
			}
		}
	}
	return float64(best) / float64(time.Millisecond)
}

// Start listens and serves until ctx is cancelled. The upstream sync loop
// runs alongside the accept loop; both are joined before Start returns.
func (s *Service) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("timesync: failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.running = true
	s.mu.Unlock()
	log.Printf("timesync: listening on %s", ln.Addr())

	s.wg.Add(1)
	go s.syncLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Printf("timesync: accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}

	s.wg.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Addr returns the bound listener address, for tests using port 0.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// handleConn answers exactly one request and closes. Malformed requests
// are logged and dropped without touching the listener.
func (s *Service) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.mu.Lock()
	s.clientCount++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.clientCount--
		s.mu.Unlock()
	}()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	msg, err := protocol.ReadMessage(conn, protocol.DefaultMaxFrameSize)
	if err != nil {
		log.Printf("timesync: dropping bad request from %s: %v", conn.RemoteAddr(), err)
		return
	}
	req, ok := msg.(protocol.TimeSyncRequest)
	if !ok {
		log.Printf("timesync: unexpected %s from %s", msg.MessageType(), conn.RemoteAddr())
		return
	}

	resp := s.buildResponse(req.SequenceNumber())
	if err := protocol.WriteFrame(conn, resp); err != nil {
		log.Printf("timesync: failed to answer %s: %v", conn.RemoteAddr(), err)
		return
	}

	s.mu.Lock()
	s.requestsServed++
	callbacks := s.callbacks
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(resp)
	}
}

// buildResponse captures the server timestamp as late as possible, right
// before the response is handed to the writer.
func (s *Service) buildResponse(sequence int64) protocol.TimeSyncResponse {
	s.mu.Lock()
	synced := s.isSynchronized
	offset := s.ntpOffset
	precision := s.precisionMS
	s.mu.Unlock()

	now := time.Now()
	resp := protocol.TimeSyncResponse{
		Header: protocol.Header{
			Type:      protocol.TypeTimeSyncResponse,
			Timestamp: float64(now.UnixNano()) / 1e9,
		},
		Sequence:          sequence,
		ServerTimestamp:   float64(now.UnixNano()) / 1e9,
		ServerTimeMS:      now.UnixMilli(),
		ServerPrecisionMS: precision,
	}
	if synced {
		offsetMS := float64(offset) / float64(time.Millisecond)
		resp.NTPOffset = &offsetMS
	}
	return resp
}

// syncLoop refreshes the upstream offset on the configured interval, with
// one immediate attempt at startup.
func (s *Service) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	s.syncOnce(ctx)

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

// syncOnce tries each configured NTP server in order. If all fail the
// service flips to the system clock and keeps serving.
func (s *Service) syncOnce(ctx context.Context) {
	for _, server := range s.cfg.NTPServers {
		if ctx.Err() != nil {
			return
		}
		resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: s.cfg.QueryTimeout})
		if err != nil {
			log.Printf("timesync: ntp query %s failed: %v", server, err)
			continue
		}
		if err := resp.Validate(); err != nil {
			log.Printf("timesync: ntp response from %s invalid: %v", server, err)
			continue
		}

		s.mu.Lock()
		s.isSynchronized = true
		s.refSource = SourceNTP
		s.ntpOffset = resp.ClockOffset
		if p := float64(resp.Precision) / float64(time.Millisecond); p > 0 && p < s.precisionMS {
			s.precisionMS = p
		}
		s.lastSync = time.Now()
		s.mu.Unlock()
		log.Printf("timesync: synchronized against %s (offset %v)", server, resp.ClockOffset)
		return
	}

	s.mu.Lock()
	s.isSynchronized = false
	s.refSource = SourceSystem
	s.mu.Unlock()
	log.Printf("timesync: all ntp servers unreachable, falling back to system clock")
}

// AddCallback registers a post-response hook for UI/telemetry.
func (s *Service) AddCallback(cb Callback) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// GetStatus returns a copy of the service counters and sync state.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		IsRunning:       s.running,
		ClientCount:     s.clientCount,
		RequestsServed:  s.requestsServed,
		IsSynchronized:  s.isSynchronized,
		ReferenceSource: s.refSource,
		NTPOffsetMS:     float64(s.ntpOffset) / float64(time.Millisecond),
		LastNTPSync:     s.lastSync,
	}
}

// Query performs one client-side exchange against a running time service.
// Used by devices and tests to fetch a reference timestamp.
func Query(addr string, clientID string, sequence int64, timeout time.Duration) (protocol.TimeSyncResponse, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return protocol.TimeSyncResponse{}, fmt.Errorf("timesync query: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := protocol.WriteFrame(conn, protocol.NewTimeSyncRequest(clientID, sequence)); err != nil {
		return protocol.TimeSyncResponse{}, fmt.Errorf("timesync query: %w", err)
	}
	msg, err := protocol.ReadMessage(conn, protocol.DefaultMaxFrameSize)
	if err != nil {
		return protocol.TimeSyncResponse{}, fmt.Errorf("timesync query: %w", err)
	}
	resp, ok := msg.(protocol.TimeSyncResponse)
	if !ok {
		return protocol.TimeSyncResponse{}, fmt.Errorf("timesync query: unexpected %s response", msg.MessageType())
	}
	return resp, nil
}
