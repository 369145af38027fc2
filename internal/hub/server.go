// Package hub implements the coordination server: it accepts device
// connections, drives the device registry, and fans session commands out
// to every recording endpoint.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/physiolink/sensorhub-cli/internal/calibration"
	"github.com/physiolink/sensorhub-cli/internal/device"
	"github.com/physiolink/sensorhub-cli/internal/protocol"
	"github.com/physiolink/sensorhub-cli/internal/session"
)

// Config holds the coordination server configuration.
type Config struct {
	Host             string
	Port             int
	HandshakeTimeout time.Duration
	HeartbeatTimeout time.Duration
	MaxFrameSize     uint32
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	return c
}

// Server is the top-level coordination listener. It owns the accept loop,
// one Conn per device, and the wiring into the registry and the session
// manager. The registry and session manager are injected, never global.
type Server struct {
	cfg      Config
	registry *device.Registry
	sessions *session.Manager

	transfers *transferTable
	monitor   *Monitor

	mu          sync.Mutex
	ln          net.Listener
	conns       map[string]*device.Conn
	handshaking map[net.Conn]struct{}
	pendingCmds map[string]string // device -> last command awaiting ack
	closing     bool

	wg sync.WaitGroup
}

// NewServer wires a coordination server over the given registry and
// session manager, and registers itself as the manager's command sender.
func NewServer(cfg Config, registry *device.Registry, sessions *session.Manager) *Server {
	s := &Server{
		cfg:         cfg.withDefaults(),
		registry:    registry,
		sessions:    sessions,
		transfers:   newTransferTable(),
		conns:       make(map[string]*device.Conn),
		handshaking: make(map[net.Conn]struct{}),
		pendingCmds: make(map[string]string),
	}
	sessions.SetSender(s)
	return s
}

// SetMonitor attaches an observer feed. Must be called before Start.
func (s *Server) SetMonitor(m *Monitor) {
	s.monitor = m
}

// Start listens and serves until ctx is cancelled. On return, every
// connection's read loop has been stopped and joined.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("hub: failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Printf("hub: listening on %s", ln.Addr())

	stopHeartbeat := make(chan struct{})
	s.wg.Add(1)
	go s.heartbeatLoop(stopHeartbeat)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closing = true
		pending := make([]net.Conn, 0, len(s.handshaking))
		for c := range s.handshaking {
			pending = append(pending, c)
		}
		s.mu.Unlock()
		ln.Close()
		for _, c := range pending {
			c.Close()
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// One bad accept must not kill the server.
			log.Printf("hub: accept error: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}

	close(stopHeartbeat)
	s.closeAllConns("server shutdown")
	s.wg.Wait()
	log.Printf("hub: shut down")
	return nil
}

// Addr returns the bound listener address, for tests using port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// handleConn runs the admission path (handshake) and then the
// connection's receive loop, all on one goroutine.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()

	conn := device.NewConn(netConn, s.cfg.MaxFrameSize)
	log.Printf("hub: connection from %s, awaiting handshake", conn.RemoteAddr())

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close("server shutdown")
		return
	}
	s.handshaking[netConn] = struct{}{}
	s.mu.Unlock()

	hs, err := conn.ReadHandshake(s.cfg.HandshakeTimeout)
	s.mu.Lock()
	delete(s.handshaking, netConn)
	s.mu.Unlock()
	if err != nil {
		log.Printf("hub: handshake from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close("handshake failed")
		return
	}

	deviceID := hs.DeviceID
	conn.SetDeviceID(deviceID)
	conn.SetHandlers(s.onMessage, s.onInvalid, s.onDisconnect)

	s.mu.Lock()
	if old, exists := s.conns[deviceID]; exists {
		s.mu.Unlock()
		log.Printf("hub: device %s reconnected, dropping stale connection", deviceID)
		old.Close("replaced by new connection")
		s.mu.Lock()
	}
	if s.closing {
		// Shutdown may have begun while the handshake was in flight; a
		// connection admitted now would never be closed or joined.
		s.mu.Unlock()
		conn.Close("server shutdown")
		return
	}
	s.conns[deviceID] = conn
	s.mu.Unlock()

	s.registry.Register(deviceID, hs.Capabilities)
	s.registry.SetState(deviceID, device.StateHandshaking)
	if _, active := s.sessions.Current(); active {
		s.sessions.AddDevice(deviceID, deviceTypeFor(hs.Capabilities), hs.Capabilities)
	}
	s.registry.SetState(deviceID, device.StateActive)
	log.Printf("hub: device %s registered (capabilities %v)", deviceID, hs.Capabilities)

	conn.ReadLoop()
}

// deviceTypeFor picks a coarse device type from declared capabilities.
func deviceTypeFor(capabilities []string) string {
	if len(capabilities) == 0 {
		return "unknown"
	}
	return capabilities[0]
}

func (s *Server) onMessage(deviceID string, msg protocol.Message, size int) {
	s.registry.RecordTraffic(deviceID, size)

	switch m := msg.(type) {
	case protocol.DeviceStatus:
		s.registry.UpdateStatus(m.DeviceID, *m.Status)
	case protocol.Ack:
		s.handleAck(deviceID, m)
	case protocol.FileChunk:
		s.handleFileChunk(deviceID, m)
	case protocol.PreviewFrame:
		if s.monitor != nil {
			s.monitor.PublishPreview(deviceID, m)
		}
	case protocol.CalibrationResult:
		s.handleCalibrationResult(deviceID, m)
	case protocol.Handshake:
		log.Printf("hub: duplicate handshake from %s ignored", deviceID)
	default:
		log.Printf("hub: unhandled %s from %s", msg.MessageType(), deviceID)
	}
}

func (s *Server) onInvalid(deviceID string, err error) {
	s.registry.RecordError(deviceID)
}

func (s *Server) onDisconnect(deviceID, reason string) {
	s.mu.Lock()
	delete(s.conns, deviceID)
	delete(s.pendingCmds, deviceID)
	s.mu.Unlock()

	if deviceID != "" {
		s.transfers.dropDevice(deviceID)
		s.registry.SetState(deviceID, device.StateDisconnecting)
		s.registry.Remove(deviceID, reason)
	}
	log.Printf("hub: device %q disconnected: %s", deviceID, reason)
}

// handleAck logs the ack against the session and, when it answers a
// start/stop command, moves the device's recording state.
func (s *Server) handleAck(deviceID string, ack protocol.Ack) {
	s.sessions.RecordAck(deviceID, ack.MessageID, ack.Acked())

	s.mu.Lock()
	pending := s.pendingCmds[deviceID]
	delete(s.pendingCmds, deviceID)
	s.mu.Unlock()

	if !ack.Acked() {
		log.Printf("hub: device %s rejected %s", deviceID, pending)
		return
	}
	switch pending {
	case protocol.TypeStartRecord:
		s.registry.SetState(deviceID, device.StateRecording)
	case protocol.TypeStopRecord:
		s.registry.SetState(deviceID, device.StateActive)
	}
}

func (s *Server) handleFileChunk(deviceID string, chunk protocol.FileChunk) {
	dir, ok := s.sessions.CurrentDir()
	if !ok {
		log.Printf("hub: file chunk from %s dropped, no active session", deviceID)
		return
	}

	done, err := s.transfers.add(deviceID, chunk)
	if err != nil {
		log.Printf("hub: bad chunk %d/%d of %s from %s: %v",
			chunk.ChunkIndex, chunk.TotalChunks, chunk.FileID, deviceID, err)
		s.registry.RecordError(deviceID)
		return
	}
	if done == nil {
		return
	}

	path, err := done.writeTo(dir)
	if err != nil {
		log.Printf("hub: failed to store file %s from %s: %v", done.fileID, deviceID, err)
		return
	}
	s.sessions.AddFile(deviceID, done.fileType, path, done.size)
	log.Printf("hub: received %s (%d bytes, %s) from %s", done.fileID, done.size, done.fileType, deviceID)
}

func (s *Server) handleCalibrationResult(deviceID string, m protocol.CalibrationResult) {
	if !*m.Success {
		log.Printf("hub: calibration on %s failed (rms %.3f)", deviceID, m.RMSError)
		return
	}

	result := calibration.NewResult(deviceID)
	result.RGBCameraMatrix = calibration.Matrix(m.CameraMatrix)
	result.RGBDistortion = m.DistortionCoefficients
	result.Quality = calibration.QualityAssessment{RMSError: m.RMSError, QualityLevel: qualityFor(m.RMSError)}

	dir, ok := s.sessions.CurrentDir()
	if !ok {
		log.Printf("hub: calibration result from %s received outside a session, not stored", deviceID)
		return
	}
	path := filepath.Join(dir, "calibration_"+deviceID+".json")
	if err := result.Save(path); err != nil {
		log.Printf("hub: failed to save calibration for %s: %v", deviceID, err)
		return
	}
	s.sessions.AddFile(deviceID, "calibration", path, 0)
}

func qualityFor(rms float64) string {
	switch {
	case rms < 0.5:
		return "excellent"
	case rms < 1.0:
		return "good"
	default:
		return "poor"
	}
}

// SendCommand delivers one message to one device. A send failure tears
// that connection down and surfaces the error to the caller.
func (s *Server) SendCommand(deviceID string, msg protocol.Message) error {
	s.mu.Lock()
	conn, ok := s.conns[deviceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s is not connected", deviceID)
	}

	if err := conn.Send(msg); err != nil {
		conn.Close("send failed: " + err.Error())
		return fmt.Errorf("send to %s: %w", deviceID, err)
	}

	switch msg.MessageType() {
	case protocol.TypeStartRecord, protocol.TypeStopRecord:
		s.mu.Lock()
		s.pendingCmds[deviceID] = msg.MessageType()
		s.mu.Unlock()
	}
	return nil
}

// ActiveDeviceIDs lists devices currently able to receive commands.
func (s *Server) ActiveDeviceIDs() []string {
	return s.registry.ActiveIDs()
}

// BroadcastCommand fans a message out to every active or recording device
// and returns how many sends succeeded. Partial failure is expected and
// reported through the count, not an error.
func (s *Server) BroadcastCommand(msg protocol.Message) int {
	sent := 0
	for _, id := range s.registry.ActiveIDs() {
		if err := s.SendCommand(id, msg); err != nil {
			log.Printf("hub: broadcast %s to %s failed: %v", msg.MessageType(), id, err)
			continue
		}
		sent++
	}
	return sent
}

// heartbeatLoop closes connections that have gone silent past the
// configured threshold, even if the socket has not errored.
func (s *Server) heartbeatLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	interval := s.cfg.HeartbeatTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := make([]*device.Conn, 0)
			for _, conn := range s.conns {
				if conn.SinceLastActivity() > s.cfg.HeartbeatTimeout {
					stale = append(stale, conn)
				}
			}
			s.mu.Unlock()

			for _, conn := range stale {
				log.Printf("hub: device %s stale for over %v", conn.DeviceID(), s.cfg.HeartbeatTimeout)
				conn.Close("heartbeat timeout")
			}
		}
	}
}

func (s *Server) closeAllConns(reason string) {
	s.mu.Lock()
	conns := make([]*device.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close(reason)
		<-conn.Done()
	}
}
