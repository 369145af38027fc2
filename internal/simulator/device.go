// Package simulator implements a synthetic recording device. It speaks
// the same wire protocol as real endpoints and is used for development,
// demos and end-to-end tests without physical hardware.
package simulator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

// Config describes one simulated device.
type Config struct {
	ServerAddr      string
	DeviceID        string
	Capabilities    []string
	StatusInterval  time.Duration
	PreviewInterval time.Duration
	ChunkSize       int
	FileBytes       int
}

func (c Config) withDefaults() Config {
	if c.DeviceID == "" {
		c.DeviceID = "sim-" + uuid.NewString()[:8]
	}
	if len(c.Capabilities) == 0 {
		c.Capabilities = []string{"camera", "gsr"}
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 2 * time.Second
	}
	if c.PreviewInterval <= 0 {
		c.PreviewInterval = time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 32 * 1024
	}
	if c.FileBytes <= 0 {
		c.FileBytes = 128 * 1024
	}
	return c
}

// Device is one simulated recording endpoint.
type Device struct {
	cfg  Config
	conn net.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	recording bool
	sessionID string
	battery   float64
	frameID   int64
}

// New creates a simulated device. Zero config fields get defaults.
func New(cfg Config) *Device {
	return &Device{cfg: cfg.withDefaults(), battery: 100}
}

// DeviceID returns the identity the device handshakes with.
func (d *Device) DeviceID() string { return d.cfg.DeviceID }

// Run connects, handshakes and serves until ctx is cancelled or the
// server goes away.
func (d *Device) Run(ctx context.Context) error {
	conn, err := net.Dial("tcp", d.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("simulator: failed to connect to %s: %w", d.cfg.ServerAddr, err)
	}
	d.conn = conn
	defer conn.Close()

	if err := d.send(protocol.NewHandshake(d.cfg.DeviceID, d.cfg.Capabilities)); err != nil {
		return fmt.Errorf("simulator: handshake failed: %w", err)
	}
	log.Printf("simulator: %s connected to %s", d.cfg.DeviceID, d.cfg.ServerAddr)

	readErr := make(chan error, 1)
	go func() { readErr <- d.readLoop() }()

	statusTicker := time.NewTicker(d.cfg.StatusInterval)
	defer statusTicker.Stop()
	previewTicker := time.NewTicker(d.cfg.PreviewInterval)
	defer previewTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("simulator: connection lost: %w", err)
			}
			return nil
		case <-statusTicker.C:
			d.sendStatus()
		case <-previewTicker.C:
			d.sendPreview()
		}
	}
}

// readLoop answers commands from the hub: start/stop recording get acked,
// and a stop triggers a synthetic file transfer.
func (d *Device) readLoop() error {
	for {
		msg, err := protocol.ReadMessage(d.conn, protocol.DefaultMaxFrameSize)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case protocol.StartRecord:
			d.mu.Lock()
			d.recording = true
			d.sessionID = m.SessionID
			d.mu.Unlock()
			log.Printf("simulator: %s started recording for %s", d.cfg.DeviceID, m.SessionID)
			d.send(protocol.NewEchoAck(m.Timestamp, true))
		case protocol.StopRecord:
			d.mu.Lock()
			d.recording = false
			d.mu.Unlock()
			log.Printf("simulator: %s stopped recording", d.cfg.DeviceID)
			d.send(protocol.NewEchoAck(m.Timestamp, true))
			// Devices flush queued data after acknowledging the stop.
			if err := d.sendFile(); err != nil {
				log.Printf("simulator: %s file transfer failed: %v", d.cfg.DeviceID, err)
			}
		case protocol.CalibrationStart:
			d.send(synthCalibrationResult())
		default:
			log.Printf("simulator: %s ignoring %s", d.cfg.DeviceID, msg.MessageType())
		}
	}
}

func (d *Device) sendStatus() {
	d.mu.Lock()
	d.battery -= 0.1
	if d.battery < 0 {
		d.battery = 0
	}
	battery := d.battery
	recording := d.recording
	d.mu.Unlock()

	storage := int64(32 << 30)
	if err := d.send(protocol.NewDeviceStatus(d.cfg.DeviceID, protocol.StatusBody{
		BatteryLevel:     &battery,
		StorageAvailable: &storage,
		IsRecording:      &recording,
	})); err != nil {
		log.Printf("simulator: %s status send failed: %v", d.cfg.DeviceID, err)
	}
}

func (d *Device) sendPreview() {
	d.mu.Lock()
	if !d.recording {
		d.mu.Unlock()
		return
	}
	d.frameID++
	frameID := d.frameID
	d.mu.Unlock()

	frame := make([]byte, 256)
	rand.Read(frame)
	d.send(protocol.NewPreviewFrame(frameID, base64.StdEncoding.EncodeToString(frame), 64, 48))
}

// sendFile streams a synthetic recording as base64 chunks.
func (d *Device) sendFile() error {
	payload := make([]byte, d.cfg.FileBytes)
	rand.Read(payload)

	fileID := d.cfg.DeviceID + "_recording_" + uuid.NewString()[:8] + ".bin"
	total := (len(payload) + d.cfg.ChunkSize - 1) / d.cfg.ChunkSize

	for i := 0; i < total; i++ {
		start := i * d.cfg.ChunkSize
		end := start + d.cfg.ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]

		msg := protocol.NewFileChunk(fileID, i, total, base64.StdEncoding.EncodeToString(chunk), len(chunk), "video")
		if err := d.send(msg); err != nil {
			return err
		}
	}
	log.Printf("simulator: %s sent %s (%d chunks)", d.cfg.DeviceID, fileID, total)
	return nil
}

func (d *Device) send(msg protocol.Message) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return protocol.WriteFrame(d.conn, msg)
}

func synthCalibrationResult() protocol.CalibrationResult {
	return protocol.NewCalibrationResult(true, 0.35,
		[][]float64{{1000, 0, 320}, {0, 1000, 240}, {0, 0, 1}},
		[]float64{0.08, -0.02, 0, 0, 0})
}
