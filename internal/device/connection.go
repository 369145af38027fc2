package device

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/physiolink/sensorhub-cli/internal/protocol"
)

// Handler consumes one validated inbound message from a device, along
// with its wire payload size for traffic accounting.
type Handler func(deviceID string, msg protocol.Message, size int)

// DisconnectFunc is invoked exactly once when a connection ends, with a
// human-readable reason.
type DisconnectFunc func(deviceID, reason string)

// Conn owns one duplex TCP connection to one device. Writes are serialized
// so frames never interleave; reads run in a single loop owned by the hub.
type Conn struct {
	deviceID string
	conn     net.Conn
	maxFrame uint32

	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
	closeReason  string

	onMessage    Handler
	onInvalid    func(deviceID string, err error)
	onDisconnect DisconnectFunc
	closeOnce    sync.Once
	done         chan struct{}
}

// NewConn wraps an accepted socket. The device ID is assigned after the
// handshake via SetDeviceID.
func NewConn(conn net.Conn, maxFrame uint32) *Conn {
	if maxFrame == 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	return &Conn{
		conn:         conn,
		maxFrame:     maxFrame,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// SetDeviceID records the identity established by the handshake.
func (c *Conn) SetDeviceID(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

// DeviceID returns the handshaken identity, or "" before the handshake.
func (c *Conn) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// SetHandlers wires the message, invalid-message and disconnect callbacks.
// Must be called before ReadLoop.
func (c *Conn) SetHandlers(onMessage Handler, onInvalid func(deviceID string, err error), onDisconnect DisconnectFunc) {
	c.onMessage = onMessage
	c.onInvalid = onInvalid
	c.onDisconnect = onDisconnect
}

// RemoteAddr reports the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send serializes and writes one complete frame. Safe for concurrent use;
// a write lock keeps frames from interleaving.
func (c *Conn) Send(msg protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("connection closed")
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, msg)
}

// ReadHandshake reads the first message within the deadline and requires it
// to be a handshake. Used by the hub's admission path before ReadLoop.
func (c *Conn) ReadHandshake(timeout time.Duration) (protocol.Handshake, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	msg, err := protocol.ReadMessage(c.conn, c.maxFrame)
	if err != nil {
		return protocol.Handshake{}, err
	}
	hs, ok := msg.(protocol.Handshake)
	if !ok {
		return protocol.Handshake{}, &protocol.SchemaViolationError{
			MsgType: msg.MessageType(),
			Field:   "type",
			Message: "must be handshake as first message",
		}
	}
	c.touch()
	return hs, nil
}

// ReadLoop reads frames until the connection dies, dispatching each valid
// message to the handler. Payload-level errors are logged and skipped;
// framing and I/O errors end the loop and trigger the disconnect callback.
func (c *Conn) ReadLoop() {
	defer close(c.done)

	for {
		payload, err := protocol.ReadFrame(c.conn, c.maxFrame)
		var msg protocol.Message
		if err == nil {
			msg, err = protocol.Decode(payload)
		}
		if err != nil {
			var schemaErr *protocol.SchemaViolationError
			var payloadErr *protocol.MalformedPayloadError
			switch {
			case errors.As(err, &schemaErr), errors.As(err, &payloadErr):
				// Frame boundary still good; drop the message and go on.
				log.Printf("device %s: dropping invalid message: %v", c.DeviceID(), err)
				c.touch()
				if c.onInvalid != nil {
					c.onInvalid(c.DeviceID(), err)
				}
				continue
			case err == io.EOF:
				c.closeWithReason("peer closed connection")
			case errors.Is(err, protocol.ErrIncompleteFrame):
				c.closeWithReason("connection closed mid-frame")
			case errors.Is(err, protocol.ErrFrameTooLarge):
				c.closeWithReason("oversized frame")
			default:
				if c.isClosed() {
					// Close() already recorded the reason.
				} else {
					c.closeWithReason("read error: " + err.Error())
				}
			}
			return
		}

		c.touch()
		if c.onMessage != nil {
			c.onMessage(c.DeviceID(), msg, len(payload))
		}
	}
}

// SinceLastActivity reports the elapsed time since any frame arrived.
func (c *Conn) SinceLastActivity() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the connection down with a reason. Idempotent; the
// disconnect callback fires exactly once.
func (c *Conn) Close(reason string) {
	c.closeWithReason(reason)
}

func (c *Conn) closeWithReason(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeReason = reason
		id := c.deviceID
		c.mu.Unlock()

		c.conn.Close()
		if c.onDisconnect != nil {
			c.onDisconnect(id, reason)
		}
	})
}

// Done is closed when the read loop has exited. The hub joins on this
// during shutdown so no handler outlives the server.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
