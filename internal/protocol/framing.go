package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire framing: a 4-byte big-endian unsigned payload length followed by
// exactly that many bytes of UTF-8 JSON. One frame carries one message.
// A bad length desyncs the stream permanently; callers must close the
// connection on framing errors. A bad payload with a good length does not.

// DefaultMaxFrameSize is the sanity ceiling on a single frame's payload.
const DefaultMaxFrameSize uint32 = 10 << 20 // 10 MiB

const headerSize = 4

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds the
	// configured ceiling. No payload buffer is allocated in that case.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrIncompleteFrame is returned when the stream ends mid-frame.
	ErrIncompleteFrame = errors.New("connection closed mid-frame")
)

// ReadFrame reads one complete frame payload, accumulating across short
// reads until the advertised length has arrived. maxSize of 0 means
// DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: header", ErrIncompleteFrame)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxSize)
	}
	if length == 0 {
		return nil, &MalformedPayloadError{Err: errors.New("zero-length frame")}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got short payload", ErrIncompleteFrame)
		}
		return nil, err
	}
	return payload, nil
}

// ReadMessage reads and decodes one frame. Framing errors (EOF,
// ErrIncompleteFrame, ErrFrameTooLarge) mean the stream is unusable;
// decode errors (MalformedPayloadError, SchemaViolationError) mean the
// frame was bad but the stream is still aligned.
func ReadMessage(r io.Reader, maxSize uint32) (Message, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// WriteFrame validates, serializes and writes one message as a single
// frame. The header and payload are written in one Write call so that a
// serialized writer never interleaves partial frames.
func WriteFrame(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteRawFrame(w, payload)
}

// WriteRawFrame writes an already-serialized payload as one frame.
func WriteRawFrame(w io.Writer, payload []byte) error {
	if uint32(len(payload)) > DefaultMaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
