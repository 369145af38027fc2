package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := NewHandshake("dev1", []string{"camera", "thermal"})

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	decoded, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	hs, ok := decoded.(Handshake)
	if !ok {
		t.Fatalf("expected Handshake, got %T", decoded)
	}
	if hs.DeviceID != "dev1" {
		t.Errorf("expected dev1, got %q", hs.DeviceID)
	}
}

// oneByteReader forces the decoder to accumulate across many short reads.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestReadFrame_PartialReads(t *testing.T) {
	msg := NewStartRecord("session_trial_20260901")

	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	decoded, err := ReadMessage(oneByteReader{&buf}, 0)
	if err != nil {
		t.Fatalf("read over 1-byte chunks failed: %v", err)
	}
	sr := decoded.(StartRecord)
	if sr.SessionID != "session_trial_20260901" {
		t.Errorf("unexpected session_id: %q", sr.SessionID)
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<30)

	_, err := ReadFrame(bytes.NewReader(header[:]), 1024)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	msg := NewStopRecord("s1")
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	truncated := buf.Bytes()[:buf.Len()-3]
	_, err := ReadFrame(bytes.NewReader(truncated), 0)
	if !errors.Is(err, ErrIncompleteFrame) {
		t.Fatalf("expected ErrIncompleteFrame, got %v", err)
	}
}

func TestReadFrame_TruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}), 0)
	if !errors.Is(err, ErrIncompleteFrame) {
		t.Fatalf("expected ErrIncompleteFrame, got %v", err)
	}
}

func TestReadFrame_CleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), 0)
	if err != io.EOF {
		t.Fatalf("expected io.EOF at stream end, got %v", err)
	}
}

func TestReadMessage_BadPayloadKeepsStreamAligned(t *testing.T) {
	var buf bytes.Buffer

	// A well-framed but non-JSON payload, followed by a good frame.
	if err := WriteRawFrame(&buf, []byte("not json at all")); err != nil {
		t.Fatalf("write raw failed: %v", err)
	}
	if err := WriteFrame(&buf, NewStopRecord("s2")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, err := ReadMessage(&buf, 0)
	var mp *MalformedPayloadError
	if !errors.As(err, &mp) {
		t.Fatalf("expected MalformedPayloadError, got %v", err)
	}

	// The next frame is still readable.
	msg, err := ReadMessage(&buf, 0)
	if err != nil {
		t.Fatalf("stream desynced after payload error: %v", err)
	}
	if msg.(StopRecord).SessionID != "s2" {
		t.Errorf("unexpected follow-up message: %+v", msg)
	}
}
