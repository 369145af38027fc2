package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type tags exchanged between the hub and devices.
const (
	TypeHandshake         = "handshake"
	TypeHello             = "hello" // accepted alias for handshake
	TypeStartRecord       = "start_record"
	TypeStopRecord        = "stop_record"
	TypePreviewFrame      = "preview_frame"
	TypeFileChunk         = "file_chunk"
	TypeDeviceStatus      = "device_status"
	TypeAck               = "ack"
	TypeCalibrationStart  = "calibration_start"
	TypeCalibrationResult = "calibration_result"
	TypeTimeSyncRequest   = "time_sync_request"
	TypeTimeSyncResponse  = "time_sync_response"
)

// Message is the common contract of all wire messages. Every message
// carries a type tag and a sender-side timestamp; the rest of the fields
// are statically known per type.
type Message interface {
	MessageType() string
	SentAt() float64
	Validate() error
}

// Header holds the fields shared by every message. It is embedded in each
// variant so the tag and timestamp serialize inline with the payload.
type Header struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

func (h Header) MessageType() string { return h.Type }
func (h Header) SentAt() float64     { return h.Timestamp }

func newHeader(msgType string) Header {
	return Header{
		Type:      msgType,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// SchemaViolationError reports a message that parsed as JSON but does not
// satisfy the required-field schema for its type.
type SchemaViolationError struct {
	MsgType string `json:"type"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *SchemaViolationError) Error() string {
	return e.MsgType + ": " + e.Field + " " + e.Message
}

// MalformedPayloadError reports a frame whose payload is not valid JSON.
// The frame itself was read cleanly, so the stream is not desynced and the
// caller may keep reading.
type MalformedPayloadError struct {
	Err error
}

func (e *MalformedPayloadError) Error() string {
	return "malformed payload: " + e.Err.Error()
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// Handshake registers a device's identity and capabilities. It must be the
// first message on a new connection.
type Handshake struct {
	Header
	DeviceID     string   `json:"device_id"`
	Capabilities []string `json:"capabilities"`
}

func NewHandshake(deviceID string, capabilities []string) Handshake {
	return Handshake{Header: newHeader(TypeHandshake), DeviceID: deviceID, Capabilities: capabilities}
}

func (m Handshake) Validate() error {
	if m.DeviceID == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "device_id", Message: "is required"}
	}
	if m.Capabilities == nil {
		return &SchemaViolationError{MsgType: m.Type, Field: "capabilities", Message: "is required"}
	}
	return nil
}

// StartRecord tells a device to begin recording into the given session.
type StartRecord struct {
	Header
	SessionID string `json:"session_id"`
}

func NewStartRecord(sessionID string) StartRecord {
	return StartRecord{Header: newHeader(TypeStartRecord), SessionID: sessionID}
}

func (m StartRecord) Validate() error {
	if m.SessionID == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "session_id", Message: "is required"}
	}
	return nil
}

// StopRecord tells a device to stop recording for the given session.
type StopRecord struct {
	Header
	SessionID string `json:"session_id"`
}

func NewStopRecord(sessionID string) StopRecord {
	return StopRecord{Header: newHeader(TypeStopRecord), SessionID: sessionID}
}

func (m StopRecord) Validate() error {
	if m.SessionID == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "session_id", Message: "is required"}
	}
	return nil
}

// PreviewFrame carries one base64-encoded preview image from a device
// camera. Frames are advisory and may be dropped by consumers.
type PreviewFrame struct {
	Header
	FrameID   int64  `json:"frame_id"`
	ImageData string `json:"image_data"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func NewPreviewFrame(frameID int64, imageData string, width, height int) PreviewFrame {
	return PreviewFrame{
		Header:    newHeader(TypePreviewFrame),
		FrameID:   frameID,
		ImageData: imageData,
		Width:     width,
		Height:    height,
	}
}

func (m PreviewFrame) Validate() error {
	if m.ImageData == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "image_data", Message: "is required"}
	}
	if m.Width <= 0 || m.Height <= 0 {
		return &SchemaViolationError{MsgType: m.Type, Field: "width/height", Message: "must be positive"}
	}
	return nil
}

// FileChunk carries one piece of a chunked file transfer. Chunks for one
// file share a file_id and are reassembled by index on the receiving side.
type FileChunk struct {
	Header
	FileID      string `json:"file_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	ChunkData   string `json:"chunk_data"`
	ChunkSize   int    `json:"chunk_size"`
	FileType    string `json:"file_type"`
}

func NewFileChunk(fileID string, index, total int, data string, size int, fileType string) FileChunk {
	return FileChunk{
		Header:      newHeader(TypeFileChunk),
		FileID:      fileID,
		ChunkIndex:  index,
		TotalChunks: total,
		ChunkData:   data,
		ChunkSize:   size,
		FileType:    fileType,
	}
}

func (m FileChunk) Validate() error {
	if m.FileID == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "file_id", Message: "is required"}
	}
	if m.TotalChunks <= 0 {
		return &SchemaViolationError{MsgType: m.Type, Field: "total_chunks", Message: "must be positive"}
	}
	if m.ChunkIndex < 0 || m.ChunkIndex >= m.TotalChunks {
		return &SchemaViolationError{MsgType: m.Type, Field: "chunk_index", Message: "out of range"}
	}
	if m.ChunkData == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "chunk_data", Message: "is required"}
	}
	if m.FileType == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "file_type", Message: "is required"}
	}
	return nil
}

// StatusBody is the nested status object of a device_status message.
// Pointer fields distinguish "not reported" from zero values.
type StatusBody struct {
	BatteryLevel     *float64 `json:"battery_level,omitempty"`
	StorageAvailable *int64   `json:"storage_available,omitempty"`
	IsRecording      *bool    `json:"is_recording,omitempty"`
	Detail           string   `json:"detail,omitempty"`
}

// DeviceStatus is a periodic report of a device's health and state.
type DeviceStatus struct {
	Header
	DeviceID string      `json:"device_id"`
	Status   *StatusBody `json:"status"`
}

func NewDeviceStatus(deviceID string, status StatusBody) DeviceStatus {
	return DeviceStatus{Header: newHeader(TypeDeviceStatus), DeviceID: deviceID, Status: &status}
}

func (m DeviceStatus) Validate() error {
	if m.DeviceID == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "device_id", Message: "is required"}
	}
	if m.Status == nil {
		return &SchemaViolationError{MsgType: m.Type, Field: "status", Message: "is required"}
	}
	return nil
}

// Ack acknowledges a command. Correlation is by message_id when the device
// echoes one, otherwise by the echoed command timestamp.
type Ack struct {
	Header
	MessageID     string  `json:"message_id,omitempty"`
	EchoTimestamp float64 `json:"echo_timestamp,omitempty"`
	Success       *bool   `json:"success"`
}

func NewAck(messageID string, success bool) Ack {
	return Ack{Header: newHeader(TypeAck), MessageID: messageID, Success: &success}
}

// NewEchoAck correlates by echoing the acknowledged command's timestamp,
// for devices that do not assign message IDs.
func NewEchoAck(echoTimestamp float64, success bool) Ack {
	return Ack{Header: newHeader(TypeAck), EchoTimestamp: echoTimestamp, Success: &success}
}

func (m Ack) Validate() error {
	if m.MessageID == "" && m.EchoTimestamp == 0 {
		return &SchemaViolationError{MsgType: m.Type, Field: "message_id", Message: "or echo_timestamp is required"}
	}
	if m.Success == nil {
		return &SchemaViolationError{MsgType: m.Type, Field: "success", Message: "is required"}
	}
	return nil
}

// Acked reports whether the ack carries success=true.
func (m Ack) Acked() bool { return m.Success != nil && *m.Success }

// CalibrationStart asks a device to begin a calibration capture run.
type CalibrationStart struct {
	Header
	PatternType string `json:"pattern_type"`
	PatternSize []int  `json:"pattern_size"`
}

func NewCalibrationStart(patternType string, patternSize []int) CalibrationStart {
	return CalibrationStart{Header: newHeader(TypeCalibrationStart), PatternType: patternType, PatternSize: patternSize}
}

func (m CalibrationStart) Validate() error {
	if m.PatternType == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "pattern_type", Message: "is required"}
	}
	if len(m.PatternSize) == 0 {
		return &SchemaViolationError{MsgType: m.Type, Field: "pattern_size", Message: "is required"}
	}
	return nil
}

// CalibrationResult reports the outcome of a device-side calibration run.
// Matrices serialize as nested row-major arrays.
type CalibrationResult struct {
	Header
	Success                *bool       `json:"success"`
	RMSError               float64     `json:"rms_error"`
	CameraMatrix           [][]float64 `json:"camera_matrix"`
	DistortionCoefficients []float64   `json:"distortion_coefficients"`
}

func NewCalibrationResult(success bool, rmsError float64, cameraMatrix [][]float64, distCoeffs []float64) CalibrationResult {
	return CalibrationResult{
		Header:                 newHeader(TypeCalibrationResult),
		Success:                &success,
		RMSError:               rmsError,
		CameraMatrix:           cameraMatrix,
		DistortionCoefficients: distCoeffs,
	}
}

func (m CalibrationResult) Validate() error {
	if m.Success == nil {
		return &SchemaViolationError{MsgType: m.Type, Field: "success", Message: "is required"}
	}
	if *m.Success && len(m.CameraMatrix) == 0 {
		return &SchemaViolationError{MsgType: m.Type, Field: "camera_matrix", Message: "is required on success"}
	}
	return nil
}

// TimeSyncRequest asks the time service for a reference timestamp. The
// sequence is a pointer so an absent field is distinguishable from an
// explicit 0, same as Ack.Success.
type TimeSyncRequest struct {
	Header
	ClientID string `json:"client_id"`
	Sequence *int64 `json:"sequence"`
}

func NewTimeSyncRequest(clientID string, sequence int64) TimeSyncRequest {
	return TimeSyncRequest{Header: newHeader(TypeTimeSyncRequest), ClientID: clientID, Sequence: &sequence}
}

func (m TimeSyncRequest) Validate() error {
	if m.ClientID == "" {
		return &SchemaViolationError{MsgType: m.Type, Field: "client_id", Message: "is required"}
	}
	if m.Sequence == nil {
		return &SchemaViolationError{MsgType: m.Type, Field: "sequence", Message: "is required"}
	}
	return nil
}

// SequenceNumber returns the sequence, or 0 for an unvalidated request.
func (m TimeSyncRequest) SequenceNumber() int64 {
	if m.Sequence == nil {
		return 0
	}
	return *m.Sequence
}

// TimeSyncResponse answers a TimeSyncRequest. The sequence is echoed from
// the request so clients can correlate concurrent exchanges.
type TimeSyncResponse struct {
	Header
	Sequence          int64    `json:"sequence"`
	ServerTimestamp   float64  `json:"server_timestamp"`
	ServerTimeMS      int64    `json:"server_time_ms"`
	ServerPrecisionMS float64  `json:"server_precision_ms"`
	NTPOffset         *float64 `json:"ntp_offset,omitempty"`
}

func (m TimeSyncResponse) Validate() error {
	if m.ServerTimeMS == 0 {
		return &SchemaViolationError{MsgType: m.Type, Field: "server_time_ms", Message: "is required"}
	}
	return nil
}

// Decode parses one JSON payload into its typed message. A payload that is
// not JSON yields a MalformedPayloadError; a JSON object missing required
// fields (or carrying an unknown type) yields a SchemaViolationError.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type      string   `json:"type"`
		Timestamp *float64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &MalformedPayloadError{Err: err}
	}
	if head.Type == "" {
		return nil, &SchemaViolationError{MsgType: "?", Field: "type", Message: "is required"}
	}
	if head.Timestamp == nil {
		return nil, &SchemaViolationError{MsgType: head.Type, Field: "timestamp", Message: "is required"}
	}

	msg, err := decodeBody(head.Type, data)
	if err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeBody(msgType string, data []byte) (Message, error) {
	var msg Message
	var err error
	switch msgType {
	case TypeHandshake, TypeHello:
		var m Handshake
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeStartRecord:
		var m StartRecord
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeStopRecord:
		var m StopRecord
		err = json.Unmarshal(data, &m)
		msg = m
	case TypePreviewFrame:
		var m PreviewFrame
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeFileChunk:
		var m FileChunk
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeDeviceStatus:
		var m DeviceStatus
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeAck:
		var m Ack
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeCalibrationStart:
		var m CalibrationStart
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeCalibrationResult:
		var m CalibrationResult
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeTimeSyncRequest:
		var m TimeSyncRequest
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeTimeSyncResponse:
		var m TimeSyncResponse
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return nil, &SchemaViolationError{MsgType: msgType, Field: "type", Message: "is not a known message type"}
	}
	if err != nil {
		return nil, &MalformedPayloadError{Err: fmt.Errorf("%s body: %w", msgType, err)}
	}
	return msg, nil
}

// Encode serializes a message to its JSON payload after validating it.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
