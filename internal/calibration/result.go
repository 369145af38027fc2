// Package calibration holds the data container and file format for camera
// calibration results. The calibration math itself (pattern detection,
// camera matrix solving) lives outside this repository; this package only
// defines the records it produces and the interfaces it must satisfy.
package calibration

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FormatVersion identifies the calibration file layout.
const FormatVersion = "1.0"

// Matrix is a row-major numeric matrix serialized as nested JSON arrays.
type Matrix [][]float64

// QualityAssessment summarizes how trustworthy a calibration run is.
type QualityAssessment struct {
	RMSError     float64 `json:"rms_error"`
	ImagesUsed   int     `json:"images_used"`
	QualityLevel string  `json:"quality_level"` // "excellent", "good", "poor"
}

// Result is the full calibration record for one device, covering the RGB
// and thermal cameras and their spatial relation.
type Result struct {
	DeviceID             string            `json:"device_id"`
	CalibrationTimestamp string            `json:"calibration_timestamp"`
	RGBCameraMatrix      Matrix            `json:"rgb_camera_matrix"`
	RGBDistortion        []float64         `json:"rgb_distortion_coefficients"`
	ThermalCameraMatrix  Matrix            `json:"thermal_camera_matrix"`
	ThermalDistortion    []float64         `json:"thermal_distortion_coefficients"`
	RotationMatrix       Matrix            `json:"rotation_matrix"`
	TranslationVector    []float64         `json:"translation_vector"`
	HomographyMatrix     Matrix            `json:"homography_matrix"`
	Quality              QualityAssessment `json:"quality_assessment"`
	FormatVersion        string            `json:"format_version"`
}

// NewResult stamps a result with the device ID, current time and format
// version. Matrix fields are filled in by the caller.
func NewResult(deviceID string) *Result {
	return &Result{
		DeviceID:             deviceID,
		CalibrationTimestamp: time.Now().UTC().Format(time.RFC3339),
		FormatVersion:        FormatVersion,
	}
}

// Save writes the result as pretty-printed JSON.
func (r *Result) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration result: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write calibration file: %w", err)
	}
	return nil
}

// Load reads a calibration result file back.
func Load(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file: %w", err)
	}

	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse calibration file: %w", err)
	}
	if r.FormatVersion == "" {
		return nil, fmt.Errorf("calibration file missing format_version")
	}
	return &r, nil
}

// PatternDetector finds a calibration pattern in one captured image.
// Implemented by the external vision module.
type PatternDetector interface {
	DetectPattern(image []byte, patternType string) (found bool, points [][2]float64, err error)
}

// CameraCalibrator solves camera intrinsics from collected pattern points.
// Implemented by the external vision module.
type CameraCalibrator interface {
	CalibrateSingleCamera(images [][]byte, points [][][2]float64, objectPoints [][][3]float64) (cameraMatrix Matrix, distCoeffs []float64, rmsError float64, err error)
}
