package calibration

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := NewResult("phone-01")
	r.RGBCameraMatrix = Matrix{{1000, 0, 320}, {0, 1000, 240}, {0, 0, 1}}
	r.RGBDistortion = []float64{0.1, -0.05, 0, 0, 0}
	r.ThermalCameraMatrix = Matrix{{800, 0, 160}, {0, 800, 120}, {0, 0, 1}}
	r.HomographyMatrix = Matrix{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	r.Quality = QualityAssessment{RMSError: 0.31, ImagesUsed: 20, QualityLevel: "good"}

	path := filepath.Join(t.TempDir(), "calibration_phone-01.json")
	if err := r.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.DeviceID != "phone-01" {
		t.Errorf("device_id: %q", loaded.DeviceID)
	}
	if loaded.FormatVersion != FormatVersion {
		t.Errorf("format_version: %q", loaded.FormatVersion)
	}
	if len(loaded.RGBCameraMatrix) != 3 || loaded.RGBCameraMatrix[0][2] != 320 {
		t.Errorf("rgb matrix did not survive round trip: %v", loaded.RGBCameraMatrix)
	}
	if loaded.Quality.QualityLevel != "good" {
		t.Errorf("quality: %+v", loaded.Quality)
	}
}

func TestLoad_RejectsMissingVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := writeFile(path, `{"device_id":"x"}`); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing format_version")
	}
}
