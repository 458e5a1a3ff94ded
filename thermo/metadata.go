package thermo

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadMetadata reads and validates a recording's JSON metadata sidecar.
func LoadMetadata(path string) (TestMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TestMetadata{}, fmt.Errorf("reading metadata: %w", err)
	}
	var meta TestMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return TestMetadata{}, fmt.Errorf("parsing metadata %s: %w", path, err)
	}
	if err := meta.Validate(); err != nil {
		return TestMetadata{}, fmt.Errorf("metadata %s: %w", path, err)
	}
	return meta, nil
}

// Validate normalizes identifiers and rejects unusable records.
func (m *TestMetadata) Validate() error {
	m.DeviceID = strings.TrimSpace(m.DeviceID)
	m.ModelID = strings.TrimSpace(m.ModelID)
	if m.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if m.BodyWeightN < 0 {
		return fmt.Errorf("body_weight_n must be >= 0, got %g", m.BodyWeightN)
	}
	return nil
}

// DeviceType returns the two-character plate model for the recording.
func (m TestMetadata) DeviceType() string {
	return InferDeviceType(m.ModelID, m.DeviceID)
}

// InferDeviceType derives the plate model ("06", "07", ...) from a model id,
// or from a device id such as "06.0000000c" or "07-abc". Defaults to "06".
func InferDeviceType(modelID, deviceID string) string {
	if model := strings.TrimSpace(modelID); model != "" {
		return prefix2(model)
	}
	if p := PlateTypeFromDeviceID(deviceID); p != "" {
		return prefix2(p)
	}
	return "06"
}

// PlateTypeFromDeviceID returns the part of a device id before the first
// '.' or '-'.
func PlateTypeFromDeviceID(deviceID string) string {
	d := strings.TrimSpace(deviceID)
	d, _, _ = strings.Cut(d, ".")
	d, _, _ = strings.Cut(d, "-")
	return strings.TrimSpace(d)
}

func prefix2(s string) string {
	if len(s) > 2 {
		return s[:2]
	}
	return s
}
