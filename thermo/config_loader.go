package thermo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AnalysisConfig holds the windowing and stage-detection thresholds.
type AnalysisConfig struct {
	WarmupSkipMs         int64   `yaml:"warmupSkipMs" json:"warmupSkipMs"`
	StageMinDurationMs   int64   `yaml:"stageMinDurationMs" json:"stageMinDurationMs"`
	WindowMs             int64   `yaml:"windowMs" json:"windowMs"`
	WindowTolMs          int64   `yaml:"windowTolMs" json:"windowTolMs"`
	MinWindowMs          int64   `yaml:"minWindowMs" json:"minWindowMs"` // floor applied to windowMs-windowTolMs
	MinForceN            float64 `yaml:"minForceN" json:"minForceN"`
	CopJumpMm            float64 `yaml:"copJumpMm" json:"copJumpMm"`
	CopMaxDisplacementMm float64 `yaml:"copMaxDisplacementMm" json:"copMaxDisplacementMm"`
	DBTargetN            float64 `yaml:"dbTargetN" json:"dbTargetN"`
	DBTolN               float64 `yaml:"dbTolN" json:"dbTolN"`
	BWTolN               float64 `yaml:"bwTolN" json:"bwTolN"`
}

// BaselineConfig bounds the room-temperature recordings used for bias maps.
type BaselineConfig struct {
	RoomTempMinF float64 `yaml:"roomTempMinF" json:"roomTempMinF"`
	RoomTempMaxF float64 `yaml:"roomTempMaxF" json:"roomTempMaxF"`
}

// CoefficientConfig controls anchor selection for coefficient estimation.
type CoefficientConfig struct {
	BandLowF  float64 `yaml:"bandLowF" json:"bandLowF"`
	BandHighF float64 `yaml:"bandHighF" json:"bandHighF"`
	TargetF   float64 `yaml:"targetF" json:"targetF"`
	ClosestK  int     `yaml:"closestK" json:"closestK"`
}

// GainConfig controls gain estimation.
type GainConfig struct {
	RoomTempF   float64 `yaml:"roomTempF" json:"roomTempF"`
	MinAbsDin   float64 `yaml:"minAbsDin" json:"minAbsDin"`
	TempBucketF float64 `yaml:"tempBucketF" json:"tempBucketF"`
}

// PlateConfig describes one plate model's footprint and grading thresholds.
type PlateConfig struct {
	WidthMm      float64 `yaml:"widthMm" json:"widthMm"`
	HeightMm     float64 `yaml:"heightMm" json:"heightMm"`
	Rows         int     `yaml:"rows" json:"rows"`
	Cols         int     `yaml:"cols" json:"cols"`
	DBThresholdN float64 `yaml:"dbThresholdN" json:"dbThresholdN"`
	BWThresholdN float64 `yaml:"bwThresholdN" json:"bwThresholdN"`
}

// ServiceConfig locates the external force-correction service.
type ServiceConfig struct {
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" json:"timeoutSeconds"`
	MaxRetries     int    `yaml:"maxRetries" json:"maxRetries"`
	CacheDir       string `yaml:"cacheDir" json:"cacheDir"`
}

// MQTTConfig holds MQTT connection settings for result publishing
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	QoS           int    `yaml:"qos" json:"qos"`
	// Retain defaults to true when unset.
	Retain *bool `yaml:"retain,omitempty" json:"retain,omitempty"`
}

// StorageConfig locates persisted bias maps and rollup logs.
type StorageConfig struct {
	DataDir string `yaml:"dataDir" json:"dataDir"`
}

// BatchConfig controls batch orchestration.
type BatchConfig struct {
	Workers int `yaml:"workers" json:"workers"`
}

// Config is the full analysis configuration. It is built once per run and
// passed explicitly to every component.
type Config struct {
	Analysis    AnalysisConfig         `yaml:"analysis" json:"analysis"`
	Baseline    BaselineConfig         `yaml:"baseline" json:"baseline"`
	Coefficient CoefficientConfig      `yaml:"coefficient" json:"coefficient"`
	Gain        GainConfig             `yaml:"gain" json:"gain"`
	Plates      map[string]PlateConfig `yaml:"plates" json:"plates"`
	Service     ServiceConfig          `yaml:"service" json:"service"`
	MQTT        MQTTConfig             `yaml:"mqtt" json:"mqtt"`
	Storage     StorageConfig          `yaml:"storage" json:"storage"`
	Batch       BatchConfig            `yaml:"batch" json:"batch"`
}

// NewtonsPerPound converts lbf to N.
const NewtonsPerPound = 4.44822

// DefaultConfig returns the built-in thresholds and plate catalogue.
func DefaultConfig() *Config {
	return &Config{
		Analysis: AnalysisConfig{
			WarmupSkipMs:         20000,
			StageMinDurationMs:   2000,
			WindowMs:             1000,
			WindowTolMs:          200,
			MinWindowMs:          200,
			MinForceN:            100,
			CopJumpMm:            20,
			CopMaxDisplacementMm: 100,
			DBTargetN:            45 * NewtonsPerPound,
			DBTolN:               100,
			BWTolN:               200,
		},
		Baseline: BaselineConfig{RoomTempMinF: 71, RoomTempMaxF: 77},
		Coefficient: CoefficientConfig{
			BandLowF:  74,
			BandHighF: 78,
			TargetF:   76,
			ClosestK:  5,
		},
		Gain: GainConfig{RoomTempF: 76, MinAbsDin: 0.002, TempBucketF: 2},
		Plates: map[string]PlateConfig{
			"06": {WidthMm: 353.2, HeightMm: 404.0, Rows: 3, Cols: 3, DBThresholdN: 5, BWThresholdN: 8},
			"07": {WidthMm: 353.3, HeightMm: 607.3, Rows: 5, Cols: 3, DBThresholdN: 6, BWThresholdN: 11},
			"08": {WidthMm: 658.1, HeightMm: 607.3, Rows: 5, Cols: 5, DBThresholdN: 8, BWThresholdN: 15},
			"11": {WidthMm: 353.3, HeightMm: 607.3, Rows: 5, Cols: 3, DBThresholdN: 6, BWThresholdN: 11},
		},
		Service: ServiceConfig{
			URL:            "http://localhost:3001",
			TimeoutSeconds: 300,
			MaxRetries:     DefaultMaxRetries,
			CacheDir:       ".process-cache",
		},
		MQTT: MQTTConfig{
			PublishPrefix: "thermoplate",
			ClientID:      "thermoplate",
		},
		Storage: StorageConfig{DataDir: "analysis"},
		Batch:   BatchConfig{Workers: 4},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig.
// A missing file is an error; use DefaultConfig directly to run without one.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks internal consistency of the thresholds.
func (c *Config) Validate() error {
	a := c.Analysis
	if a.WindowMs <= 0 {
		return fmt.Errorf("analysis.windowMs must be > 0")
	}
	if a.WindowTolMs < 0 || a.WindowTolMs >= a.WindowMs {
		return fmt.Errorf("analysis.windowTolMs must be in [0, windowMs)")
	}
	if a.StageMinDurationMs < 0 || a.WarmupSkipMs < 0 {
		return fmt.Errorf("analysis durations must be >= 0")
	}
	if a.CopJumpMm <= 0 || a.CopMaxDisplacementMm <= 0 {
		return fmt.Errorf("analysis COP limits must be > 0")
	}
	if c.Baseline.RoomTempMinF > c.Baseline.RoomTempMaxF {
		c.Baseline.RoomTempMinF, c.Baseline.RoomTempMaxF = c.Baseline.RoomTempMaxF, c.Baseline.RoomTempMinF
	}
	if c.Coefficient.BandLowF > c.Coefficient.BandHighF {
		return fmt.Errorf("coefficient.bandLowF must be <= bandHighF")
	}
	if c.Coefficient.ClosestK < 1 {
		return fmt.Errorf("coefficient.closestK must be >= 1")
	}
	for id, p := range c.Plates {
		if p.WidthMm <= 0 || p.HeightMm <= 0 {
			return fmt.Errorf("plates[%s]: footprint must be > 0", id)
		}
		if p.Rows <= 0 || p.Cols <= 0 {
			return fmt.Errorf("plates[%s]: rows and cols must be > 0", id)
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Batch.Workers < 1 {
		c.Batch.Workers = 1
	}
	return nil
}

// Plate returns the plate configuration for a device type, falling back to
// the 06 footprint when the type is unknown.
func (c *Config) Plate(deviceType string) PlateConfig {
	if p, ok := c.Plates[deviceType]; ok {
		return p
	}
	if p, ok := c.Plates["06"]; ok {
		return p
	}
	return PlateConfig{WidthMm: 353.2, HeightMm: 404.0, Rows: 3, Cols: 3, DBThresholdN: 5, BWThresholdN: 8}
}

// PassingThreshold returns the per-stage pass threshold (N) for a plate model.
func (c *Config) PassingThreshold(stage StageKey, deviceType string) float64 {
	p := c.Plate(deviceType)
	if stage == StageBW {
		return p.BWThresholdN
	}
	return p.DBThresholdN
}

// StageSpecs builds the stage list for a recording, in matching priority
// order. Stages with a non-positive target or tolerance are omitted, so a
// recording without a body weight only has the DB stage.
func (c *Config) StageSpecs(meta TestMetadata) []StageSpec {
	a := c.Analysis
	specs := make([]StageSpec, 0, 2)
	if a.DBTargetN > 0 && a.DBTolN > 0 {
		specs = append(specs, StageSpec{
			Key:           StageDB,
			TargetN:       a.DBTargetN,
			ToleranceN:    a.DBTolN,
			MinDurationMs: a.StageMinDurationMs,
			WindowMs:      a.WindowMs,
			WindowTolMs:   a.WindowTolMs,
			MinForceN:     a.MinForceN,
		})
	}
	if meta.BodyWeightN > 0 && a.BWTolN > 0 {
		specs = append(specs, StageSpec{
			Key:           StageBW,
			TargetN:       meta.BodyWeightN,
			ToleranceN:    a.BWTolN,
			MinDurationMs: a.StageMinDurationMs,
			WindowMs:      a.WindowMs,
			WindowTolMs:   a.WindowTolMs,
			MinForceN:     a.MinForceN,
		})
	}
	return specs
}
