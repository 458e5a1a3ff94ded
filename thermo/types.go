package thermo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Sample is one row of a force-plate recording.
// COP coordinates are in millimeters (converted from meters on load).
type Sample struct {
	TimeMs       int64   `json:"timeMs"`
	Force        float64 `json:"force"`
	CopXMm       float64 `json:"copXMm"`
	CopYMm       float64 `json:"copYMm"`
	TemperatureF float64 `json:"temperatureF"`
}

// StageKey identifies a load stage. The set is closed: a fixed 45 lb dumbbell
// load and the tester's body weight.
type StageKey string

const (
	StageDB StageKey = "db"
	StageBW StageKey = "bw"
)

// AllStages lists stages in matching priority order.
var AllStages = []StageKey{StageDB, StageBW}

// ParseStageKey normalizes the spellings found in recordings and metadata
// ("db", "45lb", "45 lb DB", "bodyweight", "Body Weight", ...).
func ParseStageKey(s string) (StageKey, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "db" || strings.Contains(v, "45"):
		return StageDB, true
	case v == "bw" || strings.Contains(v, "body"):
		return StageBW, true
	}
	return "", false
}

// Name returns the human label for the stage.
func (k StageKey) Name() string {
	switch k {
	case StageDB:
		return "45 lb DB"
	case StageBW:
		return "Body Weight"
	}
	return string(k)
}

// StageSpec defines what counts as reaching a load stage.
type StageSpec struct {
	Key           StageKey `json:"key"`
	TargetN       float64  `json:"targetN"`
	ToleranceN    float64  `json:"toleranceN"`
	MinDurationMs int64    `json:"minDurationMs"`
	WindowMs      int64    `json:"windowMs"`
	WindowTolMs   int64    `json:"windowTolMs"`
	MinForceN     float64  `json:"minForceN"`
}

// Matches reports whether a force reading falls within this stage's band.
func (s StageSpec) Matches(force float64) bool {
	if s.TargetN <= 0 || s.ToleranceN <= 0 {
		return false
	}
	if math.Abs(force) < s.MinForceN {
		return false
	}
	return math.Abs(force-s.TargetN) <= s.ToleranceN
}

// Cell is a (row, col) position on a plate grid.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}

// Grid is a dense rows x cols matrix indexed by Cell.
type Grid[T any] struct {
	Rows   int   `json:"rows"`
	Cols   int   `json:"cols"`
	Values [][]T `json:"values"`
}

// NewGrid allocates a grid filled with the zero value of T.
func NewGrid[T any](rows, cols int) Grid[T] {
	values := make([][]T, rows)
	for r := range values {
		values[r] = make([]T, cols)
	}
	return Grid[T]{Rows: rows, Cols: cols, Values: values}
}

// In reports whether c lies inside the grid.
func (g Grid[T]) In(c Cell) bool {
	return c.Row >= 0 && c.Row < g.Rows && c.Col >= 0 && c.Col < g.Cols
}

// At returns the value at c. It panics if c is out of range, like a slice index.
func (g Grid[T]) At(c Cell) T {
	return g.Values[c.Row][c.Col]
}

// Set stores v at c.
func (g Grid[T]) Set(c Cell, v T) {
	g.Values[c.Row][c.Col] = v
}

// Stages holds one value per stage key.
type Stages[T any] map[StageKey]T

// Segment is a contiguous run of samples sharing a stage and a cell.
type Segment struct {
	Stage   StageKey `json:"stage"`
	Cell    Cell     `json:"cell"`
	Samples []Sample `json:"-"`
}

// DurationMs is the wall-clock span of the segment.
func (s Segment) DurationMs() int64 {
	if len(s.Samples) == 0 {
		return 0
	}
	return s.Samples[len(s.Samples)-1].TimeMs - s.Samples[0].TimeMs
}

// Window is the best sub-interval of a segment.
type Window struct {
	StartMs   int64   `json:"tStart"`
	EndMs     int64   `json:"tEnd"`
	Count     int     `json:"count"`
	MeanForce float64 `json:"meanForce"`
	Std       float64 `json:"std"`
	Slope     float64 `json:"slope"`
	MeanCopX  float64 `json:"meanCopX"`
	MeanCopY  float64 `json:"meanCopY"`
}

// DurationMs is the span between the first and last sample of the window.
func (w Window) DurationMs() int64 {
	return w.EndMs - w.StartMs
}

// better reports whether w scores strictly better than o: lower std first,
// then lower absolute slope. Stds within windowStdTolerance count as equal.
func (w Window) better(o Window) bool {
	if math.Abs(w.Std-o.Std) > windowStdTolerance {
		return w.Std < o.Std
	}
	return math.Abs(w.Slope) < math.Abs(o.Slope)
}

// COP is a mean center-of-pressure position in millimeters.
type COP struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CellMeasurement is the per-cell output of stage evaluation.
type CellMeasurement struct {
	Row            int     `json:"row"`
	Col            int     `json:"col"`
	MeanN          float64 `json:"mean_n"`
	SignedPctError float64 `json:"signed_pct"`
	AbsRatio       float64 `json:"abs_ratio"`
	COP            COP     `json:"cop"`
}

// Cell returns the measurement's grid position.
func (m CellMeasurement) Cell() Cell {
	return Cell{Row: m.Row, Col: m.Col}
}

// TimeSpan is an inclusive [start, end] range in milliseconds.
type TimeSpan struct {
	StartMs int64 `json:"tStart"`
	EndMs   int64 `json:"tEnd"`
}

// Contains reports whether t falls inside the span, inclusive on both ends.
func (s TimeSpan) Contains(t int64) bool {
	return t >= s.StartMs && t <= s.EndMs
}

// WindowSet is the chosen windows of a reference run keyed by stage and cell.
type WindowSet map[StageKey]map[Cell]TimeSpan

// Len counts windows across all stages.
func (ws WindowSet) Len() int {
	n := 0
	for _, cells := range ws {
		n += len(cells)
	}
	return n
}

// TestMetadata is the typed form of a recording's metadata sidecar.
type TestMetadata struct {
	DeviceID         string   `json:"device_id"`
	ModelID          string   `json:"model_id,omitempty"`
	BodyWeightN      float64  `json:"body_weight_n,omitempty"`
	RoomTemperatureF *float64 `json:"room_temperature_f,omitempty"`
	TemperatureF     *float64 `json:"temperature_f,omitempty"`
}

// Temperature returns the plate temperature of the recording, preferring the
// measured temperature over the room temperature.
func (m TestMetadata) Temperature() (float64, bool) {
	if m.TemperatureF != nil {
		return *m.TemperatureF, true
	}
	if m.RoomTemperatureF != nil {
		return *m.RoomTemperatureF, true
	}
	return 0, false
}

// CorrectionMode selects how the correction service applies coefficients.
type CorrectionMode string

const (
	ModeLegacy CorrectionMode = "legacy"
	ModeScalar CorrectionMode = "scalar"
)

// ParseCorrectionMode accepts "legacy" or "scalar" (case-insensitive); empty means legacy.
func ParseCorrectionMode(s string) (CorrectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "legacy":
		return ModeLegacy, nil
	case "scalar":
		return ModeScalar, nil
	}
	return "", fmt.Errorf("unknown correction mode %q", s)
}

// Coefficients are per-axis temperature coefficients.
type Coefficients struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// CoefficientKey identifies one correction-parameter set. Values are rounded
// to 6 decimals so float noise does not split groups.
type CoefficientKey struct {
	Mode CorrectionMode `json:"mode"`
	X    float64        `json:"x"`
	Y    float64        `json:"y"`
	Z    float64        `json:"z"`
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// NewCoefficientKey builds a normalized key.
func NewCoefficientKey(mode CorrectionMode, c Coefficients) CoefficientKey {
	if mode == "" {
		mode = ModeLegacy
	}
	return CoefficientKey{Mode: mode, X: round6(c.X), Y: round6(c.Y), Z: round6(c.Z)}
}

// Coefficients returns the key's coefficient values.
func (k CoefficientKey) Coefficients() Coefficients {
	return Coefficients{X: k.X, Y: k.Y, Z: k.Z}
}

// String renders the canonical group-by form, e.g. "scalar:x=0.001000,y=0.000000,z=0.002000".
func (k CoefficientKey) String() string {
	mode := k.Mode
	if mode == "" {
		mode = ModeLegacy
	}
	return fmt.Sprintf("%s:x=%.6f,y=%.6f,z=%.6f", mode, k.X, k.Y, k.Z)
}

// ParseCoefficientKey parses the String form. All three axes are required,
// in any order and at any precision.
func ParseCoefficientKey(s string) (CoefficientKey, error) {
	modePart, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return CoefficientKey{}, fmt.Errorf("coefficient key %q: missing mode", s)
	}
	mode, err := ParseCorrectionMode(modePart)
	if err != nil {
		return CoefficientKey{}, fmt.Errorf("coefficient key %q: %w", s, err)
	}
	var c Coefficients
	seen := make(map[string]bool, 3)
	for _, part := range strings.Split(rest, ",") {
		name, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return CoefficientKey{}, fmt.Errorf("coefficient key %q: bad component %q", s, part)
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return CoefficientKey{}, fmt.Errorf("coefficient key %q: %w", s, err)
		}
		switch name {
		case "x":
			c.X = f
		case "y":
			c.Y = f
		case "z":
			c.Z = f
		default:
			return CoefficientKey{}, fmt.Errorf("coefficient key %q: unknown axis %q", s, name)
		}
		if seen[name] {
			return CoefficientKey{}, fmt.Errorf("coefficient key %q: duplicate axis %q", s, name)
		}
		seen[name] = true
	}
	for _, axis := range []string{"x", "y", "z"} {
		if !seen[axis] {
			return CoefficientKey{}, fmt.Errorf("coefficient key %q: missing axis %q", s, axis)
		}
	}
	return NewCoefficientKey(mode, c), nil
}
