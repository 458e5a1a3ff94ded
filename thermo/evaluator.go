package thermo

import (
	"log"
	"math"
	"path/filepath"
	"sort"
)

// GridInfo describes the plate grid a run was analyzed on.
type GridInfo struct {
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`
	DeviceType string `json:"device_type"`
}

// StageResult is the per-stage output of evaluating one run.
type StageResult struct {
	Key        StageKey          `json:"key"`
	Name       string            `json:"name"`
	TargetN    float64           `json:"target_n"`
	ToleranceN float64           `json:"tolerance_n"`
	Cells      []CellMeasurement `json:"cells"`
}

// SegmentSpan is a candidate segment reduced to its time range.
type SegmentSpan struct {
	Stage   StageKey `json:"stage_key"`
	Cell    Cell     `json:"cell"`
	StartMs int64    `json:"t_start"`
	EndMs   int64    `json:"t_end"`
}

// RunAnalysis is the evaluated output of one recording.
type RunAnalysis struct {
	Stages   Stages[*StageResult] `json:"stages"`
	Windows  WindowSet            `json:"-"`
	Segments []SegmentSpan        `json:"segments,omitempty"`
}

// Stage returns the result for key, or nil when the stage was not configured.
func (r *RunAnalysis) Stage(key StageKey) *StageResult {
	if r == nil {
		return nil
	}
	return r.Stages[key]
}

// CellCount returns the number of measured cells for a stage.
func (r *RunAnalysis) CellCount(key StageKey) int {
	if s := r.Stage(key); s != nil {
		return len(s.Cells)
	}
	return 0
}

func newRunAnalysis(specs []StageSpec) *RunAnalysis {
	ra := &RunAnalysis{
		Stages:  make(Stages[*StageResult], len(specs)),
		Windows: make(WindowSet, len(specs)),
	}
	for _, s := range specs {
		ra.Stages[s.Key] = &StageResult{
			Key:        s.Key,
			Name:       s.Key.Name(),
			TargetN:    s.TargetN,
			ToleranceN: s.ToleranceN,
		}
		ra.Windows[s.Key] = make(map[Cell]TimeSpan)
	}
	return ra
}

// Measure converts a window's mean force into a cell measurement against spec.
func Measure(cell Cell, w Window, spec StageSpec) CellMeasurement {
	return CellMeasurement{
		Row:            cell.Row,
		Col:            cell.Col,
		MeanN:          w.MeanForce,
		SignedPctError: signedPct(w.MeanForce, spec.TargetN),
		AbsRatio:       absRatio(w.MeanForce, spec.TargetN, spec.ToleranceN),
		COP:            COP{X: w.MeanCopX, Y: w.MeanCopY},
	}
}

func signedPct(mean, target float64) float64 {
	if target == 0 {
		return 0
	}
	return (mean - target) / target * 100
}

func absRatio(mean, target, tolerance float64) float64 {
	if tolerance == 0 {
		return 0
	}
	return math.Abs(mean-target) / tolerance
}

// EvaluateSegments picks the best window of each segment and keeps, per
// (stage, cell), the window with the lowest (std, |slope|). Cells are
// returned sorted by row then column.
func EvaluateSegments(segments []Segment, specs []StageSpec, minWindowMs int64) *RunAnalysis {
	ra := newRunAnalysis(specs)
	specByKey := make(map[StageKey]StageSpec, len(specs))
	for _, s := range specs {
		if _, seen := specByKey[s.Key]; !seen {
			specByKey[s.Key] = s
		}
	}

	best := make(map[StageKey]map[Cell]Window, len(specs))
	for _, seg := range segments {
		spec, ok := specByKey[seg.Stage]
		if !ok {
			continue
		}
		if len(seg.Samples) > 0 {
			ra.Segments = append(ra.Segments, SegmentSpan{
				Stage:   seg.Stage,
				Cell:    seg.Cell,
				StartMs: seg.Samples[0].TimeMs,
				EndMs:   seg.Samples[len(seg.Samples)-1].TimeMs,
			})
		}
		w, ok := BestWindow(seg.Samples, BoundsFor(spec, minWindowMs))
		if !ok {
			continue
		}
		cells := best[seg.Stage]
		if cells == nil {
			cells = make(map[Cell]Window)
			best[seg.Stage] = cells
		}
		if cur, exists := cells[seg.Cell]; !exists || w.better(cur) {
			cells[seg.Cell] = w
		}
	}

	for key, cells := range best {
		spec := specByKey[key]
		stage := ra.Stages[key]
		for cell, w := range cells {
			stage.Cells = append(stage.Cells, Measure(cell, w, spec))
			ra.Windows[key][cell] = TimeSpan{StartMs: w.StartMs, EndMs: w.EndMs}
		}
		sortCells(stage.Cells)
	}
	return ra
}

func sortCells(cells []CellMeasurement) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Col < cells[j].Col
	})
}

// AnalyzeSeries runs segmentation and window selection over one series.
func AnalyzeSeries(samples []Sample, specs []StageSpec, geom PlateGeometry, cfg *Config) *RunAnalysis {
	segments := DetectSegments(samples, specs, geom, SegmentOptionsFromConfig(cfg))
	return EvaluateSegments(segments, specs, cfg.Analysis.MinWindowMs)
}

// AnalyzeRecording loads a processed recording and analyzes it for the
// plate described by meta.
func AnalyzeRecording(path string, meta TestMetadata, cfg *Config) (*RunAnalysis, GridInfo, error) {
	deviceType := meta.DeviceType()
	geom := NewPlateGeometry(cfg, deviceType)
	grid := GridInfo{Rows: geom.Rows, Cols: geom.Cols, DeviceType: deviceType}
	specs := cfg.StageSpecs(meta)

	samples, err := LoadSeries(path, SeriesOptions{RequireCOP: true})
	if err != nil {
		return nil, grid, err
	}
	ra := AnalyzeSeries(samples, specs, geom, cfg)
	for _, s := range specs {
		log.Printf("[analyze] %s stage=%s cells=%d", filepath.Base(path), s.Key, ra.CellCount(s.Key))
	}
	return ra, grid, nil
}
