package thermo

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func floatPtr(v float64) *float64 { return &v }

// testConfig disables warm-up so short fixtures produce cells.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Analysis.WarmupSkipMs = 0
	cfg.Analysis.StageMinDurationMs = 1000
	return cfg
}

func testMeta(tempF float64) TestMetadata {
	return TestMetadata{DeviceID: "06.00000001", BodyWeightN: 700, TemperatureF: floatPtr(tempF)}
}

// writeSeriesCSV writes samples with COP converted back to meters.
func writeSeriesCSV(t *testing.T, path string, samples []Sample) {
	t.Helper()
	var b strings.Builder
	b.WriteString("time,sum-z,COPx,COPy\n")
	for _, s := range samples {
		fmt.Fprintf(&b, "%d,%.6f,%.6f,%.6f\n", s.TimeMs, s.Force, s.CopXMm/1000, s.CopYMm/1000)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatalf("write series fixture: %v", err)
	}
}

// twoStageRun holds the dumbbell at the center then body weight in the top
// right cell of a 3x3 plate, forces multiplied by scale.
func twoStageRun(scale float64) []Sample {
	var samples []Sample
	samples = append(samples, hold(0, 3000, 100, 200*scale, 0, 0)...)
	samples = append(samples, hold(3100, 400, 100, 0, 0, 0)...)
	samples = append(samples, hold(3600, 3000, 100, 700*scale, 100, 100)...)
	return samples
}

// ---------------------------------------------------------------------------
// EvaluateSegments / AnalyzeRecording
// ---------------------------------------------------------------------------

func TestMeasure(t *testing.T) {
	spec := StageSpec{Key: StageDB, TargetN: 200, ToleranceN: 100}
	m := Measure(Cell{2, 1}, Window{MeanForce: 210, MeanCopX: 1, MeanCopY: 2}, spec)
	if m.Row != 2 || m.Col != 1 {
		t.Errorf("cell = (%d,%d)", m.Row, m.Col)
	}
	if math.Abs(m.SignedPctError-5) > 1e-9 {
		t.Errorf("SignedPctError = %v, want 5", m.SignedPctError)
	}
	if math.Abs(m.AbsRatio-0.1) > 1e-9 {
		t.Errorf("AbsRatio = %v, want 0.1", m.AbsRatio)
	}
	if m.COP != (COP{1, 2}) {
		t.Errorf("COP = %+v", m.COP)
	}
}

func TestEvaluateSegments_KeepsBestWindowPerCell(t *testing.T) {
	specs := testSpecs()
	noisy := hold(0, 2000, 100, 200, 0, 0)
	for i := range noisy {
		noisy[i].Force += float64(i%2) * 10
	}
	quiet := hold(5000, 2000, 100, 205, 0, 0)
	segs := []Segment{
		{Stage: StageDB, Cell: Cell{1, 1}, Samples: noisy},
		{Stage: StageDB, Cell: Cell{1, 1}, Samples: quiet},
		{Stage: StageBW, Cell: Cell{0, 0}, Samples: hold(9000, 2000, 100, 690, 0, 0)},
		{Stage: StageBW, Cell: Cell{2, 2}, Samples: hold(1, 50, 50, 690, 0, 0)}, // too short for a window
	}

	ra := EvaluateSegments(segs, specs, 200)
	if got := ra.CellCount(StageDB); got != 1 {
		t.Fatalf("db cells = %d, want 1", got)
	}
	db := ra.Stage(StageDB).Cells[0]
	if db.MeanN != 205 {
		t.Errorf("db mean = %v, want the quiet segment's 205", db.MeanN)
	}
	span := ra.Windows[StageDB][Cell{1, 1}]
	if span.StartMs < 5000 {
		t.Errorf("db window %+v should come from the quiet segment", span)
	}
	if got := ra.CellCount(StageBW); got != 1 {
		t.Errorf("bw cells = %d, want 1", got)
	}
	if len(ra.Segments) != 4 {
		t.Errorf("segments = %d, want 4", len(ra.Segments))
	}
}

func TestEvaluateSegments_SortsCells(t *testing.T) {
	segs := []Segment{
		{Stage: StageDB, Cell: Cell{2, 0}, Samples: hold(0, 1000, 100, 200, 0, 0)},
		{Stage: StageDB, Cell: Cell{0, 2}, Samples: hold(2000, 1000, 100, 200, 0, 0)},
		{Stage: StageDB, Cell: Cell{0, 1}, Samples: hold(4000, 1000, 100, 200, 0, 0)},
	}
	cells := EvaluateSegments(segs, testSpecs(), 200).Stage(StageDB).Cells
	want := []Cell{{0, 1}, {0, 2}, {2, 0}}
	for i, c := range cells {
		if c.Cell() != want[i] {
			t.Errorf("cells[%d] = %v, want %v", i, c.Cell(), want[i])
		}
	}
}

func TestAnalyzeRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	writeSeriesCSV(t, path, twoStageRun(1))

	ra, grid, err := AnalyzeRecording(path, testMeta(74), testConfig())
	if err != nil {
		t.Fatalf("AnalyzeRecording() error = %v", err)
	}
	if grid != (GridInfo{Rows: 3, Cols: 3, DeviceType: "06"}) {
		t.Errorf("grid = %+v", grid)
	}
	if ra.CellCount(StageDB) != 1 || ra.CellCount(StageBW) != 1 {
		t.Fatalf("cells db=%d bw=%d, want 1 each", ra.CellCount(StageDB), ra.CellCount(StageBW))
	}
	if c := ra.Stage(StageBW).Cells[0]; c.Cell() != (Cell{0, 2}) || c.MeanN != 700 {
		t.Errorf("bw cell = %+v", c)
	}
	for _, key := range AllStages {
		for _, span := range ra.Windows[key] {
			d := span.EndMs - span.StartMs
			if d < 800 || d > 1200 {
				t.Errorf("%s window duration %d outside [800,1200]", key, d)
			}
		}
	}
}

func TestAnalyzeRecording_NoBodyWeight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.csv")
	writeSeriesCSV(t, path, twoStageRun(1))
	meta := TestMetadata{DeviceID: "06.00000001"}

	ra, _, err := AnalyzeRecording(path, meta, testConfig())
	if err != nil {
		t.Fatalf("AnalyzeRecording() error = %v", err)
	}
	if ra.Stage(StageBW) != nil {
		t.Error("bw stage should not be configured without a body weight")
	}
	if ra.CellCount(StageDB) != 1 {
		t.Errorf("db cells = %d, want 1", ra.CellCount(StageDB))
	}
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

func TestReplayWindows(t *testing.T) {
	specs := testSpecs()
	windows := WindowSet{
		StageDB: {Cell{1, 1}: {StartMs: 1000, EndMs: 2000}},
		StageBW: {Cell{0, 2}: {StartMs: 90000, EndMs: 91000}},
	}
	samples := hold(0, 3000, 100, 180, 0, 0)

	ra := ReplayWindows(samples, windows, specs)
	if ra.CellCount(StageDB) != 1 {
		t.Fatalf("db cells = %d, want 1", ra.CellCount(StageDB))
	}
	if got := ra.Stage(StageDB).Cells[0].MeanN; got != 180 {
		t.Errorf("replayed mean = %v, want 180", got)
	}
	if ra.CellCount(StageBW) != 0 {
		t.Error("a window with no samples in range must be dropped")
	}
	if ra.Windows[StageDB][Cell{1, 1}] != (TimeSpan{1000, 2000}) {
		t.Error("replayed window should be kept verbatim")
	}
}

func TestAnalyzeProcessedRuns(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	t.Run("replays baseline windows", func(t *testing.T) {
		off := filepath.Join(dir, "off.csv")
		on := filepath.Join(dir, "on.csv")
		writeSeriesCSV(t, off, twoStageRun(1))
		// The selected run has no COP: replay must not need it.
		var b strings.Builder
		b.WriteString("time,sum-z\n")
		for _, s := range twoStageRun(0.95) {
			fmt.Fprintf(&b, "%d,%.6f\n", s.TimeMs, s.Force)
		}
		if err := os.WriteFile(on, []byte(b.String()), 0644); err != nil {
			t.Fatal(err)
		}

		pair, err := AnalyzeProcessedRuns(off, on, testMeta(74), cfg)
		if err != nil {
			t.Fatalf("AnalyzeProcessedRuns() error = %v", err)
		}
		if !pair.Replayed {
			t.Error("expected replay")
		}
		if pair.Selected.CellCount(StageDB) != 1 || pair.Selected.CellCount(StageBW) != 1 {
			t.Fatalf("selected cells db=%d bw=%d", pair.Selected.CellCount(StageDB), pair.Selected.CellCount(StageBW))
		}
		if got := pair.Selected.Stage(StageBW).Cells[0].MeanN; math.Abs(got-665) > 1e-6 {
			t.Errorf("selected bw mean = %v, want 665", got)
		}
	})

	t.Run("falls back to independent analysis", func(t *testing.T) {
		off := filepath.Join(dir, "empty_off.csv")
		on := filepath.Join(dir, "full_on.csv")
		writeSeriesCSV(t, off, hold(0, 3000, 100, 5, 0, 0))
		writeSeriesCSV(t, on, twoStageRun(1))

		pair, err := AnalyzeProcessedRuns(off, on, testMeta(74), cfg)
		if err != nil {
			t.Fatalf("AnalyzeProcessedRuns() error = %v", err)
		}
		if pair.Replayed {
			t.Error("no baseline windows: should not replay")
		}
		if pair.Selected.CellCount(StageDB) != 1 {
			t.Errorf("selected db cells = %d, want 1", pair.Selected.CellCount(StageDB))
		}
	})

	t.Run("missing baseline", func(t *testing.T) {
		_, err := AnalyzeProcessedRuns(filepath.Join(dir, "nope.csv"), filepath.Join(dir, "on.csv"), testMeta(74), cfg)
		if err == nil {
			t.Error("expected error")
		}
	})
}
