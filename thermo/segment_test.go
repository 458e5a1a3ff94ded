package thermo

import "testing"

func testSpecs() []StageSpec {
	return []StageSpec{
		{Key: StageDB, TargetN: 200, ToleranceN: 100, MinDurationMs: 500, WindowMs: 1000, WindowTolMs: 200, MinForceN: 50},
		{Key: StageBW, TargetN: 700, ToleranceN: 200, MinDurationMs: 500, WindowMs: 1000, WindowTolMs: 200, MinForceN: 50},
	}
}

// hold returns samples every stepMs from startMs for durationMs at a fixed
// force and COP (mm).
func hold(startMs, durationMs, stepMs int64, force, x, y float64) []Sample {
	var out []Sample
	for t := startMs; t <= startMs+durationMs; t += stepMs {
		out = append(out, Sample{TimeMs: t, Force: force, CopXMm: x, CopYMm: y})
	}
	return out
}

func TestStageSpec_Matches(t *testing.T) {
	spec := StageSpec{Key: StageDB, TargetN: 200, ToleranceN: 100, MinForceN: 150}
	tests := []struct {
		force float64
		want  bool
	}{
		{200, true},
		{160, true},
		{140, false}, // below min force
		{300, true},
		{301, false},
		{-200, false},
	}
	for _, tt := range tests {
		if got := spec.Matches(tt.force); got != tt.want {
			t.Errorf("Matches(%v) = %v, want %v", tt.force, got, tt.want)
		}
	}

	if (StageSpec{TargetN: 0, ToleranceN: 10}).Matches(0) {
		t.Error("zero target must never match")
	}
}

func TestMatchStage_FirstMatchWins(t *testing.T) {
	specs := []StageSpec{
		{Key: StageDB, TargetN: 400, ToleranceN: 150},
		{Key: StageBW, TargetN: 500, ToleranceN: 150},
	}
	got, ok := MatchStage(480, specs)
	if !ok || got.Key != StageDB {
		t.Errorf("MatchStage(480) = %v, %v; want db (listed first)", got.Key, ok)
	}
	if _, ok := MatchStage(1000, specs); ok {
		t.Error("MatchStage(1000) should not match")
	}
}

func TestParseStageKey(t *testing.T) {
	tests := map[string]StageKey{
		"db":           StageDB,
		"45lb":         StageDB,
		"45 lb DB":     StageDB,
		"bw":           StageBW,
		"bodyweight":   StageBW,
		" Body Weight": StageBW,
	}
	for in, want := range tests {
		got, ok := ParseStageKey(in)
		if !ok || got != want {
			t.Errorf("ParseStageKey(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseStageKey("squat"); ok {
		t.Error("ParseStageKey(squat) should fail")
	}
}

func TestDetectSegments(t *testing.T) {
	geom := NewPlateGeometry(DefaultConfig(), "06")
	opts := SegmentOptions{CopJumpMm: 20, CopMaxDisplacementMm: 100}

	var samples []Sample
	samples = append(samples, hold(0, 2000, 100, 200, 0, 0)...)        // db at center
	samples = append(samples, hold(2100, 300, 100, 10, 0, 0)...)       // unloaded
	samples = append(samples, hold(2500, 2000, 100, 700, 100, 100)...) // bw at (0,2)
	samples = append(samples, hold(4600, 300, 100, 700, -100, 0)...)   // too short

	segs := DetectSegments(samples, testSpecs(), geom, opts)
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
	}
	if segs[0].Stage != StageDB || segs[0].Cell != (Cell{1, 1}) {
		t.Errorf("segment 0 = %s %v", segs[0].Stage, segs[0].Cell)
	}
	if segs[1].Stage != StageBW || segs[1].Cell != (Cell{0, 2}) {
		t.Errorf("segment 1 = %s %v", segs[1].Stage, segs[1].Cell)
	}
	if segs[0].DurationMs() != 2000 {
		t.Errorf("segment 0 duration = %d, want 2000", segs[0].DurationMs())
	}
}

func TestDetectSegments_Warmup(t *testing.T) {
	geom := NewPlateGeometry(DefaultConfig(), "06")
	samples := hold(0, 3000, 100, 200, 0, 0)
	segs := DetectSegments(samples, testSpecs(), geom, SegmentOptions{WarmupSkipMs: 1000, CopJumpMm: 20, CopMaxDisplacementMm: 100})
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Samples[0].TimeMs != 1000 {
		t.Errorf("first kept sample at %d ms, want 1000", segs[0].Samples[0].TimeMs)
	}
}

func TestDetectSegments_SplitsOnCOPMovement(t *testing.T) {
	geom := NewPlateGeometry(DefaultConfig(), "06")
	opts := SegmentOptions{CopJumpMm: 20, CopMaxDisplacementMm: 30}

	t.Run("jump", func(t *testing.T) {
		samples := append(hold(0, 1000, 100, 200, 0, 0), hold(1100, 1000, 100, 200, 25, 0)...)
		segs := DetectSegments(samples, testSpecs(), geom, opts)
		if len(segs) != 2 {
			t.Errorf("got %d segments, want 2 after a 25 mm jump", len(segs))
		}
	})

	t.Run("drift", func(t *testing.T) {
		var samples []Sample
		for i := 0; i <= 25; i++ {
			samples = append(samples, Sample{TimeMs: int64(i) * 100, Force: 200, CopXMm: float64(i) * 2})
		}
		segs := DetectSegments(samples, testSpecs(), geom, opts)
		if len(segs) != 2 {
			t.Errorf("got %d segments, want 2 after drifting 50 mm", len(segs))
		}
	})
}

func TestDetectSegments_Empty(t *testing.T) {
	geom := NewPlateGeometry(DefaultConfig(), "06")
	if segs := DetectSegments(nil, testSpecs(), geom, SegmentOptions{}); segs != nil {
		t.Errorf("DetectSegments(nil) = %v", segs)
	}
	if segs := DetectSegments(hold(0, 1000, 100, 200, 0, 0), nil, geom, SegmentOptions{}); segs != nil {
		t.Errorf("DetectSegments without specs = %v", segs)
	}
}
