package thermo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		errN, threshold float64
		want            ColorBin
	}{
		{0, 10, BinGreen},
		{5, 10, BinGreen},
		{5.01, 10, BinLightGreen},
		{10, 10, BinLightGreen},
		{15, 10, BinYellow},
		{25, 10, BinOrange},
		{25.1, 10, BinRed},
		{1, 0, BinRed},
		{1, -1, BinRed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyError(tt.errN, tt.threshold), "err=%v threshold=%v", tt.errN, tt.threshold)
	}
	assert.True(t, BinLightGreen.Passes())
	assert.False(t, BinYellow.Passes())
}

// scoredRun has db cells reading +1% at (0,0) and +5% at (1,1), and one bw
// cell on target.
func scoredRun() *RunAnalysis {
	ra := newRunAnalysis([]StageSpec{
		{Key: StageDB, TargetN: 200, ToleranceN: 100},
		{Key: StageBW, TargetN: 700, ToleranceN: 200},
	})
	ra.Stages[StageDB].Cells = []CellMeasurement{
		{Row: 0, Col: 0, MeanN: 202},
		{Row: 1, Col: 1, MeanN: 210},
	}
	ra.Stages[StageBW].Cells = []CellMeasurement{{Row: 2, Col: 2, MeanN: 700}}
	return ra
}

func TestScoreStages(t *testing.T) {
	cfg := DefaultConfig()
	ra := scoredRun()

	t.Run("nominal targets", func(t *testing.T) {
		s := ScoreStages(ra, []StageKey{StageDB}, nil, cfg, "06")
		assert.Equal(t, 2, s.N)
		assert.InDelta(t, 3, s.MeanAbs, 1e-9)
		assert.InDelta(t, 3, s.MeanSigned, 1e-9)
		assert.InDelta(t, math.Sqrt(8), s.StdSigned, 1e-9)
		require.NotNil(t, s.PassRate)
		assert.InDelta(t, 50, *s.PassRate, 1e-9)
	})

	t.Run("bias inflates the target", func(t *testing.T) {
		grid := NewGrid[float64](3, 3)
		grid.Set(Cell{1, 1}, 0.05)
		s := ScoreStages(ra, []StageKey{StageDB}, &grid, cfg, "06")
		assert.InDelta(t, 0.5, s.MeanAbs, 1e-9)
		assert.InDelta(t, 100, *s.PassRate, 1e-9)
	})

	t.Run("single cell has zero std", func(t *testing.T) {
		s := ScoreStages(ra, []StageKey{StageBW}, nil, cfg, "06")
		assert.Equal(t, 1, s.N)
		assert.Zero(t, s.StdSigned)
	})

	t.Run("no cells", func(t *testing.T) {
		s := ScoreStages(ra, []StageKey{"squat"}, nil, cfg, "06")
		assert.Equal(t, StageScore{}, s)
	})
}

func TestScoreRun(t *testing.T) {
	scores := ScoreRun(scoredRun(), nil, DefaultConfig(), "06")
	assert.Equal(t, 3, scores.All().N)
	assert.Equal(t, 2, scores[string(StageDB)].N)
	assert.Equal(t, 1, scores[string(StageBW)].N)
	assert.InDelta(t, 2, scores.All().MeanAbs, 1e-9)
}

func TestStageCellViews(t *testing.T) {
	views := StageCellViews(scoredRun(), StageDB, nil, DefaultConfig(), "06")
	require.Len(t, views, 2)
	assert.Equal(t, BinGreen, views[0].Color)
	assert.Equal(t, "+1.0%", views[0].Text)
	// 10 N against a 5 N threshold
	assert.Equal(t, BinOrange, views[1].Color)
	assert.Equal(t, "+5.0%", views[1].Text)
	assert.Contains(t, views[1].Tooltip, "target 200.0 N")

	assert.Nil(t, StageCellViews(&RunAnalysis{}, StageDB, nil, DefaultConfig(), "06"))
}

func TestBiasCellViews(t *testing.T) {
	bm := &BiasMap{DeviceType: "06", Rows: 3, Cols: 3}
	g := NewGrid[float64](3, 3)
	g.Set(Cell{1, 1}, 0.02)
	bm.BiasAll, bm.BiasBW, bm.BiasDB = g.Values, g.Values, g.Values

	views := BiasCellViews(bm, StageBW, 700, DefaultConfig())
	require.Len(t, views, 9)
	center := views[4]
	assert.Equal(t, 1, center.Row)
	assert.Equal(t, 1, center.Col)
	assert.Equal(t, "+2.0%", center.Text)
	// 14 N offset against an 8 N threshold
	assert.Equal(t, BinOrange, center.Color)
	assert.Equal(t, BinGreen, views[0].Color)
}
