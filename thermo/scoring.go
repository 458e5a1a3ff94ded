package thermo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// ScoreAll is the score key covering every stage.
const ScoreAll = "all"

// ScoreKeys lists the score groups computed for each run.
var ScoreKeys = []string{ScoreAll, string(StageDB), string(StageBW)}

// StageScore summarizes bias-controlled percent errors over a set of cells.
// A score with N == 0 carries no statistics.
type StageScore struct {
	N          int      `json:"n"`
	MeanAbs    float64  `json:"mean_abs,omitempty"`
	MeanSigned float64  `json:"mean_signed,omitempty"`
	StdSigned  float64  `json:"std_signed,omitempty"`
	PassRate   *float64 `json:"pass_rate,omitempty"`
}

// Scores maps "all", "db" and "bw" to their score.
type Scores map[string]StageScore

// All returns the score across every stage.
func (s Scores) All() StageScore { return s[ScoreAll] }

// ColorBin is a grading bucket for the error of one cell.
type ColorBin string

const (
	BinGreen      ColorBin = "green"
	BinLightGreen ColorBin = "light_green"
	BinYellow     ColorBin = "yellow"
	BinOrange     ColorBin = "orange"
	BinRed        ColorBin = "red"
)

// binMultipliers are upper bounds on |error| / threshold for each bin.
var binMultipliers = []struct {
	bin ColorBin
	max float64
}{
	{BinGreen, 0.5},
	{BinLightGreen, 1.0},
	{BinYellow, 1.5},
	{BinOrange, 2.5},
}

// ClassifyError bins an absolute error (N) against a pass threshold (N).
// A non-positive threshold always grades red.
func ClassifyError(absErrorN, thresholdN float64) ColorBin {
	if thresholdN <= 0 {
		return BinRed
	}
	ratio := absErrorN / thresholdN
	for _, b := range binMultipliers {
		if ratio <= b.max {
			return b.bin
		}
	}
	return BinRed
}

// Passes reports whether a bin counts as passing.
func (b ColorBin) Passes() bool {
	return b == BinGreen || b == BinLightGreen
}

// cellTarget applies the bias of a cell to the stage target.
func cellTarget(base float64, bias *Grid[float64], cell Cell) float64 {
	if bias == nil || bias.Values == nil || !bias.In(cell) {
		return base
	}
	return base * (1 + bias.At(cell))
}

// ScoreStages computes the score over the given stages of a run. Each cell
// is compared to its stage target inflated by the cell's bias.
func ScoreStages(ra *RunAnalysis, keys []StageKey, bias *Grid[float64], cfg *Config, deviceType string) StageScore {
	var signed []float64
	absSum := 0.0
	pass := 0
	for _, key := range keys {
		stage := ra.Stage(key)
		if stage == nil {
			continue
		}
		threshold := cfg.PassingThreshold(key, deviceType)
		for _, c := range stage.Cells {
			target := cellTarget(stage.TargetN, bias, c.Cell())
			if target == 0 {
				continue
			}
			pct := (c.MeanN - target) / target * 100
			signed = append(signed, pct)
			absSum += math.Abs(pct)
			if ClassifyError(math.Abs(c.MeanN-target), threshold).Passes() {
				pass++
			}
		}
	}
	if len(signed) == 0 {
		return StageScore{}
	}
	n := len(signed)
	std := 0.0
	if n > 1 {
		std = stat.StdDev(signed, nil)
	}
	rate := 100 * float64(pass) / float64(n)
	return StageScore{
		N:          n,
		MeanAbs:    absSum / float64(n),
		MeanSigned: stat.Mean(signed, nil),
		StdSigned:  std,
		PassRate:   &rate,
	}
}

// ScoreRun computes the all/db/bw scores of a run against a bias map.
// A nil bias scores against the nominal targets.
func ScoreRun(ra *RunAnalysis, bias *BiasMap, cfg *Config, deviceType string) Scores {
	var grid *Grid[float64]
	if bias != nil {
		g := bias.Grid()
		grid = &g
	}
	all := make([]StageKey, 0, len(AllStages))
	for _, k := range AllStages {
		if ra.Stage(k) != nil {
			all = append(all, k)
		}
	}
	return Scores{
		ScoreAll:        ScoreStages(ra, all, grid, cfg, deviceType),
		string(StageDB): ScoreStages(ra, []StageKey{StageDB}, grid, cfg, deviceType),
		string(StageBW): ScoreStages(ra, []StageKey{StageBW}, grid, cfg, deviceType),
	}
}

// CellView is the presentation model of one grid cell.
type CellView struct {
	Row     int      `json:"row"`
	Col     int      `json:"col"`
	Color   ColorBin `json:"color"`
	Text    string   `json:"text"`
	Tooltip string   `json:"tooltip"`
}

// StageCellViews grades every measured cell of a stage. When bias is
// non-nil each cell is graded against its bias-adjusted target.
func StageCellViews(ra *RunAnalysis, key StageKey, bias *BiasMap, cfg *Config, deviceType string) []CellView {
	stage := ra.Stage(key)
	if stage == nil {
		return nil
	}
	var grid *Grid[float64]
	if bias != nil {
		g := bias.Grid()
		grid = &g
	}
	threshold := cfg.PassingThreshold(key, deviceType)
	views := make([]CellView, 0, len(stage.Cells))
	for _, c := range stage.Cells {
		target := cellTarget(stage.TargetN, grid, c.Cell())
		errN := c.MeanN - target
		pct := 0.0
		if target != 0 {
			pct = errN / target * 100
		}
		views = append(views, CellView{
			Row:     c.Row,
			Col:     c.Col,
			Color:   ClassifyError(math.Abs(errN), threshold),
			Text:    fmt.Sprintf("%+.1f%%", pct),
			Tooltip: fmt.Sprintf("%s %s: mean %.1f N, target %.1f N, error %+.1f N", stage.Name, c.Cell(), c.MeanN, target, errN),
		})
	}
	return views
}

// BiasCellViews renders a bias map as a full grid of views. The color grades
// the implied force offset on the stage target against the pass threshold.
func BiasCellViews(bias *BiasMap, key StageKey, targetN float64, cfg *Config) []CellView {
	grid := bias.StageGrid(key)
	threshold := cfg.PassingThreshold(key, bias.DeviceType)
	views := make([]CellView, 0, grid.Rows*grid.Cols)
	for r := 0; r < grid.Rows; r++ {
		for c := 0; c < grid.Cols; c++ {
			cell := Cell{Row: r, Col: c}
			b := grid.At(cell)
			views = append(views, CellView{
				Row:     r,
				Col:     c,
				Color:   ClassifyError(math.Abs(b*targetN), threshold),
				Text:    fmt.Sprintf("%+.1f%%", b*100),
				Tooltip: fmt.Sprintf("%s bias %s: %+.2f%%", key.Name(), cell, b*100),
			})
		}
	}
	return views
}
