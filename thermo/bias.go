package thermo

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gonum.org/v1/gonum/stat"
)

// BiasMapVersion is the on-disk schema version of BiasMap.
const BiasMapVersion = 1

// BaselineInput is one room-temperature recording already reduced to
// per-cell measurements.
type BaselineInput struct {
	CSV          string
	ProcessedOff string
	TemperatureF *float64
	Grid         GridInfo
	Analysis     *RunAnalysis
}

// BaselineSummary records what one baseline contributed to a bias map.
type BaselineSummary struct {
	CSV             string   `json:"csv"`
	TemperatureF    *float64 `json:"temp_f"`
	ProcessedOff    string   `json:"processed_off"`
	DBTargetN       float64  `json:"db_target_n"`
	BWTargetN       float64  `json:"bw_target_n"`
	DBCellsMeasured int      `json:"db_cells_measured"`
	BWCellsMeasured int      `json:"bw_cells_measured"`
}

// CountSummary is mean/min/max of a per-baseline count.
type CountSummary struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// BiasMap is the persisted per-device bias record. Bias always equals BiasAll.
type BiasMap struct {
	Version       int                       `json:"version"`
	DeviceID      string                    `json:"device_id"`
	DeviceType    string                    `json:"device_type"`
	Rows          int                       `json:"rows"`
	Cols          int                       `json:"cols"`
	RoomTempMinF  float64                   `json:"room_temp_min_f"`
	RoomTempMaxF  float64                   `json:"room_temp_max_f"`
	ComputedAtMs  int64                     `json:"computed_at_ms"`
	Baselines     []BaselineSummary         `json:"baselines"`
	Bias          [][]float64               `json:"bias"`
	BiasAll       [][]float64               `json:"bias_all"`
	BiasDB        [][]float64               `json:"bias_db"`
	BiasBW        [][]float64               `json:"bias_bw"`
	MeasuredCells map[StageKey]CountSummary `json:"measured_cells"`
}

// Grid returns the combined bias as a Grid.
func (b *BiasMap) Grid() Grid[float64] {
	return Grid[float64]{Rows: b.Rows, Cols: b.Cols, Values: b.BiasAll}
}

// StageGrid returns the stage-resolved bias, or the combined bias for any
// other key.
func (b *BiasMap) StageGrid(key StageKey) Grid[float64] {
	switch key {
	case StageDB:
		return Grid[float64]{Rows: b.Rows, Cols: b.Cols, Values: b.BiasDB}
	case StageBW:
		return Grid[float64]{Rows: b.Rows, Cols: b.Cols, Values: b.BiasBW}
	}
	return b.Grid()
}

// StageTarget is the mean stage target across the map's baselines, or 0 when
// no baseline measured the stage.
func (b *BiasMap) StageTarget(key StageKey) float64 {
	var vals []float64
	for _, s := range b.Baselines {
		t := s.DBTargetN
		if key == StageBW {
			t = s.BWTargetN
		}
		if t > 0 {
			vals = append(vals, t)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

// normalize restores the bias/bias_all alias after loading older records.
func (b *BiasMap) normalize() {
	if b.BiasAll == nil {
		b.BiasAll = b.Bias
	}
	b.Bias = b.BiasAll
}

type baselineBias struct {
	all, db, bw Grid[float64]
	summary     BaselineSummary
}

// stagePct maps each measured cell to its fractional deviation from target.
func stagePct(stage *StageResult) map[Cell]float64 {
	out := make(map[Cell]float64, len(stage.Cells))
	for _, c := range stage.Cells {
		out[c.Cell()] = (c.MeanN - stage.TargetN) / stage.TargetN
	}
	return out
}

func meanOf(m map[Cell]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m {
		sum += v
	}
	return sum / float64(len(m))
}

func reduceBaseline(in BaselineInput) (baselineBias, error) {
	var out baselineBias
	db := in.Analysis.Stage(StageDB)
	bw := in.Analysis.Stage(StageBW)
	dbCells, bwCells := in.Analysis.CellCount(StageDB), in.Analysis.CellCount(StageBW)
	if dbCells == 0 || bwCells == 0 {
		return out, fmt.Errorf("%w (45lb cells=%d, bodyweight cells=%d)", ErrNoStageCells, dbCells, bwCells)
	}
	if db.TargetN <= 0 || bw.TargetN <= 0 {
		return out, fmt.Errorf("%w (db_target=%.1f, bw_target=%.1f)", ErrInvalidTarget, db.TargetN, bw.TargetN)
	}

	dbPct, bwPct := stagePct(db), stagePct(bw)
	avgDB, avgBW := meanOf(dbPct), meanOf(bwPct)

	rows, cols := in.Grid.Rows, in.Grid.Cols
	out.all, out.db, out.bw = NewGrid[float64](rows, cols), NewGrid[float64](rows, cols), NewGrid[float64](rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			cell := Cell{Row: r, Col: c}
			pDB, ok := dbPct[cell]
			if !ok {
				pDB = avgDB
			}
			pBW, ok := bwPct[cell]
			if !ok {
				pBW = avgBW
			}
			out.db.Set(cell, pDB)
			out.bw.Set(cell, pBW)
			out.all.Set(cell, 0.5*pDB+0.5*pBW)
		}
	}
	out.summary = BaselineSummary{
		CSV:             in.CSV,
		TemperatureF:    in.TemperatureF,
		ProcessedOff:    in.ProcessedOff,
		DBTargetN:       db.TargetN,
		BWTargetN:       bw.TargetN,
		DBCellsMeasured: len(dbPct),
		BWCellsMeasured: len(bwPct),
	}
	return out, nil
}

// AggregateBias combines baseline measurements into a per-cell bias map.
// Every baseline must have cells for both stages, positive targets and the
// same grid. Any failure aborts the whole map; the returned error joins one
// reason per failed baseline.
func AggregateBias(deviceID string, baselines []BaselineInput, tempRange BaselineConfig) (*BiasMap, error) {
	if len(baselines) == 0 {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNoBaselines)
	}

	var (
		reduced []baselineBias
		errs    []error
		grid    *GridInfo
	)
	for _, in := range baselines {
		label := baselineLabel(in)
		if in.Grid.Rows <= 0 || in.Grid.Cols <= 0 {
			errs = append(errs, fmt.Errorf("baseline %s: invalid grid %dx%d", label, in.Grid.Rows, in.Grid.Cols))
			continue
		}
		if grid == nil {
			g := in.Grid
			grid = &g
		} else if grid.Rows != in.Grid.Rows || grid.Cols != in.Grid.Cols {
			errs = append(errs, fmt.Errorf("baseline %s: %w (expected %dx%d, got %dx%d)",
				label, ErrGridMismatch, grid.Rows, grid.Cols, in.Grid.Rows, in.Grid.Cols))
			continue
		}
		b, err := reduceBaseline(in)
		if err != nil {
			errs = append(errs, fmt.Errorf("baseline %s: %w", label, err))
			continue
		}
		reduced = append(reduced, b)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	n := float64(len(reduced))
	all := NewGrid[float64](grid.Rows, grid.Cols)
	db := NewGrid[float64](grid.Rows, grid.Cols)
	bw := NewGrid[float64](grid.Rows, grid.Cols)
	summaries := make([]BaselineSummary, 0, len(reduced))
	for _, b := range reduced {
		for r := 0; r < grid.Rows; r++ {
			for c := 0; c < grid.Cols; c++ {
				all.Values[r][c] += b.all.Values[r][c] / n
				db.Values[r][c] += b.db.Values[r][c] / n
				bw.Values[r][c] += b.bw.Values[r][c] / n
			}
		}
		summaries = append(summaries, b.summary)
	}

	dbCounts := make([]float64, len(summaries))
	bwCounts := make([]float64, len(summaries))
	for i, s := range summaries {
		dbCounts[i] = float64(s.DBCellsMeasured)
		bwCounts[i] = float64(s.BWCellsMeasured)
	}

	bm := &BiasMap{
		Version:      BiasMapVersion,
		DeviceID:     deviceID,
		DeviceType:   grid.DeviceType,
		Rows:         grid.Rows,
		Cols:         grid.Cols,
		RoomTempMinF: tempRange.RoomTempMinF,
		RoomTempMaxF: tempRange.RoomTempMaxF,
		ComputedAtMs: time.Now().UnixMilli(),
		Baselines:    summaries,
		Bias:         all.Values,
		BiasAll:      all.Values,
		BiasDB:       db.Values,
		BiasBW:       bw.Values,
		MeasuredCells: map[StageKey]CountSummary{
			StageDB: summarizeCounts(dbCounts),
			StageBW: summarizeCounts(bwCounts),
		},
	}
	log.Printf("[bias] device=%s baselines=%d grid=%dx%d", deviceID, len(reduced), grid.Rows, grid.Cols)
	return bm, nil
}

func summarizeCounts(vals []float64) CountSummary {
	if len(vals) == 0 {
		return CountSummary{}
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return CountSummary{Mean: stat.Mean(vals, nil), Min: lo, Max: hi}
}

func baselineLabel(in BaselineInput) string {
	if in.TemperatureF != nil {
		return fmt.Sprintf("%s (%.1f°F)", in.CSV, *in.TemperatureF)
	}
	return in.CSV
}

// InBaselineRange reports whether a recording temperature qualifies as a
// room-temperature baseline.
func InBaselineRange(tempF float64, cfg BaselineConfig) bool {
	lo, hi := cfg.RoomTempMinF, cfg.RoomTempMaxF
	if lo > hi {
		lo, hi = hi, lo
	}
	return tempF >= lo && tempF <= hi
}
