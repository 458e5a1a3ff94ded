package thermo

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RollupVersion is the on-disk schema version of RollupLog.
const RollupVersion = 1

// EvaluationRun is one (device, coefficient set, recording) result.
type EvaluationRun struct {
	ID           string         `json:"id"`
	PlateType    string         `json:"plate_type"`
	DeviceID     string         `json:"device_id"`
	DeviceType   string         `json:"device_type"`
	CoefKey      string         `json:"coef_key"`
	Mode         CorrectionMode `json:"mode"`
	Coefs        Coefficients   `json:"coefs"`
	RawCSV       string         `json:"raw_csv"`
	TemperatureF *float64       `json:"temp_f"`
	BaselineCSV  string         `json:"baseline_csv"`
	SelectedCSV  string         `json:"selected_csv"`
	Baseline     Scores         `json:"baseline"`
	Selected     Scores         `json:"selected"`
	RecordedAtMs int64          `json:"recorded_at_ms"`
}

// NewEvaluationRun stamps a run with an id and the current time.
func NewEvaluationRun(plateType, deviceID string, key CoefficientKey) EvaluationRun {
	return EvaluationRun{
		ID:           uuid.NewString(),
		PlateType:    plateType,
		DeviceID:     deviceID,
		CoefKey:      key.String(),
		Mode:         key.Mode,
		Coefs:        key.Coefficients(),
		RecordedAtMs: time.Now().UnixMilli(),
	}
}

// RollupLog is the append-only run log of one plate type.
type RollupLog struct {
	Version     int             `json:"version"`
	PlateType   string          `json:"plate_type"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
	Runs        []EvaluationRun `json:"runs"`
}

// NewRollupLog returns an empty log for a plate type.
func NewRollupLog(plateType string) *RollupLog {
	return &RollupLog{Version: RollupVersion, PlateType: plateType, Runs: []EvaluationRun{}}
}

// Append adds runs and bumps the update time. Existing runs are never touched.
func (l *RollupLog) Append(runs ...EvaluationRun) {
	l.Runs = append(l.Runs, runs...)
	l.UpdatedAtMs = time.Now().UnixMilli()
}

// CoefficientScore is the aggregate score of one coefficient set.
type CoefficientScore struct {
	CoefKey         string  `json:"coef_key"`
	ScoreMeanAbs    float64 `json:"score_mean_abs"`
	MeanSigned      float64 `json:"mean_signed"`
	StdSigned       float64 `json:"std_signed"`
	Coverage        string  `json:"coverage"`
	EligibleDevices int     `json:"eligible_devices"`
	EligibleRuns    int     `json:"eligible_runs"`
}

// Sort orders for Rank.
const (
	SortByMeanAbs = "mean_abs"
	SortBySigned  = "signed"
)

// RankOptions controls Rank. MinDevices defaults to 2, SortBy to mean_abs and
// TopN <= 0 returns every row.
type RankOptions struct {
	MinDevices int
	SortBy     string
	TopN       int
}

// DefaultRankOptions returns the top-3 ranking used for plate types.
func DefaultRankOptions() RankOptions {
	return RankOptions{MinDevices: 2, SortBy: SortByMeanAbs, TopN: 3}
}

type eligibleSet struct {
	devices int
	runs    []EvaluationRun
	temps   []float64
}

// eligibleRuns keeps the runs of devices that have at least two distinct
// temperatures. Runs without a temperature count toward neither.
func eligibleRuns(byDevice map[string][]EvaluationRun) eligibleSet {
	devices := make([]string, 0, len(byDevice))
	for d := range byDevice {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	var out eligibleSet
	for _, d := range devices {
		runs := byDevice[d]
		temps := make(map[float64]struct{})
		for _, r := range runs {
			if r.TemperatureF != nil {
				temps[*r.TemperatureF] = struct{}{}
			}
		}
		if len(temps) < 2 {
			continue
		}
		out.devices++
		out.runs = append(out.runs, runs...)
		for t := range temps {
			out.temps = append(out.temps, t)
		}
	}
	return out
}

// canonicalKey returns the String form of a parseable key, or the trimmed
// input otherwise.
func canonicalKey(key string) string {
	key = strings.TrimSpace(key)
	if k, err := ParseCoefficientKey(key); err == nil {
		return k.String()
	}
	return key
}

func groupRuns(runs []EvaluationRun) map[string]map[string][]EvaluationRun {
	byCoef := make(map[string]map[string][]EvaluationRun)
	for _, r := range runs {
		key := canonicalKey(r.CoefKey)
		if key == "" || r.DeviceID == "" {
			continue
		}
		byDev := byCoef[key]
		if byDev == nil {
			byDev = make(map[string][]EvaluationRun)
			byCoef[key] = byDev
		}
		byDev[r.DeviceID] = append(byDev[r.DeviceID], r)
	}
	return byCoef
}

// scoreCoefficient averages selected.all statistics over eligible runs. It
// returns false when fewer than minDevices devices are eligible or no
// eligible run has a score.
func scoreCoefficient(key string, byDevice map[string][]EvaluationRun, minDevices int) (CoefficientScore, bool) {
	el := eligibleRuns(byDevice)
	if el.devices < max(1, minDevices) {
		return CoefficientScore{}, false
	}

	var absSum, signedSum, stdSum float64
	n := 0
	for _, r := range el.runs {
		s := r.Selected.All()
		if s.N == 0 {
			continue
		}
		absSum += s.MeanAbs
		signedSum += s.MeanSigned
		stdSum += s.StdSigned
		n++
	}
	if n == 0 {
		return CoefficientScore{}, false
	}
	return CoefficientScore{
		CoefKey:         key,
		ScoreMeanAbs:    absSum / float64(n),
		MeanSigned:      signedSum / float64(n),
		StdSigned:       stdSum / float64(n),
		Coverage:        coverage(el),
		EligibleDevices: el.devices,
		EligibleRuns:    len(el.runs),
	}, true
}

func coverage(el eligibleSet) string {
	s := fmt.Sprintf("%d devices, %d tests", el.devices, len(el.runs))
	if len(el.temps) == 0 {
		return s
	}
	lo, hi := el.temps[0], el.temps[0]
	for _, t := range el.temps[1:] {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}
	return fmt.Sprintf("%s, temps %.1f–%.1f°F", s, lo, hi)
}

// AggregateCoefficient scores a single coefficient key, matched after
// normalization. One eligible device is enough unless minDevices asks for
// more.
func AggregateCoefficient(runs []EvaluationRun, key string, minDevices int) (CoefficientScore, bool) {
	key = canonicalKey(key)
	if key == "" {
		return CoefficientScore{}, false
	}
	byDevice := groupRuns(runs)[key]
	if byDevice == nil {
		return CoefficientScore{}, false
	}
	return scoreCoefficient(key, byDevice, max(1, minDevices))
}

// Rank scores every coefficient key in runs and orders them ascending by
// mean absolute error, or by |mean signed error| when SortBy is "signed".
// Ties fall back to the coefficient key so the order is stable.
func Rank(runs []EvaluationRun, opts RankOptions) []CoefficientScore {
	minDevices := opts.MinDevices
	if minDevices <= 0 {
		minDevices = 2
	}

	byCoef := groupRuns(runs)
	keys := make([]string, 0, len(byCoef))
	for k := range byCoef {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]CoefficientScore, 0, len(keys))
	for _, k := range keys {
		if s, ok := scoreCoefficient(k, byCoef[k], minDevices); ok {
			rows = append(rows, s)
		}
	}

	metric := func(s CoefficientScore) float64 { return s.ScoreMeanAbs }
	if isSignedSort(opts.SortBy) {
		metric = func(s CoefficientScore) float64 { return math.Abs(s.MeanSigned) }
	}
	sort.SliceStable(rows, func(i, j int) bool {
		mi, mj := metric(rows[i]), metric(rows[j])
		if mi != mj {
			return mi < mj
		}
		return rows[i].CoefKey < rows[j].CoefKey
	})

	if opts.TopN > 0 && len(rows) > opts.TopN {
		rows = rows[:opts.TopN]
	}
	return rows
}

func isSignedSort(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "signed", "signed_abs", "abs_signed", "mean_signed_abs":
		return true
	}
	return false
}
