package thermo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// TempPoint is one (temperature, value) observation for a sensor/axis/phase.
type TempPoint struct {
	TempF float64 `json:"temp_f"`
	Value float64 `json:"value"`
}

// AnchorMethod records which fallback produced an anchor.
type AnchorMethod string

const (
	AnchorWeightedBaseline AnchorMethod = "weighted_baseline"
	AnchorMeanBaseline     AnchorMethod = "mean_baseline"
	AnchorClosestK         AnchorMethod = "closest_k"
	AnchorMeanAll          AnchorMethod = "mean_all"
	AnchorFirst            AnchorMethod = "first"
)

// Anchor is the (T0, Y0) point a coefficient is defined about.
type Anchor struct {
	T0               float64      `json:"t0"`
	Y0               float64      `json:"y0"`
	Method           AnchorMethod `json:"method"`
	UsedBaselineBand bool         `json:"used_baseline_band"`
}

func anchorWeight(t, target float64) float64 {
	return 1 / (1 + math.Abs(t-target))
}

// weightedMean returns the target-weighted mean of pts, or false when the
// weights sum to zero.
func weightedMean(pts []TempPoint, target float64) (float64, float64, bool) {
	var wSum, tSum, ySum float64
	for _, p := range pts {
		w := anchorWeight(p.TempF, target)
		wSum += w
		tSum += w * p.TempF
		ySum += w * p.Value
	}
	if !(wSum > 0) {
		return 0, 0, false
	}
	t0, y0 := tSum/wSum, ySum/wSum
	if math.IsNaN(t0) || math.IsNaN(y0) {
		return 0, 0, false
	}
	return t0, y0, true
}

func plainMean(pts []TempPoint) (float64, float64, bool) {
	if len(pts) == 0 {
		return 0, 0, false
	}
	var tSum, ySum float64
	for _, p := range pts {
		tSum += p.TempF
		ySum += p.Value
	}
	n := float64(len(pts))
	t0, y0 := tSum/n, ySum/n
	if math.IsNaN(t0) || math.IsNaN(y0) || math.IsInf(t0, 0) || math.IsInf(y0, 0) {
		return 0, 0, false
	}
	return t0, y0, true
}

// ComputeAnchor selects the anchor for points, in order of preference:
// weighted mean of the baseline band, plain mean of the band, weighted mean
// of the closestK points nearest the target, plain mean of all points, then
// the first point. With no points it returns (TargetF, 0) with method first.
func ComputeAnchor(points []TempPoint, cfg CoefficientConfig) Anchor {
	if len(points) == 0 {
		return Anchor{T0: cfg.TargetF, Method: AnchorFirst}
	}

	var band []TempPoint
	for _, p := range points {
		if p.TempF >= cfg.BandLowF && p.TempF <= cfg.BandHighF {
			band = append(band, p)
		}
	}
	if len(band) > 0 {
		if t0, y0, ok := weightedMean(band, cfg.TargetF); ok {
			return Anchor{T0: t0, Y0: y0, Method: AnchorWeightedBaseline, UsedBaselineBand: true}
		}
		if t0, y0, ok := plainMean(band); ok {
			return Anchor{T0: t0, Y0: y0, Method: AnchorMeanBaseline, UsedBaselineBand: true}
		}
	}

	k := max(1, min(cfg.ClosestK, len(points)))
	closest := append([]TempPoint(nil), points...)
	sort.SliceStable(closest, func(i, j int) bool {
		return math.Abs(closest[i].TempF-cfg.TargetF) < math.Abs(closest[j].TempF-cfg.TargetF)
	})
	if t0, y0, ok := weightedMean(closest[:k], cfg.TargetF); ok {
		return Anchor{T0: t0, Y0: y0, Method: AnchorClosestK}
	}
	if t0, y0, ok := plainMean(points); ok {
		return Anchor{T0: t0, Y0: y0, Method: AnchorMeanAll}
	}
	return Anchor{T0: points[0].TempF, Y0: points[0].Value, Method: AnchorFirst}
}

// CoefficientEstimate is an anchored least-squares coefficient.
type CoefficientEstimate struct {
	Anchor      Anchor  `json:"anchor"`
	Coefficient float64 `json:"coefficient"`
	N           int     `json:"n"`
}

// EstimateCoefficient fits slope = Σ(t−T0)(y−Y0) / Σ(t−T0)² through the
// anchor and returns −slope/Y0, the sign the correction service applies.
// It returns false when Y0 is 0, no points are usable, or the denominator
// is 0.
func EstimateCoefficient(points []TempPoint, anchor Anchor) (CoefficientEstimate, bool) {
	if anchor.Y0 == 0 {
		return CoefficientEstimate{}, false
	}
	var num, den float64
	n := 0
	for _, p := range points {
		if math.IsNaN(p.TempF) || math.IsNaN(p.Value) {
			continue
		}
		dt := p.TempF - anchor.T0
		num += dt * (p.Value - anchor.Y0)
		den += dt * dt
		n++
	}
	if n == 0 || den == 0 {
		return CoefficientEstimate{}, false
	}
	c := -(num / den / anchor.Y0)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return CoefficientEstimate{}, false
	}
	return CoefficientEstimate{Anchor: anchor, Coefficient: c, N: n}, true
}

// EstimateFromPoints computes the anchor from cfg and fits the coefficient.
func EstimateFromPoints(points []TempPoint, cfg CoefficientConfig) (CoefficientEstimate, bool) {
	return EstimateCoefficient(points, ComputeAnchor(points, cfg))
}

// CoefficientLine evaluates y(t) = Y0·(1 − (T0 − t)·C) at each t, sorted by t.
func CoefficientLine(anchor Anchor, coef float64, temps []float64) []TempPoint {
	out := make([]TempPoint, 0, len(temps))
	for _, t := range temps {
		if math.IsNaN(t) {
			continue
		}
		out = append(out, TempPoint{TempF: t, Value: anchor.Y0 * (1 - (anchor.T0-t)*coef)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TempF < out[j].TempF })
	return out
}

// ValueSummary describes a sample of values. Std is the population std.
type ValueSummary struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Median float64 `json:"median"`
	P25    float64 `json:"p25"`
	P75    float64 `json:"p75"`
}

// SummarizeValues returns count, mean, population std and linearly
// interpolated quartiles. An empty input yields the zero summary.
func SummarizeValues(values []float64) ValueSummary {
	if len(values) == 0 {
		return ValueSummary{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mean, std := stat.PopMeanStdDev(sorted, nil)
	return ValueSummary{
		N:      len(sorted),
		Mean:   mean,
		Std:    std,
		Median: percentile(sorted, 50),
		P25:    percentile(sorted, 25),
		P75:    percentile(sorted, 75),
	}
}

// percentile interpolates linearly between closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	k := float64(len(sorted)-1) * p / 100
	f := int(k)
	c := min(f+1, len(sorted)-1)
	if f == c {
		return sorted[f]
	}
	return sorted[f]*(float64(c)-k) + sorted[c]*(k-float64(f))
}

// ParseCoefficientSweep parses "start:stop:step" (inclusive of stop) or a
// comma-separated list. Values are rounded to 6 decimals.
func ParseCoefficientSweep(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty coefficient sweep")
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("sweep %q: want start:stop:step", s)
		}
		var nums [3]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("sweep %q: %w", s, err)
			}
			nums[i] = v
		}
		start, stop, step := nums[0], nums[1], nums[2]
		if step <= 0 {
			return nil, fmt.Errorf("sweep %q: step must be > 0", s)
		}
		var out []float64
		for v := start; v <= stop+1e-12; v += step {
			out = append(out, round6(v))
		}
		return out, nil
	}

	var out []float64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("sweep %q: %w", s, err)
		}
		out = append(out, round6(v))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("sweep %q: no values", s)
	}
	return out, nil
}

var tempPointTempColumns = []string{"temp_f", "temperature_f", "temp", "temperature"}
var tempPointValueColumns = []string{"value", "mean", "sum-z", "sum_z"}

// ParseTempPoints reads (temperature, value) observations from a table with
// a temperature column and a value column. Unparsable rows are skipped.
func ParseTempPoints(r io.Reader) ([]TempPoint, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyHeader
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	idx := headerIndex(header)
	tIdx := findColumn(idx, tempPointTempColumns)
	vIdx := findColumn(idx, tempPointValueColumns)
	if tIdx < 0 {
		return nil, fmt.Errorf("%w: temperature (one of %s)", ErrMissingColumn, strings.Join(tempPointTempColumns, "/"))
	}
	if vIdx < 0 {
		return nil, fmt.Errorf("%w: value (one of %s)", ErrMissingColumn, strings.Join(tempPointValueColumns, "/"))
	}

	var pts []TempPoint
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row: %w", err)
		}
		t, ok := parseField(row, tIdx)
		if !ok {
			continue
		}
		v, ok := parseField(row, vIdx)
		if !ok {
			continue
		}
		pts = append(pts, TempPoint{TempF: t, Value: v})
	}
	return pts, nil
}

// LoadTempPoints reads observations from a CSV file.
func LoadTempPoints(path string) ([]TempPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening points: %w", err)
	}
	defer f.Close()
	return ParseTempPoints(f)
}
