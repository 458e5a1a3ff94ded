package thermo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Normalized phase names used to align raw and processed rows.
const (
	Phase45lb       = "45lb"
	PhaseBodyweight = "bodyweight"
)

// NormalizePhase maps phase spellings onto "45lb" or "bodyweight"; anything
// else is returned lower-cased.
func NormalizePhase(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	switch key, ok := ParseStageKey(v); {
	case ok && key == StageDB:
		return Phase45lb
	case ok && key == StageBW:
		return PhaseBodyweight
	}
	return v
}

// DiscreteRow is one raw row of a discrete-temperature recording with
// per-sensor axial force and temperature.
type DiscreteRow struct {
	SourceFile string
	DeviceID   string
	PlateType  string
	Phase      string
	TimeMs     int64
	SumTF      float64
	ZBySensor  map[string]float64
	TBySensor  map[string]float64
}

// L1Raw is Σ|z| over sensors.
func (r DiscreteRow) L1Raw() float64 {
	total := 0.0
	for _, z := range r.ZBySensor {
		total += math.Abs(z)
	}
	return total
}

// L1Scaled is Σ|z·(1 − (room − t)·coef)| over sensors, where t is the
// sensor's temperature or the summed temperature when the sensor has none.
func (r DiscreteRow) L1Scaled(coef, roomTempF float64) float64 {
	total := 0.0
	for sensor, z := range r.ZBySensor {
		t, ok := r.TBySensor[sensor]
		if !ok {
			t = r.SumTF
		}
		total += math.Abs(z * (1 - (roomTempF-t)*coef))
	}
	return total
}

// LoadDiscreteRows reads a discrete recording. Sensor force columns end in
// "-z" (excluding sum-z) and sensor temperatures in "-t" (excluding sum-t).
func LoadDiscreteRows(path string) ([]DiscreteRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening discrete csv: %w", err)
	}
	defer f.Close()
	rows, err := ParseDiscreteRows(f, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("parsing discrete csv %s: %w", path, err)
	}
	return rows, nil
}

// ParseDiscreteRows parses a discrete recording from r.
func ParseDiscreteRows(r io.Reader, source string) ([]DiscreteRow, error) {
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
	timeIdx := findColumn(idx, timeColumns)
	if timeIdx < 0 {
		return nil, fmt.Errorf("%w: time", ErrMissingColumn)
	}
	sumTIdx := findColumn(idx, []string{"sum-t", "sum_t"})
	phaseIdx := findColumn(idx, []string{"phase_name", "phase"})
	deviceIdx := findColumn(idx, []string{"device_id"})

	zCols := map[string]int{}
	tCols := map[string]int{}
	for name, i := range idx {
		switch {
		case strings.HasSuffix(name, "-z") && name != "sum-z":
			zCols[strings.TrimSuffix(name, "-z")] = i
		case strings.HasSuffix(name, "-t") && name != "sum-t":
			tCols[strings.TrimSuffix(name, "-t")] = i
		}
	}
	if len(zCols) == 0 {
		return nil, fmt.Errorf("%w: per-sensor <sensor>-z", ErrMissingColumn)
	}

	var out []DiscreteRow
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return nil, fmt.Errorf("reading row: %w", err)
		}
		t, ok := parseField(row, timeIdx)
		if !ok {
			continue
		}
		dr := DiscreteRow{
			SourceFile: source,
			TimeMs:     int64(t),
			ZBySensor:  make(map[string]float64, len(zCols)),
			TBySensor:  make(map[string]float64, len(tCols)),
		}
		if v, ok := parseField(row, sumTIdx); ok {
			dr.SumTF = v
		}
		if phaseIdx >= 0 && phaseIdx < len(row) {
			dr.Phase = NormalizePhase(row[phaseIdx])
		}
		if deviceIdx >= 0 && deviceIdx < len(row) {
			dr.DeviceID = strings.TrimSpace(row[deviceIdx])
			dr.PlateType = PlateTypeFromDeviceID(dr.DeviceID)
		}
		for sensor, i := range zCols {
			if v, ok := parseField(row, i); ok {
				dr.ZBySensor[sensor] = v
			}
		}
		for sensor, i := range tCols {
			if v, ok := parseField(row, i); ok {
				dr.TBySensor[sensor] = v
			}
		}
		out = append(out, dr)
	}
	return out, nil
}

// ProcessedSumZ is one row of a processed recording reduced to summed force.
type ProcessedSumZ struct {
	TimeMs int64
	Phase  string
	SumZ   float64
}

// LoadProcessedSumZ reads (time, phase, sum-z) triples in file order.
// Unparsable time or force fields read as 0.
func LoadProcessedSumZ(path string) ([]ProcessedSumZ, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening processed csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading processed header: %w", err)
	}
	idx := headerIndex(header)
	timeIdx := findColumn(idx, []string{"time", "time_ms"})
	phaseIdx := findColumn(idx, []string{"phase_name", "phase"})
	sumIdx := findColumn(idx, []string{"sum-z", "sum_z"})

	var out []ProcessedSumZ
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return nil, fmt.Errorf("reading processed row: %w", err)
		}
		p := ProcessedSumZ{}
		if v, ok := parseField(row, timeIdx); ok {
			p.TimeMs = int64(v)
		}
		if phaseIdx >= 0 && phaseIdx < len(row) {
			p.Phase = NormalizePhase(row[phaseIdx])
		}
		if v, ok := parseField(row, sumIdx); ok {
			p.SumZ = v
		}
		out = append(out, p)
	}
	return out, nil
}

type timePhase struct {
	t     int64
	phase string
}

// AlignSumZ matches processed sum-z values to raw rows: by (time, phase)
// first, then by time in file order, then by row index. Rows with no match
// are nil.
func AlignSumZ(raw []DiscreteRow, processed []ProcessedSumZ) []*float64 {
	byKey := make(map[timePhase]float64, len(processed))
	byTime := make(map[int64][]float64)
	for _, p := range processed {
		byKey[timePhase{p.TimeMs, NormalizePhase(p.Phase)}] = p.SumZ
		byTime[p.TimeMs] = append(byTime[p.TimeMs], p.SumZ)
	}

	out := make([]*float64, len(raw))
	for i, r := range raw {
		if v, ok := byKey[timePhase{r.TimeMs, NormalizePhase(r.Phase)}]; ok {
			out[i] = &v
			continue
		}
		if q := byTime[r.TimeMs]; len(q) > 0 {
			v := q[0]
			byTime[r.TimeMs] = q[1:]
			out[i] = &v
			continue
		}
		if i < len(processed) {
			v := processed[i].SumZ
			out[i] = &v
		}
	}
	return out
}

// PctChange returns (new−old)/old, or false when |old| < 1e-9.
func PctChange(newV, oldV float64) (float64, bool) {
	if math.Abs(oldV) < 1e-9 {
		return 0, false
	}
	return (newV - oldV) / oldV, true
}

// GainRow is the input/output perturbation of one raw row under a coefficient.
type GainRow struct {
	SourceFile string   `json:"source_file"`
	DeviceID   string   `json:"device_id"`
	PlateType  string   `json:"plate_type"`
	Phase      string   `json:"phase"`
	TimeMs     int64    `json:"time_ms"`
	SumTF      float64  `json:"sum_t_f"`
	Coef       float64  `json:"coef_z"`
	L1Raw      float64  `json:"l1z_raw"`
	L1Scaled   float64  `json:"l1z_scaled"`
	Din        *float64 `json:"din"`
	F0         *float64 `json:"f0"`
	F1         *float64 `json:"f1"`
	Dout       *float64 `json:"dout"`
	Gain       *float64 `json:"gain"`
}

// ComputeGainRows compares uncorrected (f0) and corrected (f1) outputs for
// each raw row. Gain is set only when |din| >= minAbsDin.
func ComputeGainRows(raw []DiscreteRow, f0, f1 []*float64, coef float64, cfg GainConfig) []GainRow {
	n := min(len(raw), len(f0), len(f1))
	out := make([]GainRow, 0, n)
	for i := 0; i < n; i++ {
		r := raw[i]
		row := GainRow{
			SourceFile: r.SourceFile,
			DeviceID:   r.DeviceID,
			PlateType:  r.PlateType,
			Phase:      r.Phase,
			TimeMs:     r.TimeMs,
			SumTF:      r.SumTF,
			Coef:       coef,
			L1Raw:      r.L1Raw(),
			L1Scaled:   r.L1Scaled(coef, cfg.RoomTempF),
			F0:         f0[i],
			F1:         f1[i],
		}
		if din, ok := PctChange(row.L1Scaled, row.L1Raw); ok {
			row.Din = &din
		}
		if f0[i] != nil && f1[i] != nil {
			if dout, ok := PctChange(*f1[i], *f0[i]); ok {
				row.Dout = &dout
			}
		}
		if row.Din != nil && row.Dout != nil && math.Abs(*row.Din) >= cfg.MinAbsDin {
			g := *row.Dout / *row.Din
			row.Gain = &g
		}
		out = append(out, row)
	}
	return out
}

// TempBucket labels t with its floor-aligned bucket, e.g. "74-76".
func TempBucket(t, width float64) string {
	if width <= 0 {
		return "na"
	}
	lo := math.Floor(t/width) * width
	return fmt.Sprintf("%.0f-%.0f", lo, lo+width)
}

// GainSummary aggregates gains for one (plate, device, phase, coef, bucket).
type GainSummary struct {
	PlateType  string  `json:"plate_type"`
	DeviceID   string  `json:"device_id"`
	Phase      string  `json:"phase"`
	Coef       float64 `json:"coef_z"`
	TempBucket string  `json:"temp_bucket_f"`
	N          int     `json:"n"`
	Mean       float64 `json:"gain_mean"`
	Std        float64 `json:"gain_std"`
	Median     float64 `json:"gain_median"`
	Min        float64 `json:"gain_min"`
	Max        float64 `json:"gain_max"`
}

type gainKey struct {
	plate, device, phase string
	coef                 float64
	bucket               string
}

func (a gainKey) less(b gainKey) bool {
	if a.plate != b.plate {
		return a.plate < b.plate
	}
	if a.device != b.device {
		return a.device < b.device
	}
	if a.phase != b.phase {
		return a.phase < b.phase
	}
	if a.coef != b.coef {
		return a.coef < b.coef
	}
	return a.bucket < b.bucket
}

// SummarizeGain groups rows with a gain and returns one summary per group,
// sorted by key. Std is the population std (0 for a single value).
func SummarizeGain(rows []GainRow, bucketF float64) []GainSummary {
	groups := make(map[gainKey][]float64)
	for _, r := range rows {
		if r.Gain == nil {
			continue
		}
		k := gainKey{r.PlateType, r.DeviceID, r.Phase, r.Coef, TempBucket(r.SumTF, bucketF)}
		groups[k] = append(groups[k], *r.Gain)
	}
	keys := make([]gainKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	out := make([]GainSummary, 0, len(keys))
	for _, k := range keys {
		vals := groups[k]
		sort.Float64s(vals)
		mean, std := stat.PopMeanStdDev(vals, nil)
		if len(vals) < 2 {
			std = 0
		}
		out = append(out, GainSummary{
			PlateType:  k.plate,
			DeviceID:   k.device,
			Phase:      k.phase,
			Coef:       k.coef,
			TempBucket: k.bucket,
			N:          len(vals),
			Mean:       mean,
			Std:        std,
			Median:     percentile(vals, 50),
			Min:        vals[0],
			Max:        vals[len(vals)-1],
		})
	}
	return out
}

// WriteGainRows writes rows as CSV.
func WriteGainRows(w io.Writer, rows []GainRow) error {
	cw := csv.NewWriter(w)
	header := []string{"source_file", "device_id", "plate_type", "phase", "time_ms", "sum_t_f",
		"coef_z", "l1z_raw", "l1z_scaled", "din", "f0", "f1", "dout", "gain"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.SourceFile, r.DeviceID, r.PlateType, r.Phase,
			strconv.FormatInt(r.TimeMs, 10),
			formatFloat(r.SumTF), formatFloat(r.Coef), formatFloat(r.L1Raw), formatFloat(r.L1Scaled),
			formatOptional(r.Din), formatOptional(r.F0), formatOptional(r.F1), formatOptional(r.Dout), formatOptional(r.Gain),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteGainSummary writes summaries as CSV.
func WriteGainSummary(w io.Writer, rows []GainSummary) error {
	cw := csv.NewWriter(w)
	header := []string{"plate_type", "device_id", "phase", "coef_z", "temp_bucket_f", "n",
		"gain_mean", "gain_std", "gain_median", "gain_min", "gain_max"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, s := range rows {
		rec := []string{
			s.PlateType, s.DeviceID, s.Phase, formatFloat(s.Coef), s.TempBucket, strconv.Itoa(s.N),
			formatFloat(s.Mean), formatFloat(s.Std), formatFloat(s.Median), formatFloat(s.Min), formatFloat(s.Max),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
