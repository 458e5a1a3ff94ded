package thermo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var (
	timeColumns  = []string{"time", "time_ms", "elapsed_time"}
	forceColumns = []string{"sum-z", "sum_z", "fz"}
	copXColumns  = []string{"copx", "cop_x"}
	copYColumns  = []string{"copy", "cop_y"}
	tempColumns  = []string{"sum-t", "sum_t", "temperature_f", "temp_f"}
)

// SeriesOptions controls which columns are mandatory when loading a series.
type SeriesOptions struct {
	// RequireCOP fails the load when either COP column is absent. When false,
	// missing COP columns load as 0.
	RequireCOP bool
}

// LoadSeries reads a recording CSV from disk.
func LoadSeries(path string, opts SeriesOptions) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening series %s: %w", path, err)
	}
	defer f.Close()

	samples, err := ParseSeries(f, opts)
	if err != nil {
		return nil, fmt.Errorf("parsing series %s: %w", path, err)
	}
	return samples, nil
}

// ParseSeries parses a time-ordered sample table. Header names are matched
// case-insensitively after trimming whitespace and a UTF-8 BOM. COP values are
// converted from meters to millimeters. Rows with unparsable numeric fields
// are skipped.
func ParseSeries(r io.Reader, opts SeriesOptions) ([]Sample, error) {
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
	if len(idx) == 0 {
		return nil, ErrEmptyHeader
	}

	timeIdx := findColumn(idx, timeColumns)
	forceIdx := findColumn(idx, forceColumns)
	copXIdx := findColumn(idx, copXColumns)
	copYIdx := findColumn(idx, copYColumns)
	tempIdx := findColumn(idx, tempColumns)

	if timeIdx < 0 {
		return nil, fmt.Errorf("%w: time (one of %s)", ErrMissingColumn, strings.Join(timeColumns, "/"))
	}
	if forceIdx < 0 {
		return nil, fmt.Errorf("%w: force (one of %s)", ErrMissingColumn, strings.Join(forceColumns, "/"))
	}
	if opts.RequireCOP && (copXIdx < 0 || copYIdx < 0) {
		return nil, fmt.Errorf("%w: COP (copx/cop_x and copy/cop_y)", ErrMissingColumn)
	}

	var samples []Sample
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
		force, ok := parseField(row, forceIdx)
		if !ok {
			continue
		}
		s := Sample{TimeMs: int64(t), Force: force}
		if copXIdx >= 0 {
			v, ok := parseField(row, copXIdx)
			if !ok {
				continue
			}
			s.CopXMm = v * 1000
		}
		if copYIdx >= 0 {
			v, ok := parseField(row, copYIdx)
			if !ok {
				continue
			}
			s.CopYMm = v * 1000
		}
		if tempIdx >= 0 {
			if v, ok := parseField(row, tempIdx); ok {
				s.TemperatureF = v
			}
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		name := normalizeHeader(h)
		if name == "" {
			continue
		}
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	return idx
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}

func findColumn(idx map[string]int, names []string) int {
	for _, n := range names {
		if i, ok := idx[n]; ok {
			return i
		}
	}
	return -1
}

func parseField(row []string, i int) (float64, bool) {
	if i < 0 || i >= len(row) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
