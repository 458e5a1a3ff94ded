package thermo

import (
	"fmt"
	"log"
)

// ReplayWindows evaluates samples over windows already chosen for a
// reference run. For each window, samples with a timestamp inside
// [start, end] are averaged and scored against the stage spec. Windows with
// no samples in range are dropped.
func ReplayWindows(samples []Sample, windows WindowSet, specs []StageSpec) *RunAnalysis {
	ra := newRunAnalysis(specs)
	for _, spec := range specs {
		cells, ok := windows[spec.Key]
		if !ok {
			continue
		}
		stage := ra.Stages[spec.Key]
		for cell, span := range cells {
			w, ok := WindowStats(samplesInSpan(samples, span))
			if !ok {
				continue
			}
			stage.Cells = append(stage.Cells, Measure(cell, w, spec))
			ra.Windows[spec.Key][cell] = span
		}
		sortCells(stage.Cells)
	}
	return ra
}

func samplesInSpan(samples []Sample, span TimeSpan) []Sample {
	var out []Sample
	for _, s := range samples {
		if span.Contains(s.TimeMs) {
			out = append(out, s)
		}
	}
	return out
}

// PairAnalysis compares a baseline (correction off) run with a selected
// (correction on) run over the same windows.
type PairAnalysis struct {
	Grid     GridInfo     `json:"grid"`
	Meta     TestMetadata `json:"meta"`
	Baseline *RunAnalysis `json:"baseline"`
	Selected *RunAnalysis `json:"selected"`
	Replayed bool         `json:"replayed"`
}

// AnalyzeProcessedRuns analyzes the baseline recording, then replays its
// windows on the selected recording. When the baseline yields no windows the
// selected recording is analyzed on its own.
func AnalyzeProcessedRuns(baselinePath, selectedPath string, meta TestMetadata, cfg *Config) (*PairAnalysis, error) {
	baseline, grid, err := AnalyzeRecording(baselinePath, meta, cfg)
	if err != nil {
		return nil, fmt.Errorf("baseline: %w", err)
	}
	pair := &PairAnalysis{Grid: grid, Meta: meta, Baseline: baseline}

	specs := cfg.StageSpecs(meta)
	if baseline.Windows.Len() == 0 {
		log.Printf("[analyze] no baseline windows, analyzing %s independently", selectedPath)
		selected, _, err := AnalyzeRecording(selectedPath, meta, cfg)
		if err != nil {
			return nil, fmt.Errorf("selected: %w", err)
		}
		pair.Selected = selected
		return pair, nil
	}

	samples, err := LoadSeries(selectedPath, SeriesOptions{})
	if err != nil {
		return nil, fmt.Errorf("selected: %w", err)
	}
	pair.Selected = ReplayWindows(samples, baseline.Windows, specs)
	pair.Replayed = true
	return pair, nil
}
