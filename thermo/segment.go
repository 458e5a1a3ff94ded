package thermo

import "math"

// SegmentOptions bounds how far the COP may move within one segment.
type SegmentOptions struct {
	WarmupSkipMs         int64
	CopJumpMm            float64
	CopMaxDisplacementMm float64
}

// SegmentOptionsFromConfig copies the segmentation thresholds out of cfg.
func SegmentOptionsFromConfig(cfg *Config) SegmentOptions {
	return SegmentOptions{
		WarmupSkipMs:         cfg.Analysis.WarmupSkipMs,
		CopJumpMm:            cfg.Analysis.CopJumpMm,
		CopMaxDisplacementMm: cfg.Analysis.CopMaxDisplacementMm,
	}
}

// MatchStage returns the first spec whose band contains force. Specs are
// checked in order, so overlapping bands resolve to the earlier spec.
func MatchStage(force float64, specs []StageSpec) (StageSpec, bool) {
	for _, s := range specs {
		if s.Matches(force) {
			return s, true
		}
	}
	return StageSpec{}, false
}

// DetectSegments groups samples into runs sharing a stage and a cell.
// Samples within the warm-up period (measured from the first sample) are
// ignored. A segment is closed when the stage or cell changes, the COP jumps
// between consecutive samples, or it drifts too far from the segment start.
// Segments shorter than their stage's MinDurationMs are dropped. The result
// is in discovery order.
func DetectSegments(samples []Sample, specs []StageSpec, geom PlateGeometry, opts SegmentOptions) []Segment {
	if len(samples) == 0 || len(specs) == 0 {
		return nil
	}

	minDuration := make(map[StageKey]int64, len(specs))
	for _, s := range specs {
		if _, seen := minDuration[s.Key]; !seen {
			minDuration[s.Key] = s.MinDurationMs
		}
	}

	var (
		segments []Segment
		current  *Segment
	)
	flush := func() {
		if current == nil {
			return
		}
		if len(current.Samples) > 0 && current.DurationMs() >= minDuration[current.Stage] {
			segments = append(segments, *current)
		}
		current = nil
	}

	firstMs := samples[0].TimeMs
	for _, s := range samples {
		if s.TimeMs-firstMs < opts.WarmupSkipMs {
			continue
		}

		cell, inside := geom.CellFor(s.CopXMm, s.CopYMm)
		spec, matched := MatchStage(s.Force, specs)
		if !inside || !matched {
			flush()
			continue
		}

		if current != nil && shouldSplit(current, spec.Key, cell, s, opts) {
			flush()
		}
		if current == nil {
			current = &Segment{Stage: spec.Key, Cell: cell}
		}
		current.Samples = append(current.Samples, s)
	}
	flush()
	return segments
}

func shouldSplit(seg *Segment, stage StageKey, cell Cell, s Sample, opts SegmentOptions) bool {
	if seg.Stage != stage || seg.Cell != cell {
		return true
	}
	last := seg.Samples[len(seg.Samples)-1]
	if copDistance(last, s) > opts.CopJumpMm {
		return true
	}
	return copDistance(seg.Samples[0], s) > opts.CopMaxDisplacementMm
}

func copDistance(a, b Sample) float64 {
	return math.Hypot(b.CopXMm-a.CopXMm, b.CopYMm-a.CopYMm)
}
