package thermo

import "math"

const (
	// windowStdTolerance treats two stds as tied when closer than this.
	windowStdTolerance = 1e-6
	// slopeDenominatorEpsilon guards the regression denominator.
	slopeDenominatorEpsilon = 1e-9
)

// WindowBounds is the admissible duration range for a window.
type WindowBounds struct {
	MinMs int64
	MaxMs int64
}

// BoundsFor derives the duration range for a stage. minWindowMs is a floor
// on the lower bound (0 disables it).
func BoundsFor(spec StageSpec, minWindowMs int64) WindowBounds {
	lo := spec.WindowMs - spec.WindowTolMs
	if lo < minWindowMs {
		lo = minWindowMs
	}
	return WindowBounds{MinMs: lo, MaxMs: spec.WindowMs + spec.WindowTolMs}
}

// moments keeps running sums over a sliding window. Time is in seconds
// relative to the segment start.
type moments struct {
	n                      int
	sumT, sumF, sumX, sumY float64
	sumF2, sumT2, sumTF    float64
}

func (m *moments) add(t float64, s Sample) {
	m.n++
	m.sumT += t
	m.sumF += s.Force
	m.sumX += s.CopXMm
	m.sumY += s.CopYMm
	m.sumF2 += s.Force * s.Force
	m.sumT2 += t * t
	m.sumTF += t * s.Force
}

func (m *moments) remove(t float64, s Sample) {
	m.n--
	m.sumT -= t
	m.sumF -= s.Force
	m.sumX -= s.CopXMm
	m.sumY -= s.CopYMm
	m.sumF2 -= s.Force * s.Force
	m.sumT2 -= t * t
	m.sumTF -= t * s.Force
}

func (m *moments) mean() float64 { return m.sumF / float64(m.n) }

// std is the sample standard deviation of force.
func (m *moments) std() float64 {
	if m.n < 2 {
		return 0
	}
	num := m.sumF2 - m.sumF*m.sumF/float64(m.n)
	if num < 0 {
		num = 0
	}
	return math.Sqrt(num / float64(m.n-1))
}

// slope is the least-squares slope of force over time (N/s).
func (m *moments) slope() float64 {
	n := float64(m.n)
	den := n*m.sumT2 - m.sumT*m.sumT
	if math.Abs(den) < slopeDenominatorEpsilon {
		return 0
	}
	return (n*m.sumTF - m.sumT*m.sumF) / den
}

// BestWindow finds the sub-window of samples whose duration lies within
// bounds and which has the lowest force std, breaking ties (within 1e-6) by
// the smallest absolute slope. Samples must be in time order. It runs in a
// single pass using a two-pointer scan over running sums. It returns false
// when no window of at least 2 samples fits the bounds.
func BestWindow(samples []Sample, bounds WindowBounds) (Window, bool) {
	if len(samples) < 2 {
		return Window{}, false
	}

	t0 := samples[0].TimeMs
	rel := func(i int) float64 { return float64(samples[i].TimeMs-t0) / 1000 }

	var (
		m         moments
		best      Window
		found     bool
		bestStd   = math.Inf(1)
		bestSlope = math.Inf(1)
		left      int
	)

	for right := range samples {
		m.add(rel(right), samples[right])

		for left < right && samples[right].TimeMs-samples[left].TimeMs > bounds.MaxMs {
			m.remove(rel(left), samples[left])
			left++
		}

		if m.n < 2 {
			continue
		}
		duration := samples[right].TimeMs - samples[left].TimeMs
		if duration < bounds.MinMs || duration > bounds.MaxMs {
			continue
		}

		std := m.std()
		slope := m.slope()
		absSlope := math.Abs(slope)
		if std < bestStd-windowStdTolerance ||
			(math.Abs(std-bestStd) <= windowStdTolerance && absSlope < bestSlope) {
			bestStd = std
			bestSlope = absSlope
			n := float64(m.n)
			best = Window{
				StartMs:   samples[left].TimeMs,
				EndMs:     samples[right].TimeMs,
				Count:     m.n,
				MeanForce: m.mean(),
				Std:       std,
				Slope:     slope,
				MeanCopX:  m.sumX / n,
				MeanCopY:  m.sumY / n,
			}
			found = true
		}
	}
	return best, found
}

// WindowStats computes the same statistics as BestWindow for an explicit
// sample range by direct summation. It is used for replaying windows on a
// second series.
func WindowStats(samples []Sample) (Window, bool) {
	if len(samples) == 0 {
		return Window{}, false
	}
	t0 := samples[0].TimeMs
	var m moments
	for _, s := range samples {
		m.add(float64(s.TimeMs-t0)/1000, s)
	}
	n := float64(m.n)
	return Window{
		StartMs:   samples[0].TimeMs,
		EndMs:     samples[len(samples)-1].TimeMs,
		Count:     m.n,
		MeanForce: m.mean(),
		Std:       m.std(),
		Slope:     m.slope(),
		MeanCopX:  m.sumX / n,
		MeanCopY:  m.sumY / n,
	}, true
}
