package thermo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func forcesOf(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Force
	}
	return out
}

func secondsOf(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s.TimeMs-samples[0].TimeMs) / 1000
	}
	return out
}

func randomSegment(rng *rand.Rand, n int) []Sample {
	samples := make([]Sample, n)
	t := int64(0)
	for i := range samples {
		t += 50 + rng.Int63n(100)
		samples[i] = Sample{
			TimeMs: t,
			Force:  200 + rng.NormFloat64()*3 + float64(i)*0.05,
			CopXMm: rng.Float64() * 10,
			CopYMm: rng.Float64() * 10,
		}
	}
	return samples
}

// slice returns the samples between two timestamps, inclusive.
func slice(samples []Sample, startMs, endMs int64) []Sample {
	var out []Sample
	for _, s := range samples {
		if s.TimeMs >= startMs && s.TimeMs <= endMs {
			out = append(out, s)
		}
	}
	return out
}

func TestBoundsFor(t *testing.T) {
	spec := StageSpec{WindowMs: 1000, WindowTolMs: 200}
	assert.Equal(t, WindowBounds{MinMs: 800, MaxMs: 1200}, BoundsFor(spec, 200))

	short := StageSpec{WindowMs: 300, WindowTolMs: 200}
	assert.Equal(t, WindowBounds{MinMs: 200, MaxMs: 500}, BoundsFor(short, 200), "floor applies")
	assert.Equal(t, WindowBounds{MinMs: 100, MaxMs: 500}, BoundsFor(short, 0))
}

func TestBestWindow_FourSampleScenario(t *testing.T) {
	samples := []Sample{
		{TimeMs: 0, Force: 10.0},
		{TimeMs: 500, Force: 10.2},
		{TimeMs: 1000, Force: 9.9},
		{TimeMs: 1500, Force: 10.1},
	}
	w, ok := BestWindow(samples, WindowBounds{MinMs: 800, MaxMs: 1200})
	require.True(t, ok)

	// The full 1500 ms span is out of tolerance. Both 1000 ms sub-windows
	// have the same std and |slope|, so either may be chosen.
	assert.Equal(t, int64(1000), w.DurationMs())
	assert.Contains(t, []int64{0, 500}, w.StartMs)
	assert.Equal(t, 3, w.Count)
	assert.InDelta(t, stat.StdDev([]float64{10.0, 10.2, 9.9}, nil), w.Std, 1e-9)
	assert.InDelta(t, stat.StdDev([]float64{10.2, 9.9, 10.1}, nil), w.Std, 1e-9)
	assert.InDelta(t, -0.1, w.Slope, 1e-9)
}

func TestBestWindow_NoFit(t *testing.T) {
	_, ok := BestWindow([]Sample{{TimeMs: 0, Force: 1}}, WindowBounds{MinMs: 0, MaxMs: 100})
	assert.False(t, ok, "single sample")

	samples := []Sample{{TimeMs: 0, Force: 1}, {TimeMs: 300, Force: 1}}
	_, ok = BestWindow(samples, WindowBounds{MinMs: 800, MaxMs: 1200})
	assert.False(t, ok, "segment shorter than the minimum window")

	wide := []Sample{{TimeMs: 0, Force: 1}, {TimeMs: 5000, Force: 1}}
	_, ok = BestWindow(wide, WindowBounds{MinMs: 800, MaxMs: 1200})
	assert.False(t, ok, "samples too far apart")
}

func TestBestWindow_MatchesDirectStatistics(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	bounds := WindowBounds{MinMs: 800, MaxMs: 1200}

	for trial := 0; trial < 50; trial++ {
		samples := randomSegment(rng, 20+rng.Intn(60))
		w, ok := BestWindow(samples, bounds)
		require.True(t, ok, "trial %d", trial)

		// duration invariant
		assert.GreaterOrEqual(t, w.DurationMs(), bounds.MinMs)
		assert.LessOrEqual(t, w.DurationMs(), bounds.MaxMs)

		// streaming sums agree with direct computation
		win := slice(samples, w.StartMs, w.EndMs)
		require.Equal(t, w.Count, len(win))
		forces := forcesOf(win)
		assert.InDelta(t, stat.Mean(forces, nil), w.MeanForce, 1e-6)
		assert.InDelta(t, stat.StdDev(forces, nil), w.Std, 1e-6)
		_, slope := stat.LinearRegression(secondsOf(win), forces, nil, false)
		assert.InDelta(t, slope, w.Slope, 1e-6)

		direct, ok := WindowStats(win)
		require.True(t, ok)
		assert.InDelta(t, direct.Std, w.Std, 1e-6)
		assert.InDelta(t, direct.Slope, w.Slope, 1e-6)

		// no candidate window (the longest admissible one ending at each
		// sample) has a lower std
		left := 0
		for right := range samples {
			for left < right && samples[right].TimeMs-samples[left].TimeMs > bounds.MaxMs {
				left++
			}
			d := samples[right].TimeMs - samples[left].TimeMs
			if right-left < 1 || d < bounds.MinMs {
				continue
			}
			std := stat.StdDev(forcesOf(samples[left:right+1]), nil)
			assert.LessOrEqual(t, w.Std, std+1e-6, "trial %d window [%d,%d]", trial, left, right)
		}
	}
}

func TestWindowStats(t *testing.T) {
	_, ok := WindowStats(nil)
	assert.False(t, ok)

	w, ok := WindowStats([]Sample{{TimeMs: 100, Force: 5, CopXMm: 2}})
	require.True(t, ok)
	assert.Equal(t, 1, w.Count)
	assert.Equal(t, 0.0, w.Std)
	assert.Equal(t, 0.0, w.Slope)
	assert.Equal(t, 2.0, w.MeanCopX)

	rising := []Sample{{TimeMs: 0, Force: 0}, {TimeMs: 1000, Force: 10}, {TimeMs: 2000, Force: 20}}
	w, _ = WindowStats(rising)
	assert.InDelta(t, 10, w.Slope, 1e-9, "N/s")
	assert.InDelta(t, 10, w.MeanForce, 1e-9)
	assert.False(t, math.IsNaN(w.Std))
}
