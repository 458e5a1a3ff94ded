package thermo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zKey(z float64) CoefficientKey {
	return NewCoefficientKey(ModeScalar, Coefficients{Z: z})
}

// run builds a scored run; temp < 0 leaves the temperature unset.
func run(device string, key CoefficientKey, temp, abs, signed float64) EvaluationRun {
	r := NewEvaluationRun("06", device, key)
	if temp >= 0 {
		r.TemperatureF = floatPtr(temp)
	}
	r.Selected = Scores{ScoreAll: {N: 3, MeanAbs: abs, MeanSigned: signed, StdSigned: 1}}
	return r
}

func TestNewEvaluationRun(t *testing.T) {
	a := NewEvaluationRun("06", "06.1", zKey(0.001))
	b := NewEvaluationRun("06", "06.1", zKey(0.001))
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "scalar:x=0.000000,y=0.000000,z=0.001000", a.CoefKey)
	assert.Equal(t, ModeScalar, a.Mode)
	assert.Equal(t, 0.001, a.Coefs.Z)
	assert.Positive(t, a.RecordedAtMs)
}

func TestRollupLog_Append(t *testing.T) {
	l := NewRollupLog("06")
	assert.Empty(t, l.Runs)
	first := run("06.1", zKey(0), 74, 1, 1)
	l.Append(first)
	l.Append(run("06.1", zKey(0), 90, 2, 2), run("06.2", zKey(0), 74, 3, 3))
	require.Len(t, l.Runs, 3)
	assert.Equal(t, first.ID, l.Runs[0].ID)
	assert.Positive(t, l.UpdatedAtMs)
}

func TestAggregateCoefficient_Eligibility(t *testing.T) {
	key := zKey(0.001)
	runs := []EvaluationRun{
		// two temperatures: eligible
		run("06.1", key, 74, 2, 1),
		run("06.1", key, 90, 4, -1),
		// one distinct temperature: never counted
		run("06.2", key, 74, 100, 100),
		run("06.2", key, 74, 100, 100),
		// no temperature
		run("06.3", key, -1, 100, 100),
		run("06.3", key, -1, 100, 100),
	}

	s, ok := AggregateCoefficient(runs, key.String(), 0)
	require.True(t, ok)
	assert.Equal(t, 1, s.EligibleDevices)
	assert.Equal(t, 2, s.EligibleRuns)
	assert.InDelta(t, 3, s.ScoreMeanAbs, 1e-12)
	assert.InDelta(t, 0, s.MeanSigned, 1e-12)
	assert.InDelta(t, 1, s.StdSigned, 1e-12)
	assert.Equal(t, "1 devices, 2 tests, temps 74.0–90.0°F", s.Coverage)

	_, ok = AggregateCoefficient(runs, key.String(), 2)
	assert.False(t, ok, "only one device is eligible")

	_, ok = AggregateCoefficient(runs, zKey(0.5).String(), 1)
	assert.False(t, ok, "unknown key")

	_, ok = AggregateCoefficient(runs, "  ", 1)
	assert.False(t, ok, "blank key")
}

func TestAggregateCoefficient_SkipsUnscoredRuns(t *testing.T) {
	key := zKey(0)
	unscored := run("06.1", key, 80, 0, 0)
	unscored.Selected = Scores{}
	runs := []EvaluationRun{run("06.1", key, 74, 2, 2), unscored}

	s, ok := AggregateCoefficient(runs, key.String(), 1)
	require.True(t, ok)
	assert.InDelta(t, 2, s.ScoreMeanAbs, 1e-12)
	assert.Equal(t, 2, s.EligibleRuns)
}

func TestAggregateCoefficient_NormalizesKey(t *testing.T) {
	key := NewCoefficientKey(ModeScalar, Coefficients{X: 0.001, Z: 0.002})
	stored := run("06.1", key, 74, 2, 1)
	// a run written by hand with a short key still groups with the rest
	short := run("06.1", key, 90, 4, 1)
	short.CoefKey = "scalar:z=0.002,x=0.001,y=0"
	runs := []EvaluationRun{stored, short}

	for _, lookup := range []string{
		key.String(),
		"scalar:x=0.001,y=0,z=0.002",
		" scalar:x=0.0010000001,y=0.0,z=2e-3 ",
	} {
		s, ok := AggregateCoefficient(runs, lookup, 1)
		require.True(t, ok, lookup)
		assert.Equal(t, key.String(), s.CoefKey, lookup)
		assert.Equal(t, 2, s.EligibleRuns, lookup)
		assert.InDelta(t, 3, s.ScoreMeanAbs, 1e-12, lookup)
	}

	rows := Rank(runs, RankOptions{MinDevices: 1})
	require.Len(t, rows, 1)
	assert.Equal(t, key.String(), rows[0].CoefKey)
}

func rankFixture() []EvaluationRun {
	var runs []EvaluationRun
	for _, dev := range []string{"06.1", "06.2"} {
		for _, temp := range []float64{74, 90} {
			runs = append(runs,
				run(dev, zKey(0), temp, 1, 1),
				run(dev, zKey(0.001), temp, 3, -0.5),
				run(dev, zKey(0.002), temp, 1, 0.2),
			)
		}
	}
	// a key seen on one device only
	runs = append(runs, run("06.1", zKey(0.003), 74, 0.1, 0), run("06.1", zKey(0.003), 90, 0.1, 0))
	return runs
}

func keysOf(rows []CoefficientScore) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.CoefKey
	}
	return out
}

func TestRank(t *testing.T) {
	k0, k1, k2 := zKey(0).String(), zKey(0.001).String(), zKey(0.002).String()

	tests := []struct {
		name string
		opts RankOptions
		want []string
	}{
		{"mean abs with key tiebreak", RankOptions{}, []string{k0, k2, k1}},
		{"signed", RankOptions{SortBy: "signed"}, []string{k2, k1, k0}},
		{"signed alias", RankOptions{SortBy: " Mean_Signed_Abs "}, []string{k2, k1, k0}},
		{"top n", RankOptions{TopN: 1}, []string{k0}},
		{"single device allowed", RankOptions{MinDevices: 1, TopN: 1}, []string{zKey(0.003).String()}},
		{"default options", DefaultRankOptions(), []string{k0, k2, k1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, keysOf(Rank(rankFixture(), tt.opts)))
		})
	}
}

func TestRank_Idempotent(t *testing.T) {
	runs := rankFixture()
	first := Rank(runs, DefaultRankOptions())
	second := Rank(runs, DefaultRankOptions())
	assert.Equal(t, first, second)

	// input order does not matter
	reversed := make([]EvaluationRun, len(runs))
	for i, r := range runs {
		reversed[len(runs)-1-i] = r
	}
	assert.Equal(t, first, Rank(reversed, DefaultRankOptions()))
}

func TestRank_IgnoresIncompleteRuns(t *testing.T) {
	runs := rankFixture()
	noKey := run("06.9", zKey(0), 74, 0, 0)
	noKey.CoefKey = ""
	noDevice := run("", zKey(0), 74, 0, 0)
	runs = append(runs, noKey, noDevice)
	assert.Equal(t, keysOf(Rank(rankFixture(), RankOptions{})), keysOf(Rank(runs, RankOptions{})))
	assert.Empty(t, Rank(nil, RankOptions{}))
}
