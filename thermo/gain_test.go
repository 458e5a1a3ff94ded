package thermo

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const discreteCSV = `time,device_id,phase,sum-t,a-z,b-z,a-t,sum-z
0, 06.1 ,45 lb,70,100,-50,80,50
100,06.1,Body Weight,72,200,100,,300
oops,06.1,45 lb,70,1,1,1,1
`

func gainConfig() GainConfig {
	return GainConfig{RoomTempF: 76, MinAbsDin: 0.002, TempBucketF: 2}
}

func TestNormalizePhase(t *testing.T) {
	tests := map[string]string{
		"45lb":        Phase45lb,
		" 45 lb DB ":  Phase45lb,
		"db":          Phase45lb,
		"Body Weight": PhaseBodyweight,
		"bw":          PhaseBodyweight,
		"Squat":       "squat",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizePhase(in), in)
	}
}

func TestParseDiscreteRows(t *testing.T) {
	rows, err := ParseDiscreteRows(strings.NewReader(discreteCSV), "run.csv")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	r := rows[0]
	assert.Equal(t, "run.csv", r.SourceFile)
	assert.Equal(t, "06.1", r.DeviceID)
	assert.Equal(t, "06", r.PlateType)
	assert.Equal(t, Phase45lb, r.Phase)
	assert.Equal(t, map[string]float64{"a": 100, "b": -50}, r.ZBySensor)
	assert.Equal(t, map[string]float64{"a": 80}, r.TBySensor)
	assert.Equal(t, 70.0, r.SumTF)

	assert.Equal(t, PhaseBodyweight, rows[1].Phase)
	assert.Empty(t, rows[1].TBySensor, "blank sensor temperature is skipped")
}

func TestParseDiscreteRows_Errors(t *testing.T) {
	_, err := ParseDiscreteRows(strings.NewReader(""), "x")
	assert.True(t, errors.Is(err, ErrEmptyHeader))

	_, err = ParseDiscreteRows(strings.NewReader("sum-z,a-z\n1,2\n"), "x")
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = ParseDiscreteRows(strings.NewReader("time,sum-z,sum-t\n1,2,3\n"), "x")
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestDiscreteRow_L1(t *testing.T) {
	rows, err := ParseDiscreteRows(strings.NewReader(discreteCSV), "run.csv")
	require.NoError(t, err)

	assert.InDelta(t, 150, rows[0].L1Raw(), 1e-12)
	// a: 100·(1+4·0.01) using its own temperature; b: |-50·(1−6·0.01)| using sum-t
	assert.InDelta(t, 104+47, rows[0].L1Scaled(0.01, 76), 1e-9)
	assert.InDelta(t, 192+96, rows[1].L1Scaled(0.01, 76), 1e-9)
	assert.InDelta(t, 150, rows[0].L1Scaled(0, 76), 1e-12)
}

func writeProcessed(t *testing.T, dir, name, body string) []ProcessedSumZ {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	p, err := LoadProcessedSumZ(path)
	require.NoError(t, err)
	return p
}

func TestAlignSumZ(t *testing.T) {
	raw, err := ParseDiscreteRows(strings.NewReader(discreteCSV), "run.csv")
	require.NoError(t, err)
	dir := t.TempDir()

	t.Run("time and phase", func(t *testing.T) {
		p := writeProcessed(t, dir, "tp.csv", "time,phase,sum-z\n100,Body Weight,1900\n0,45lb,1010\n")
		got := AlignSumZ(raw, p)
		require.NotNil(t, got[0])
		require.NotNil(t, got[1])
		assert.Equal(t, 1010.0, *got[0])
		assert.Equal(t, 1900.0, *got[1])
	})

	t.Run("time only", func(t *testing.T) {
		p := writeProcessed(t, dir, "t.csv", "time,sum-z\n100,2\n0,1\n")
		got := AlignSumZ(raw, p)
		assert.Equal(t, 1.0, *got[0])
		assert.Equal(t, 2.0, *got[1])
	})

	t.Run("row index", func(t *testing.T) {
		p := writeProcessed(t, dir, "i.csv", "time,sum-z\n5,7\n")
		got := AlignSumZ(raw, p)
		require.NotNil(t, got[0])
		assert.Equal(t, 7.0, *got[0])
		assert.Nil(t, got[1])
	})
}

func TestLoadProcessedSumZ_Empty(t *testing.T) {
	p := writeProcessed(t, t.TempDir(), "empty.csv", "")
	assert.Nil(t, p)
	_, err := LoadProcessedSumZ(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestPctChange(t *testing.T) {
	v, ok := PctChange(110, 100)
	assert.True(t, ok)
	assert.InDelta(t, 0.1, v, 1e-12)
	_, ok = PctChange(1, 1e-10)
	assert.False(t, ok)
}

func TestComputeGainRows(t *testing.T) {
	raw, err := ParseDiscreteRows(strings.NewReader(discreteCSV), "run.csv")
	require.NoError(t, err)
	f0 := []*float64{floatPtr(1000), floatPtr(2000)}
	f1 := []*float64{floatPtr(1010), floatPtr(1900)}

	rows := ComputeGainRows(raw, f0, f1, 0.01, gainConfig())
	require.Len(t, rows, 2)
	require.NotNil(t, rows[0].Gain)
	// din = 1/150, dout = 0.01
	assert.InDelta(t, 1.5, *rows[0].Gain, 1e-9)
	// din = -12/300, dout = -0.05
	assert.InDelta(t, 1.25, *rows[1].Gain, 1e-9)
	assert.Equal(t, 0.01, rows[0].Coef)

	strict := gainConfig()
	strict.MinAbsDin = 0.01
	rows = ComputeGainRows(raw, f0, f1, 0.01, strict)
	assert.Nil(t, rows[0].Gain, "|din| below the threshold")
	assert.NotNil(t, rows[0].Din)
	assert.NotNil(t, rows[1].Gain)

	// missing outputs and a zero coefficient give no gain
	rows = ComputeGainRows(raw, []*float64{nil, floatPtr(0)}, f1, 0, gainConfig())
	for _, r := range rows {
		assert.Nil(t, r.Gain)
	}
	assert.Nil(t, rows[0].Dout)

	assert.Len(t, ComputeGainRows(raw, f0[:1], f1, 0.01, gainConfig()), 1)
}

func TestTempBucket(t *testing.T) {
	assert.Equal(t, "72-74", TempBucket(73, 2))
	assert.Equal(t, "74-76", TempBucket(74, 2))
	assert.Equal(t, "-2-0", TempBucket(-1, 2))
	assert.Equal(t, "na", TempBucket(74, 0))
}

func TestSummarizeGain(t *testing.T) {
	mk := func(device string, tempF, gain float64) GainRow {
		return GainRow{PlateType: "06", DeviceID: device, Phase: Phase45lb, Coef: 0.01, SumTF: tempF, Gain: floatPtr(gain)}
	}
	rows := []GainRow{
		mk("06.2", 80, 5),
		mk("06.1", 74.5, 3),
		mk("06.1", 75, 1),
		{PlateType: "06", DeviceID: "06.1", SumTF: 74}, // no gain
	}
	sums := SummarizeGain(rows, 2)
	require.Len(t, sums, 2)

	s := sums[0]
	assert.Equal(t, "06.1", s.DeviceID)
	assert.Equal(t, "74-76", s.TempBucket)
	assert.Equal(t, 2, s.N)
	assert.InDelta(t, 2, s.Mean, 1e-12)
	assert.InDelta(t, 1, s.Std, 1e-12)
	assert.InDelta(t, 2, s.Median, 1e-12)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 3.0, s.Max)

	assert.Equal(t, "06.2", sums[1].DeviceID)
	assert.Zero(t, sums[1].Std)
	assert.False(t, math.IsNaN(sums[1].Mean))
}

func TestWriteGainCSV(t *testing.T) {
	var b strings.Builder
	rows := []GainRow{{SourceFile: "run.csv", DeviceID: "06.1", PlateType: "06", TimeMs: 100, Coef: 0.01, L1Raw: 150, Gain: floatPtr(1.5)}}
	require.NoError(t, WriteGainRows(&b, rows))
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "source_file,device_id,plate_type"))
	assert.Equal(t, "run.csv,06.1,06,,100,0,0.01,150,0,,,,,1.5", lines[1])

	b.Reset()
	require.NoError(t, WriteGainSummary(&b, []GainSummary{{PlateType: "06", DeviceID: "06.1", Phase: "45lb", Coef: 0.01, TempBucket: "74-76", N: 2, Mean: 2, Std: 1, Median: 2, Min: 1, Max: 3}}))
	assert.Contains(t, b.String(), "06,06.1,45lb,0.01,74-76,2,2,1,2,1,3")
}
