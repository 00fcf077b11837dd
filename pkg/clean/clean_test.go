package clean

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

// makeSeries builds a deterministic daily pattern around base with one
// spike injected at spikeIdx.
func makeSeries(n int, base, spikeVal float64, spikeIdx int) []float64 {
	offsets := []float64{0.0, 0.3, -0.2, 0.1, -0.3, 0.2, -0.1}
	x := make([]float64, n)
	for i := range x {
		x[i] = base + offsets[i%len(offsets)]
	}
	if spikeIdx >= 0 {
		x[spikeIdx] = spikeVal
	}
	return x
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Window = 1
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Mode = "median"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CapRate = 1.5
	assert.Error(t, bad.Validate())
}

func TestDampCompressesSpike(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	x := makeSeries(28, 20, 25, 10)
	out := c.Series(x)

	// The spike moves toward the local level but is not deleted.
	assert.Less(t, out[10], 25.0)
	assert.Greater(t, out[10], 20.0)
	// Damping never pushes a value past the local median: deviation can
	// only shrink.
	assert.Less(t, math.Abs(out[10]-20.0), math.Abs(x[10]-20.0))

	// Ordinary days move at most slightly.
	for i, v := range out {
		if i == 10 {
			continue
		}
		assert.InDelta(t, x[i], v, 0.25, "index %d", i)
	}
}

func TestDampKeepsMissing(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	x := makeSeries(28, 20, 25, 10)
	x[5] = math.NaN()
	out := c.Series(x)
	assert.True(t, math.IsNaN(out[5]))
}

func TestDropMarksSpikeMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = Drop
	c, err := New(cfg)
	require.NoError(t, err)

	x := makeSeries(28, 20, 25, 10)
	out := c.Series(x)

	assert.True(t, math.IsNaN(out[10]), "spike index should be dropped")
	for i := range out {
		if i == 10 {
			continue
		}
		assert.Equal(t, x[i], out[i], "non-spike index %d must be untouched", i)
	}
}

func TestDropCapKeepsLargestDeviations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = Drop
	cfg.CapRate = 0.04 // round(0.04*28) = 1 removal allowed
	c, err := New(cfg)
	require.NoError(t, err)

	x := makeSeries(28, 20, 24, 10)
	x[20] = 27 // larger spike

	out := c.Series(x)
	assert.True(t, math.IsNaN(out[20]), "largest spike should be dropped")
	assert.False(t, math.IsNaN(out[10]), "smaller spike survives under the cap")
}

func TestCleanBothColumns(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	start, _ := series.ParseDay("2024-01-01")
	fat := makeSeries(28, 20, 26, 14)
	lean := makeSeries(28, 55, 61, 7)

	obs := make([]series.DailyObservation, 28)
	for i := range obs {
		obs[i] = series.DailyObservation{
			Date:          start.AddDate(0, 0, i),
			RawFatMassKg:  fat[i],
			RawLeanMassKg: lean[i],
		}
	}

	out := c.Clean(obs)
	require.Len(t, out, 28)
	for i := range out {
		assert.True(t, out[i].Date.Equal(obs[i].Date))
	}
	assert.Less(t, out[14].FatMassKg, 26.0)
	assert.Less(t, out[7].LeanMassKg, 61.0)
}

func TestFillFlatMAD(t *testing.T) {
	mad := []float64{0, 0.2, 0, math.NaN(), 0}
	fillFlatMAD(mad)
	assert.Equal(t, 0.2, mad[0])
	assert.Equal(t, 0.2, mad[2])
	assert.True(t, math.IsNaN(mad[3]))
	assert.Equal(t, 0.2, mad[4])
}
