package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMedian(t *testing.T) {
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{1, 2, 3, 4}))
	assert.Equal(t, 2.0, Median([]float64{3, math.NaN(), 1, 2}))
	assert.True(t, math.IsNaN(Median([]float64{math.NaN()})))
	assert.True(t, math.IsNaN(Median(nil)))
}

func TestMedianDoesNotModifyInput(t *testing.T) {
	x := []float64{3, 1, 2}
	Median(x)
	assert.Equal(t, []float64{3, 1, 2}, x)
}

func TestNaNAggregates(t *testing.T) {
	x := []float64{1, math.NaN(), 3, math.NaN(), -2}
	assert.Equal(t, 2.0, SumNaN(x))
	assert.InDelta(t, 2.0/3.0, MeanNaN(x), 1e-12)
	assert.Equal(t, 3, CountValid(x))
	assert.InDelta(t, 2.0, AbsMeanNaN(x), 1e-12)
	assert.True(t, math.IsNaN(MeanNaN([]float64{math.NaN()})))
}

func TestRollingMedianTrailing(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	got := RollingMedian(x, 3, false)
	// Partial head windows (min one point).
	assert.Equal(t, []float64{1, 1.5, 2, 3, 4}, got)
}

func TestRollingMedianCentered(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	got := RollingMedian(x, 3, true)
	assert.Equal(t, []float64{1.5, 2, 3, 4, 4.5}, got)
}

func TestRollingMedianSkipsMissing(t *testing.T) {
	x := []float64{1, math.NaN(), 3}
	got := RollingMedian(x, 3, true)
	assert.Equal(t, 2.0, got[1])
}

func TestRollingMAD(t *testing.T) {
	x := []float64{10, 10, 10, 20, 10}
	med := RollingMedian(x, 5, true)
	mad := RollingMAD(x, med, 5, true)
	// Median is 10 everywhere; deviations are {0,0,0,10,0}, median 0.
	assert.Equal(t, 0.0, mad[0])
	assert.Equal(t, 0.0, mad[2])
}

func TestEWMAHalfLife(t *testing.T) {
	// Half-life of 1 sample means alpha = 0.5.
	got := EWMA([]float64{0, 1}, 1)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.0, got[0], 1e-12)
	assert.InDelta(t, 0.5, got[1], 1e-12)
}

func TestEWMAConstantSeries(t *testing.T) {
	got := EWMA([]float64{5, 5, 5, 5}, 3)
	for _, v := range got {
		assert.InDelta(t, 5.0, v, 1e-12)
	}
}

func TestEWMAMissingCarriesState(t *testing.T) {
	got := EWMA([]float64{0, 1, math.NaN(), 1}, 1)
	assert.InDelta(t, 0.5, got[1], 1e-12)
	// The gap day reports the last state without decaying it.
	assert.InDelta(t, 0.5, got[2], 1e-12)
	assert.InDelta(t, 0.75, got[3], 1e-12)
}

func TestEWMALeadingMissing(t *testing.T) {
	got := EWMA([]float64{math.NaN(), math.NaN(), 2}, 2)
	assert.True(t, math.IsNaN(got[0]))
	assert.True(t, math.IsNaN(got[1]))
	assert.InDelta(t, 2.0, got[2], 1e-12)
}

func TestShift(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	assert.Equal(t, []float64{1, 1, 2, 3}, Shift(x, 1))
	assert.Equal(t, []float64{1, 1, 1, 2}, Shift(x, 2))
	assert.Equal(t, x, Shift(x, 0))
}

func TestHuberLoss(t *testing.T) {
	// Quadratic inside delta, linear outside.
	assert.InDelta(t, 0.125, HuberLoss(0.5, 1), 1e-12)
	assert.InDelta(t, 1.5, HuberLoss(2, 1), 1e-12)
	assert.InDelta(t, HuberLoss(-2, 1), HuberLoss(2, 1), 1e-12)
}

func TestHuberWeight(t *testing.T) {
	assert.Equal(t, 1.0, HuberWeight(0.5, 1))
	assert.Equal(t, 1.0, HuberWeight(0, 1))
	assert.InDelta(t, 0.5, HuberWeight(2, 1), 1e-12)
	assert.InDelta(t, 0.5, HuberWeight(-2, 1), 1e-12)
}

func TestCorrelation(t *testing.T) {
	a := []float64{1, 2, 3, 4}
	b := []float64{2, 4, 6, 8}
	assert.InDelta(t, 1.0, Correlation(a, b), 1e-12)

	c := []float64{8, 6, 4, 2}
	assert.InDelta(t, -1.0, Correlation(a, c), 1e-12)
}

func TestCorrelationPairwiseValid(t *testing.T) {
	a := []float64{1, math.NaN(), 3, 4}
	b := []float64{2, 100, 6, 8}
	assert.InDelta(t, 1.0, Correlation(a, b), 1e-12)
}

func TestCorrelationDegenerate(t *testing.T) {
	assert.True(t, math.IsNaN(Correlation([]float64{1}, []float64{2})))
	assert.True(t, math.IsNaN(Correlation([]float64{1, 1, 1}, []float64{1, 2, 3})))
}

func TestStandardizer(t *testing.T) {
	cols := [][]float64{{1, 2, 3}, {10, 10, 10}}
	s := FitStandardizer(cols)

	assert.InDelta(t, 2.0, s.Means[0], 1e-12)
	assert.InDelta(t, math.Sqrt(2.0/3.0), s.Scales[0], 1e-12)
	// Zero-variance column keeps scale 1.
	assert.Equal(t, 1.0, s.Scales[1])

	out := s.Transform(cols)
	assert.InDelta(t, 0.0, out[0][1], 1e-12)
	assert.InDelta(t, 0.0, Mean(out[0]), 1e-12)
	assert.Equal(t, 0.0, out[1][0])
}

func TestDenseAggregates(t *testing.T) {
	x := []float64{1, 2, 3, 4}
	assert.Equal(t, 10.0, Sum(x))
	assert.Equal(t, 2.5, Mean(x))
	assert.Equal(t, 30.0, Dot(x, x))
	assert.InDelta(t, math.Sqrt(1.25), StdDev(x), 1e-12)
}
