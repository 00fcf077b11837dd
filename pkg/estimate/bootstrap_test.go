package estimate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapIntervalsContainTruth(t *testing.T) {
	truth := Parameters{AlphaKcalPerKg: 9500, CompensationC: 0.2, BMR0KcalPerDay: 600, KLBMKcalPerKgD: 11.5}
	windows := simWindows(16, truth, true)

	e, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	cfg := DefaultBootstrapConfig()
	cfg.Iterations = 50
	res, err := e.Bootstrap(context.Background(), windows, cfg)
	require.NoError(t, err)

	assert.Greater(t, res.Succeeded, 0)
	assert.Equal(t, 50, res.Attempted)
	assert.LessOrEqual(t, res.Alpha.Lo, truth.AlphaKcalPerKg)
	assert.GreaterOrEqual(t, res.Alpha.Hi, truth.AlphaKcalPerKg)
	assert.LessOrEqual(t, res.C.Lo, truth.CompensationC)
	assert.GreaterOrEqual(t, res.C.Hi, truth.CompensationC)
	assert.LessOrEqual(t, res.BMR0.Lo, truth.BMR0KcalPerDay)
	assert.GreaterOrEqual(t, res.BMR0.Hi, truth.BMR0KcalPerDay)
}

func TestBootstrapDeterministicForSeed(t *testing.T) {
	truth := Parameters{AlphaKcalPerKg: 9500, CompensationC: 0.2, BMR0KcalPerDay: 600, KLBMKcalPerKgD: 11.5}
	windows := simWindows(12, truth, true)

	e, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	cfg := DefaultBootstrapConfig()
	cfg.Iterations = 30
	a, err := e.Bootstrap(context.Background(), windows, cfg)
	require.NoError(t, err)
	b, err := e.Bootstrap(context.Background(), windows, cfg)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	cfg.Seed = 7
	c, err := e.Bootstrap(context.Background(), windows, cfg)
	require.NoError(t, err)
	assert.Equal(t, a.Attempted, c.Attempted)
}

func TestBootstrapCanceledContext(t *testing.T) {
	truth := Parameters{AlphaKcalPerKg: 9500, CompensationC: 0.2, BMR0KcalPerDay: 600, KLBMKcalPerKgD: 11.5}
	windows := simWindows(12, truth, true)

	e, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Bootstrap(ctx, windows, DefaultBootstrapConfig())
	assert.Error(t, err)
}

func TestBootstrapTooFewWindows(t *testing.T) {
	e, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = e.Bootstrap(context.Background(), nil, DefaultBootstrapConfig())
	assert.ErrorIs(t, err, ErrTooFewWindows)
}

func TestPercentileInterpolation(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.0, percentile(sorted, 0), 1e-12)
	assert.InDelta(t, 5.0, percentile(sorted, 1), 1e-12)
	assert.InDelta(t, 3.0, percentile(sorted, 0.5), 1e-12)
	assert.InDelta(t, 1.1, percentile(sorted, 0.025), 1e-12)
}
