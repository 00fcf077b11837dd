package calibrate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/estimate"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/params"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

// syntheticDays generates a daily record stream whose fat-mass trajectory
// follows the energy-balance identity with alpha=9800, C=0.2, BMR0=600,
// kLBM=11.5. It includes missing scale days and one implausible spike so the
// cleaning and filtering stages have something to do.
func syntheticDays(n int) []series.DailyObservation {
	start, _ := series.ParseDay("2024-01-01") // a Monday
	obs := make([]series.DailyObservation, n)
	fat := 22.0
	lean := 54.0
	weekPlan := []float64{0, 300, 600}
	for i := 0; i < n; i++ {
		intake := 1800 + 250*float64(i%5)
		workout := weekPlan[(i/7)%3] // training blocks vary week to week
		carbs := 140 + 80*float64(i%3)

		rawFat := fat
		rawLean := lean + 0.2*math.Sin(float64(i)/5)
		switch {
		case i%17 == 11:
			rawFat = math.NaN() // skipped weigh-in
			rawLean = math.NaN()
		case i == 40:
			rawFat = fat + 8 // sensor glitch
		}

		obs[i] = series.DailyObservation{
			Date:          start.AddDate(0, 0, i),
			IntakeKcal:    intake,
			WorkoutKcal:   workout,
			CarbsG:        carbs,
			RawFatMassKg:  rawFat,
			RawLeanMassKg: rawLean,
		}

		net := intake - 0.8*workout - 600 - 11.5*lean
		fat += net / 9800
	}
	return obs
}

func newBootstrappedStore(t *testing.T) params.Store {
	t.Helper()
	s := params.NewMemoryStore()
	require.NoError(t, s.Bootstrap(params.ParameterSet{
		AlphaKcalPerKg: 9800,
		CompensationC:  0.15,
		BMR0KcalPerDay: 785,
		KLBMKcalPerKgD: 11.5,
		Method:         "bootstrap",
	}, "markh"))
	return s
}

// testConfig pins the estimator to the reduced two-parameter system so the
// end-to-end run is deterministic regardless of filter attenuation.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Estimate.Variant = estimate.VariantFixedAlpha
	cfg.Estimate.FallbackBMR0Max = 1000
	// The synthetic scale is noiseless, so a large process noise makes the
	// filter near-pass-through and the recovered parameters sharp.
	cfg.Kalman.ProcessNoise = 10
	return cfg
}

func TestRunWritesPendingProposal(t *testing.T) {
	store := newBootstrappedStore(t)
	defer store.Close()

	r, err := NewRunner(testConfig(), store, nil)
	require.NoError(t, err)

	obs := syntheticDays(182)
	report, err := r.Run(context.Background(), obs)
	require.NoError(t, err)

	require.NotNil(t, report.Proposal)
	assert.Equal(t, params.StatusPending, report.Proposal.Status)
	assert.Equal(t, "fixed-alpha+fallback", report.Proposal.Proposed.Method)

	active, err := store.ActiveSet()
	require.NoError(t, err)
	assert.Equal(t, active.VersionID, report.Proposal.BaseVersionID)

	// The run never touches the active version.
	assert.Equal(t, 785.0, active.BMR0KcalPerDay)

	stored, err := store.GetProposal(report.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, params.StatusPending, stored.Status)
	assert.Equal(t, report.Fit.Metrics.NWindows, stored.Diagnostics.NWindows)
	assert.GreaterOrEqual(t, stored.Diagnostics.NWindows, 2)
}

func TestRunCapsParameterMoves(t *testing.T) {
	// Active values pinned above the fallback clip ranges: the reduced fit
	// clips C to at most 0.4 and BMR0 to at most 1000, both below the 3%
	// band floors 0.4365 and 1067, so the caps bind no matter where the
	// fit lands inside its clip range.
	store := params.NewMemoryStore()
	defer store.Close()
	require.NoError(t, store.Bootstrap(params.ParameterSet{
		AlphaKcalPerKg: 9800,
		CompensationC:  0.45,
		BMR0KcalPerDay: 1100,
		KLBMKcalPerKgD: 11.5,
		Method:         "bootstrap",
	}, "markh"))

	r, err := NewRunner(testConfig(), store, nil)
	require.NoError(t, err)

	report, err := r.Run(context.Background(), syntheticDays(182))
	require.NoError(t, err)

	p := report.Proposal.Proposed
	assert.InDelta(t, 0.45*0.97, p.CompensationC, 1e-9)
	assert.InDelta(t, 1100*0.97, p.BMR0KcalPerDay, 1e-9)

	// The uncapped fit stays visible in diagnostics, inside the fallback
	// clip ranges.
	capped := report.Proposal.Diagnostics.Capped
	require.Contains(t, capped, "c")
	require.Contains(t, capped, "bmr0")
	assert.GreaterOrEqual(t, capped["c"], 0.0)
	assert.LessOrEqual(t, capped["c"], 0.4)
	assert.GreaterOrEqual(t, capped["bmr0"], 400.0)
	assert.LessOrEqual(t, capped["bmr0"], 1000.0)

	// Alpha and kLBM stay at the fixed priors, identical to the active set.
	assert.Equal(t, 9800.0, p.AlphaKcalPerKg)
	assert.Equal(t, 11.5, p.KLBMKcalPerKgD)
	assert.NotContains(t, capped, "alpha")
	assert.NotContains(t, capped, "k_lbm")
}

func TestRunPersistsEstimates(t *testing.T) {
	store := newBootstrappedStore(t)
	defer store.Close()

	r, err := NewRunner(testConfig(), store, nil)
	require.NoError(t, err)

	obs := syntheticDays(120)
	report, err := r.Run(context.Background(), obs)
	require.NoError(t, err)
	assert.Len(t, report.Estimates, 120)

	got, err := store.GetEstimates(obs[0].Date, obs[len(obs)-1].Date)
	require.NoError(t, err)
	require.Len(t, got, 120)
	for _, est := range got {
		assert.False(t, math.IsNaN(est.FatMassKg))
		assert.False(t, math.IsNaN(est.SmoothedMassKg))
	}

	// The glitch day was damped, not tracked: the filtered value stays far
	// below the 8 kg spike.
	assert.Less(t, got[40].FatMassKg, got[39].FatMassKg+2)

	require.NotNil(t, report.Decomposed)
	assert.GreaterOrEqual(t, report.Decomposed.KH, 0.0)
	assert.LessOrEqual(t, report.Decomposed.KH, 1.5)
}

func TestRunSmoothsRegardlessOfConfig(t *testing.T) {
	store := newBootstrappedStore(t)
	defer store.Close()

	// The runner pins smoothing on: an explicit Smooth=false must not leave
	// NaN smoothed values in the persisted snapshot.
	cfg := testConfig()
	cfg.Kalman.Smooth = false
	r, err := NewRunner(cfg, store, nil)
	require.NoError(t, err)

	obs := syntheticDays(120)
	_, err = r.Run(context.Background(), obs)
	require.NoError(t, err)

	got, err := store.GetEstimates(obs[0].Date, obs[len(obs)-1].Date)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, est := range got {
		assert.False(t, math.IsNaN(est.SmoothedMassKg))
	}
}

func TestRunGuardrailsAreAdvisory(t *testing.T) {
	store := newBootstrappedStore(t)
	defer store.Close()

	cfg := testConfig()
	cfg.GuardrailMinWindows = 500 // impossible to satisfy
	r, err := NewRunner(cfg, store, nil)
	require.NoError(t, err)

	report, err := r.Run(context.Background(), syntheticDays(120))
	require.NoError(t, err)

	require.NotEmpty(t, report.Proposal.Diagnostics.GuardrailReasons)
	// Flagged, but still written PENDING for the reviewer.
	stored, err := store.GetProposal(report.Proposal.ID)
	require.NoError(t, err)
	assert.Equal(t, params.StatusPending, stored.Status)
}

func TestRunBudgetAbortsBeforeWrite(t *testing.T) {
	store := newBootstrappedStore(t)
	defer store.Close()

	cfg := testConfig()
	cfg.Budget = time.Nanosecond
	r, err := NewRunner(cfg, store, nil)
	require.NoError(t, err)

	_, err = r.Run(context.Background(), syntheticDays(120))
	require.ErrorIs(t, err, ErrBudgetExceeded)

	// Nothing persisted.
	proposals, err := store.ListProposals("")
	require.NoError(t, err)
	assert.Empty(t, proposals)
	ests, err := store.GetEstimates(time.Time{}, time.Now().AddDate(10, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, ests)
}

func TestRunRequiresBootstrappedStore(t *testing.T) {
	store := params.NewMemoryStore()
	defer store.Close()

	r, err := NewRunner(testConfig(), store, nil)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), syntheticDays(60))
	assert.ErrorIs(t, err, params.ErrNoActiveVersion)
}

func TestRunApproveRoundTrip(t *testing.T) {
	store := newBootstrappedStore(t)
	defer store.Close()

	r, err := NewRunner(testConfig(), store, nil)
	require.NoError(t, err)
	report, err := r.Run(context.Background(), syntheticDays(182))
	require.NoError(t, err)

	newSet, err := store.Approve(report.Proposal.ID, "markh", "accepted")
	require.NoError(t, err)
	active, err := store.ActiveSet()
	require.NoError(t, err)
	assert.Equal(t, newSet.VersionID, active.VersionID)
	assert.Equal(t, report.Proposal.Proposed.CompensationC, active.CompensationC)

	// A second run proposes against the new version.
	report2, err := r.Run(context.Background(), syntheticDays(182))
	require.NoError(t, err)
	assert.Equal(t, newSet.VersionID, report2.Proposal.BaseVersionID)
}

func TestApplyCapPassThroughWithinRange(t *testing.T) {
	store := newBootstrappedStore(t)
	defer store.Close()
	r, err := NewRunner(testConfig(), store, nil)
	require.NoError(t, err)

	active := params.ParameterSet{AlphaKcalPerKg: 9800, CompensationC: 0.2, BMR0KcalPerDay: 600, KLBMKcalPerKgD: 11.5}
	fitted := estimate.Parameters{AlphaKcalPerKg: 9850, CompensationC: 0.201, BMR0KcalPerDay: 605, KLBMKcalPerKgD: 11.6}
	out, capped := r.applyCap(active, fitted)
	assert.Nil(t, capped)
	assert.Equal(t, 9850.0, out.AlphaKcalPerKg)
	assert.Equal(t, 0.201, out.CompensationC)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.CapFraction = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Kalman.ProcessNoise = -1
	assert.Error(t, cfg.Validate())
}
