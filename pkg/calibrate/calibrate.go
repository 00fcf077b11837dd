// Package calibrate orchestrates the full parameter-calibration pipeline:
// outlier cleaning, sequential state estimation, trend/hydration
// decomposition, window aggregation, robust fitting and proposal creation.
//
// A run never mutates the active parameter version. Its only durable
// outputs are a PENDING proposal and a state-estimate snapshot, written at
// the very end; any earlier failure aborts the run with nothing persisted.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/clean"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/decompose"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/estimate"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/kalman"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/params"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/window"
)

// ErrBudgetExceeded means the wall-clock budget ran out before the run
// reached its write phase. Nothing was persisted.
var ErrBudgetExceeded = errors.New("calibrate: run budget exceeded before write phase")

// Config holds pipeline-level settings. Stage settings live in the stage
// packages.
type Config struct {
	Clean     clean.Config     `yaml:"clean"`
	Kalman    kalman.Config    `yaml:"kalman"`
	Decompose decompose.Config `yaml:"decompose"`
	Window    window.Config    `yaml:"window"`
	Estimate  estimate.Config  `yaml:"estimate"`

	// CapFraction bounds each parameter's proposed relative change per
	// run. 0.03 means at most a 3% move from the active value.
	CapFraction float64 `yaml:"cap_fraction"`
	// GuardrailBiasKg flags the proposal for rejection when the mean
	// window residual exceeds this magnitude.
	GuardrailBiasKg float64 `yaml:"guardrail_bias_kg"`
	// GuardrailMAEKg flags the proposal when window MAE exceeds this.
	GuardrailMAEKg float64 `yaml:"guardrail_mae_kg"`
	// GuardrailMinWindows flags the proposal when fewer windows survived.
	GuardrailMinWindows int `yaml:"guardrail_min_windows"`
	// Budget is the wall-clock limit for the whole run. Zero disables it.
	Budget time.Duration `yaml:"budget"`
	// Bootstrap, when enabled, adds resampling confidence intervals to the
	// run report. Interval width is advisory; it never blocks a proposal.
	BootstrapEnabled bool                     `yaml:"bootstrap_enabled"`
	Bootstrap        estimate.BootstrapConfig `yaml:"bootstrap"`
}

// DefaultConfig returns the production pipeline settings.
func DefaultConfig() Config {
	return Config{
		Clean:               clean.DefaultConfig(),
		Kalman:              kalman.DefaultConfig(),
		Decompose:           decompose.DefaultConfig(),
		Window:              window.DefaultConfig(),
		Estimate:            estimate.DefaultConfig(),
		CapFraction:         0.03,
		GuardrailBiasKg:     0.2,
		GuardrailMAEKg:      1.0,
		GuardrailMinWindows: 2,
		Budget:              5 * time.Minute,
		Bootstrap:           estimate.DefaultBootstrapConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CapFraction <= 0 || c.CapFraction >= 1 {
		return fmt.Errorf("calibrate: cap_fraction must be in (0, 1), got %v", c.CapFraction)
	}
	if err := c.Clean.Validate(); err != nil {
		return err
	}
	if err := c.Kalman.Validate(); err != nil {
		return err
	}
	if err := c.Decompose.Validate(); err != nil {
		return err
	}
	if err := c.Window.Validate(); err != nil {
		return err
	}
	return c.Estimate.Validate()
}

// Report is the outcome of one calibration run.
type Report struct {
	Proposal   *params.Proposal
	Fit        *estimate.Result
	Windows    []series.Window
	Estimates  []series.StateEstimate
	Decomposed *decompose.Result
	Intervals  *estimate.BootstrapResult
	Elapsed    time.Duration
}

// Runner executes calibration runs against a parameter store.
type Runner struct {
	cfg   Config
	store params.Store
	log   *logrus.Entry

	now func() time.Time
}

// NewRunner creates a Runner. The store must already be bootstrapped with
// an active parameter version.
func NewRunner(cfg Config, store params.Store, log *logrus.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("calibrate: nil store")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	// Calibration is offline: window endpoints and the persisted snapshot
	// are defined on the smoothed series, so the backward pass always runs
	// regardless of the configured flag.
	cfg.Kalman.Smooth = true
	return &Runner{
		cfg:   cfg,
		store: store,
		log:   log.WithField("component", "calibrate"),
		now:   time.Now,
	}, nil
}

// Run executes the full pipeline on obs and writes a PENDING proposal plus
// the state-estimate snapshot. Guardrail violations do not block the write;
// they are recorded on the proposal for the reviewer.
func (r *Runner) Run(ctx context.Context, obs []series.DailyObservation) (*Report, error) {
	started := r.now()
	if r.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Budget)
		defer cancel()
	}

	active, err := r.store.ActiveSet()
	if err != nil {
		return nil, fmt.Errorf("calibrate: load active version: %w", err)
	}

	if err := series.Validate(obs); err != nil {
		return nil, err
	}
	obs = series.Reindex(obs)
	if len(obs) == 0 {
		return nil, errors.New("calibrate: no observations")
	}

	cleaner, err := clean.New(r.cfg.Clean)
	if err != nil {
		return nil, err
	}
	cleaned := cleaner.Clean(obs)

	filt, err := kalman.New(r.cfg.Kalman)
	if err != nil {
		return nil, err
	}
	estimates, err := filt.Run(cleaned)
	if err != nil {
		return nil, err
	}

	fat := make([]float64, len(estimates))
	lean := make([]float64, len(cleaned))
	intake := make([]float64, len(obs))
	workout := make([]float64, len(obs))
	dates := make([]time.Time, len(obs))
	// Windows aggregate the smoothed series, which Run produced because the
	// runner pins the smoothing flag on.
	for i := range obs {
		fat[i] = estimates[i].SmoothedMassKg
		lean[i] = cleaned[i].LeanMassKg
		intake[i] = obs[i].IntakeKcal
		workout[i] = obs[i].WorkoutKcal
		dates[i] = obs[i].Date
	}

	dec, err := decompose.New(r.cfg.Decompose, r.logger())
	if err != nil {
		return nil, err
	}
	decomposed, err := dec.Fit(obs, cleaned)
	if err != nil {
		return nil, err
	}

	builder, err := window.New(r.cfg.Window, r.logger())
	if err != nil {
		return nil, err
	}
	windows := builder.Build(window.Input{
		Dates:       dates,
		FatKg:       fat,
		LeanKg:      lean,
		IntakeKcal:  intake,
		WorkoutKcal: workout,
	})

	est, err := estimate.New(r.cfg.Estimate, r.logger())
	if err != nil {
		return nil, err
	}
	fit, err := est.Fit(windows)
	if err != nil {
		return nil, fmt.Errorf("calibrate: fit: %w", err)
	}

	var intervals *estimate.BootstrapResult
	if r.cfg.BootstrapEnabled {
		intervals, err = est.Bootstrap(ctx, windows, r.cfg.Bootstrap)
		if err != nil {
			r.log.WithError(err).Warn("bootstrap skipped")
			intervals = nil
		}
	}

	proposed, capped := r.applyCap(*active, fit.Params)
	proposed.KHydration = decomposed.KH
	proposed.Method = string(fit.Variant)
	if fit.UsedFallback {
		proposed.Method += "+fallback"
	}
	proposed.EffectiveDate = series.Day(dates[len(dates)-1])
	proposed.Notes = fmt.Sprintf("calibration over %s..%s (%d windows)",
		dates[0].Format(series.DayFormat), dates[len(dates)-1].Format(series.DayFormat), len(windows))

	diag := params.Diagnostics{
		R2:                 fit.Metrics.R2,
		MAEKg:              fit.Metrics.MAE,
		RMSEKg:             fit.Metrics.RMSE,
		BiasKg:             fit.Metrics.BiasKg,
		ConditionNumber:    fit.Metrics.CondX,
		NWindows:           fit.Metrics.NWindows,
		UsedFallback:       fit.UsedFallback,
		Warnings:           fit.Warnings,
		AlphaImpliedMin:    fit.AlphaImpliedMin,
		AlphaImpliedMedian: fit.AlphaImpliedMedian,
		AlphaImpliedMax:    fit.AlphaImpliedMax,
		Capped:             capped,
		GuardrailReasons:   r.guardrails(fit),
	}

	// Write phase. The budget gates durable writes: an expired context
	// here aborts with nothing persisted.
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrBudgetExceeded, ctx.Err())
	default:
	}

	proposal := &params.Proposal{
		ID:            params.NewProposalID(),
		BaseVersionID: active.VersionID,
		Proposed:      proposed,
		Diagnostics:   diag,
		Status:        params.StatusPending,
		CreatedAt:     r.now(),
	}
	if err := r.store.CreateProposal(proposal); err != nil {
		return nil, fmt.Errorf("calibrate: write proposal: %w", err)
	}
	// Days before the first measurement carry NaN placeholders and are not
	// persistable.
	persistable := estimates
	for len(persistable) > 0 && math.IsNaN(persistable[0].FatMassKg) {
		persistable = persistable[1:]
	}
	if err := r.store.PutEstimates(persistable); err != nil {
		return nil, fmt.Errorf("calibrate: write estimates: %w", err)
	}

	elapsed := r.now().Sub(started)
	r.log.WithFields(logrus.Fields{
		"proposal":   proposal.ID,
		"base":       active.VersionID,
		"windows":    len(windows),
		"guardrails": len(diag.GuardrailReasons),
		"elapsed":    elapsed,
	}).Info("calibration run complete")

	return &Report{
		Proposal:   proposal,
		Fit:        fit,
		Windows:    windows,
		Estimates:  estimates,
		Decomposed: decomposed,
		Intervals:  intervals,
		Elapsed:    elapsed,
	}, nil
}

// applyCap truncates each parameter's relative change from the active value
// to CapFraction, returning the capped set and the uncapped values of the
// parameters that hit the cap.
func (r *Runner) applyCap(active params.ParameterSet, fitted estimate.Parameters) (params.ParameterSet, map[string]float64) {
	capped := make(map[string]float64)
	capOne := func(name string, base, proposed float64) float64 {
		if base == 0 {
			return proposed
		}
		lo := base - math.Abs(base)*r.cfg.CapFraction
		hi := base + math.Abs(base)*r.cfg.CapFraction
		if proposed < lo {
			capped[name] = proposed
			return lo
		}
		if proposed > hi {
			capped[name] = proposed
			return hi
		}
		return proposed
	}
	out := params.ParameterSet{
		AlphaKcalPerKg: capOne("alpha", active.AlphaKcalPerKg, fitted.AlphaKcalPerKg),
		CompensationC:  capOne("c", active.CompensationC, fitted.CompensationC),
		BMR0KcalPerDay: capOne("bmr0", active.BMR0KcalPerDay, fitted.BMR0KcalPerDay),
		KLBMKcalPerKgD: capOne("k_lbm", active.KLBMKcalPerKgD, fitted.KLBMKcalPerKgD),
	}
	if len(capped) == 0 {
		capped = nil
	}
	return out, capped
}

// guardrails returns the reviewer-facing rejection recommendations.
func (r *Runner) guardrails(fit *estimate.Result) []string {
	var reasons []string
	if math.Abs(fit.Metrics.BiasKg) > r.cfg.GuardrailBiasKg {
		reasons = append(reasons, fmt.Sprintf("window bias %.3f kg exceeds %.2f kg", fit.Metrics.BiasKg, r.cfg.GuardrailBiasKg))
	}
	if fit.Metrics.NWindows < r.cfg.GuardrailMinWindows {
		reasons = append(reasons, fmt.Sprintf("only %d windows, need %d", fit.Metrics.NWindows, r.cfg.GuardrailMinWindows))
	}
	if fit.Metrics.MAE > r.cfg.GuardrailMAEKg {
		reasons = append(reasons, fmt.Sprintf("window MAE %.3f kg exceeds %.2f kg", fit.Metrics.MAE, r.cfg.GuardrailMAEKg))
	}
	return reasons
}

func (r *Runner) logger() *logrus.Logger {
	return r.log.Logger
}
