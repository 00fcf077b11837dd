// Package estimate fits the four physiological parameters of the energy
// balance identity to window aggregates:
//
//	deltaFM = [intake - (1-C)*workout - BMR0*days - kLBM*meanLean*days] / alpha
//
// The identity is reparametrized as a linear regression on
// [days, days*(meanLean-leanCenter), workoutResid, intakeSum], where
// workoutResid is the residual of workout after regressing it on intake.
//
// Orthogonalization convention: workout is regressed ON intake (with
// intercept) and the residual enters the design. Exercise drives subsequent
// intake, so the raw terms are collinear; this is the one canonical
// convention used everywhere in this package.
//
// Coefficients map back as alpha = 1/bIntake, C = 1 + bWorkoutResid/bIntake,
// kLBM = -bDaysLbm/bIntake, BMR0 = -bDays/bIntake - kLBM*leanCenter.
package estimate

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/stats"
)

// Variant selects the fitting strategy. The near-duplicate calibration
// script lineage collapses into this single tagged configuration.
type Variant string

const (
	// VariantFree fits all four parameters by robust regression.
	VariantFree Variant = "free"
	// VariantFixedAlpha skips the free fit and solves the reduced
	// two-parameter system directly with alpha and kLBM at their priors.
	VariantFixedAlpha Variant = "fixed-alpha"
	// VariantGrid fits (BMR0, C, alpha) by a coarse-then-fine Huber-loss
	// grid search with kLBM fixed at its prior.
	VariantGrid Variant = "grid"
)

// Sentinel errors for run-level propagation.
var (
	// ErrTooFewWindows means the window set cannot support a fit at all.
	ErrTooFewWindows = errors.New("estimate: too few windows")
	// ErrIllConditioned marks a near-singular design matrix; callers fall
	// back to the constrained fit rather than aborting.
	ErrIllConditioned = errors.New("estimate: design matrix ill-conditioned")
	// ErrImplausibleParameters marks a fit outside physiological bounds
	// after the fallback already ran; the run fails closed.
	ErrImplausibleParameters = errors.New("estimate: parameters implausible after fallback")
)

// Bounds holds the physiological plausibility ranges.
type Bounds struct {
	AlphaMin float64 `yaml:"alpha_min"`
	AlphaMax float64 `yaml:"alpha_max"`
	CMin     float64 `yaml:"c_min"`
	CMax     float64 `yaml:"c_max"`
	BMR0Min  float64 `yaml:"bmr0_min"`
	BMR0Max  float64 `yaml:"bmr0_max"`
	KLBMMin  float64 `yaml:"k_lbm_min"`
	KLBMMax  float64 `yaml:"k_lbm_max"`
}

// DefaultBounds returns the physiological plausibility ranges.
func DefaultBounds() Bounds {
	return Bounds{
		AlphaMin: 8000, AlphaMax: 10000,
		CMin: 0, CMax: 0.5,
		BMR0Min: 200, BMR0Max: 1000,
		KLBMMin: 2, KLBMMax: 25,
	}
}

// Config holds estimator settings.
type Config struct {
	// Variant selects the fitting strategy.
	Variant Variant `yaml:"variant"`
	// HuberEpsilon is the robust-loss threshold in scaled-residual units.
	HuberEpsilon float64 `yaml:"huber_epsilon"`
	// MaxIterations caps the IRLS loop.
	MaxIterations int `yaml:"max_iterations"`
	// Tol is the coefficient-change convergence tolerance.
	Tol float64 `yaml:"tol"`
	// MinWindows is the minimum window count for any fit.
	MinWindows int `yaml:"min_windows"`
	// CondThreshold triggers the fallback when the design-matrix condition
	// number exceeds it.
	CondThreshold float64 `yaml:"cond_threshold"`
	// Bounds are the plausibility ranges checked by the validator.
	Bounds Bounds `yaml:"bounds"`
	// AlphaPrior and KLBMPrior are the values fixed by the constrained
	// fallback (and by the fixed-alpha and grid variants).
	AlphaPrior float64 `yaml:"alpha_prior"`
	KLBMPrior  float64 `yaml:"k_lbm_prior"`
	// FallbackCBounds / FallbackBMR0Bounds clip the reduced-system
	// solution.
	FallbackCMin    float64 `yaml:"fallback_c_min"`
	FallbackCMax    float64 `yaml:"fallback_c_max"`
	FallbackBMR0Min float64 `yaml:"fallback_bmr0_min"`
	FallbackBMR0Max float64 `yaml:"fallback_bmr0_max"`
	// GridHuberDelta is the Huber delta for the grid variant objective
	// (kg units, unscaled).
	GridHuberDelta float64 `yaml:"grid_huber_delta"`
}

// DefaultConfig returns the production estimator settings.
func DefaultConfig() Config {
	return Config{
		Variant:         VariantFree,
		HuberEpsilon:    1.35,
		MaxIterations:   50,
		Tol:             1e-10,
		MinWindows:      2,
		CondThreshold:   1e4,
		Bounds:          DefaultBounds(),
		AlphaPrior:      9800,
		KLBMPrior:       11.5,
		FallbackCMin:    0.0,
		FallbackCMax:    0.4,
		FallbackBMR0Min: 400,
		FallbackBMR0Max: 1200,
		GridHuberDelta:  0.5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Variant {
	case VariantFree, VariantFixedAlpha, VariantGrid:
	default:
		return fmt.Errorf("estimate: unknown variant %q", c.Variant)
	}
	if c.HuberEpsilon <= 0 {
		return fmt.Errorf("estimate: huber_epsilon must be positive, got %v", c.HuberEpsilon)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("estimate: max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.MinWindows < 2 {
		return fmt.Errorf("estimate: min_windows must be >= 2, got %d", c.MinWindows)
	}
	if c.CondThreshold <= 0 {
		return fmt.Errorf("estimate: cond_threshold must be positive, got %v", c.CondThreshold)
	}
	return nil
}

// Parameters is one fitted parameter vector with its raw regression
// coefficients.
type Parameters struct {
	AlphaKcalPerKg  float64
	CompensationC   float64
	BMR0KcalPerDay  float64
	KLBMKcalPerKgD  float64
	BetaDays        float64
	BetaDaysLbmC    float64
	BetaWorkoutRes  float64
	BetaIntake      float64
	LeanCenterKg    float64
}

// PredictDeltaFM evaluates the forward energy-balance identity for one
// window.
func (p Parameters) PredictDeltaFM(w series.Window) float64 {
	net := w.IntakeSum -
		(1-p.CompensationC)*w.WorkoutSum -
		p.BMR0KcalPerDay*float64(w.Days) -
		p.KLBMKcalPerKgD*w.MeanLeanKg*float64(w.Days)
	return net / p.AlphaKcalPerKg
}

// Metrics are the fit diagnostics reported with every result.
type Metrics struct {
	R2         float64
	MAE        float64
	RMSE       float64
	BiasKg     float64
	CondX      float64
	NWindows   int
	HuberLoss  float64
}

// Result is a complete fit: parameters, diagnostics and validation state.
type Result struct {
	Params       Parameters
	Metrics      Metrics
	Variant      Variant
	UsedFallback bool
	Warnings     []string
	// AlphaImplied summarizes -energySum/deltaFM per window under C=0,
	// recorded for reviewer context.
	AlphaImpliedMin    float64
	AlphaImpliedMedian float64
	AlphaImpliedMax    float64
}

// Estimator fits parameters to window aggregates.
type Estimator struct {
	cfg Config
	log *logrus.Entry
}

// New creates an Estimator.
func New(cfg Config, log *logrus.Logger) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Estimator{cfg: cfg, log: log.WithField("component", "estimate")}, nil
}

// Fit runs the configured variant with validation and constrained fallback.
// Fallback triggers on bound violations, alpha <= 0 or an ill-conditioned
// design; a fallback result that is itself implausible fails closed with
// ErrImplausibleParameters.
func (e *Estimator) Fit(windows []series.Window) (*Result, error) {
	if len(windows) < e.cfg.MinWindows {
		return nil, fmt.Errorf("%w: %d < %d", ErrTooFewWindows, len(windows), e.cfg.MinWindows)
	}

	var (
		res *Result
		err error
	)
	switch e.cfg.Variant {
	case VariantFixedAlpha:
		res, err = e.fitConstrained(windows)
	case VariantGrid:
		res, err = e.fitGrid(windows)
	default:
		res, err = e.fitFree(windows)
	}
	if err != nil {
		return nil, err
	}

	res.Warnings = e.checkBounds(res.Params)
	// The condition-number gate only applies to the free regression; the
	// constrained and grid variants report CondX as Inf.
	needsFallback := len(res.Warnings) > 0 ||
		res.Params.AlphaKcalPerKg <= 0 ||
		(res.Variant == VariantFree && res.Metrics.CondX > e.cfg.CondThreshold)
	if needsFallback && !res.UsedFallback {
		e.log.WithFields(logrus.Fields{
			"warnings": res.Warnings,
			"cond":     res.Metrics.CondX,
		}).Warn("free fit failed validation, applying constrained fallback")
		fb, fbErr := e.fitConstrained(windows)
		if fbErr != nil {
			return nil, fbErr
		}
		fb.Warnings = e.checkBounds(fb.Params)
		if len(fb.Warnings) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrImplausibleParameters, fb.Warnings)
		}
		res = fb
	} else if needsFallback && res.UsedFallback {
		return nil, fmt.Errorf("%w: %v", ErrImplausibleParameters, res.Warnings)
	}

	res.AlphaImpliedMin, res.AlphaImpliedMedian, res.AlphaImpliedMax = impliedAlpha(windows, res.Params)
	e.log.WithFields(logrus.Fields{
		"alpha":     res.Params.AlphaKcalPerKg,
		"c":         res.Params.CompensationC,
		"bmr0":      res.Params.BMR0KcalPerDay,
		"k_lbm":     res.Params.KLBMKcalPerKgD,
		"r2":        res.Metrics.R2,
		"mae":       res.Metrics.MAE,
		"cond":      res.Metrics.CondX,
		"fallback":  res.UsedFallback,
		"n_windows": res.Metrics.NWindows,
	}).Info("parameters fitted")
	return res, nil
}

// fitFree runs the four-feature Huber regression.
func (e *Estimator) fitFree(windows []series.Window) (*Result, error) {
	n := len(windows)
	y := make([]float64, n)
	days := make([]float64, n)
	lean := make([]float64, n)
	intake := make([]float64, n)
	workout := make([]float64, n)
	for i, w := range windows {
		y[i] = w.DeltaFMKg
		days[i] = float64(w.Days)
		lean[i] = w.MeanLeanKg
		intake[i] = w.IntakeSum
		workout[i] = w.WorkoutSum
	}

	leanCenter := stats.Mean(lean)
	daysLbmC := make([]float64, n)
	for i := range days {
		daysLbmC[i] = days[i] * (lean[i] - leanCenter)
	}
	wResid := orthogonalize(workout, intake)

	cols := [][]float64{days, daysLbmC, wResid, intake}

	// Scale-only normalization: the regression has no intercept, so
	// centering would leave an unabsorbable constant in the residual.
	scaler := stats.FitStandardizer(cols)
	for j := range scaler.Means {
		scaler.Means[j] = 0
	}
	scaled := scaler.Transform(cols)

	// Conditioning is judged on the scaled design; the raw kcal-scale
	// columns would dominate the singular values otherwise.
	condX := condNumber(scaled)

	betaStd, err := huberIRLS(scaled, y, e.cfg.HuberEpsilon, e.cfg.MaxIterations, e.cfg.Tol)
	if err != nil {
		return nil, err
	}

	// Unscale coefficients (fit has no intercept, matching the source
	// methodology: only the scale matters for the back-map).
	beta := make([]float64, len(betaStd))
	for j := range betaStd {
		beta[j] = betaStd[j] / scaler.Scales[j]
	}

	params, err := interpret(beta, leanCenter)
	if err != nil {
		return nil, err
	}

	pred := make([]float64, n)
	for i := range y {
		pred[i] = beta[0]*days[i] + beta[1]*daysLbmC[i] + beta[2]*wResid[i] + beta[3]*intake[i]
	}
	m := fitMetrics(y, pred, e.cfg.GridHuberDelta)
	m.CondX = condX
	m.NWindows = n

	return &Result{Params: params, Metrics: m, Variant: VariantFree}, nil
}

// fitConstrained fixes alpha and kLBM at their priors and solves the
// reduced two-parameter linear system for C and BMR0, clipping to bounds.
// This is the fallback path and the fixed-alpha variant.
func (e *Estimator) fitConstrained(windows []series.Window) (*Result, error) {
	n := len(windows)
	alphaFixed := e.cfg.AlphaPrior
	kLBM := e.cfg.KLBMPrior

	days := make([]float64, n)
	intake := make([]float64, n)
	workout := make([]float64, n)
	lean := make([]float64, n)
	y := make([]float64, n)
	for i, w := range windows {
		days[i] = float64(w.Days)
		intake[i] = w.IntakeSum
		workout[i] = w.WorkoutSum
		lean[i] = w.MeanLeanKg
		y[i] = w.DeltaFMKg
	}
	wResid := orthogonalize(workout, intake)

	// deltaFM*alpha - intake + kLBM*lean*days = (C-1)*workoutResid - days*BMR0
	lhs := make([]float64, n)
	for i := range y {
		lhs[i] = y[i]*alphaFixed - intake[i] + kLBM*lean[i]*days[i]
	}
	negDays := make([]float64, n)
	for i := range days {
		negDays[i] = -days[i]
	}

	coefs, err := lstsq([][]float64{wResid, negDays}, lhs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIllConditioned, err)
	}
	c := clampF(1+coefs[0], e.cfg.FallbackCMin, e.cfg.FallbackCMax)
	bmr0 := clampF(coefs[1], e.cfg.FallbackBMR0Min, e.cfg.FallbackBMR0Max)

	params := Parameters{
		AlphaKcalPerKg: alphaFixed,
		CompensationC:  c,
		BMR0KcalPerDay: bmr0,
		KLBMKcalPerKgD: kLBM,
		LeanCenterKg:   stats.Mean(lean),
	}
	pred := make([]float64, n)
	for i, w := range windows {
		pred[i] = params.PredictDeltaFM(w)
	}
	m := fitMetrics(y, pred, e.cfg.GridHuberDelta)
	m.CondX = math.Inf(1) // not applicable for the reduced system
	m.NWindows = n

	return &Result{Params: params, Metrics: m, Variant: VariantFixedAlpha, UsedFallback: true}, nil
}

// checkBounds returns plausibility warnings, empty when all parameters are
// in range.
func (e *Estimator) checkBounds(p Parameters) []string {
	b := e.cfg.Bounds
	var warnings []string
	if math.IsNaN(p.AlphaKcalPerKg) || p.AlphaKcalPerKg < b.AlphaMin || p.AlphaKcalPerKg > b.AlphaMax {
		warnings = append(warnings, fmt.Sprintf("alpha=%.0f outside [%.0f, %.0f] kcal/kg", p.AlphaKcalPerKg, b.AlphaMin, b.AlphaMax))
	}
	if math.IsNaN(p.CompensationC) || p.CompensationC < b.CMin || p.CompensationC > b.CMax {
		warnings = append(warnings, fmt.Sprintf("C=%.3f outside [%.2f, %.2f]", p.CompensationC, b.CMin, b.CMax))
	}
	if math.IsNaN(p.BMR0KcalPerDay) || p.BMR0KcalPerDay < b.BMR0Min || p.BMR0KcalPerDay > b.BMR0Max {
		warnings = append(warnings, fmt.Sprintf("BMR0=%.0f outside [%.0f, %.0f] kcal/day", p.BMR0KcalPerDay, b.BMR0Min, b.BMR0Max))
	}
	if math.IsNaN(p.KLBMKcalPerKgD) || p.KLBMKcalPerKgD < b.KLBMMin || p.KLBMKcalPerKgD > b.KLBMMax {
		warnings = append(warnings, fmt.Sprintf("k_LBM=%.1f outside [%.1f, %.1f] kcal/day/kg", p.KLBMKcalPerKgD, b.KLBMMin, b.KLBMMax))
	}
	return warnings
}

// interpret maps regression coefficients back to physiological parameters.
func interpret(beta []float64, leanCenter float64) (Parameters, error) {
	bDays, bDaysLbmC, bWorkoutRes, bIntake := beta[0], beta[1], beta[2], beta[3]
	if bIntake == 0 {
		return Parameters{}, fmt.Errorf("%w: zero intake coefficient", ErrIllConditioned)
	}
	alpha := 1.0 / bIntake
	c := 1.0 + bWorkoutRes/bIntake
	kLBM := -bDaysLbmC / bIntake
	bmr0 := -bDays/bIntake - kLBM*leanCenter
	return Parameters{
		AlphaKcalPerKg: alpha,
		CompensationC:  c,
		BMR0KcalPerDay: bmr0,
		KLBMKcalPerKgD: kLBM,
		BetaDays:       bDays,
		BetaDaysLbmC:   bDaysLbmC,
		BetaWorkoutRes: bWorkoutRes,
		BetaIntake:     bIntake,
		LeanCenterKg:   leanCenter,
	}, nil
}

// orthogonalize regresses target on predictor (with intercept) and returns
// the residual. Canonical convention: workout on intake.
func orthogonalize(target, predictor []float64) []float64 {
	n := len(target)
	coefs, err := lstsq([][]float64{ones(n), predictor}, target)
	if err != nil {
		// Degenerate predictor: keep the raw column.
		out := make([]float64, n)
		copy(out, target)
		return out
	}
	out := make([]float64, n)
	for i := range target {
		out[i] = target[i] - coefs[0] - coefs[1]*predictor[i]
	}
	return out
}

// huberIRLS fits y on the columns by iteratively reweighted least squares
// with Huber weights on scale-normalized residuals.
func huberIRLS(cols [][]float64, y []float64, epsilon float64, maxIter int, tol float64) ([]float64, error) {
	n := len(y)
	p := len(cols)
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}
	beta := make([]float64, p)

	for it := 0; it < maxIter; it++ {
		next, err := weightedLstsq(cols, y, weights)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIllConditioned, err)
		}

		resid := make([]float64, n)
		for i := range y {
			var dot float64
			for j := range cols {
				dot += next[j] * cols[j][i]
			}
			resid[i] = y[i] - dot
		}
		scale := 1.4826 * stats.Median(absAll(resid))
		if scale < 1e-12 {
			// Perfect fit; nothing left to reweight.
			return next, nil
		}
		for i := range weights {
			weights[i] = stats.HuberWeight(resid[i]/scale, epsilon)
		}

		maxDelta := 0.0
		for j := range beta {
			if d := math.Abs(next[j] - beta[j]); d > maxDelta {
				maxDelta = d
			}
		}
		beta = next
		if maxDelta < tol {
			break
		}
	}
	return beta, nil
}

// weightedLstsq solves the weighted least-squares problem by scaling rows
// with sqrt(w) and delegating to gonum's QR-based solver.
func weightedLstsq(cols [][]float64, y []float64, w []float64) ([]float64, error) {
	n := len(y)
	p := len(cols)
	data := make([]float64, n*p)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		sw := math.Sqrt(w[i])
		for j := 0; j < p; j++ {
			data[i*p+j] = sw * cols[j][i]
		}
		b[i] = sw * y[i]
	}
	A := mat.NewDense(n, p, data)
	B := mat.NewVecDense(n, b)

	var sol mat.VecDense
	if err := sol.SolveVec(A, B); err != nil {
		// A mat.Condition error is a warning: the solution exists but is
		// poorly conditioned. The caller's condition-number check decides
		// whether to fall back.
		if _, ok := err.(mat.Condition); !ok {
			return nil, err
		}
	}
	out := make([]float64, p)
	for j := 0; j < p; j++ {
		out[j] = sol.AtVec(j)
	}
	return out, nil
}

// lstsq is unweighted least squares over feature columns.
func lstsq(cols [][]float64, y []float64) ([]float64, error) {
	w := make([]float64, len(y))
	for i := range w {
		w[i] = 1
	}
	return weightedLstsq(cols, y, w)
}

// condNumber is the 2-norm condition number of the column-assembled design
// matrix.
func condNumber(cols [][]float64) float64 {
	n := len(cols[0])
	p := len(cols)
	data := make([]float64, n*p)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			data[i*p+j] = cols[j][i]
		}
	}
	A := mat.NewDense(n, p, data)
	c := mat.Cond(A, 2)
	if math.IsNaN(c) {
		return math.Inf(1)
	}
	return c
}

// fitMetrics computes R2, MAE, RMSE, bias and mean Huber loss of predictions.
func fitMetrics(y, pred []float64, huberDelta float64) Metrics {
	n := len(y)
	resid := make([]float64, n)
	for i := range y {
		resid[i] = y[i] - pred[i]
	}
	mean := stats.Mean(y)
	ssRes := stats.Dot(resid, resid)
	sumR := stats.Sum(resid)
	var ssTot, sumAbs, sumH float64
	for i := range y {
		d := y[i] - mean
		ssTot += d * d
		sumAbs += math.Abs(resid[i])
		sumH += stats.HuberLoss(resid[i], huberDelta)
	}
	r2 := math.NaN()
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	return Metrics{
		R2:        r2,
		MAE:       sumAbs / float64(n),
		RMSE:      math.Sqrt(ssRes / float64(n)),
		BiasKg:    sumR / float64(n),
		HuberLoss: sumH / float64(n),
	}
}

// impliedAlpha summarizes the per-window implied energy density
// -energySum/deltaFM under the fitted C, for reviewer context.
func impliedAlpha(windows []series.Window, p Parameters) (min, median, max float64) {
	var vals []float64
	for _, w := range windows {
		if w.DeltaFMKg == 0 {
			continue
		}
		energy := w.IntakeSum -
			(1-p.CompensationC)*w.WorkoutSum -
			p.BMR0KcalPerDay*float64(w.Days) -
			p.KLBMKcalPerKgD*w.MeanLeanKg*float64(w.Days)
		if energy == 0 {
			continue
		}
		vals = append(vals, energy/w.DeltaFMKg)
	}
	if len(vals) == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	min, max = vals[0], vals[0]
	for _, v := range vals {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, stats.Median(vals), max
}

func absAll(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Abs(v)
	}
	return out
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
