// Package decompose separates a slow fat-mass trend from fast,
// carbohydrate-linked hydration fluctuations in the cleaned daily series.
//
// Model: observed = trend + kH*hydration + noise, where hydration is a
// zero-centered short-half-life EWMA of carbohydrate mass and trend is a
// long-half-life (~90 day) EWMA of (observed - kH*hydration). kH is fitted
// by alternating trend re-estimation with a robust (Huber) regression of
// the de-trended residual on the hydration component.
package decompose

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/stats"
)

// Config holds decomposer settings.
type Config struct {
	// FatHalfLifeDays for the slow trend EWMA.
	FatHalfLifeDays float64 `yaml:"fat_half_life_days"`
	// HydrationHalfLives is the half-life grid (days) searched for the
	// hydration EWMA.
	HydrationHalfLives []float64 `yaml:"hydration_half_lives"`
	// HydrationLags is the lag grid (days) searched for the hydration
	// component.
	HydrationLags []int `yaml:"hydration_lags"`
	// CarbMassPerGram converts carbohydrate grams to retained mass (kg/g),
	// covering glycogen plus bound water.
	CarbMassPerGram float64 `yaml:"carb_mass_per_g"`
	// HuberDelta is the robust-loss threshold for the kH regression.
	HuberDelta float64 `yaml:"huber_delta"`
	// MaxIterations caps the trend/kH alternation.
	MaxIterations int `yaml:"max_iterations"`
	// Tol is the |delta kH| convergence tolerance.
	Tol float64 `yaml:"tol"`
	// MinGridPoints is the minimum overlapping sample count for the
	// half-life/lag grid search; below it the defaults are kept.
	MinGridPoints int `yaml:"min_grid_points"`
}

// DefaultConfig returns the production decomposition settings.
func DefaultConfig() Config {
	return Config{
		FatHalfLifeDays:    90,
		HydrationHalfLives: []float64{1, 2, 3},
		HydrationLags:      []int{0, 1, 2},
		CarbMassPerGram:    0.0035,
		HuberDelta:         0.8,
		MaxIterations:      5,
		Tol:                1e-6,
		MinGridPoints:      30,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FatHalfLifeDays <= 0 {
		return fmt.Errorf("decompose: fat_half_life_days must be positive, got %v", c.FatHalfLifeDays)
	}
	if len(c.HydrationHalfLives) == 0 {
		return fmt.Errorf("decompose: hydration_half_lives must not be empty")
	}
	if c.HuberDelta <= 0 {
		return fmt.Errorf("decompose: huber_delta must be positive, got %v", c.HuberDelta)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("decompose: max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	return nil
}

// Result is the fitted decomposition.
type Result struct {
	// Trend is the slow fat-mass trend, same index as the input.
	Trend []float64
	// Hydration is the fitted hydration component kH*H.
	Hydration []float64
	// Residuals is observed - (trend + kH*H).
	Residuals []float64
	// Weights are the final Huber weights (0 for invalid rows).
	Weights []float64

	KH                float64
	HydrationHalfLife float64
	HydrationLagDays  int
	InterceptShiftKg  float64
	MeanAbsResidual   float64
	Converged         bool
	Iterations        int
}

// Decomposer fits the trend/hydration decomposition.
type Decomposer struct {
	cfg Config
	log *logrus.Entry
}

// New creates a Decomposer.
func New(cfg Config, log *logrus.Logger) (*Decomposer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Decomposer{cfg: cfg, log: log.WithField("component", "decompose")}, nil
}

// Fit decomposes the cleaned fat-mass series. Carbohydrates come from the
// raw observations; missing carbohydrate entries are treated as zero intake
// (a documented simplification, not imputation). obs and cleaned must share
// the same daily index.
func (d *Decomposer) Fit(obs []series.DailyObservation, cleaned []series.CleanedObservation) (*Result, error) {
	if len(obs) != len(cleaned) {
		return nil, fmt.Errorf("decompose: observation/cleaned length mismatch %d != %d", len(obs), len(cleaned))
	}
	n := len(obs)
	if n == 0 {
		return nil, fmt.Errorf("decompose: empty series")
	}

	fat := make([]float64, n)
	carbMass := make([]float64, n)
	for i := range obs {
		fat[i] = cleaned[i].FatMassKg
		carbs := obs[i].CarbsG
		if math.IsNaN(carbs) {
			carbs = 0
		}
		carbMass[i] = carbs * d.cfg.CarbMassPerGram
	}

	hl, lag := d.selectHydration(fat, carbMass)
	hydration := center(stats.Shift(stats.EWMA(carbMass, hl), lag))

	// Alternate trend re-estimation and robust kH regression.
	var (
		kH        float64
		prevKH    = math.Inf(1)
		trend     []float64
		weights   = make([]float64, n)
		converged bool
		iter      int
	)
	for iter = 1; iter <= d.cfg.MaxIterations; iter++ {
		if iter == 1 {
			trend = stats.EWMA(fat, d.cfg.FatHalfLifeDays)
		} else {
			corrected := make([]float64, n)
			for i := range fat {
				corrected[i] = fat[i] - kH*hydration[i]
			}
			trend = stats.EWMA(corrected, d.cfg.FatHalfLifeDays)
		}

		// Centered de-trended residual regressed on the (centered)
		// hydration component.
		resid := make([]float64, n)
		for i := range fat {
			resid[i] = fat[i] - trend[i]
		}
		rMean := stats.MeanNaN(resid)
		for i := range resid {
			resid[i] -= rMean
		}

		newKH, w, ok := huberSlope(hydration, resid, d.cfg.HuberDelta, d.cfg.Tol)
		if !ok {
			d.log.Warn("insufficient valid data for hydration regression")
			break
		}
		newKH = clamp(newKH, 0, 1.5)
		copy(weights, w)

		if math.Abs(newKH-prevKH) < d.cfg.Tol {
			converged = true
			kH = newKH
			break
		}
		kH = newKH
		prevKH = newKH
	}
	if iter > d.cfg.MaxIterations {
		iter = d.cfg.MaxIterations
	}

	// Final trend with the converged kH.
	corrected := make([]float64, n)
	for i := range fat {
		corrected[i] = fat[i] - kH*hydration[i]
	}
	trend = stats.EWMA(corrected, d.cfg.FatHalfLifeDays)

	hydComponent := make([]float64, n)
	residuals := make([]float64, n)
	for i := range fat {
		hydComponent[i] = kH * hydration[i]
		residuals[i] = fat[i] - (trend[i] + hydComponent[i])
	}

	res := &Result{
		Trend:             trend,
		Hydration:         hydComponent,
		Residuals:         residuals,
		Weights:           weights,
		KH:                kH,
		HydrationHalfLife: hl,
		HydrationLagDays:  lag,
		InterceptShiftKg:  stats.MeanNaN(residuals),
		MeanAbsResidual:   stats.AbsMeanNaN(residuals),
		Converged:         converged,
		Iterations:        iter,
	}
	d.log.WithFields(logrus.Fields{
		"k_h":        res.KH,
		"half_life":  hl,
		"lag_days":   lag,
		"converged":  res.Converged,
		"iterations": res.Iterations,
		"mean_resid": res.MeanAbsResidual,
	}).Info("decomposition fitted")
	return res, nil
}

// selectHydration grid-searches the hydration half-life and lag by
// maximizing |corr(H, observed - trend)|. Falls back to the first grid
// entries when the overlap is too small.
func (d *Decomposer) selectHydration(fat, carbMass []float64) (float64, int) {
	trend := stats.EWMA(fat, d.cfg.FatHalfLifeDays)
	detrended := make([]float64, len(fat))
	for i := range fat {
		detrended[i] = fat[i] - trend[i]
	}

	bestHL := d.cfg.HydrationHalfLives[0]
	bestLag := 0
	if len(d.cfg.HydrationLags) > 0 {
		bestLag = d.cfg.HydrationLags[0]
	}
	bestCorr := 0.0
	for _, hl := range d.cfg.HydrationHalfLives {
		base := stats.EWMA(carbMass, hl)
		for _, lag := range d.cfg.HydrationLags {
			h := stats.Shift(base, lag)
			valid := 0
			for i := range h {
				if !math.IsNaN(h[i]) && !math.IsNaN(detrended[i]) {
					valid++
				}
			}
			if valid <= d.cfg.MinGridPoints {
				continue
			}
			corr := math.Abs(stats.Correlation(h, detrended))
			if !math.IsNaN(corr) && corr > bestCorr {
				bestCorr = corr
				bestHL = hl
				bestLag = lag
			}
		}
	}
	d.log.WithFields(logrus.Fields{
		"half_life": bestHL,
		"lag_days":  bestLag,
		"abs_corr":  bestCorr,
	}).Debug("hydration grid search")
	return bestHL, bestLag
}

// huberSlope fits y = k*x without intercept by IRLS with Huber weights.
// Returns the slope, per-row weights (0 for invalid rows) and whether
// enough valid rows existed.
func huberSlope(x, y []float64, delta, tol float64) (float64, []float64, bool) {
	weights := make([]float64, len(x))
	valid := 0
	for i := range x {
		if !math.IsNaN(x[i]) && !math.IsNaN(y[i]) {
			weights[i] = 1
			valid++
		}
	}
	if valid < 10 {
		return 0, weights, false
	}

	k := 0.0
	for it := 0; it < 10; it++ {
		var sxx, sxy float64
		for i := range x {
			if weights[i] == 0 {
				continue
			}
			sxx += weights[i] * x[i] * x[i]
			sxy += weights[i] * x[i] * y[i]
		}
		if sxx == 0 {
			break
		}
		next := sxy / sxx
		for i := range x {
			if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
				weights[i] = 0
				continue
			}
			weights[i] = stats.HuberWeight(y[i]-next*x[i], delta)
		}
		if math.Abs(next-k) < tol {
			k = next
			break
		}
		k = next
	}
	return k, weights, true
}

func center(x []float64) []float64 {
	m := stats.MeanNaN(x)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v - m
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
