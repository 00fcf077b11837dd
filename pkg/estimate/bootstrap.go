package estimate

import (
	"context"
	"math/rand"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

// BootstrapConfig controls the resampling confidence-interval pass.
type BootstrapConfig struct {
	// Iterations is the number of resample-and-refit rounds.
	Iterations int `yaml:"iterations"`
	// Seed makes the resampling reproducible. Runs with the same seed,
	// windows and config produce identical intervals.
	Seed int64 `yaml:"seed"`
	// ConfidenceLevel is the two-sided interval level, e.g. 0.95.
	ConfidenceLevel float64 `yaml:"confidence_level"`
}

// DefaultBootstrapConfig returns the production bootstrap settings.
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{Iterations: 200, Seed: 42, ConfidenceLevel: 0.95}
}

// Interval is a two-sided percentile confidence interval.
type Interval struct {
	Lo float64
	Hi float64
}

// BootstrapResult holds per-parameter intervals and how many resamples
// produced a usable fit.
type BootstrapResult struct {
	Alpha      Interval
	C          Interval
	BMR0       Interval
	KLBM       Interval
	Succeeded  int
	Attempted  int
}

// Bootstrap estimates parameter confidence intervals by resampling windows
// with replacement and refitting. Resamples whose fit fails validation are
// skipped, not retried. The context bounds total time; on cancellation the
// intervals are computed from the resamples completed so far.
func (e *Estimator) Bootstrap(ctx context.Context, windows []series.Window, cfg BootstrapConfig) (*BootstrapResult, error) {
	if len(windows) < e.cfg.MinWindows {
		return nil, ErrTooFewWindows
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	var alphas, cs, bmr0s, klbms []float64
	attempted := 0
	for i := 0; i < cfg.Iterations; i++ {
		select {
		case <-ctx.Done():
			e.log.WithField("completed", attempted).Warn("bootstrap budget exhausted")
			i = cfg.Iterations
			continue
		default:
		}
		attempted++

		sample := make([]series.Window, len(windows))
		for j := range sample {
			sample[j] = windows[rng.Intn(len(windows))]
		}
		res, err := e.Fit(sample)
		if err != nil {
			continue
		}
		alphas = append(alphas, res.Params.AlphaKcalPerKg)
		cs = append(cs, res.Params.CompensationC)
		bmr0s = append(bmr0s, res.Params.BMR0KcalPerDay)
		klbms = append(klbms, res.Params.KLBMKcalPerKgD)
	}

	if len(alphas) == 0 {
		return nil, ErrImplausibleParameters
	}
	level := cfg.ConfidenceLevel
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	out := &BootstrapResult{
		Alpha:     percentileInterval(alphas, level),
		C:         percentileInterval(cs, level),
		BMR0:      percentileInterval(bmr0s, level),
		KLBM:      percentileInterval(klbms, level),
		Succeeded: len(alphas),
		Attempted: attempted,
	}
	e.log.WithFields(logrus.Fields{
		"succeeded": out.Succeeded,
		"attempted": out.Attempted,
	}).Debug("bootstrap complete")
	return out, nil
}

func percentileInterval(vals []float64, level float64) Interval {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	tail := (1 - level) / 2
	return Interval{
		Lo: percentile(sorted, tail),
		Hi: percentile(sorted, 1-tail),
	}
}

// percentile uses linear interpolation between order statistics on an
// already sorted slice.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(pos)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
