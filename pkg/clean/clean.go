// Package clean attenuates or removes sensor outliers in daily
// body-composition series before sequential estimation.
//
// Two modes are supported:
//
//   - Damp (default): spikes beyond K rolling MADs from the rolling median
//     are compressed toward the median with a tanh clamp instead of being
//     deleted. This preserves the date continuity the sequential estimator
//     depends on.
//   - Drop: spikes are replaced with the missing marker, for callers that
//     need a strictly cleaned series. An optional removal cap bounds the
//     fraction of points dropped, keeping the largest deviations only.
//
// The cleaner never fabricates values: a missing input day stays missing.
package clean

import (
	"fmt"
	"math"
	"sort"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/stats"
)

// Mode selects the outlier treatment.
type Mode string

const (
	// Damp compresses outliers toward the rolling median.
	Damp Mode = "damp"
	// Drop replaces outliers with the missing marker.
	Drop Mode = "drop"
)

// Config holds cleaner settings.
type Config struct {
	// Window is the rolling window length in days for median/MAD.
	Window int `yaml:"window"`
	// K is the MAD multiplier beyond which a point counts as a spike.
	K float64 `yaml:"k"`
	// Mode is damp or drop.
	Mode Mode `yaml:"mode"`
	// Centered selects a centered rolling window (offline cleaning) rather
	// than a trailing one.
	Centered bool `yaml:"centered"`
	// CapRate bounds the fraction of points drop mode may remove
	// (0 disables the cap). Ignored in damp mode.
	CapRate float64 `yaml:"cap_rate"`
}

// DefaultConfig returns the production cleaning settings.
func DefaultConfig() Config {
	return Config{
		Window:   7,
		K:        3.5,
		Mode:     Damp,
		Centered: true,
		CapRate:  0,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Window < 2 {
		return fmt.Errorf("clean: window must be >= 2, got %d", c.Window)
	}
	if c.K <= 0 {
		return fmt.Errorf("clean: k must be positive, got %v", c.K)
	}
	if c.Mode != Damp && c.Mode != Drop {
		return fmt.Errorf("clean: unknown mode %q", c.Mode)
	}
	if c.CapRate < 0 || c.CapRate > 1 {
		return fmt.Errorf("clean: cap_rate must be in [0,1], got %v", c.CapRate)
	}
	return nil
}

// Cleaner applies robust outlier treatment to scalar daily series.
type Cleaner struct {
	cfg Config
}

// New creates a Cleaner.
func New(cfg Config) (*Cleaner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cleaner{cfg: cfg}, nil
}

// Clean runs the cleaner over the fat and lean mass columns of obs and
// returns a cleaned series of the same length and date index.
func (c *Cleaner) Clean(obs []series.DailyObservation) []series.CleanedObservation {
	fat := make([]float64, len(obs))
	lean := make([]float64, len(obs))
	for i, o := range obs {
		fat[i] = o.RawFatMassKg
		lean[i] = o.RawLeanMassKg
	}
	fatClean := c.Series(fat)
	leanClean := c.Series(lean)

	out := make([]series.CleanedObservation, len(obs))
	for i, o := range obs {
		out[i] = series.CleanedObservation{
			Date:       o.Date,
			FatMassKg:  fatClean[i],
			LeanMassKg: leanClean[i],
		}
	}
	return out
}

// Series cleans a single scalar series according to the configured mode.
func (c *Cleaner) Series(x []float64) []float64 {
	med := stats.RollingMedian(x, c.cfg.Window, c.cfg.Centered)
	mad := stats.RollingMAD(x, med, c.cfg.Window, c.cfg.Centered)
	fillFlatMAD(mad)

	switch c.cfg.Mode {
	case Drop:
		return c.dropOutliers(x, med, mad)
	default:
		return c.dampOutliers(x, med, mad)
	}
}

// dampOutliers compresses deviations beyond K MADs toward the median using
// a tanh clamp: damped = med + (x-med)*tanh(clip(z,-k,k))/clip(z,-k,k).
// Near-zero deviations pass through untouched.
func (c *Cleaner) dampOutliers(x, med, mad []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if math.IsNaN(v) || math.IsNaN(med[i]) || math.IsNaN(mad[i]) || mad[i] == 0 {
			out[i] = v
			continue
		}
		z := (v - med[i]) / mad[i]
		if math.Abs(z) <= 1e-6 {
			out[i] = v
			continue
		}
		zc := clip(z, -c.cfg.K, c.cfg.K)
		out[i] = med[i] + (v-med[i])*math.Tanh(zc)/zc
	}
	return out
}

// dropOutliers replaces points with |x-med| > K*MAD by the missing marker,
// respecting the removal cap when set.
func (c *Cleaner) dropOutliers(x, med, mad []float64) []float64 {
	type spike struct {
		idx int
		dev float64
	}
	var spikes []spike
	for i, v := range x {
		if math.IsNaN(v) || math.IsNaN(med[i]) || math.IsNaN(mad[i]) || mad[i] == 0 {
			continue
		}
		dev := math.Abs(v - med[i])
		if dev > c.cfg.K*mad[i] {
			spikes = append(spikes, spike{i, dev})
		}
	}

	if c.cfg.CapRate > 0 {
		capN := int(math.Round(c.cfg.CapRate * float64(stats.CountValid(x))))
		if len(spikes) > capN {
			sort.Slice(spikes, func(a, b int) bool { return spikes[a].dev > spikes[b].dev })
			spikes = spikes[:capN]
		}
	}

	out := make([]float64, len(x))
	copy(out, x)
	for _, s := range spikes {
		out[s.idx] = math.NaN()
	}
	return out
}

// fillFlatMAD replaces zero MAD entries with the nearest non-zero MAD so a
// flat window never divides by zero. Searches outward from each index.
func fillFlatMAD(mad []float64) {
	for i, m := range mad {
		if math.IsNaN(m) || m != 0 {
			continue
		}
		for d := 1; d < len(mad); d++ {
			if j := i - d; j >= 0 && !math.IsNaN(mad[j]) && mad[j] > 0 {
				mad[i] = mad[j]
				break
			}
			if j := i + d; j < len(mad) && !math.IsNaN(mad[j]) && mad[j] > 0 {
				mad[i] = mad[j]
				break
			}
		}
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
