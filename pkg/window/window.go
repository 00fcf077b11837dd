// Package window aggregates the cleaned/estimated daily series into
// eligible fixed-length intervals for regression.
//
// Two builder modes exist:
//
//   - Anchored: candidate windows end on a fixed weekday anchor with
//     lengths drawn from a candidate set; when several lengths are eligible
//     for the same anchor the shortest wins (the single deterministic
//     tie-break). Endpoint fat-mass values may be taken from up to
//     LookbackDays before each nominal endpoint, and energy is summed over
//     the days strictly between the endpoint dates.
//   - Sliding: one fixed length, every start index, endpoint values taken
//     from the window edges directly and energy summed over every day.
//
// Ineligible windows are dropped and logged, never fatal: a data gap in one
// window must not abort the run.
package window

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/stats"
)

// Mode selects the builder strategy.
type Mode string

const (
	// Anchored builds weekday-anchored windows with a candidate-length
	// tie-break.
	Anchored Mode = "anchored"
	// Sliding builds one window per start index at a fixed length.
	Sliding Mode = "sliding"
)

// Config holds window-builder settings.
type Config struct {
	// Mode is anchored or sliding.
	Mode Mode `yaml:"mode"`
	// Lengths is the candidate window length set in days. Sliding mode
	// uses only the first entry.
	Lengths []int `yaml:"lengths"`
	// AnchorWeekday is the weekday anchored windows end on (0=Sunday).
	AnchorWeekday time.Weekday `yaml:"anchor_weekday"`
	// LookbackDays bounds how far before an endpoint a fat-mass estimate
	// may be taken from.
	LookbackDays int `yaml:"lookback_days"`
	// MinValidDays is the minimum number of non-missing fat/lean days a
	// window must contain, capped at the candidate length for windows
	// shorter than it.
	MinValidDays int `yaml:"min_valid_days"`
	// MaxDailyChange is the sanity bound on |delta fm|/days (kg/day);
	// violations are treated as data corruption and excluded.
	MaxDailyChange float64 `yaml:"max_daily_change"`
	// MinCoverage is the minimum fraction of non-missing intake/workout
	// days (sliding mode).
	MinCoverage float64 `yaml:"min_coverage"`
}

// DefaultConfig returns the production windowing settings.
func DefaultConfig() Config {
	return Config{
		Mode:           Anchored,
		Lengths:        []int{7, 14, 21, 28},
		AnchorWeekday:  time.Sunday,
		LookbackDays:   3,
		MinValidDays:   10,
		MaxDailyChange: 0.12,
		MinCoverage:    0.9,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Mode != Anchored && c.Mode != Sliding {
		return fmt.Errorf("window: unknown mode %q", c.Mode)
	}
	if len(c.Lengths) == 0 {
		return fmt.Errorf("window: lengths must not be empty")
	}
	for _, l := range c.Lengths {
		if l < 2 {
			return fmt.Errorf("window: length must be >= 2, got %d", l)
		}
	}
	if c.LookbackDays < 0 {
		return fmt.Errorf("window: lookback_days must be >= 0, got %d", c.LookbackDays)
	}
	if c.MaxDailyChange <= 0 {
		return fmt.Errorf("window: max_daily_change must be positive, got %v", c.MaxDailyChange)
	}
	return nil
}

// Input is the merged daily series the builder consumes: all slices share
// one contiguous daily date index.
type Input struct {
	Dates       []time.Time
	FatKg       []float64 // estimated fat mass (state estimator or trend)
	LeanKg      []float64 // cleaned lean mass
	IntakeKcal  []float64
	WorkoutKcal []float64
}

// Len returns the number of days.
func (in Input) Len() int { return len(in.Dates) }

// Builder aggregates daily series into eligible windows.
type Builder struct {
	cfg Config
	log *logrus.Entry
}

// New creates a Builder.
func New(cfg Config, log *logrus.Logger) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Builder{cfg: cfg, log: log.WithField("component", "window")}, nil
}

// Build returns the eligible windows for the input series.
func (b *Builder) Build(in Input) []series.Window {
	if b.cfg.Mode == Sliding {
		return b.buildSliding(in)
	}
	return b.buildAnchored(in)
}

// buildAnchored walks anchor dates (the configured weekday) and, per
// anchor, accepts the shortest eligible candidate length.
func (b *Builder) buildAnchored(in Input) []series.Window {
	lengths := append([]int(nil), b.cfg.Lengths...)
	sort.Ints(lengths)

	var out []series.Window
	for i := range in.Dates {
		if in.Dates[i].Weekday() != b.cfg.AnchorWeekday {
			continue
		}
		for _, k := range lengths {
			w, ok, reason := b.tryWindow(in, i-k+1, i, k)
			if ok {
				out = append(out, w)
				break // shortest eligible length wins
			}
			b.log.WithFields(logrus.Fields{
				"anchor": in.Dates[i].Format(series.DayFormat),
				"days":   k,
				"reason": reason,
			}).Debug("window rejected")
		}
	}
	return out
}

// buildSliding emits one candidate per start index at the first configured
// length, requiring intake/workout coverage on top of the shared checks.
func (b *Builder) buildSliding(in Input) []series.Window {
	k := b.cfg.Lengths[0]
	var out []series.Window
	for start := 0; start+k-1 < in.Len(); start++ {
		end := start + k - 1
		if cov := coverage(in.IntakeKcal[start : end+1]); cov < b.cfg.MinCoverage {
			continue
		}
		if cov := coverage(in.WorkoutKcal[start : end+1]); cov < b.cfg.MinCoverage {
			continue
		}
		w, ok, reason := b.tryWindow(in, start, end, k)
		if !ok {
			b.log.WithFields(logrus.Fields{
				"start":  in.Dates[start].Format(series.DayFormat),
				"days":   k,
				"reason": reason,
			}).Debug("window rejected")
			continue
		}
		out = append(out, w)
	}
	return out
}

// tryWindow checks eligibility for [start, end] (inclusive indices) and
// assembles the aggregate row. Returns ok=false with a reason for logging
// when the window is dropped.
func (b *Builder) tryWindow(in Input, start, end, k int) (series.Window, bool, string) {
	if start < 0 || end >= in.Len() {
		return series.Window{}, false, "out of range"
	}

	fmStartIdx := b.lookback(in.FatKg, start)
	fmEndIdx := b.lookback(in.FatKg, end)
	if fmStartIdx < 0 || fmEndIdx < 0 {
		return series.Window{}, false, "no fat-mass estimate within lookback"
	}

	validFat := stats.CountValid(in.FatKg[start : end+1])
	validLean := stats.CountValid(in.LeanKg[start : end+1])
	// A candidate shorter than the configured minimum must be fully observed.
	need := b.cfg.MinValidDays
	if need > k {
		need = k
	}
	if validFat < need || validLean < need {
		return series.Window{}, false, fmt.Sprintf("insufficient valid days: fat=%d lean=%d", validFat, validLean)
	}

	delta := in.FatKg[fmEndIdx] - in.FatKg[fmStartIdx]
	if math.Abs(delta)/float64(k) > b.cfg.MaxDailyChange {
		return series.Window{}, false, fmt.Sprintf("daily change %.3f kg/day exceeds bound", math.Abs(delta)/float64(k))
	}

	// Anchored windows measure fat-mass change between the endpoint dates
	// and attribute it to the energy logged on the days strictly between
	// them. Sliding windows pair a k-day energy total with the k-day mass
	// change, so they sum every day.
	intakeSum := stats.SumNaN(in.IntakeKcal[start : end+1])
	workoutSum := stats.SumNaN(in.WorkoutKcal[start : end+1])
	if b.cfg.Mode == Anchored {
		intakeSum = stats.SumNaN(in.IntakeKcal[start+1 : end])
		workoutSum = stats.SumNaN(in.WorkoutKcal[start+1 : end])
	}

	meanLean := stats.MeanNaN(in.LeanKg[start : end+1])
	w := series.Window{
		StartDate:     in.Dates[start],
		EndDate:       in.Dates[end],
		Days:          k,
		FMStartDate:   in.Dates[fmStartIdx],
		FMEndDate:     in.Dates[fmEndIdx],
		FMStartKg:     in.FatKg[fmStartIdx],
		FMEndKg:       in.FatKg[fmEndIdx],
		DeltaFMKg:     delta,
		IntakeSum:     intakeSum,
		WorkoutSum:    workoutSum,
		MeanLeanKg:    meanLean,
		ValidFatDays:  validFat,
		ValidLeanDays: validLean,
		StartLookback: start - fmStartIdx,
		EndLookback:   end - fmEndIdx,
	}
	return w, true, ""
}

// lookback finds the latest non-missing fat-mass index at or before idx,
// within the configured lookback distance. Returns -1 when none exists.
func (b *Builder) lookback(fat []float64, idx int) int {
	for d := 0; d <= b.cfg.LookbackDays; d++ {
		j := idx - d
		if j < 0 {
			return -1
		}
		if !math.IsNaN(fat[j]) {
			return j
		}
	}
	return -1
}

func coverage(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return float64(stats.CountValid(x)) / float64(len(x))
}
