// Package series defines the daily time-series data model shared by the
// calibration pipeline: raw observations, cleaned observations, state
// estimates and aggregation windows.
//
// Conventions:
//   - A series is always ordered by date, one element per calendar day.
//   - math.NaN() marks a missing value. Loaders map SQL NULL / empty CSV
//     fields to NaN; numerical code is expected to be NaN-aware.
//   - Dates are civil dates; the time-of-day component is always midnight UTC.
package series

import (
	"fmt"
	"math"
	"time"
)

// DayFormat is the canonical date layout used across the engine.
const DayFormat = "2006-01-02"

// Missing returns the missing-value marker.
func Missing() float64 { return math.NaN() }

// IsMissing reports whether v is the missing-value marker.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// Day returns d truncated to midnight UTC.
func Day(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return t, nil
}

// DaysBetween returns the number of calendar days from a to b (b-a).
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// DailyObservation is one row of the external daily record stream.
// Intake, workout and carbohydrate fields default to 0 when absent upstream;
// body-composition fields use NaN for true gaps.
type DailyObservation struct {
	Date          time.Time
	IntakeKcal    float64
	WorkoutKcal   float64
	CarbsG        float64
	RawFatMassKg  float64 // NaN when no scale reading
	RawLeanMassKg float64 // NaN when no scale reading
}

// CleanedObservation is a damped/derived body-composition row. Same length
// and date index as the input; NaN-in, NaN-out for true gaps.
type CleanedObservation struct {
	Date       time.Time
	FatMassKg  float64
	LeanMassKg float64
}

// StateEstimate is one step of the sequential fat-mass estimator.
type StateEstimate struct {
	Date           time.Time
	FatMassKg      float64 // filtered (or smoothed) latent fat mass
	VarianceKg2    float64
	Gain           float64 // Kalman gain, 0 on missing-measurement days
	Measured       bool    // true when a measurement was incorporated
	SmoothedMassKg float64 // RTS-smoothed state; NaN until Smooth runs
}

// Window is a contiguous date interval aggregated into one regression
// observation. Endpoint fat-mass values may come from up to LookbackDays
// before the nominal endpoints; the *Lookback fields record that distance.
type Window struct {
	StartDate     time.Time
	EndDate       time.Time
	Days          int
	FMStartDate   time.Time
	FMEndDate     time.Time
	FMStartKg     float64
	FMEndKg       float64
	DeltaFMKg     float64
	IntakeSum     float64
	WorkoutSum    float64
	MeanLeanKg    float64
	ValidFatDays  int
	ValidLeanDays int
	StartLookback int
	EndLookback   int
}

// RatePerDay returns the implied average daily fat-mass change.
func (w Window) RatePerDay() float64 {
	if w.Days == 0 {
		return math.NaN()
	}
	return w.DeltaFMKg / float64(w.Days)
}

// Validate checks that observations are strictly ordered by date with no
// duplicates. Gaps are allowed.
func Validate(obs []DailyObservation) error {
	for i := 1; i < len(obs); i++ {
		if !obs[i].Date.After(obs[i-1].Date) {
			return fmt.Errorf("observations out of order at index %d: %s !> %s",
				i, obs[i].Date.Format(DayFormat), obs[i-1].Date.Format(DayFormat))
		}
	}
	return nil
}

// Reindex expands obs onto a contiguous daily grid from the first to the
// last date, inserting all-missing rows for absent days. The sequential
// estimator and the EWMA decomposition both require a dense daily index.
//
// Every field of an inserted row is NaN, including the energy fields: a
// blank energy cell on a row that exists means "no entry logged" and loads
// as 0 upstream, but an absent row means nothing was recorded at all, and
// the day must count against window coverage rather than contribute 0 kcal.
func Reindex(obs []DailyObservation) []DailyObservation {
	if len(obs) == 0 {
		return nil
	}
	first := Day(obs[0].Date)
	last := Day(obs[len(obs)-1].Date)
	n := DaysBetween(first, last) + 1
	out := make([]DailyObservation, 0, n)
	idx := 0
	for d := 0; d < n; d++ {
		date := first.AddDate(0, 0, d)
		if idx < len(obs) && Day(obs[idx].Date).Equal(date) {
			o := obs[idx]
			o.Date = date
			out = append(out, o)
			idx++
			continue
		}
		out = append(out, DailyObservation{
			Date:          date,
			IntakeKcal:    math.NaN(),
			WorkoutKcal:   math.NaN(),
			CarbsG:        math.NaN(),
			RawFatMassKg:  math.NaN(),
			RawLeanMassKg: math.NaN(),
		})
	}
	return out
}
