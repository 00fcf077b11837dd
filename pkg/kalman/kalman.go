// Package kalman implements the sequential fat-mass state estimator: a
// scalar random-walk Kalman filter over a daily series with gaps, plus an
// optional Rauch-Tung-Striebel backward smoothing pass for offline
// calibration.
//
// The recurrence is a fold over the ordered series carrying (state,
// covariance); Step is the pure step function and holds no shared state.
//
// For a day with gap g days since the last processed day:
//
//	predict: x = x_prev           P = P_prev + g*Q
//	update:  K = P/(P+R)          x += K*(z-x)    P = (1-K)*P   (z present)
//	         K = 0                x, P unchanged                (z missing)
//
// Initialization: x0 = first non-missing measurement, P0 = R.
package kalman

import (
	"errors"
	"fmt"
	"math"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

// ErrNoMeasurements is returned when the series contains no measurement at
// all; the run must abort before any write.
var ErrNoMeasurements = errors.New("kalman: series contains no measurements")

// Config holds the filter noise parameters.
type Config struct {
	// ProcessNoise Q is the random-walk variance per elapsed day (kg^2).
	ProcessNoise float64 `yaml:"process_noise"`
	// MeasurementNoise R is the fixed sensor variance (kg^2).
	MeasurementNoise float64 `yaml:"measurement_noise"`
	// Smooth enables the non-causal RTS backward pass after the forward
	// filter. Offline calibration only.
	Smooth bool `yaml:"smooth"`
}

// DefaultConfig returns the physiological defaults: Q from the maximum
// plausible daily fat-mass change, R from the BIA sensor error.
func DefaultConfig() Config {
	return Config{
		ProcessNoise:     0.0196,
		MeasurementNoise: 2.89,
		Smooth:           false,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ProcessNoise <= 0 {
		return fmt.Errorf("kalman: process_noise must be positive, got %v", c.ProcessNoise)
	}
	if c.MeasurementNoise <= 0 {
		return fmt.Errorf("kalman: measurement_noise must be positive, got %v", c.MeasurementNoise)
	}
	return nil
}

// State is the accumulator carried across the fold.
type State struct {
	X float64 // state estimate (kg)
	P float64 // covariance (kg^2)
	K float64 // gain of the last step, 0 on missing days
}

// Filter runs the scalar random-walk recurrence.
type Filter struct {
	cfg Config
}

// New creates a Filter.
func New(cfg Config) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Filter{cfg: cfg}, nil
}

// Step advances one day. z is the measurement (NaN when missing) and
// gapDays the elapsed days since the last processed day. It is pure:
// identical inputs always produce identical outputs.
func (f *Filter) Step(prev State, z float64, gapDays int) State {
	// predict
	x := prev.X
	p := prev.P + float64(gapDays)*f.cfg.ProcessNoise

	if math.IsNaN(z) {
		return State{X: x, P: p, K: 0}
	}

	// update
	k := p / (p + f.cfg.MeasurementNoise)
	x += k * (z - x)
	p = (1 - k) * p
	return State{X: x, P: p, K: k}
}

// Run folds the filter over cleaned observations and returns one estimate
// per input day. The filter initializes on the first non-missing fat-mass
// value with P0 = R; ErrNoMeasurements is returned when there is none.
func (f *Filter) Run(obs []series.CleanedObservation) ([]series.StateEstimate, error) {
	firstIdx := -1
	for i, o := range obs {
		if !math.IsNaN(o.FatMassKg) {
			firstIdx = i
			break
		}
	}
	if firstIdx < 0 {
		return nil, ErrNoMeasurements
	}

	out := make([]series.StateEstimate, len(obs))
	st := State{X: obs[firstIdx].FatMassKg, P: f.cfg.MeasurementNoise}
	prevDate := obs[firstIdx].Date

	for i, o := range obs {
		if i < firstIdx {
			// Before initialization there is no state to report.
			out[i] = series.StateEstimate{
				Date:           o.Date,
				FatMassKg:      math.NaN(),
				VarianceKg2:    math.NaN(),
				SmoothedMassKg: math.NaN(),
			}
			continue
		}
		if i == firstIdx {
			out[i] = series.StateEstimate{
				Date:           o.Date,
				FatMassKg:      st.X,
				VarianceKg2:    st.P,
				Gain:           0,
				Measured:       true,
				SmoothedMassKg: math.NaN(),
			}
			continue
		}

		gap := series.DaysBetween(prevDate, o.Date)
		st = f.Step(st, o.FatMassKg, gap)
		measured := !math.IsNaN(o.FatMassKg)
		prevDate = o.Date
		out[i] = series.StateEstimate{
			Date:           o.Date,
			FatMassKg:      st.X,
			VarianceKg2:    st.P,
			Gain:           st.K,
			Measured:       measured,
			SmoothedMassKg: math.NaN(),
		}
	}

	if f.cfg.Smooth {
		f.Smooth(out)
	}
	return out, nil
}

// Smooth runs the Rauch-Tung-Striebel backward pass in place, filling
/// SmoothedMassKg: C = P/(P+Q), xs_t = x_t + C*(xs_{t+1} - x_t), propagated
// from the last day backward. Non-causal; offline calibration only.
func (f *Filter) Smooth(est []series.StateEstimate) {
	last := -1
	for i := len(est) - 1; i >= 0; i-- {
		if !math.IsNaN(est[i].FatMassKg) {
			last = i
			break
		}
	}
	if last < 0 {
		return
	}

	est[last].SmoothedMassKg = est[last].FatMassKg
	next := est[last].SmoothedMassKg
	for i := last - 1; i >= 0; i-- {
		if math.IsNaN(est[i].FatMassKg) {
			continue
		}
		c := est[i].VarianceKg2 / (est[i].VarianceKg2 + f.cfg.ProcessNoise)
		est[i].SmoothedMassKg = est[i].FatMassKg + c*(next-est[i].FatMassKg)
		next = est[i].SmoothedMassKg
	}
}
