// Package stats provides the shared numerical primitives of the calibration
// engine: rolling robust statistics, exponentially weighted moving averages,
// Huber loss, and NaN-aware aggregates.
//
// Dense (NaN-free) aggregates are delegated to the SIMD-accelerated vek
// library; the *NaN variants are plain loops that skip missing values.
package stats

import (
	"math"
	"sort"

	"github.com/viterin/vek"
)

// Sum returns the sum of a dense slice.
func Sum(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return vek.Sum(x)
}

// Mean returns the mean of a dense slice, NaN for empty input.
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return vek.Mean(x)
}

// Dot returns the dot product of two dense slices.
func Dot(a, b []float64) float64 {
	return vek.Dot(a, b)
}

// SumNaN sums the non-missing values of x.
func SumNaN(x []float64) float64 {
	var s float64
	for _, v := range x {
		if !math.IsNaN(v) {
			s += v
		}
	}
	return s
}

// MeanNaN returns the mean of the non-missing values of x, NaN when there
// are none.
func MeanNaN(x []float64) float64 {
	var s float64
	var n int
	for _, v := range x {
		if !math.IsNaN(v) {
			s += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return s / float64(n)
}

// CountValid returns the number of non-missing values.
func CountValid(x []float64) int {
	n := 0
	for _, v := range x {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// AbsMeanNaN returns the mean absolute value of the non-missing entries.
func AbsMeanNaN(x []float64) float64 {
	var s float64
	var n int
	for _, v := range x {
		if !math.IsNaN(v) {
			s += math.Abs(v)
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return s / float64(n)
}

// StdDev returns the population standard deviation of a dense slice.
func StdDev(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	m := vek.Mean(x)
	var ss float64
	for _, v := range x {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(x)))
}

// Median returns the median of the non-missing values, NaN when there are
// none. The input is not modified.
func Median(x []float64) float64 {
	vals := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

// RollingMedian computes the rolling median of x with the given window.
// Trailing windows use [i-window+1, i]; centered windows use a symmetric
// window around i. A partial window at the edges is allowed (min one valid
// point, matching pandas min_periods=1). Missing values are skipped; an
// all-missing window yields NaN.
func RollingMedian(x []float64, window int, centered bool) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		lo, hi := windowBounds(i, len(x), window, centered)
		out[i] = Median(x[lo:hi])
	}
	return out
}

// RollingMAD computes the rolling median absolute deviation of x from the
// supplied rolling median, using the same window geometry as RollingMedian.
func RollingMAD(x, med []float64, window int, centered bool) []float64 {
	absDev := make([]float64, len(x))
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(med[i]) {
			absDev[i] = math.NaN()
			continue
		}
		absDev[i] = math.Abs(x[i] - med[i])
	}
	return RollingMedian(absDev, window, centered)
}

func windowBounds(i, n, window int, centered bool) (int, int) {
	if centered {
		half := window / 2
		lo := i - half
		hi := i + (window - half - 1) + 1
		if lo < 0 {
			lo = 0
		}
		if hi > n {
			hi = n
		}
		return lo, hi
	}
	lo := i - window + 1
	if lo < 0 {
		lo = 0
	}
	return lo, i + 1
}

// EWMA computes an exponentially weighted moving average with the given
// half-life in samples, using the adjust=false recurrence
// y_t = (1-a)*y_{t-1} + a*x_t with a = 1 - exp(-ln2/halfLife).
//
// Missing values carry the previous average forward (the output at a missing
// index is the last state) and do not decay it; leading missing values stay
// missing. This matches how the decomposition treats gap days.
func EWMA(x []float64, halfLife float64) []float64 {
	alpha := 1 - math.Exp(-math.Ln2/halfLife)
	out := make([]float64, len(x))
	state := math.NaN()
	for i, v := range x {
		if math.IsNaN(v) {
			out[i] = state
			continue
		}
		if math.IsNaN(state) {
			state = v
		} else {
			state = (1-alpha)*state + alpha*v
		}
		out[i] = state
	}
	return out
}

// Shift moves x forward by lag samples, filling the head with the first
// shifted value (backfill), so that downstream correlation windows keep
// their full length.
func Shift(x []float64, lag int) []float64 {
	if lag <= 0 {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}
	out := make([]float64, len(x))
	for i := range out {
		j := i - lag
		if j < 0 {
			j = 0
		}
		out[i] = x[j]
	}
	return out
}

/// HuberLoss evaluates the Huber loss of a residual: quadratic inside delta,
// linear outside.
func HuberLoss(r, delta float64) float64 {
	a := math.Abs(r)
	if a <= delta {
		return 0.5 * a * a
	}
	return delta * (a - 0.5*delta)
}

// HuberWeight returns the IRLS weight min(1, delta/|r|) for a residual.
func HuberWeight(r, delta float64) float64 {
	a := math.Abs(r)
	if a <= delta || a == 0 {
		return 1.0
	}
	return delta / a
}

// Correlation returns the Pearson correlation over pairwise-valid entries
// of a and b, NaN when fewer than two valid pairs or either side is
// constant.
func Correlation(a, b []float64) float64 {
	var sx, sy, sxx, syy, sxy float64
	var n int
	for i := range a {
		if i >= len(b) || math.IsNaN(a[i]) || math.IsNaN(b[i]) {
			continue
		}
		sx += a[i]
		sy += b[i]
		sxx += a[i] * a[i]
		syy += b[i] * b[i]
		sxy += a[i] * b[i]
		n++
	}
	if n < 2 {
		return math.NaN()
	}
	fn := float64(n)
	cov := sxy/fn - (sx/fn)*(sy/fn)
	vx := sxx/fn - (sx/fn)*(sx/fn)
	vy := syy/fn - (sy/fn)*(sy/fn)
	if vx <= 0 || vy <= 0 {
		return math.NaN()
	}
	return cov / math.Sqrt(vx*vy)
}

// Standardizer centers and scales feature columns to zero mean and unit
// standard deviation, remembering the fitted statistics so coefficients can
// be mapped back to the original scale.
type Standardizer struct {
	Means  []float64
	Scales []float64
}

// FitStandardizer computes per-column mean and standard deviation.
// Zero-variance columns get scale 1 so transformation is a no-op for them.
func FitStandardizer(cols [][]float64) *Standardizer {
	s := &Standardizer{
		Means:  make([]float64, len(cols)),
		Scales: make([]float64, len(cols)),
	}
	for j, col := range cols {
		s.Means[j] = Mean(col)
		sd := StdDev(col)
		if sd == 0 || math.IsNaN(sd) {
			sd = 1
		}
		s.Scales[j] = sd
	}
	return s
}

// Transform returns standardized copies of the columns.
func (s *Standardizer) Transform(cols [][]float64) [][]float64 {
	out := make([][]float64, len(cols))
	for j, col := range cols {
		oc := make([]float64, len(col))
		for i, v := range col {
			oc[i] = (v - s.Means[j]) / s.Scales[j]
		}
		out[j] = oc
	}
	return out
}
