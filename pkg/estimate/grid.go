package estimate

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/stats"
)

// gridSpec is one axis of the search grid.
type gridSpec struct {
	lo, hi float64
	steps  int
}

func (g gridSpec) values() []float64 {
	if g.steps < 2 {
		return []float64{g.lo}
	}
	out := make([]float64, g.steps)
	step := (g.hi - g.lo) / float64(g.steps-1)
	for i := range out {
		out[i] = g.lo + float64(i)*step
	}
	return out
}

// fitGrid fits (BMR0, C, alpha) by minimizing the mean Huber loss of the
// predicted fat-mass deltas over a coarse grid, then refines around the
// best coarse point. kLBM stays at its prior. Ties on loss keep the first
// point in iteration order so repeated runs are deterministic.
func (e *Estimator) fitGrid(windows []series.Window) (*Result, error) {
	b := e.cfg.Bounds
	coarse := [3]gridSpec{
		{b.BMR0Min, b.BMR0Max, 17},
		{b.CMin, b.CMax, 11},
		{b.AlphaMin, b.AlphaMax, 11},
	}
	best := e.searchGrid(windows, coarse)

	// Refine one coarse cell around the best point, clipped to bounds.
	bmr0Step := (b.BMR0Max - b.BMR0Min) / 16
	cStep := (b.CMax - b.CMin) / 10
	alphaStep := (b.AlphaMax - b.AlphaMin) / 10
	fine := [3]gridSpec{
		{clampF(best.bmr0-bmr0Step, b.BMR0Min, b.BMR0Max), clampF(best.bmr0+bmr0Step, b.BMR0Min, b.BMR0Max), 9},
		{clampF(best.c-cStep, b.CMin, b.CMax), clampF(best.c+cStep, b.CMin, b.CMax), 9},
		{clampF(best.alpha-alphaStep, b.AlphaMin, b.AlphaMax), clampF(best.alpha+alphaStep, b.AlphaMin, b.AlphaMax), 9},
	}
	best = e.searchGrid(windows, fine)

	lean := make([]float64, len(windows))
	y := make([]float64, len(windows))
	for i, w := range windows {
		lean[i] = w.MeanLeanKg
		y[i] = w.DeltaFMKg
	}
	params := Parameters{
		AlphaKcalPerKg: best.alpha,
		CompensationC:  best.c,
		BMR0KcalPerDay: best.bmr0,
		KLBMKcalPerKgD: e.cfg.KLBMPrior,
		LeanCenterKg:   stats.Mean(lean),
	}
	pred := make([]float64, len(windows))
	for i, w := range windows {
		pred[i] = params.PredictDeltaFM(w)
	}
	m := fitMetrics(y, pred, e.cfg.GridHuberDelta)
	m.CondX = math.Inf(1)
	m.NWindows = len(windows)

	e.log.WithFields(logrus.Fields{
		"bmr0":  best.bmr0,
		"c":     best.c,
		"alpha": best.alpha,
		"loss":  best.loss,
	}).Debug("grid search complete")

	return &Result{Params: params, Metrics: m, Variant: VariantGrid}, nil
}

type gridPoint struct {
	bmr0, c, alpha, loss float64
}

func (e *Estimator) searchGrid(windows []series.Window, specs [3]gridSpec) gridPoint {
	best := gridPoint{loss: math.Inf(1)}
	for _, bmr0 := range specs[0].values() {
		for _, c := range specs[1].values() {
			for _, alpha := range specs[2].values() {
				p := Parameters{
					AlphaKcalPerKg: alpha,
					CompensationC:  c,
					BMR0KcalPerDay: bmr0,
					KLBMKcalPerKgD: e.cfg.KLBMPrior,
				}
				var loss float64
				for _, w := range windows {
					loss += stats.HuberLoss(w.DeltaFMKg-p.PredictDeltaFM(w), e.cfg.GridHuberDelta)
				}
				loss /= float64(len(windows))
				if loss < best.loss {
					best = gridPoint{bmr0: bmr0, c: c, alpha: alpha, loss: loss}
				}
			}
		}
	}
	return best
}
