package fullsystem

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/dso/config"
	"go.viam.com/dso/slam/window"
)

// optimize runs Levenberg-Marquardt on the window and fixes the linearization of the result. It
// returns the RMSE of the inlier residuals.
func (fs *FullSystem) optimize() (float64, error) {
	s := &fs.settings
	numIts := s.MaxOptIterations
	switch n := fs.ef.Window().NumFrames(); {
	case n < 3:
		numIts = 20
	case n < 4:
		numIts = 15
	}

	if _, err := fs.ef.Linearize(false); err != nil {
		return math.NaN(), err
	}
	fs.setNewFrameEnergyTH()
	energy, err := fs.ef.Linearize(false)
	if err != nil {
		return math.NaN(), err
	}

	lambda := s.LambdaInit
	retries := 0
	its := 0
	for ; its < numIts; its++ {
		fs.ef.BackupState()
		step, err := fs.ef.Solve(lambda)
		if err != nil {
			fs.ef.RestoreState()
			_, linErr := fs.ef.Linearize(true)
			return math.NaN(), multierr.Combine(err, linErr)
		}
		fs.ef.ApplyStep(step)
		newEnergy, err := fs.ef.Linearize(false)
		if err == nil && newEnergy < energy {
			energy = newEnergy
			lambda *= 0.25
			retries = 0
			trans, rot, aff, _ := step.Magnitude()
			th := s.ThOptIterations
			if its >= s.MinOptIterations && aff < 5e-4*th && rot < 5e-5*th && trans < 5e-5*th {
				its++
				break
			}
			continue
		}

		fs.ef.RestoreState()
		if _, err := fs.ef.Linearize(false); err != nil {
			return math.NaN(), err
		}
		lambda *= 4
		retries++
		if retries > s.MaxLMRetries {
			break
		}
	}

	if _, err := fs.ef.Linearize(true); err != nil {
		return math.NaN(), err
	}
	rmse := fs.residualRMSE()
	fs.logger.Debugw("optimized window",
		"frames", fs.ef.Window().NumFrames(),
		"iterations", its,
		"energy", energy,
		"rmse", rmse,
		"lambda", lambda)
	return rmse, nil
}

// residualRMSE returns the root mean energy per pattern pixel of the inlier residuals.
func (fs *FullSystem) residualRMSE() float64 {
	inliers := lo.Filter(fs.ef.Window().Residuals(), func(r *window.Residual, _ int) bool {
		return r.State == window.ResidualIn
	})
	if len(inliers) == 0 {
		return 0
	}
	energy := lo.SumBy(inliers, func(r *window.Residual) float64 { return r.Energy })
	return math.Sqrt(energy / float64(config.PatternNum*len(inliers)))
}

// setNewFrameEnergyTH sets the outlier threshold of the newest keyframe from the energy
// distribution of the residuals into it.
func (fs *FullSystem) setNewFrameEnergyTH() {
	w := fs.ef.Window()
	newest := w.Newest()
	if newest == nil {
		return
	}
	var energies []float64
	for _, r := range w.ResidualsTargeting(newest) {
		if r.State == window.ResidualIn {
			energies = append(energies, r.Energy)
		}
	}
	if len(energies) == 0 {
		return
	}
	nth, err := stats.Percentile(energies, 100*fs.settings.FrameEnergyTHN)
	if err != nil {
		// too few samples for the percentile
		nth, _ = stats.Min(energies)
	}
	s := &fs.settings
	th := math.Sqrt(nth) * s.FrameEnergyTHFacMedian
	th = 26*s.FrameEnergyTHConstWeight + th*(1-s.FrameEnergyTHConstWeight)
	newest.FrameEnergyTH = th * th * s.OverallEnergyTHWeight * s.OverallEnergyTHWeight
}

// removeOutliers drops points that lost every residual.
func (fs *FullSystem) removeOutliers() {
	w := fs.ef.Window()
	numDropped := 0
	for _, p := range w.Points() {
		if len(p.Residuals) > 0 {
			continue
		}
		if host := w.Frame(p.Host); host != nil {
			host.NumPointsOut++
		}
		fs.ef.DropPoint(p)
		numDropped++
	}
	if numDropped > 0 {
		fs.logger.Debugf("dropped %d points without residuals", numDropped)
	}
}

// isOOB reports whether a point is about to lose its observations: most of its residuals target
// frames that leave the window, or its newest residuals left the image or were outliers.
func (fs *FullSystem) isOOB(p *window.Point) bool {
	w := fs.ef.Window()
	s := &fs.settings
	visInToMarg := 0
	for _, rh := range p.Residuals {
		r := w.Residual(rh)
		if r.State != window.ResidualIn {
			continue
		}
		if w.Frame(r.Target).FlaggedForMarginalization {
			visInToMarg++
		}
	}
	n := len(p.Residuals)
	if n >= s.MinGoodActiveResForMarg && p.NumGoodResiduals > s.MinGoodResForMarg+10 &&
		n-visInToMarg < s.MinGoodActiveResForMarg {
		return true
	}
	if p.LastResiduals[0].State == window.ResidualOOB {
		return true
	}
	if n < 2 {
		return false
	}
	return p.LastResiduals[0].State == window.ResidualOutlier && p.LastResiduals[1].State == window.ResidualOutlier
}

func (fs *FullSystem) isInlierNew(p *window.Point) bool {
	return len(p.Residuals) >= fs.settings.MinGoodActiveResForMarg && p.NumGoodResiduals >= fs.settings.MinGoodResForMarg
}

// flagPointsForRemoval marginalizes well constrained points that are about to lose their
// observations and drops the rest of them.
func (fs *FullSystem) flagPointsForRemoval() {
	w := fs.ef.Window()
	var toMarginalize []*window.Point
	numDropped := 0
	for _, host := range w.Frames() {
		for _, ph := range append([]window.Handle(nil), host.Points...) {
			p := w.Point(ph)
			switch {
			case p.IDepth < 0 || len(p.Residuals) == 0:
			case fs.isOOB(p) || host.FlaggedForMarginalization:
				if fs.isInlierNew(p) && p.IDepthHessian > fs.settings.MinIdepthHMarg {
					p.Status = window.PointMarginalize
					toMarginalize = append(toMarginalize, p)
					continue
				}
			default:
				continue
			}
			p.Status = window.PointDrop
			host.NumPointsOut++
			fs.ef.DropPoint(p)
			numDropped++
		}
	}
	numMarginalized := fs.ef.MarginalizePoints(toMarginalize)
	fs.stats.addPointRemovals(numMarginalized, numDropped)
	fs.logger.Debugw("removed points", "marginalized", numMarginalized, "dropped", numDropped)
}
