package optimization

import (
	"github.com/pkg/errors"

	"go.viam.com/dso/slam/window"
)

// MarginalizePoints folds the inlier residuals of the given points into the marginalization
// prior, eliminating their inverse depths, and removes the points from the window. Points whose
// inverse depth is unconstrained are dropped instead. It returns the number of marginalized
// points. Residual Jacobians of the last linearization are used.
func (ef *EnergyFunctional) MarginalizePoints(points []*window.Point) int {
	frames := ef.w.Frames()
	n := len(frames)
	if n == 0 {
		return 0
	}
	sys := newFrameSystem(n)
	numMarginalized := 0
	for _, p := range points {
		if ef.w.Point(p.Handle()) != p {
			continue
		}
		single := newFrameSystem(n)
		ps := ef.pointSystemFor(single, p)
		if ps.hpp > 1e-8 && len(ps.touched) > 0 {
			single.schurPoint(ps, ps.hpp)
			sys.add(single)
			numMarginalized++
			if host := ef.w.Frame(p.Host); host != nil {
				host.NumPointsMarginalized++
			}
		}
		ef.w.RemovePoint(p.Handle())
	}
	if numMarginalized > 0 {
		ef.prior.fold(sys, ef.deltas(frames))
	}
	return numMarginalized
}

// MarginalizeFrame removes f from the window, keeping its information in the prior. Points
// still hosted by f are marginalized when flagged for it and dropped otherwise; residuals of
// other points observing f are dropped. The frame's own prior is folded in before its
// parameters are eliminated.
func (ef *EnergyFunctional) MarginalizeFrame(f *window.Frame) error {
	if ef.w.Frame(f.Handle()) != f {
		return errors.Errorf("frame %d is not in the window", f.Shell.ID)
	}

	var toMarginalize []*window.Point
	var toDrop []*window.Point
	for _, ph := range f.Points {
		p := ef.w.Point(ph)
		if p.Status == window.PointMarginalize {
			toMarginalize = append(toMarginalize, p)
		} else {
			toDrop = append(toDrop, p)
		}
	}
	ef.MarginalizePoints(toMarginalize)
	for _, p := range toDrop {
		ef.w.RemovePoint(p.Handle())
	}
	for _, r := range ef.w.ResidualsTargeting(f) {
		ef.DropResidual(r)
	}

	// PriorDelta differs from DeltaFromLin by the affine parameters at linearization
	idx := f.Idx()
	var offset window.FrameVec
	offset[6] = f.LinAff.A
	offset[7] = f.LinAff.B
	ef.prior.addDiagonalPrior(idx, f.Prior, offset)
	if err := ef.prior.marginalizeFrame(idx); err != nil {
		return err
	}
	ef.w.RemoveFrame(f)
	ef.logger.Debugf("marginalized keyframe %d, %d frames left, prior energy %.2f",
		f.Shell.ID, ef.w.NumFrames(), ef.PriorEnergy())
	return nil
}
