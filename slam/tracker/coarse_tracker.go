// Package tracker aligns new frames against the newest keyframe by direct image alignment.
package tracker

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
)

// Result is the outcome of tracking one frame.
type Result struct {
	RefToNew spatialmath.Pose
	Aff      window.AffLight
	// LevelRMSE is the root mean energy per pyramid level of the final iteration.
	LevelRMSE []float64
	// FlowT, FlowR and FlowRT are mean squared pixel shifts caused by translation only, rotation
	// only and both.
	FlowT  float64
	FlowR  float64
	FlowRT float64
	// SaturatedRatio is the fraction of residuals above the cutoff at level 0.
	SaturatedRatio float64
}

// TrackedPoint is a reference point as last projected into the tracked frame.
type TrackedPoint struct {
	U, V   float64
	IDepth float64
	Inlier bool
}

type refPoint struct {
	x, y   float64
	idepth float64
	color  float64
}

type warpedPoint struct {
	u, v     float64
	ku, kv   float64
	idepth   float64
	dx, dy   float64
	residual float64
	weight   float64
	refColor float64
}

type resStats struct {
	energy    float64
	numTerms  int
	flowT     float64
	flowR     float64
	flowRT    float64
	saturated float64
}

func (s resStats) meanEnergy() float64 {
	if s.numTerms == 0 {
		return math.Inf(1)
	}
	return s.energy / float64(s.numTerms)
}

// CoarseTracker tracks frames against one reference keyframe. It is not safe for concurrent use.
type CoarseTracker struct {
	settings *config.Settings
	intr     []transform.PinholeCameraIntrinsics
	logger   logging.Logger

	ref         *window.Frame
	refAff      window.AffLight
	refExposure float64
	refID       int
	refPoints   [][]refPoint

	// FirstCoarseRMSE is the level 0 RMSE of the first frame tracked against this reference, or
	// negative before that.
	FirstCoarseRMSE float64

	warped      []warpedPoint
	lastTracked []TrackedPoint
}

// NewCoarseTracker returns a tracker without reference for images described by intr.
func NewCoarseTracker(intr transform.PinholeCameraIntrinsics, numLevels int, settings *config.Settings, logger logging.Logger) *CoarseTracker {
	return &CoarseTracker{
		settings:        settings,
		intr:            intr.Levels(numLevels),
		logger:          logger,
		refID:           -1,
		FirstCoarseRMSE: -1,
	}
}

// NumLevels returns the number of pyramid levels used.
func (ct *CoarseTracker) NumLevels() int {
	return len(ct.intr)
}

// Reference returns the reference keyframe, nil before SetReference.
func (ct *CoarseTracker) Reference() *window.Frame {
	return ct.ref
}

// RefID returns the shell id of the reference keyframe, -1 before SetReference.
func (ct *CoarseTracker) RefID() int {
	return ct.refID
}

// RefAff returns the affine brightness of the reference at the time SetReference ran.
func (ct *CoarseTracker) RefAff() window.AffLight {
	return ct.refAff
}

// NumRefPoints returns the number of reference points at level lvl.
func (ct *CoarseTracker) NumRefPoints(lvl int) int {
	if lvl >= len(ct.refPoints) {
		return 0
	}
	return len(ct.refPoints[lvl])
}

// SetReference makes the newest keyframe of w the reference. Every active point with a valid
// residual into it, and every point it hosts, is splatted into a sparse inverse depth map which
// is then downsampled and dilated over the pyramid.
func (ct *CoarseTracker) SetReference(w *window.Window) {
	ref := w.Newest()
	ct.ref = ref
	ct.refAff = ref.Aff
	ct.refExposure = ref.Exposure
	ct.refID = ref.Shell.ID
	ct.FirstCoarseRMSE = -1

	numLevels := min(len(ct.intr), ref.Pyramid.NumLevels())
	idepth := make([][]float64, numLevels)
	weights := make([][]float64, numLevels)
	for lvl := 0; lvl < numLevels; lvl++ {
		size := ct.intr[lvl].Width * ct.intr[lvl].Height
		idepth[lvl] = make([]float64, size)
		weights[lvl] = make([]float64, size)
	}

	w0, h0 := ct.intr[0].Width, ct.intr[0].Height
	splat := func(u, v, id, hessian float64) {
		x, y := int(u+0.5), int(v+0.5)
		if x < 0 || y < 0 || x >= w0 || y >= h0 || !(id > 0) {
			return
		}
		weight := 1.0
		if hessian > 0 {
			weight = math.Sqrt(1e-3 * hessian)
		}
		idepth[0][x+y*w0] += id * weight
		weights[0][x+y*w0] += weight
	}
	for _, p := range w.Points() {
		if p.Host == ref.Handle() {
			splat(p.U, p.V, p.IDepth, p.IDepthHessian)
			continue
		}
		last := p.LastResiduals[0]
		if last.Residual.IsZero() || last.State != window.ResidualIn {
			continue
		}
		r := w.Residual(last.Residual)
		if r == nil || r.Target != ref.Handle() {
			continue
		}
		splat(r.CenterProjectedTo[0], r.CenterProjectedTo[1], r.CenterProjectedTo[2], p.IDepthHessian)
	}

	for lvl := 1; lvl < numLevels; lvl++ {
		wl, hl := ct.intr[lvl].Width, ct.intr[lvl].Height
		wp := ct.intr[lvl-1].Width
		for y := 0; y < hl; y++ {
			for x := 0; x < wl; x++ {
				src := 2*x + 2*y*wp
				idepth[lvl][x+y*wl] = idepth[lvl-1][src] + idepth[lvl-1][src+1] + idepth[lvl-1][src+wp] + idepth[lvl-1][src+wp+1]
				weights[lvl][x+y*wl] = weights[lvl-1][src] + weights[lvl-1][src+1] + weights[lvl-1][src+wp] + weights[lvl-1][src+wp+1]
			}
		}
	}

	// fill holes from diagonal neighbors on fine levels and direct neighbors on coarse ones
	for lvl := 0; lvl < numLevels; lvl++ {
		offsets := [4][2]int{{1, 1}, {-1, 1}, {1, -1}, {-1, -1}}
		if lvl >= 2 {
			offsets = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
		}
		wl, hl := ct.intr[lvl].Width, ct.intr[lvl].Height
		srcID := append([]float64(nil), idepth[lvl]...)
		srcW := append([]float64(nil), weights[lvl]...)
		for y := 3; y < hl-3; y++ {
			for x := 3; x < wl-3; x++ {
				idx := x + y*wl
				if srcW[idx] > 0 {
					continue
				}
				var sumID, sumW float64
				num := 0
				for _, off := range offsets {
					n := idx + off[0] + off[1]*wl
					if srcW[n] > 0 {
						sumID += srcID[n]
						sumW += srcW[n]
						num++
					}
				}
				if num > 0 {
					idepth[lvl][idx] = sumID
					weights[lvl][idx] = sumW
				}
			}
		}
	}

	ct.refPoints = make([][]refPoint, numLevels)
	for lvl := 0; lvl < numLevels; lvl++ {
		wl, hl := ct.intr[lvl].Width, ct.intr[lvl].Height
		img := ref.Pyramid.Level(lvl)
		for y := 2; y < hl-2; y++ {
			for x := 2; x < wl-2; x++ {
				idx := x + y*wl
				if weights[lvl][idx] <= 0 {
					continue
				}
				ct.refPoints[lvl] = append(ct.refPoints[lvl], refPoint{
					x:      float64(x),
					y:      float64(y),
					idepth: idepth[lvl][idx] / weights[lvl][idx],
					color:  img.I[idx],
				})
			}
		}
	}
	ct.logger.Debugw("tracking reference set", "keyframe", ct.refID, "points", len(ct.refPoints[0]))
}

// calcRes evaluates the photometric residuals at level lvl and keeps the unsaturated ones for
// calcGS.
func (ct *CoarseTracker) calcRes(
	lvl int, newLevel *rimage.PyramidLevel, newExposure float64,
	refToNew spatialmath.Pose, aff window.AffLight, cutoffTH float64,
) resStats {
	intr := ct.intr[lvl]
	rm := refToNew.RotationMatrix()
	t := refToNew.Point()
	affA, affB := window.FromToVecExposure(ct.refExposure, newExposure, ct.refAff, aff)
	huberTH := ct.settings.HuberTH
	maxEnergy := 2*huberTH*cutoffTH - huberTH*huberTH

	var stats resStats
	var shiftT, shiftR, shiftRT, shiftNum float64
	ct.warped = ct.warped[:0]
	numSaturated := 0

	shift := func(p r3.Vector, x, y float64) float64 {
		ku := intr.Fx*p.X/p.Z + intr.Ppx
		kv := intr.Fy*p.Y/p.Z + intr.Ppy
		return (ku-x)*(ku-x) + (kv-y)*(kv-y)
	}

	for i, p := range ct.refPoints[lvl] {
		ray := r3.Vector{X: (p.x - intr.Ppx) / intr.Fx, Y: (p.y - intr.Ppy) / intr.Fy, Z: 1}
		rray := rm.MulVec(ray)
		pt := rray.Add(t.Mul(p.idepth))
		u, v := pt.X/pt.Z, pt.Y/pt.Z
		ku, kv := intr.Fx*u+intr.Ppx, intr.Fy*v+intr.Ppy
		newIDepth := p.idepth / pt.Z

		if lvl == 0 && i%32 == 0 {
			shiftT += shift(ray.Add(t.Mul(p.idepth)), p.x, p.y)
			shiftT += shift(ray.Sub(t.Mul(p.idepth)), p.x, p.y)
			shiftR += 2 * shift(rray, p.x, p.y)
			shiftRT += shift(pt, p.x, p.y)
			shiftRT += shift(rray.Sub(t.Mul(p.idepth)), p.x, p.y)
			shiftNum += 2
		}

		if !(ku > 2 && kv > 2 && ku < float64(intr.Width)-3 && kv < float64(intr.Height)-3 && newIDepth > 0) {
			continue
		}
		hit, dx, dy, ok := newLevel.Interpolate(ku, kv)
		if !ok || !utils.IsFinite(hit) {
			continue
		}
		residual := hit - (affA*p.color + affB)
		hw := utils.Huber(residual, huberTH)
		stats.numTerms++
		if math.Abs(residual) > cutoffTH {
			stats.energy += maxEnergy
			numSaturated++
			continue
		}
		stats.energy += hw * residual * residual * (2 - hw)
		ct.warped = append(ct.warped, warpedPoint{
			u: u, v: v, ku: ku, kv: kv,
			idepth: newIDepth, dx: dx, dy: dy,
			residual: residual, weight: hw, refColor: p.color,
		})
	}
	stats.flowT = shiftT / (shiftNum + 0.1)
	stats.flowR = shiftR / (shiftNum + 0.1)
	stats.flowRT = shiftRT / (shiftNum + 0.1)
	if stats.numTerms > 0 {
		stats.saturated = float64(numSaturated) / float64(stats.numTerms)
	}
	return stats
}

// calcGS accumulates the normal equations of the residuals kept by the last calcRes over
// (translation, rotation, a, b).
func (ct *CoarseTracker) calcGS(lvl int, newExposure float64, aff window.AffLight) (*mat.SymDense, *mat.VecDense) {
	intr := ct.intr[lvl]
	affA, _ := window.FromToVecExposure(ct.refExposure, newExposure, ct.refAff, aff)
	h := mat.NewSymDense(window.FrameDim, nil)
	b := mat.NewVecDense(window.FrameDim, nil)
	var j [window.FrameDim]float64
	for _, wp := range ct.warped {
		dx := wp.dx * intr.Fx
		dy := wp.dy * intr.Fy
		u, v, id := wp.u, wp.v, wp.idepth
		j = [window.FrameDim]float64{
			id * dx,
			id * dy,
			-id * (u*dx + v*dy),
			-(u*v*dx + dy*(1+v*v)),
			u*v*dy + dx*(1+u*u),
			u*dy - v*dx,
			affA * (ct.refAff.B - wp.refColor),
			-1,
		}
		for r := 0; r < window.FrameDim; r++ {
			for c := r; c < window.FrameDim; c++ {
				h.SetSym(r, c, h.At(r, c)+wp.weight*j[r]*j[c])
			}
			b.SetVec(r, b.AtVec(r)+wp.weight*j[r]*wp.residual)
		}
	}
	if n := float64(len(ct.warped)); n > 0 {
		h.ScaleSym(1/n, h)
		b.ScaleVec(1/n, b)
	}
	return h, b
}

// solveDamped solves (H + lambda*diag(H)) x = -b, with fixed affine parameters removed.
func (ct *CoarseTracker) solveDamped(h *mat.SymDense, b *mat.VecDense, lambda float64) (*mat.VecDense, bool) {
	n := window.FrameDim
	hl := mat.NewSymDense(n, nil)
	hl.CopySym(h)
	rhs := mat.NewVecDense(n, nil)
	rhs.ScaleVec(-1, b)
	for i := 0; i < n; i++ {
		hl.SetSym(i, i, hl.At(i, i)*(1+lambda))
	}
	fixed := [2]bool{ct.settings.AffineOptModeA < 0, ct.settings.AffineOptModeB < 0}
	for k, isFixed := range fixed {
		if !isFixed {
			continue
		}
		idx := 6 + k
		for c := 0; c < n; c++ {
			hl.SetSym(idx, c, 0)
		}
		hl.SetSym(idx, idx, 1)
		rhs.SetVec(idx, 0)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(hl); !ok {
		return nil, false
	}
	inc := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(inc, rhs); err != nil {
		return nil, false
	}
	return inc, true
}

// TrackNewest aligns newPyr against the reference, coarse to fine starting at coarsestLvl, from
// the initial guess (refToNew, aff). Tracking fails as soon as a level's RMSE exceeds 1.5 times
// minResForAbort of that level, or the brightness change is implausible.
func (ct *CoarseTracker) TrackNewest(
	newPyr *rimage.Pyramid,
	newExposure float64,
	refToNew spatialmath.Pose,
	aff window.AffLight,
	coarsestLvl int,
	minResForAbort []float64,
) (Result, bool) {
	numLevels := min(len(ct.refPoints), newPyr.NumLevels())
	if numLevels == 0 || len(ct.refPoints[0]) == 0 {
		return Result{RefToNew: refToNew, Aff: aff}, false
	}
	if coarsestLvl >= numLevels {
		coarsestLvl = numLevels - 1
	}
	result := Result{LevelRMSE: make([]float64, numLevels)}
	for i := range result.LevelRMSE {
		result.LevelRMSE[i] = math.NaN()
	}
	const lambdaExtrapolationLimit = 0.001
	haveRepeated := false

	for lvl := coarsestLvl; lvl >= 0; lvl-- {
		newLevel := newPyr.Level(lvl)
		cutoffRepeat := 1.0
		resOld := ct.calcRes(lvl, newLevel, newExposure, refToNew, aff, ct.settings.CoarseCutoffTH*cutoffRepeat)
		for resOld.saturated > 0.6 && cutoffRepeat < 50 {
			cutoffRepeat *= 2
			resOld = ct.calcRes(lvl, newLevel, newExposure, refToNew, aff, ct.settings.CoarseCutoffTH*cutoffRepeat)
		}
		h, b := ct.calcGS(lvl, newExposure, aff)
		lambda := 0.01

		for it := 0; it < ct.settings.TrackingIterations(lvl); it++ {
			inc, ok := ct.solveDamped(h, b, lambda)
			if !ok {
				lambda *= 4
				continue
			}
			if lambda < lambdaExtrapolationLimit {
				inc.ScaleVec(math.Sqrt(math.Sqrt(lambdaExtrapolationLimit/lambda)), inc)
			}
			if !utils.IsFinite(mat.Sum(inc)) {
				inc.Zero()
			}
			var xi spatialmath.Tangent
			for i := 0; i < 6; i++ {
				xi[i] = inc.AtVec(i)
			}
			newRefToNew := spatialmath.Compose(spatialmath.Exp(xi), refToNew)
			newAff := window.AffLight{A: aff.A + inc.AtVec(6), B: aff.B + inc.AtVec(7)}
			resNew := ct.calcRes(lvl, newLevel, newExposure, newRefToNew, newAff, ct.settings.CoarseCutoffTH*cutoffRepeat)

			if resNew.meanEnergy() < resOld.meanEnergy() {
				h, b = ct.calcGS(lvl, newExposure, newAff)
				resOld = resNew
				refToNew = newRefToNew
				aff = newAff
				lambda *= 0.5
			} else {
				lambda *= 4
				if lambda < lambdaExtrapolationLimit {
					lambda = lambdaExtrapolationLimit
				}
			}
			if !(mat.Norm(inc, 2) > 1e-3) {
				break
			}
		}

		result.LevelRMSE[lvl] = math.Sqrt(resOld.meanEnergy())
		result.FlowT, result.FlowR, result.FlowRT = resOld.flowT, resOld.flowR, resOld.flowRT
		result.SaturatedRatio = resOld.saturated
		if lvl < len(minResForAbort) && result.LevelRMSE[lvl] > 1.5*minResForAbort[lvl] {
			return result, false
		}
		if cutoffRepeat > 1 && !haveRepeated {
			lvl++
			haveRepeated = true
		}
	}

	result.RefToNew = refToNew
	result.Aff = aff
	if !utils.IsFinite(result.LevelRMSE[0]) {
		return result, false
	}
	if (ct.settings.AffineOptModeA != 0 && math.Abs(aff.A) > 1.2) || (ct.settings.AffineOptModeB != 0 && math.Abs(aff.B) > 200) {
		return result, false
	}
	relA, relB := window.FromToVecExposure(ct.refExposure, newExposure, ct.refAff, aff)
	if (ct.settings.AffineOptModeA == 0 && math.Abs(math.Log(relA)) > 1.5) || (ct.settings.AffineOptModeB == 0 && math.Abs(relB) > 200) {
		return result, false
	}
	if ct.settings.AffineOptModeA < 0 {
		result.Aff.A = 0
	}
	if ct.settings.AffineOptModeB < 0 {
		result.Aff.B = 0
	}

	// keep the final level 0 projections for display
	ct.calcRes(0, newPyr.Level(0), newExposure, refToNew, aff, ct.settings.CoarseCutoffTH)
	ct.lastTracked = ct.lastTracked[:0]
	for _, wp := range ct.warped {
		ct.lastTracked = append(ct.lastTracked, TrackedPoint{
			U: wp.ku, V: wp.kv, IDepth: wp.idepth,
			Inlier: math.Abs(wp.residual) < ct.settings.HuberTH,
		})
	}
	return result, true
}

// LastTrackedPoints returns the level 0 projections of the last successful tracking call. The
// slice is owned by the caller.
func (ct *CoarseTracker) LastTrackedPoints() []TrackedPoint {
	return append([]TrackedPoint(nil), ct.lastTracked...)
}
