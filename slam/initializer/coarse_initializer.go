// Package initializer bootstraps the first map from a short sequence of frames, before any 3-D
// structure exists, by tracking sparse patches and solving a two-view bundle adjustment.
package initializer

import (
	"context"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/slam/pixelselector"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
)

var (
	// ErrInitFailed is returned when no usable structure was found within the frame budget.
	ErrInitFailed = errors.New("initialization failed")
	// ErrNotEnoughPoints is returned when the first frame has too few trackable pixels.
	ErrNotEnoughPoints = errors.New("not enough trackable points in first frame")
)

const (
	// minimum mean structure tensor eigenvalue of a candidate patch
	minPatchEigenvalue = 4.0
	// maximal forward-backward tracking disagreement in pixels
	maxForwardBackwardError = 1.0
	reprojHuberTH           = 2.0
	inlierTH                = 2.0
	regularizedIterations   = 5
	freeIterations          = 40
	regularizationWeight    = 50.0
)

// InitPoint is a point of the initial map, in first-frame pixel coordinates.
type InitPoint struct {
	U, V   float64
	Tier   int
	IDepth float64
}

type initTrack struct {
	u, v   float64
	tier   int
	cu, cv float64
	idepth float64
	valid  bool
	inlier bool
}

// CoarseInitializer estimates the motion between a first frame and later frames together with
// the inverse depth of trackable pixels of the first frame. It is not safe for concurrent use.
type CoarseInitializer struct {
	settings *config.Settings
	intr     transform.PinholeCameraIntrinsics
	logger   logging.Logger
	klt      kltTracker

	firstPyr      *rimage.Pyramid
	firstExposure float64
	tracks        []initTrack
	numFrames     int
	firstToNew    spatialmath.Pose
	rmse          float64
	initialized   bool
}

// New returns an initializer waiting for its first frame.
func New(intr transform.PinholeCameraIntrinsics, settings *config.Settings, logger logging.Logger) *CoarseInitializer {
	return &CoarseInitializer{
		settings:   settings,
		intr:       intr,
		logger:     logger,
		klt:        kltTracker{halfWindow: settings.KLTHalfWindow, maxIterations: settings.KLTMaxIterations},
		firstToNew: spatialmath.NewZeroPose(),
	}
}

// SetFirst resets the initializer and selects the points to track from pyr.
func (ci *CoarseInitializer) SetFirst(pyr *rimage.Pyramid, exposure float64) error {
	ci.firstPyr = pyr
	ci.firstExposure = exposure
	ci.tracks = ci.tracks[:0]
	ci.numFrames = 0
	ci.firstToNew = spatialmath.NewZeroPose()
	ci.rmse = 0
	ci.initialized = false

	lvl0 := pyr.Level(0)
	ps := pixelselector.New(lvl0.Width, lvl0.Height, ci.settings)
	selection, _ := ps.MakeMaps(pyr, ci.settings.InitDensity, 1, 1)
	for _, c := range pixelselector.Candidates(selection, lvl0.Width) {
		if !ci.wellConditioned(lvl0, c.X, c.Y) {
			continue
		}
		u, v := float64(c.X), float64(c.Y)
		ci.tracks = append(ci.tracks, initTrack{u: u, v: v, tier: c.Tier, cu: u, cv: v, idepth: 1, valid: true})
	}
	if len(ci.tracks) < ci.settings.InitMinPoints {
		return errors.Wrapf(ErrNotEnoughPoints, "%d of %d required", len(ci.tracks), ci.settings.InitMinPoints)
	}
	ci.logger.Debugf("initializer tracking %d points", len(ci.tracks))
	return nil
}

// wellConditioned checks the smaller eigenvalue of the patch structure tensor.
func (ci *CoarseInitializer) wellConditioned(lvl *rimage.PyramidLevel, x, y int) bool {
	hw := ci.settings.KLTHalfWindow
	if x < hw || y < hw || x >= lvl.Width-hw || y >= lvl.Height-hw {
		return false
	}
	var a, b, c float64
	for dy := -hw; dy <= hw; dy++ {
		for dx := -hw; dx <= hw; dx++ {
			idx := (y+dy)*lvl.Width + x + dx
			gx, gy := lvl.Dx[idx], lvl.Dy[idx]
			a += gx * gx
			b += gx * gy
			c += gy * gy
		}
	}
	n := float64((2*hw + 1) * (2*hw + 1))
	minEig := 0.5 * (a + c - math.Sqrt((a-c)*(a-c)+4*b*b))
	return minEig/n > minPatchEigenvalue
}

// HasFirst reports whether a first frame was set.
func (ci *CoarseInitializer) HasFirst() bool {
	return ci.firstPyr != nil
}

// NumFrames is the number of frames tracked since the first one.
func (ci *CoarseInitializer) NumFrames() int {
	return ci.numFrames
}

// FirstPyramid returns the pyramid of the first frame.
func (ci *CoarseInitializer) FirstPyramid() *rimage.Pyramid {
	return ci.firstPyr
}

// FirstExposure returns the exposure time of the first frame.
func (ci *CoarseInitializer) FirstExposure() float64 {
	return ci.firstExposure
}

// FirstToNew is the estimated pose of the first frame in the newest frame, with the scale
// fixed by a mean point inverse depth of 1.
func (ci *CoarseInitializer) FirstToNew() spatialmath.Pose {
	return ci.firstToNew
}

// RMSE is the reprojection error of the last bundle adjustment in pixels.
func (ci *CoarseInitializer) RMSE() float64 {
	return ci.rmse
}

// Initialized reports whether the last tracked frame produced a usable map.
func (ci *CoarseInitializer) Initialized() bool {
	return ci.initialized
}

// Points returns the inlier points of the map once initialized.
func (ci *CoarseInitializer) Points() []InitPoint {
	if !ci.initialized {
		return nil
	}
	pts := make([]InitPoint, 0, len(ci.tracks))
	for _, tr := range ci.tracks {
		if tr.valid && tr.inlier {
			pts = append(pts, InitPoint{U: tr.u, V: tr.v, Tier: tr.tier, IDepth: tr.idepth})
		}
	}
	return pts
}

func (ci *CoarseInitializer) numValid() int {
	n := 0
	for _, tr := range ci.tracks {
		if tr.valid {
			n++
		}
	}
	return n
}

// TrackFrame tracks the points into pyr and attempts to solve for the structure. It returns true
// once initialization succeeded; ErrInitFailed means the first frame should be replaced.
func (ci *CoarseInitializer) TrackFrame(ctx context.Context, pyr *rimage.Pyramid) (bool, error) {
	if ci.firstPyr == nil {
		return false, errors.New("initializer has no first frame")
	}
	if ci.initialized {
		return true, nil
	}
	ci.numFrames++
	if err := ci.trackPoints(ctx, pyr); err != nil {
		return false, err
	}

	fail := func(reason string) (bool, error) {
		if ci.numFrames >= ci.settings.InitMaxFrames {
			return false, errors.Wrapf(ErrInitFailed, "after %d frames: %s", ci.numFrames, reason)
		}
		return false, nil
	}

	valid := ci.numValid()
	if valid < ci.settings.InitMinPoints {
		return false, errors.Wrapf(ErrInitFailed, "only %d points survived tracking", valid)
	}
	flow := ci.medianFlow()
	if flow < ci.settings.InitMinFlow {
		return fail("not enough flow")
	}

	ci.optimize()

	inliers := 0
	for _, tr := range ci.tracks {
		if tr.valid && tr.inlier {
			inliers++
		}
	}
	parallax := ci.firstToNew.Point().Norm()
	ci.logger.Debugf("initializer frame %d: flow %.2f, rmse %.3f, inliers %d/%d, parallax %.4f",
		ci.numFrames, flow, ci.rmse, inliers, valid, parallax)
	switch {
	case ci.rmse > ci.settings.InitMaxReprojRMSE:
		return fail("reprojection error too high")
	case inliers < ci.settings.InitMinPoints || 2*inliers < valid:
		return fail("too few inliers")
	case parallax < ci.settings.InitMinParallax:
		return fail("not enough parallax")
	}
	ci.initialized = true
	ci.logger.Infof("initialized after %d frames with %d points (rmse %.3f)", ci.numFrames, inliers, ci.rmse)
	return true, nil
}

func (ci *CoarseInitializer) medianFlow() float64 {
	flows := make([]float64, 0, len(ci.tracks))
	for _, tr := range ci.tracks {
		if tr.valid {
			flows = append(flows, math.Hypot(tr.cu-tr.u, tr.cv-tr.v))
		}
	}
	if len(flows) == 0 {
		return 0
	}
	sort.Float64s(flows)
	return flows[len(flows)/2]
}

// trackPoints runs the forward-backward patch tracking of all valid points in parallel.
func (ci *CoarseInitializer) trackPoints(ctx context.Context, pyr *rimage.Pyramid) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(ci.settings.NumWorkers)
	const chunk = 64
	for from := 0; from < len(ci.tracks); from += chunk {
		from := from
		to := min(from+chunk, len(ci.tracks))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := from; i < to; i++ {
				tr := &ci.tracks[i]
				if !tr.valid {
					continue
				}
				tu, tv, ok := ci.klt.track(ci.firstPyr, pyr, tr.u, tr.v, tr.cu, tr.cv)
				if !ok {
					tr.valid = false
					continue
				}
				bu, bv, ok := ci.klt.track(pyr, ci.firstPyr, tu, tv, tu, tv)
				if !ok || math.Hypot(bu-tr.u, bv-tr.v) > maxForwardBackwardError {
					tr.valid = false
					continue
				}
				tr.cu, tr.cv = tu, tv
			}
			return nil
		})
	}
	return g.Wait()
}

// baSystem is the Schur-reduced normal system of one bundle adjustment iteration.
type baSystem struct {
	hPose  [36]float64
	bPose  [6]float64
	hCross [][6]float64
	hPoint []float64
	bPoint []float64
}

// evaluate returns the robust reprojection energy of all valid points for a pose and inverse
// depths, optionally filling the linear system. The second return is the squared error sum of
// inliers and the third their count.
func (ci *CoarseInitializer) evaluate(
	pose spatialmath.Pose, idepths []float64, regWeight float64, sys *baSystem,
) (float64, float64, int) {
	rot := pose.RotationMatrix()
	t := pose.Point()
	meanID := 0.0
	n := 0
	for i, tr := range ci.tracks {
		if tr.valid {
			meanID += idepths[i]
			n++
		}
	}
	if n > 0 {
		meanID /= float64(n)
	}

	var energy, sqInliers float64
	inliers := 0
	for i := range ci.tracks {
		tr := &ci.tracks[i]
		if !tr.valid {
			continue
		}
		rho := idepths[i]
		ray := r3.Vector{X: (tr.u - ci.intr.Ppx) / ci.intr.Fx, Y: (tr.v - ci.intr.Ppy) / ci.intr.Fy, Z: 1}
		q := rot.MulVec(ray).Add(t.Mul(rho))
		reg := regWeight * (rho - meanID)
		energy += reg * (rho - meanID)
		if sys != nil {
			sys.hPoint[i] = regWeight + 1e-6
			sys.bPoint[i] = reg
			sys.hCross[i] = [6]float64{}
		}
		if q.Z <= 1e-6 {
			tr.inlier = false
			energy += reprojHuberTH * reprojHuberTH * 4
			continue
		}
		x, y := q.X/q.Z, q.Y/q.Z
		eu := ci.intr.Fx*x + ci.intr.Ppx - tr.cu
		ev := ci.intr.Fy*y + ci.intr.Ppy - tr.cv
		e := math.Hypot(eu, ev)
		hw := utils.Huber(e, reprojHuberTH)
		energy += hw * e * e * (2 - hw)
		tr.inlier = e < inlierTH
		if tr.inlier {
			sqInliers += e * e
			inliers++
		}
		if sys == nil {
			continue
		}

		rhoP := rho / q.Z
		ju := [6]float64{rhoP, 0, -x * rhoP, -x * y, 1 + x*x, -y}
		jv := [6]float64{0, rhoP, -y * rhoP, -(1 + y*y), x * y, x}
		for k := 0; k < 6; k++ {
			ju[k] *= ci.intr.Fx
			jv[k] *= ci.intr.Fy
		}
		jru := ci.intr.Fx * (t.X - x*t.Z) / q.Z
		jrv := ci.intr.Fy * (t.Y - y*t.Z) / q.Z

		for r := 0; r < 6; r++ {
			for c := 0; c < 6; c++ {
				sys.hPose[r*6+c] += hw * (ju[r]*ju[c] + jv[r]*jv[c])
			}
			sys.bPose[r] += hw * (ju[r]*eu + jv[r]*ev)
			sys.hCross[i][r] = hw * (ju[r]*jru + jv[r]*jrv)
		}
		sys.hPoint[i] += hw * (jru*jru + jrv*jrv)
		sys.bPoint[i] += hw * (jru*eu + jrv*ev)
	}
	return energy, sqInliers, inliers
}

// solveStep solves the damped system for the pose step and back-substitutes the inverse depth
// steps.
func (ci *CoarseInitializer) solveStep(sys *baSystem, lambda float64) (spatialmath.Tangent, []float64, bool) {
	h := mat.NewSymDense(6, nil)
	b := mat.NewVecDense(6, nil)
	for r := 0; r < 6; r++ {
		for c := r; c < 6; c++ {
			h.SetSym(r, c, sys.hPose[r*6+c])
		}
		h.SetSym(r, r, sys.hPose[r*6+r]*(1+lambda))
		b.SetVec(r, sys.bPose[r])
	}
	hPoint := make([]float64, len(sys.hPoint))
	for i := range ci.tracks {
		if !ci.tracks[i].valid {
			continue
		}
		hPoint[i] = sys.hPoint[i] * (1 + lambda)
		cross := sys.hCross[i]
		for r := 0; r < 6; r++ {
			for c := r; c < 6; c++ {
				h.SetSym(r, c, h.At(r, c)-cross[r]*cross[c]/hPoint[i])
			}
			b.SetVec(r, b.AtVec(r)-cross[r]*sys.bPoint[i]/hPoint[i])
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(h); !ok {
		return spatialmath.Tangent{}, nil, false
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, b); err != nil {
		return spatialmath.Tangent{}, nil, false
	}
	var step spatialmath.Tangent
	for r := 0; r < 6; r++ {
		step[r] = -x.AtVec(r)
		if !utils.IsFinite(step[r]) {
			return spatialmath.Tangent{}, nil, false
		}
	}
	dIDepth := make([]float64, len(ci.tracks))
	for i := range ci.tracks {
		if !ci.tracks[i].valid {
			continue
		}
		cross := sys.hCross[i]
		acc := sys.bPoint[i]
		for r := 0; r < 6; r++ {
			acc += cross[r] * step[r]
		}
		dIDepth[i] = -acc / hPoint[i]
	}
	return step, dIDepth, true
}

// normalizeScale rescales the inverse depths to a mean of 1 and the translation accordingly.
func (ci *CoarseInitializer) normalizeScale(pose spatialmath.Pose, idepths []float64) spatialmath.Pose {
	mean, n := 0.0, 0
	for i, tr := range ci.tracks {
		if tr.valid {
			mean += idepths[i]
			n++
		}
	}
	if n == 0 || mean <= 0 {
		return pose
	}
	mean /= float64(n)
	for i := range idepths {
		idepths[i] /= mean
	}
	return spatialmath.NewPose(pose.Orientation(), pose.Point().Mul(mean))
}

// optimize runs Levenberg-Marquardt on pose and inverse depths, starting from the previous
// estimate, first with the inverse depths pulled toward their mean and then freely.
func (ci *CoarseInitializer) optimize() {
	pose := ci.firstToNew
	idepths := make([]float64, len(ci.tracks))
	for i, tr := range ci.tracks {
		idepths[i] = tr.idepth
	}
	sys := &baSystem{
		hCross: make([][6]float64, len(ci.tracks)),
		hPoint: make([]float64, len(ci.tracks)),
		bPoint: make([]float64, len(ci.tracks)),
	}

	lambda := 0.1
	for it := 0; it < regularizedIterations+freeIterations; it++ {
		regWeight := 0.0
		if it < regularizedIterations {
			regWeight = regularizationWeight
		}
		sys.hPose = [36]float64{}
		sys.bPose = [6]float64{}
		energy, _, _ := ci.evaluate(pose, idepths, regWeight, sys)

		accepted, converged := false, false
		for retry := 0; retry < ci.settings.MaxLMRetries+5; retry++ {
			step, dIDepth, ok := ci.solveStep(sys, lambda)
			if !ok {
				lambda *= 4
				continue
			}
			newPose := spatialmath.Compose(spatialmath.Exp(step), pose)
			newIDepths := make([]float64, len(idepths))
			for i := range idepths {
				newIDepths[i] = max(idepths[i]+dIDepth[i], 1e-3)
			}
			newEnergy, _, _ := ci.evaluate(newPose, newIDepths, regWeight, nil)
			if newEnergy < energy {
				pose = ci.normalizeScale(newPose, newIDepths)
				idepths = newIDepths
				lambda = max(lambda*0.5, 1e-5)
				accepted = true
				converged = step.Norm() < 1e-7 && it >= regularizedIterations
				break
			}
			lambda *= 4
		}
		if converged || (!accepted && it >= regularizedIterations) {
			break
		}
	}

	_, sq, inliers := ci.evaluate(pose, idepths, 0, nil)
	ci.firstToNew = pose
	for i := range ci.tracks {
		ci.tracks[i].idepth = idepths[i]
	}
	if inliers > 0 {
		ci.rmse = math.Sqrt(sq / float64(inliers))
	} else {
		ci.rmse = math.Inf(1)
	}
}
