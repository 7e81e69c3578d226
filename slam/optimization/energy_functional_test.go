package optimization

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"
	"go.viam.com/test"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/slam/pixelselector"
	"go.viam.com/dso/slam/synthetic"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
)

var fixturePoses = []spatialmath.Pose{
	spatialmath.NewZeroPose(),
	spatialmath.NewPoseFromPoint(r3.Vector{X: 0.08}),
	spatialmath.NewPoseFromPoint(r3.Vector{X: 0.04, Y: 0.03, Z: 0.05}),
}

// newPlaneWindow builds an energy functional over three keyframes of the synthetic plane at
// their true poses, with points hosted by the first frame at their true inverse depths.
func newPlaneWindow(t *testing.T, numWorkers int) (*EnergyFunctional, *synthetic.PlaneScene) {
	t.Helper()
	settings := config.Default()
	settings.NumWorkers = numWorkers
	intr := synthetic.DefaultIntrinsics()
	scene := synthetic.NewPlaneScene(11)
	levels := rimage.NumPyramidLevels(intr.Width, intr.Height, settings.MaxPyramidLevels, settings.PyramidMinPixels)

	ef := NewEnergyFunctional(intr, &settings, logging.NewTestLogger(t))
	t.Cleanup(ef.Close)
	for i, pose := range fixturePoses {
		shell := window.NewFrameShell(i, i, float64(i))
		shell.CamToWorld = pose
		f := window.NewFrame(shell, rimage.NewPyramid(scene.Render(&intr, pose), levels), 1)
		f.SetPrior(i == 0, settings.InitialTransPrior, settings.InitialRotPrior,
			settings.InitialAffAPrior, settings.InitialAffBPrior, settings.AffineOptModeA, settings.AffineOptModeB)
		test.That(t, ef.InsertFrame(f), test.ShouldBeNil)
	}

	host := ef.Window().FrameAt(0)
	ps := pixelselector.New(intr.Width, intr.Height, &settings)
	selection, _ := ps.MakeMaps(host.Pyramid, 400, 2, 1)
	for _, c := range pixelselector.Candidates(selection, intr.Width) {
		u, v := float64(c.X), float64(c.Y)
		if u < 8 || v < 8 || u > float64(intr.Width)-9 || v > float64(intr.Height)-9 {
			continue
		}
		ip, ok := window.NewImmaturePoint(u, v, c.Tier, host, &settings)
		if !ok {
			continue
		}
		p := window.NewPointFromImmature(ip, scene.InverseDepth(&intr, spatialmath.NewZeroPose(), u, v))
		p.HasDepthPrior = true
		p.PriorIDepth = p.IDepth
		_, err := ef.InsertPoint(host, p)
		test.That(t, err, test.ShouldBeNil)
		for _, target := range ef.Window().Frames()[1:] {
			_, err := ef.InsertResidual(window.NewResidual(p, target))
			test.That(t, err, test.ShouldBeNil)
		}
	}
	test.That(t, ef.Window().NumPoints(), test.ShouldBeGreaterThan, 100)
	return ef, scene
}

func TestLinearizeAtTruth(t *testing.T) {
	ef, _ := newPlaneWindow(t, 2)
	numResiduals := ef.Window().NumResiduals()

	energy, err := ef.Linearize(true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ef.Window().CheckClosure(), test.ShouldBeNil)

	// nearly everything projects inside and fits
	remaining := ef.Window().NumResiduals()
	test.That(t, remaining, test.ShouldBeGreaterThan, numResiduals*8/10)
	test.That(t, energy/float64(remaining), test.ShouldBeLessThan, 50)

	for _, p := range ef.Window().Points() {
		test.That(t, p.NumGoodResiduals, test.ShouldEqual, len(p.Residuals))
		if len(p.Residuals) > 0 {
			test.That(t, p.IDepthHessian, test.ShouldBeGreaterThan, 0)
			test.That(t, p.MaxRelBaseline, test.ShouldBeGreaterThan, 0)
		}
	}

	var in int
	for _, r := range ef.Window().Residuals() {
		test.That(t, r.State, test.ShouldEqual, window.ResidualIn)
		test.That(t, r.IsNew, test.ShouldBeFalse)
		in++
	}
	test.That(t, in, test.ShouldEqual, remaining)
}

func TestResidualJacobianMatchesFiniteDifference(t *testing.T) {
	ef, _ := newPlaneWindow(t, 1)
	w := ef.Window()
	host, target := w.FrameAt(0), w.FrameAt(1)
	var p *window.Point
	for _, cand := range w.Points() {
		if math.Abs(cand.U-96) < 30 && math.Abs(cand.V-72) < 30 {
			p = cand
			break
		}
	}
	test.That(t, p, test.ShouldNotBeNil)
	r := window.NewResidual(p, target)

	eval := func() window.ResidualJacobian {
		pre := NewPrecalcHostTarget(host, target)
		LinearizeResidual(host, target, p, r, &pre, &ef.intr, ef.settings)
		test.That(t, r.NewState, test.ShouldEqual, window.ResidualIn)
		return r.Jac
	}
	base := eval()
	k := centerPatternIdx

	// central differences over roughly half a pixel of motion
	eps := window.FrameVec{0.01, 0.01, 0.01, 0.003, 0.003, 0.003, 1e-3, 1e-3}
	target.Backup()
	for dim := 0; dim < window.FrameDim; dim++ {
		var step window.FrameVec
		step[dim] = eps[dim]
		target.ApplyStep(step)
		plus := eval().R[k]
		step[dim] = -eps[dim]
		target.ApplyStep(step)
		minus := eval().R[k]
		target.Restore()
		numeric := (plus - minus) / (2 * eps[dim])
		analytic := base.JTarget[k][dim]
		test.That(t, numeric, test.ShouldAlmostEqual, analytic, 0.25*math.Abs(analytic)+0.5)
	}

	const idepthEps = 0.05
	p.Backup()
	p.ApplyStep(idepthEps)
	plus := eval().R[k]
	p.ApplyStep(-idepthEps)
	minus := eval().R[k]
	p.Restore()
	numeric := (plus - minus) / (2 * idepthEps)
	test.That(t, numeric, test.ShouldAlmostEqual, base.JIDepth[k], 0.25*math.Abs(base.JIDepth[k])+0.5)
}

func TestSolveRecoversPerturbedFrame(t *testing.T) {
	ef, _ := newPlaneWindow(t, 2)
	_, err := ef.Linearize(true)
	test.That(t, err, test.ShouldBeNil)

	f := ef.Window().FrameAt(1)
	truth := f.WorldToCam
	f.WorldToCam = spatialmath.Compose(spatialmath.NewPoseFromPoint(r3.Vector{X: 0.01, Y: -0.006}), truth)
	energy, err := ef.Linearize(false)
	test.That(t, err, test.ShouldBeNil)

	lambda := ef.settings.LambdaInit
	for it := 0; it < 10; it++ {
		ef.BackupState()
		step, err := ef.Solve(lambda)
		test.That(t, err, test.ShouldBeNil)
		ef.ApplyStep(step)
		newEnergy, err := ef.Linearize(false)
		test.That(t, err, test.ShouldBeNil)
		if newEnergy < energy {
			energy = newEnergy
			lambda *= 0.25
			continue
		}
		ef.RestoreState()
		_, err = ef.Linearize(false)
		test.That(t, err, test.ShouldBeNil)
		lambda *= 4
	}
	errPose := spatialmath.PoseBetween(truth, f.WorldToCam)
	test.That(t, errPose.Point().Norm(), test.ShouldBeLessThan, 2e-3)
	test.That(t, errPose.RotationAngle(), test.ShouldBeLessThan, 2e-3)
}

func TestReductionIsDeterministic(t *testing.T) {
	single, _ := newPlaneWindow(t, 1)
	multi, _ := newPlaneWindow(t, 4)

	e1, err := single.Linearize(true)
	test.That(t, err, test.ShouldBeNil)
	e4, err := multi.Linearize(true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e4, test.ShouldEqual, e1)

	s1, err := single.Solve(0.1)
	test.That(t, err, test.ShouldBeNil)
	s4, err := multi.Solve(0.1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s4.Frames, test.ShouldResemble, s1.Frames)
	test.That(t, len(s4.Points), test.ShouldEqual, len(s1.Points))
	for i := range s1.Points {
		test.That(t, s4.Points[i].Delta, test.ShouldEqual, s1.Points[i].Delta)
	}
}

func TestMarginalizePointsKeepsEnergy(t *testing.T) {
	ef, _ := newPlaneWindow(t, 2)
	_, err := ef.Linearize(true)
	test.That(t, err, test.ShouldBeNil)
	before := ef.Energy()

	w := ef.Window()
	points := lo.Filter(w.Points(), func(p *window.Point, _ int) bool { return len(p.Residuals) > 0 })
	half := points[:len(points)/2]
	var expectedDrop float64
	for _, p := range half {
		ps := ef.pointSystemFor(newFrameSystem(w.NumFrames()), p)
		expectedDrop += ps.bp * ps.bp / ps.hpp
	}

	numPoints := w.NumPoints()
	test.That(t, ef.MarginalizePoints(half), test.ShouldEqual, len(half))
	test.That(t, w.NumPoints(), test.ShouldEqual, numPoints-len(half))
	test.That(t, w.CheckClosure(), test.ShouldBeNil)
	test.That(t, w.FrameAt(0).NumPointsMarginalized, test.ShouldEqual, len(half))

	after := ef.Energy()
	test.That(t, after, test.ShouldAlmostEqual, before-expectedDrop, 1e-6*before)
	test.That(t, ef.PriorEnergy(), test.ShouldBeGreaterThan, 0)

	// the remaining system still solves
	_, err = ef.Solve(0.1)
	test.That(t, err, test.ShouldBeNil)
}

func TestMarginalizeFrame(t *testing.T) {
	ef, _ := newPlaneWindow(t, 2)
	_, err := ef.Linearize(true)
	test.That(t, err, test.ShouldBeNil)

	w := ef.Window()
	oldest := w.FrameAt(0)
	numToMarginalize := 0
	for i, ph := range oldest.Points {
		p := w.Point(ph)
		if i%2 == 0 {
			p.Status = window.PointMarginalize
			if len(p.Residuals) > 0 {
				numToMarginalize++
			}
		} else {
			p.Status = window.PointDrop
		}
	}
	before := ef.Energy()

	test.That(t, ef.MarginalizeFrame(oldest), test.ShouldBeNil)
	test.That(t, w.NumFrames(), test.ShouldEqual, 2)
	test.That(t, ef.prior.numFrames(), test.ShouldEqual, 2)
	test.That(t, w.NumPoints(), test.ShouldEqual, 0)
	test.That(t, w.NumResiduals(), test.ShouldEqual, 0)
	test.That(t, w.CheckClosure(), test.ShouldBeNil)
	test.That(t, oldest.Idx(), test.ShouldEqual, -1)
	test.That(t, oldest.NumPointsMarginalized, test.ShouldEqual, numToMarginalize)

	// eliminating variables at their minimum can only lower the energy, and dropped points took
	// theirs with them
	after := ef.Energy()
	test.That(t, utils.IsFinite(after), test.ShouldBeTrue)
	test.That(t, after, test.ShouldBeLessThanOrEqualTo, before*(1+1e-9))

	test.That(t, ef.MarginalizeFrame(oldest), test.ShouldNotBeNil)

	// the prior alone constrains the remaining frames
	_, err = ef.Solve(0.1)
	test.That(t, err, test.ShouldBeNil)
}

func TestDropFrameKeepsPriorAligned(t *testing.T) {
	ef, _ := newPlaneWindow(t, 1)
	_, err := ef.Linearize(true)
	test.That(t, err, test.ShouldBeNil)
	ef.MarginalizePoints(ef.Window().Points()[:10])

	ef.DropFrame(ef.Window().FrameAt(2))
	test.That(t, ef.Window().NumFrames(), test.ShouldEqual, 2)
	test.That(t, ef.prior.numFrames(), test.ShouldEqual, 2)
	test.That(t, ef.Window().CheckClosure(), test.ShouldBeNil)

	ef.Reset()
	test.That(t, ef.Window().NumFrames(), test.ShouldEqual, 0)
	test.That(t, ef.prior.numFrames(), test.ShouldEqual, 0)
	test.That(t, ef.Energy(), test.ShouldEqual, 0)
}
