package initializer

import (
	"context"
	"math"
	"sort"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/slam/synthetic"
	"go.viam.com/dso/spatialmath"
)

func renderPyramid(scene *synthetic.PlaneScene, camToWorld spatialmath.Pose, levels int) *rimage.Pyramid {
	intr := synthetic.DefaultIntrinsics()
	return rimage.NewPyramid(scene.Render(&intr, camToWorld), levels)
}

func TestKLTTracksShift(t *testing.T) {
	scene := synthetic.NewPlaneScene(3)
	a := renderPyramid(scene, spatialmath.NewZeroPose(), 3)
	// a sideways shift of 0.06 at depth 3 moves the image center by 3 pixels
	b := renderPyramid(scene, spatialmath.NewPoseFromPoint(r3.Vector{X: 0.06}), 3)
	klt := kltTracker{halfWindow: 4, maxIterations: 30}

	u, v, ok := klt.track(a, b, 96, 72, 96, 72)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, u, test.ShouldAlmostEqual, 93, 0.2)
	test.That(t, v, test.ShouldAlmostEqual, 72, 0.2)

	_, _, ok = klt.track(a, b, -50, 72, -50, 72)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestInitializePlanarScene(t *testing.T) {
	settings := config.Default()
	intr := synthetic.DefaultIntrinsics()
	scene := synthetic.NewPlaneScene(7)
	levels := rimage.NumPyramidLevels(intr.Width, intr.Height, settings.MaxPyramidLevels, settings.PyramidMinPixels)

	ci := New(intr, &settings, logging.NewTestLogger(t))
	test.That(t, ci.SetFirst(renderPyramid(scene, spatialmath.NewZeroPose(), levels), 1), test.ShouldBeNil)
	test.That(t, ci.Points(), test.ShouldBeNil)

	camToWorld := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.15, Z: 0.1})
	ok, err := ci.TrackFrame(context.Background(), renderPyramid(scene, camToWorld, levels))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, ci.Initialized(), test.ShouldBeTrue)
	test.That(t, ci.RMSE(), test.ShouldBeLessThan, settings.InitMaxReprojRMSE)

	pts := ci.Points()
	test.That(t, len(pts), test.ShouldBeGreaterThanOrEqualTo, settings.InitMinPoints)

	mean := 0.0
	ratios := make([]float64, len(pts))
	for i, p := range pts {
		mean += p.IDepth
		ratios[i] = scene.InverseDepth(&intr, spatialmath.NewZeroPose(), p.U, p.V) / p.IDepth
	}
	test.That(t, mean/float64(len(pts)), test.ShouldAlmostEqual, 1, 1e-6)

	sort.Float64s(ratios)
	scale := ratios[len(ratios)/2]
	errs := make([]float64, len(pts))
	for i, p := range pts {
		truth := scene.InverseDepth(&intr, spatialmath.NewZeroPose(), p.U, p.V)
		errs[i] = math.Abs(p.IDepth*scale-truth) / truth
	}
	sort.Float64s(errs)
	test.That(t, errs[len(errs)/2], test.ShouldBeLessThan, 0.05)

	// the first frame sits behind and to the left of the new one
	expected := camToWorld.Inverse().Point().Normalize()
	test.That(t, ci.FirstToNew().Point().Normalize().Dot(expected), test.ShouldBeGreaterThan, 0.95)

	// once initialized further frames are ignored
	ok, err = ci.TrackFrame(context.Background(), renderPyramid(scene, camToWorld, levels))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
}

func TestInitializationFailsWithoutMotion(t *testing.T) {
	settings := config.Default()
	settings.InitMaxFrames = 3
	intr := synthetic.DefaultIntrinsics()
	scene := synthetic.NewPlaneScene(7)
	first := renderPyramid(scene, spatialmath.NewZeroPose(), 3)

	ci := New(intr, &settings, logging.NewTestLogger(t))
	_, err := ci.TrackFrame(context.Background(), first)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, ci.SetFirst(first, 1), test.ShouldBeNil)
	for i := 0; i < 2; i++ {
		ok, err := ci.TrackFrame(context.Background(), first)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ok, test.ShouldBeFalse)
	}
	ok, err := ci.TrackFrame(context.Background(), first)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, errors.Is(err, ErrInitFailed), test.ShouldBeTrue)
	test.That(t, ci.NumFrames(), test.ShouldEqual, 3)
}

func TestSetFirstOnBlankImage(t *testing.T) {
	settings := config.Default()
	ci := New(synthetic.DefaultIntrinsics(), &settings, logging.NewTestLogger(t))
	err := ci.SetFirst(rimage.NewPyramid(rimage.NewFloatImage(192, 144), 3), 1)
	test.That(t, errors.Is(err, ErrNotEnoughPoints), test.ShouldBeTrue)
}
