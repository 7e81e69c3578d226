package tracker

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/slam/pixelselector"
	"go.viam.com/dso/slam/synthetic"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
)

type trackingFixture struct {
	settings config.Settings
	scene    *synthetic.PlaneScene
	w        *window.Window
	ref      *window.Frame
	levels   int
}

func newTrackingFixture(t *testing.T) *trackingFixture {
	t.Helper()
	settings := config.Default()
	intr := synthetic.DefaultIntrinsics()
	scene := synthetic.NewPlaneScene(11)
	levels := rimage.NumPyramidLevels(intr.Width, intr.Height, settings.MaxPyramidLevels, settings.PyramidMinPixels)

	shell := window.NewFrameShell(0, 0, 0)
	ref := window.NewFrame(shell, rimage.NewPyramid(scene.Render(&intr, spatialmath.NewZeroPose()), levels), 1)
	w := window.New(settings.MaxFrames)
	test.That(t, w.AddFrame(ref), test.ShouldBeNil)

	ps := pixelselector.New(intr.Width, intr.Height, &settings)
	selection, num := ps.MakeMaps(ref.Pyramid, 1500, 2, 1)
	test.That(t, num, test.ShouldBeGreaterThan, 200)
	for _, c := range pixelselector.Candidates(selection, intr.Width) {
		u, v := float64(c.X), float64(c.Y)
		p := &window.Point{U: u, V: v, IDepth: scene.InverseDepth(&intr, spatialmath.NewZeroPose(), u, v)}
		_, err := w.AddPoint(ref, p)
		test.That(t, err, test.ShouldBeNil)
	}
	return &trackingFixture{settings: settings, scene: scene, w: w, ref: ref, levels: levels}
}

func (f *trackingFixture) render(camToWorld spatialmath.Pose) *rimage.Pyramid {
	intr := synthetic.DefaultIntrinsics()
	return rimage.NewPyramid(f.scene.Render(&intr, camToWorld), f.levels)
}

func TestTrackTranslation(t *testing.T) {
	f := newTrackingFixture(t)
	ct := NewCoarseTracker(synthetic.DefaultIntrinsics(), f.levels, &f.settings, logging.NewTestLogger(t))
	ct.SetReference(f.w)
	test.That(t, ct.RefID(), test.ShouldEqual, 0)
	test.That(t, ct.NumRefPoints(0), test.ShouldBeGreaterThanOrEqualTo, f.w.NumPoints())
	test.That(t, ct.NumRefPoints(f.levels-1), test.ShouldBeGreaterThan, 0)

	camToWorld := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.06, Z: 0.02})
	abort := []float64{1e5, 1e5, 1e5, 1e5, 1e5, 1e5}
	res, ok := ct.TrackNewest(f.render(camToWorld), 1, spatialmath.NewZeroPose(), window.AffLight{}, f.levels-1, abort)
	test.That(t, ok, test.ShouldBeTrue)

	expected := camToWorld.Inverse()
	test.That(t, res.RefToNew.Point().Sub(expected.Point()).Norm(), test.ShouldBeLessThan, 5e-3)
	test.That(t, res.RefToNew.RotationAngle(), test.ShouldBeLessThan, 3e-3)
	test.That(t, res.LevelRMSE[0], test.ShouldBeLessThan, 5)
	test.That(t, math.Abs(res.Aff.A), test.ShouldBeLessThan, 0.05)
	test.That(t, res.FlowT, test.ShouldBeGreaterThan, 1)
	test.That(t, res.FlowR, test.ShouldBeLessThan, res.FlowT/10)

	tracked := ct.LastTrackedPoints()
	test.That(t, len(tracked), test.ShouldBeGreaterThan, f.w.NumPoints()/2)
}

func TestTrackFailsOnBlankImage(t *testing.T) {
	f := newTrackingFixture(t)
	ct := NewCoarseTracker(synthetic.DefaultIntrinsics(), f.levels, &f.settings, logging.NewTestLogger(t))
	ct.SetReference(f.w)

	blank := rimage.NewPyramid(rimage.NewFloatImage(192, 144), f.levels)
	_, ok := ct.TrackNewest(blank, 1, spatialmath.NewZeroPose(), window.AffLight{}, f.levels-1, []float64{5, 5, 5, 5, 5, 5})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestTrackWithoutReferencePoints(t *testing.T) {
	settings := config.Default()
	ct := NewCoarseTracker(synthetic.DefaultIntrinsics(), 3, &settings, logging.NewTestLogger(t))
	_, ok := ct.TrackNewest(rimage.NewPyramid(rimage.NewFloatImage(192, 144), 3), 1, spatialmath.NewZeroPose(), window.AffLight{}, 2, nil)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDistanceMap(t *testing.T) {
	f := newTrackingFixture(t)
	intr := synthetic.DefaultIntrinsics()
	dm := NewCoarseDistanceMap(intr)
	test.That(t, dm.Width(), test.ShouldEqual, 96)

	// a second keyframe at the same pose sees every point of the first at half resolution
	shell := window.NewFrameShell(1, 1, 1)
	target := window.NewFrame(shell, f.ref.Pyramid, 1)
	test.That(t, f.w.AddFrame(target), test.ShouldBeNil)
	dm.MakeDistanceMap(f.w, target)

	p := f.w.Point(f.ref.Points[0])
	x, y := int(p.U*0.5+0.25), int(p.V*0.5+0.25)
	test.That(t, dm.Distance(x, y), test.ShouldEqual, 0)

	dm.MakeDistanceMap(f.w, f.ref)
	test.That(t, dm.Distance(40, 30), test.ShouldEqual, maxDistance)
	dm.AddIntoDistFinal(40, 30)
	test.That(t, dm.Distance(40, 30), test.ShouldEqual, 0)
	test.That(t, dm.Distance(41, 30), test.ShouldEqual, 1)
	test.That(t, dm.Distance(41, 31), test.ShouldEqual, 2)
	test.That(t, dm.Distance(43, 30), test.ShouldEqual, 3)
}
