package output_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/slam/output"
	"go.viam.com/dso/spatialmath"
)

func TestAlignTrajectory(t *testing.T) {
	var poses []output.CamPose
	var gt []output.GroundTruth
	for i := 0; i < 10; i++ {
		truth := r3.Vector{X: 1 + 0.1*float64(i), Y: 2, Z: 0.05 * float64(i)}
		// estimate at half scale around another origin
		est := r3.Vector{X: 0.05 * float64(i), Z: 0.025 * float64(i)}
		poses = append(poses, output.CamPose{FrameID: i, CamToWorld: spatialmath.NewPoseFromPoint(est), PoseValid: true})
		gt = append(gt, output.GroundTruth{FrameID: i, CamToWorld: spatialmath.NewPoseFromPoint(truth)})
	}
	// invalid and unmatched poses are skipped
	poses = append(poses,
		output.CamPose{FrameID: 3, CamToWorld: spatialmath.NewPoseFromPoint(r3.Vector{X: 100}), PoseValid: false},
		output.CamPose{FrameID: 42, CamToWorld: spatialmath.NewPoseFromPoint(r3.Vector{X: 100}), PoseValid: true},
	)

	aligned, err := output.AlignTrajectory(poses, gt)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, aligned.Scale, test.ShouldAlmostEqual, 2, 1e-9)
	test.That(t, aligned.RMSE, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, aligned.Estimated, test.ShouldHaveLength, 10)
	test.That(t, aligned.GroundTruth[0], test.ShouldResemble, r3.Vector{})

	path := filepath.Join(t.TempDir(), "trajectory.png")
	test.That(t, aligned.SavePlot(path), test.ShouldBeNil)
	info, err := os.Stat(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)

	_, err = output.AlignTrajectory(poses[:1], gt)
	test.That(t, err, test.ShouldNotBeNil)

	still := []output.CamPose{
		{FrameID: 0, CamToWorld: spatialmath.NewPoseFromPoint(r3.Vector{}), PoseValid: true},
		{FrameID: 1, CamToWorld: spatialmath.NewPoseFromPoint(r3.Vector{}), PoseValid: true},
	}
	_, err = output.AlignTrajectory(still, gt)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRenderKeyframe(t *testing.T) {
	kf := output.Keyframe{
		FrameID: 1,
		Points: []output.KeyframePoint{
			{U: 10, V: 10, IDepth: 2, Status: output.PointActive},
			{U: 30, V: 20, IDepth: 0.5, Status: output.PointMarginalized},
			{U: 5, V: 30, IDepth: 1, Status: output.PointImmature},
		},
	}
	img := output.RenderKeyframe(kf, nil, 40, 36)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 40)
	test.That(t, img.Bounds().Dy(), test.ShouldEqual, 36)

	// the nearest point is red, far ones lean to blue
	r, g, b, _ := img.At(10, 10).RGBA()
	test.That(t, r>>8, test.ShouldBeGreaterThan, 200)
	test.That(t, g>>8, test.ShouldBeLessThan, 50)
	test.That(t, b>>8, test.ShouldBeLessThan, 50)
	_, _, b, _ = img.At(30, 20).RGBA()
	test.That(t, b>>8, test.ShouldBeGreaterThan, 200)
	r, g, b, _ = img.At(0, 0).RGBA()
	test.That(t, r+g+b, test.ShouldEqual, uint32(0))

	background := rimage.NewFloatImage(40, 36)
	for i := range background.Data() {
		background.Data()[i] = 128
	}
	img = output.RenderKeyframe(kf, background, 0, 0)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 40)
	r, _, _, _ = img.At(0, 0).RGBA()
	test.That(t, r>>8, test.ShouldEqual, uint32(128))
}
