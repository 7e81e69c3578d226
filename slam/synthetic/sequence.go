package synthetic

import (
	"context"

	"github.com/golang/geo/r3"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
)

// StraightLine returns n camera-to-world poses starting at the origin and moving by step each
// frame, without rotation.
func StraightLine(n int, step r3.Vector) []spatialmath.Pose {
	poses := make([]spatialmath.Pose, n)
	for i := range poses {
		poses[i] = spatialmath.NewPoseFromPoint(step.Mul(float64(i)))
	}
	return poses
}

// Sequence is a rendered image sequence with its ground truth poses.
type Sequence struct {
	Intrinsics transform.PinholeCameraIntrinsics
	Poses      []spatialmath.Pose
	Frames     []*rimage.ImageAndExposure
}

// RenderSequence renders one frame per pose in parallel. Frames are spaced by dt seconds and
// carry the given exposure and their ground truth pose.
func RenderSequence(
	ctx context.Context,
	scene *PlaneScene,
	intr transform.PinholeCameraIntrinsics,
	poses []spatialmath.Pose,
	exposure, dt float64,
) (*Sequence, error) {
	seq := &Sequence{
		Intrinsics: intr,
		Poses:      poses,
		Frames:     make([]*rimage.ImageAndExposure, len(poses)),
	}
	err := utils.GroupWorkParallel(ctx, len(poses), func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
		return func(memberNum, workNum int) {
			pose := poses[workNum]
			frame := rimage.NewImageAndExposure(scene.Render(&intr, pose), exposure, float64(workNum)*dt)
			frame.GroundTruth = &pose
			seq.Frames[workNum] = frame
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return seq, nil
}
