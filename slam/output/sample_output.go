package output

import (
	"github.com/samber/lo"

	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
)

// SampleOutput logs every update it receives at debug level.
type SampleOutput struct {
	logger logging.Logger
}

// NewSampleOutput returns a sink logging to logger.
func NewSampleOutput(logger logging.Logger) *SampleOutput {
	return &SampleOutput{logger: logger}
}

// PublishCamPose logs the pose.
func (s *SampleOutput) PublishCamPose(pose CamPose, _ *transform.PinholeCameraIntrinsics) {
	pt := pose.CamToWorld.Point()
	s.logger.Debugw("camera pose",
		"frame", pose.FrameID,
		"incoming", pose.IncomingID,
		"ts", pose.Timestamp,
		"x", pt.X, "y", pt.Y, "z", pt.Z,
		"valid", pose.PoseValid,
		"keyframe", pose.IsKeyframe)
}

// PublishKeyframes logs the number of points per status.
func (s *SampleOutput) PublishKeyframes(frames []Keyframe, final bool, _ *transform.PinholeCameraIntrinsics) {
	for _, kf := range frames {
		counts := lo.CountValuesBy(kf.Points, func(p KeyframePoint) PointStatus { return p.Status })
		s.logger.Debugw("keyframe",
			"frame", kf.FrameID,
			"keyframe", kf.KeyframeID,
			"final", final,
			"immature", counts[PointImmature],
			"active", counts[PointActive],
			"marginalized", counts[PointMarginalized])
	}
}

// PublishGraph logs the number of connected pairs.
func (s *SampleOutput) PublishGraph(graph Connectivity) {
	s.logger.Debugw("keyframe graph", "edges", len(graph), "residuals", lo.Sum(lo.Values(graph)))
}

// PublishTrackedPoints logs the inlier count.
func (s *SampleOutput) PublishTrackedPoints(points TrackedPoints) {
	inliers := lo.CountBy(points.Points, func(p TrackedPoint) bool { return p.Inlier })
	s.logger.Debugw("tracked points", "frame", points.FrameID, "points", len(points.Points), "inliers", inliers)
}

// PublishGroundTruth logs the reference position.
func (s *SampleOutput) PublishGroundTruth(gt GroundTruth) {
	pt := gt.CamToWorld.Point()
	s.logger.Debugw("ground truth", "frame", gt.FrameID, "x", pt.X, "y", pt.Y, "z", pt.Z)
}

// Reset logs the reset.
func (s *SampleOutput) Reset() {
	s.logger.Debug("reset")
}

// Join has nothing to wait for.
func (s *SampleOutput) Join() error {
	return nil
}

var _ Output = (*SampleOutput)(nil)
