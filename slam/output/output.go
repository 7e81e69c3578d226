// Package output defines the sinks that receive pose and map updates from the odometry engine,
// the immutable snapshots handed to them and a dispatcher that keeps slow or failing sinks away
// from the engine's threads.
package output

import (
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
)

// Output receives updates from the engine. Calls for one sink are made from a single goroutine,
// in order. Snapshots must not be modified.
type Output interface {
	// PublishCamPose is called for every processed frame.
	PublishCamPose(pose CamPose, intr *transform.PinholeCameraIntrinsics)
	// PublishKeyframes is called after every mapping round with the keyframes of the window, and
	// once with final set when keyframes leave the window or the engine is flushed.
	PublishKeyframes(frames []Keyframe, final bool, intr *transform.PinholeCameraIntrinsics)
	// PublishGraph reports the number of residuals shared by every pair of active keyframes.
	PublishGraph(graph Connectivity)
	// PublishTrackedPoints reports where the tracking reference's points landed in a new frame.
	PublishTrackedPoints(points TrackedPoints)
	// PublishGroundTruth forwards a reference pose supplied with an input frame.
	PublishGroundTruth(gt GroundTruth)
	// Reset is called when the engine clears its window.
	Reset()
	// Join blocks until the sink finished its own background work.
	Join() error
}

// CamPose is the estimated pose of one frame.
type CamPose struct {
	FrameID    int
	IncomingID int
	Timestamp  float64
	CamToWorld spatialmath.Pose
	PoseValid  bool
	IsKeyframe bool
}

// PointStatus is the kind of a map point in a keyframe snapshot.
type PointStatus int

const (
	// PointImmature points have an inverse depth interval only.
	PointImmature PointStatus = iota
	// PointActive points are optimized in the window.
	PointActive
	// PointMarginalized points were folded into the prior.
	PointMarginalized
)

func (s PointStatus) String() string {
	switch s {
	case PointImmature:
		return "immature"
	case PointActive:
		return "active"
	case PointMarginalized:
		return "marginalized"
	default:
		return "unknown"
	}
}

// KeyframePoint is a point hosted by a keyframe.
type KeyframePoint struct {
	U, V          float64
	IDepth        float64
	IDepthHessian float64
	// Color is the host intensity at the point.
	Color  float64
	Status PointStatus
}

// Keyframe is a snapshot of a keyframe and the points it hosts.
type Keyframe struct {
	FrameID    int
	KeyframeID int
	Timestamp  float64
	CamToWorld spatialmath.Pose
	AffA, AffB float64
	Points     []KeyframePoint
}

// FramePair identifies two keyframes by frame id, A < B.
type FramePair struct {
	A, B int
}

// NewFramePair orders the ids.
func NewFramePair(a, b int) FramePair {
	if a > b {
		a, b = b, a
	}
	return FramePair{A: a, B: b}
}

// Connectivity maps keyframe pairs to the number of residuals between them.
type Connectivity map[FramePair]int

// TrackedPoint is a reference point projected into a tracked frame.
type TrackedPoint struct {
	U, V   float64
	IDepth float64
	Inlier bool
}

// TrackedPoints are the reference points as last seen by tracking.
type TrackedPoints struct {
	FrameID int
	Points  []TrackedPoint
}

// GroundTruth is a reference pose supplied with an input frame.
type GroundTruth struct {
	FrameID    int
	Timestamp  float64
	CamToWorld spatialmath.Pose
}
