package window

import (
	"go.viam.com/dso/spatialmath"
)

// FrameShell is the long-lived pose record of every incoming frame. It outlives the frame's
// images and its window membership. Pose fields are guarded by the owner's shell pose lock.
type FrameShell struct {
	// ID is the sequence number among frames handed to the engine.
	ID int
	// IncomingID is the caller supplied frame id.
	IncomingID int
	Timestamp  float64

	// CamToTrackingRef is the pose relative to TrackingRef as estimated by tracking.
	CamToTrackingRef spatialmath.Pose
	TrackingRef      *FrameShell
	// CamToWorld is the current best world pose.
	CamToWorld spatialmath.Pose
	Aff        AffLight
	PoseValid  bool

	// KeyframeID is the keyframe counter when the frame became a keyframe, -1 otherwise.
	KeyframeID int
	// MarginalizedAt is the shell ID of the newest keyframe when this frame left the window.
	MarginalizedAt int
	// MovedByOpt is the norm of the pose change since linearization when it left the window.
	MovedByOpt float64

	// Tracking statistics.
	TrackingRMSE float64
	GoodResidual int
	OutlierRes   int

	GroundTruth *spatialmath.Pose
}

// NewFrameShell creates a shell with identity pose that is not a keyframe.
func NewFrameShell(id, incomingID int, timestamp float64) *FrameShell {
	return &FrameShell{
		ID:               id,
		IncomingID:       incomingID,
		Timestamp:        timestamp,
		CamToTrackingRef: spatialmath.NewZeroPose(),
		CamToWorld:       spatialmath.NewZeroPose(),
		KeyframeID:       -1,
		MarginalizedAt:   -1,
	}
}

// IsKeyframe returns whether the frame was ever inserted into the window.
func (s *FrameShell) IsKeyframe() bool {
	return s.KeyframeID >= 0
}
