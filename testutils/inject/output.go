// Package inject provides test doubles whose methods can be replaced per test.
package inject

import (
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/slam/output"
)

// Output is an injected output sink.
type Output struct {
	output.Output
	PublishCamPoseFunc       func(pose output.CamPose, intr *transform.PinholeCameraIntrinsics)
	PublishKeyframesFunc     func(frames []output.Keyframe, final bool, intr *transform.PinholeCameraIntrinsics)
	PublishGraphFunc         func(graph output.Connectivity)
	PublishTrackedPointsFunc func(points output.TrackedPoints)
	PublishGroundTruthFunc   func(gt output.GroundTruth)
	ResetFunc                func()
	JoinFunc                 func() error
}

// PublishCamPose calls the injected PublishCamPose or the real version.
func (o *Output) PublishCamPose(pose output.CamPose, intr *transform.PinholeCameraIntrinsics) {
	if o.PublishCamPoseFunc == nil {
		if o.Output != nil {
			o.Output.PublishCamPose(pose, intr)
		}
		return
	}
	o.PublishCamPoseFunc(pose, intr)
}

// PublishKeyframes calls the injected PublishKeyframes or the real version.
func (o *Output) PublishKeyframes(frames []output.Keyframe, final bool, intr *transform.PinholeCameraIntrinsics) {
	if o.PublishKeyframesFunc == nil {
		if o.Output != nil {
			o.Output.PublishKeyframes(frames, final, intr)
		}
		return
	}
	o.PublishKeyframesFunc(frames, final, intr)
}

// PublishGraph calls the injected PublishGraph or the real version.
func (o *Output) PublishGraph(graph output.Connectivity) {
	if o.PublishGraphFunc == nil {
		if o.Output != nil {
			o.Output.PublishGraph(graph)
		}
		return
	}
	o.PublishGraphFunc(graph)
}

// PublishTrackedPoints calls the injected PublishTrackedPoints or the real version.
func (o *Output) PublishTrackedPoints(points output.TrackedPoints) {
	if o.PublishTrackedPointsFunc == nil {
		if o.Output != nil {
			o.Output.PublishTrackedPoints(points)
		}
		return
	}
	o.PublishTrackedPointsFunc(points)
}

// PublishGroundTruth calls the injected PublishGroundTruth or the real version.
func (o *Output) PublishGroundTruth(gt output.GroundTruth) {
	if o.PublishGroundTruthFunc == nil {
		if o.Output != nil {
			o.Output.PublishGroundTruth(gt)
		}
		return
	}
	o.PublishGroundTruthFunc(gt)
}

// Reset calls the injected Reset or the real version.
func (o *Output) Reset() {
	if o.ResetFunc == nil {
		if o.Output != nil {
			o.Output.Reset()
		}
		return
	}
	o.ResetFunc()
}

// Join calls the injected Join or the real version.
func (o *Output) Join() error {
	if o.JoinFunc == nil {
		if o.Output != nil {
			return o.Output.Join()
		}
		return nil
	}
	return o.JoinFunc()
}
