package fullsystem

import (
	"io"

	"go.viam.com/dso/slam/output"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
)

// FrameHistory returns the current pose estimate of every frame since the last Reset. Poses of
// tracked frames follow later optimization of their tracking reference.
func (fs *FullSystem) FrameHistory() []output.CamPose {
	return fs.history(false)
}

// KeyframeHistory returns the current pose estimate of every keyframe since the last Reset.
func (fs *FullSystem) KeyframeHistory() []output.CamPose {
	return fs.history(true)
}

func (fs *FullSystem) history(onlyKeyframes bool) []output.CamPose {
	fs.shellPoseMu.Lock()
	defer fs.shellPoseMu.Unlock()
	out := make([]output.CamPose, 0, len(fs.allFrameHistory))
	for _, s := range fs.allFrameHistory {
		if onlyKeyframes && !s.IsKeyframe() {
			continue
		}
		out = append(out, output.CamPose{
			FrameID:    s.ID,
			IncomingID: s.IncomingID,
			Timestamp:  s.Timestamp,
			CamToWorld: currentCamToWorld(s),
			PoseValid:  s.PoseValid,
			IsKeyframe: s.IsKeyframe(),
		})
	}
	return out
}

// currentCamToWorld chains a non-keyframe pose onto the latest pose of its reference. Called with
// shellPoseMu held.
func currentCamToWorld(s *window.FrameShell) spatialmath.Pose {
	if s.IsKeyframe() || s.TrackingRef == nil {
		return s.CamToWorld
	}
	return spatialmath.Compose(s.TrackingRef.CamToWorld, s.CamToTrackingRef)
}

// WriteTrajectory writes the valid poses of all frames, or only of the keyframes, in the TUM
// format.
func (fs *FullSystem) WriteTrajectory(w io.Writer, onlyKeyframes bool) error {
	return output.WriteTUM(w, fs.history(onlyKeyframes))
}
