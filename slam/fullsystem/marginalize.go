package fullsystem

import (
	"math"

	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
)

// flagFramesForMarginalization picks the keyframes that leave the window once newFrame is in.
// Frames that lost most of their points or whose brightness drifted too far go first; if the
// window would still be full, the frame scoring lowest on spatial distribution goes as well.
// The newest window frame is never flagged, so together with newFrame the two newest keyframes
// always survive.
func (fs *FullSystem) flagFramesForMarginalization(newFrame *window.Frame) {
	w := fs.ef.Window()
	frames := w.Frames()
	if len(frames) == 0 {
		return
	}
	s := &fs.settings
	latest := frames[len(frames)-1]

	flagged := 0
	for _, f := range frames {
		if f == latest {
			continue
		}
		in := len(f.Points) + len(f.Immature)
		out := f.NumPointsMarginalized + f.NumPointsOut
		refToF, _ := window.FromToVecExposure(latest.Exposure, f.Exposure, latest.Aff, f.Aff)
		lowPoints := float64(in) < s.MinPointsRemaining*float64(in+out)
		brightness := math.Abs(math.Log(refToF)) > s.MaxLogAffFacInWindow
		if (lowPoints || brightness) && len(frames)-flagged > s.MinFrames {
			f.FlaggedForMarginalization = true
			flagged++
			fs.logger.Debugw("flagged keyframe",
				"frame", f.Shell.ID,
				"points_in", in,
				"points_out", out,
				"log_brightness", math.Log(refToF))
		}
	}

	if len(frames)-flagged < s.MaxFrames {
		return
	}
	var toMarginalize *window.Frame
	smallest := math.Inf(1)
	for _, f := range frames {
		if f == latest || f.FlaggedForMarginalization {
			continue
		}
		var score float64
		for _, t := range frames {
			if t == f {
				continue
			}
			score += 1 / (1e-5 + linDistance(f, t))
		}
		score *= -math.Sqrt(linDistance(f, latest))
		if score < smallest {
			smallest = score
			toMarginalize = f
		}
	}
	if toMarginalize == nil {
		if frames[0] == latest || frames[0].FlaggedForMarginalization {
			return
		}
		toMarginalize = frames[0]
	}
	toMarginalize.FlaggedForMarginalization = true
	fs.logger.Debugw("flagged keyframe by distance", "frame", toMarginalize.Shell.ID, "score", smallest, "new", newFrame.Shell.ID)
}

// linDistance is the distance between the camera centers of two frames at their linearization
// points.
func linDistance(a, b *window.Frame) float64 {
	return a.LinWorldToCam.Inverse().Point().Sub(b.LinWorldToCam.Inverse().Point()).Norm()
}

// marginalizeFlaggedFrames publishes the final state of every flagged keyframe and folds it into
// the marginalization prior.
func (fs *FullSystem) marginalizeFlaggedFrames(newest *window.Frame) {
	for _, f := range fs.ef.Window().Frames() {
		if !f.FlaggedForMarginalization {
			continue
		}
		fs.outputs.PublishKeyframes(fs.keyframeSnapshots([]*window.Frame{f}), true, &fs.intr)
		moved := spatialmath.Log(spatialmath.Compose(f.WorldToCam, f.LinWorldToCam.Inverse())).Norm()
		if err := fs.ef.MarginalizeFrame(f); err != nil {
			fs.logger.Errorw("marginalizing keyframe failed, dropping it", "frame", f.Shell.ID, "error", err)
			fs.ef.DropFrame(f)
		}
		fs.shellPoseMu.Lock()
		f.Shell.MarginalizedAt = newest.Shell.ID
		f.Shell.MovedByOpt = moved
		fs.shellPoseMu.Unlock()
		fs.stats.marginalizedFrames.Inc()
	}
}
