package fullsystem

import (
	"math"

	"github.com/samber/lo"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/slam/output"
	"go.viam.com/dso/slam/tracker"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/utils"
)

const (
	hypothesisRotation = 0.02
	// used as the last level RMSE before anything was tracked
	defaultCoarseRMSE = 100.0
)

// swapTracker switches to the tracker mapping prepared for a newer keyframe, if any.
func (fs *FullSystem) swapTracker() {
	fs.trackerSwapMu.Lock()
	defer fs.trackerSwapMu.Unlock()
	if fs.trackerForNewKF == nil {
		return
	}
	if fs.tracker == nil || fs.trackerForNewKF.RefID() > fs.tracker.RefID() {
		fs.tracker = fs.trackerForNewKF
	}
	fs.trackerForNewKF = nil
}

// motionHypotheses returns candidate reference-to-new poses, most likely first: constant
// velocity, double and half velocity, no motion since the last frame, no motion since the
// reference, then small rotations around constant velocity.
func (fs *FullSystem) motionHypotheses(ref *window.FrameShell) ([]spatialmath.Pose, window.AffLight) {
	fs.shellPoseMu.Lock()
	defer fs.shellPoseMu.Unlock()

	n := len(fs.allFrameHistory)
	aff := ref.Aff
	if n < 3 {
		return []spatialmath.Pose{spatialmath.NewZeroPose()}, aff
	}
	slast := fs.allFrameHistory[n-2]
	sprelast := fs.allFrameHistory[n-3]
	if !slast.PoseValid {
		return []spatialmath.Pose{spatialmath.NewZeroPose()}, aff
	}
	aff = slast.Aff
	refToSlast := spatialmath.Compose(slast.CamToWorld.Inverse(), ref.CamToWorld)
	if !sprelast.PoseValid || slast == ref {
		return []spatialmath.Pose{refToSlast, spatialmath.NewZeroPose()}, aff
	}

	slastToFh := spatialmath.Compose(slast.CamToWorld.Inverse(), sprelast.CamToWorld)
	constVel := spatialmath.Compose(slastToFh, refToSlast)
	tries := []spatialmath.Pose{
		constVel,
		spatialmath.Compose(slastToFh, constVel),
		spatialmath.Compose(spatialmath.Exp(spatialmath.Log(slastToFh).Scale(0.5)), refToSlast),
		refToSlast,
		spatialmath.NewZeroPose(),
	}
	for axis := 0; axis < 3; axis++ {
		for _, sign := range []float64{1, -1} {
			var xi spatialmath.Tangent
			xi[3+axis] = sign * hypothesisRotation
			tries = append(tries, spatialmath.Compose(spatialmath.Exp(xi), constVel))
		}
	}
	for a := 0; a < 3; a++ {
		for b := a + 1; b < 3; b++ {
			for _, sa := range []float64{1, -1} {
				for _, sb := range []float64{1, -1} {
					var xi spatialmath.Tangent
					xi[3+a] = sa * hypothesisRotation
					xi[3+b] = sb * hypothesisRotation
					tries = append(tries, spatialmath.Compose(spatialmath.Exp(xi), constVel))
				}
			}
		}
	}
	return tries, aff
}

// trackFrame aligns a frame against the current tracking reference and sets its shell pose. It
// returns whether the frame should become a keyframe and whether tracking succeeded. Called with
// trackMu held.
func (fs *FullSystem) trackFrame(shell *window.FrameShell, pyr *rimage.Pyramid, exposure float64) (bool, bool) {
	fs.swapTracker()
	ct := fs.tracker
	ref := ct.Reference().Shell
	tries, aff := fs.motionHypotheses(ref)

	lastRMSE := defaultCoarseRMSE
	if len(fs.lastCoarseRMSE) > 0 && utils.IsFinite(fs.lastCoarseRMSE[0]) {
		lastRMSE = fs.lastCoarseRMSE[0]
	}
	achieved := make([]float64, ct.NumLevels())
	for i := range achieved {
		achieved[i] = math.NaN()
	}

	var best tracker.Result
	haveOne := false
	numTried := 0
	for _, try := range tries {
		numTried++
		res, ok := ct.TrackNewest(pyr, exposure, try, aff, ct.NumLevels()-1, achieved)
		if !ok {
			continue
		}
		if !haveOne || res.LevelRMSE[0] < best.LevelRMSE[0] {
			best = res
			haveOne = true
		}
		for lvl, rmse := range res.LevelRMSE {
			if utils.IsFinite(rmse) && (math.IsNaN(achieved[lvl]) || rmse < achieved[lvl]) {
				achieved[lvl] = rmse
			}
		}
		if best.LevelRMSE[0] < lastRMSE*fs.settings.ReTrackThreshold {
			break
		}
	}
	fs.stats.hypotheses.Add(int64(numTried))
	fs.stats.trackedFrames.Inc()

	if !haveOne {
		fs.consecutiveFailures++
		fs.stats.trackingFailures.Inc()
		fs.shellPoseMu.Lock()
		shell.CamToTrackingRef = tries[0].Inverse()
		shell.TrackingRef = ref
		shell.CamToWorld = spatialmath.Compose(ref.CamToWorld, shell.CamToTrackingRef)
		shell.Aff = aff
		shell.PoseValid = false
		fs.shellPoseMu.Unlock()
		fs.logger.Warnw("tracking failed", "frame", shell.ID, "hypotheses", numTried, "consecutive", fs.consecutiveFailures)
		if fs.consecutiveFailures >= fs.settings.MaxConsecutiveTrackingFailures {
			fs.setState(StateLost)
			fs.logger.Warnf("tracking lost at frame %d", shell.ID)
		}
		return false, false
	}

	fs.consecutiveFailures = 0
	fs.lastCoarseRMSE = append(fs.lastCoarseRMSE[:0], best.LevelRMSE...)
	if ct.FirstCoarseRMSE < 0 {
		ct.FirstCoarseRMSE = best.LevelRMSE[0]
	}

	fs.shellPoseMu.Lock()
	shell.CamToTrackingRef = best.RefToNew.Inverse()
	shell.TrackingRef = ref
	shell.CamToWorld = spatialmath.Compose(ref.CamToWorld, shell.CamToTrackingRef)
	shell.Aff = best.Aff
	shell.PoseValid = true
	shell.TrackingRMSE = best.LevelRMSE[0]
	fs.shellPoseMu.Unlock()

	tracked := ct.LastTrackedPoints()
	shell.GoodResidual = lo.CountBy(tracked, func(p tracker.TrackedPoint) bool { return p.Inlier })
	shell.OutlierRes = len(tracked) - shell.GoodResidual
	fs.outputs.PublishTrackedPoints(output.TrackedPoints{
		FrameID: shell.ID,
		Points: lo.Map(tracked, func(p tracker.TrackedPoint, _ int) output.TrackedPoint {
			return output.TrackedPoint{U: p.U, V: p.V, IDepth: p.IDepth, Inlier: p.Inlier}
		}),
	})

	needKF := fs.needKeyframe(ct, best, exposure)
	fs.logger.Debugw("tracked frame",
		"frame", shell.ID,
		"ref", ref.ID,
		"rmse", best.LevelRMSE[0],
		"flow_t", math.Sqrt(best.FlowT),
		"hypotheses", numTried,
		"keyframe", needKF)
	return needKF, true
}

// needKeyframe weighs optical flow, brightness change and residual growth since the reference
// keyframe, and the number of reference points left.
func (fs *FullSystem) needKeyframe(ct *tracker.CoarseTracker, res tracker.Result, exposure float64) bool {
	s := &fs.settings
	size := float64(fs.intr.Width + fs.intr.Height)
	relA, _ := window.FromToVecExposure(ct.Reference().Exposure, exposure, ct.RefAff(), res.Aff)
	delta := s.KFGlobalWeight * (s.MaxShiftWeightT*math.Sqrt(res.FlowT)/size +
		s.MaxShiftWeightR*math.Sqrt(res.FlowR)/size +
		s.MaxShiftWeightRT*math.Sqrt(res.FlowRT)/size +
		s.MaxAffineWeight*math.Abs(math.Log(relA)))
	if delta > 1 {
		return true
	}
	if s.KFResidualGrowthFactor > 0 && ct.FirstCoarseRMSE > 0 && res.LevelRMSE[0] > s.KFResidualGrowthFactor*ct.FirstCoarseRMSE {
		return true
	}
	return float64(ct.NumRefPoints(0)) < s.KFMinPointFraction*s.DesiredPointDensity
}

// publishPose sends the current pose of a shell to the sinks.
func (fs *FullSystem) publishPose(shell *window.FrameShell) {
	fs.shellPoseMu.Lock()
	pose := output.CamPose{
		FrameID:    shell.ID,
		IncomingID: shell.IncomingID,
		Timestamp:  shell.Timestamp,
		CamToWorld: shell.CamToWorld,
		PoseValid:  shell.PoseValid,
		IsKeyframe: shell.IsKeyframe(),
	}
	fs.shellPoseMu.Unlock()
	fs.outputs.PublishCamPose(pose, &fs.intr)
}
