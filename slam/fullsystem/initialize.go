package fullsystem

import (
	"github.com/pkg/errors"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/slam/initializer"
	"go.viam.com/dso/slam/tracker"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
)

// initializeFrame feeds a frame to the initializer. Called with trackMu held.
func (fs *FullSystem) initializeFrame(shell *window.FrameShell, pyr *rimage.Pyramid, exposure float64) {
	if fs.State() == StateUninitialized || !fs.init.HasFirst() {
		fs.startInitializer(shell, pyr, exposure)
		return
	}

	ok, err := fs.init.TrackFrame(fs.workers.Context(), pyr)
	switch {
	case errors.Is(err, initializer.ErrInitFailed):
		fs.initFailed.Store(true)
		fs.stats.initRestarts.Inc()
		fs.logger.Warnw("initialization failed, restarting from the current frame", "error", err)
		fs.startInitializer(shell, pyr, exposure)
		return
	case err != nil:
		fs.logger.Warnw("initializer error", "frame", shell.ID, "error", err)
		fs.publishPose(shell)
		return
	case !ok:
		fs.publishPose(shell)
		return
	}
	fs.initializeFromInitializer(shell, pyr, exposure)
}

func (fs *FullSystem) startInitializer(shell *window.FrameShell, pyr *rimage.Pyramid, exposure float64) {
	if err := fs.init.SetFirst(pyr, exposure); err != nil {
		fs.logger.Debugw("frame not usable as first frame", "frame", shell.ID, "error", err)
		fs.initFirstShell = nil
		fs.setState(StateUninitialized)
		fs.publishPose(shell)
		return
	}
	fs.shellPoseMu.Lock()
	shell.CamToWorld = spatialmath.NewZeroPose()
	shell.PoseValid = true
	fs.shellPoseMu.Unlock()
	fs.initFirstShell = shell
	fs.setState(StateInitializing)
	fs.publishPose(shell)
}

// initializeFromInitializer builds the first keyframe and its points from the initializer result,
// points the tracker at it and hands the current frame to mapping as the second keyframe.
func (fs *FullSystem) initializeFromInitializer(shell *window.FrameShell, pyr *rimage.Pyramid, exposure float64) {
	first := fs.initFirstShell
	fs.mapMu.Lock()

	firstFrame := window.NewFrame(first, fs.init.FirstPyramid(), fs.init.FirstExposure())
	firstFrame.SetPrior(true,
		fs.settings.InitialTransPrior, fs.settings.InitialRotPrior,
		fs.settings.InitialAffAPrior, fs.settings.InitialAffBPrior,
		fs.settings.AffineOptModeA, fs.settings.AffineOptModeB)
	if err := fs.ef.InsertFrame(firstFrame); err != nil {
		panic(errors.Wrap(err, "inserting first keyframe"))
	}

	points := fs.init.Points()
	stride := 1
	if n := float64(len(points)); n > fs.settings.DesiredPointDensity {
		stride = int(n/fs.settings.DesiredPointDensity + 0.999)
	}
	numPoints := 0
	for i := 0; i < len(points); i += stride {
		ip := points[i]
		imm, ok := window.NewImmaturePoint(ip.U, ip.V, ip.Tier, firstFrame, &fs.settings)
		if !ok {
			continue
		}
		p := window.NewPointFromImmature(imm, ip.IDepth)
		p.HasDepthPrior = true
		p.PriorIDepth = ip.IDepth
		if _, err := fs.ef.InsertPoint(firstFrame, p); err != nil {
			panic(err)
		}
		numPoints++
	}

	firstToNew := fs.init.FirstToNew()
	fs.shellPoseMu.Lock()
	first.CamToWorld = spatialmath.NewZeroPose()
	first.PoseValid = true
	first.KeyframeID = fs.numKeyframes
	shell.CamToTrackingRef = firstToNew.Inverse()
	shell.TrackingRef = first
	shell.CamToWorld = shell.CamToTrackingRef
	shell.PoseValid = true
	fs.shellPoseMu.Unlock()
	fs.numKeyframes++
	fs.stats.keyframes.Inc()

	ct := tracker.NewCoarseTracker(fs.intr, fs.numLevels, &fs.settings, fs.logger.Sublogger("tracker"))
	ct.SetReference(fs.ef.Window())
	fs.mapMu.Unlock()

	fs.tracker = ct
	fs.lastCoarseRMSE = nil
	fs.consecutiveFailures = 0
	fs.setState(StateTracking)
	fs.logger.Infof("initialized from frames %d and %d with %d points", first.ID, shell.ID, numPoints)

	fs.publishPose(shell)
	fs.deliverTrackedFrame(&trackedFrame{shell: shell, pyr: pyr, exposure: exposure, needKF: true})
}
