package fullsystem

import (
	"github.com/pkg/errors"

	"go.viam.com/dso/slam/output"
	"go.viam.com/dso/slam/pixelselector"
	"go.viam.com/dso/slam/tracker"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
)

const (
	numTraceStatus = int(window.TraceBadCondition) + 1
	tracesPerRange = 64
	// index of the (0, 0) offset in config.Pattern
	patternCenter = 4
)

// mappingCounts are per-range counters of the parallel mapping steps.
type mappingCounts struct {
	trace     [numTraceStatus]int
	activated int
	deleted   int
}

func (c *mappingCounts) add(o *mappingCounts) *mappingCounts {
	for i := range c.trace {
		c.trace[i] += o.trace[i]
	}
	c.activated += o.activated
	c.deleted += o.deleted
	return c
}

// frameFromShell creates the mapping frame of a tracked frame at the current pose of its
// tracking reference.
func (fs *FullSystem) frameFromShell(tf *trackedFrame) *window.Frame {
	fs.shellPoseMu.Lock()
	defer fs.shellPoseMu.Unlock()
	if tf.shell.TrackingRef != nil {
		tf.shell.CamToWorld = spatialmath.Compose(tf.shell.TrackingRef.CamToWorld, tf.shell.CamToTrackingRef)
	}
	return window.NewFrame(tf.shell, tf.pyr, tf.exposure)
}

// makeNonKeyFrame refines the immature points of the window with a frame that is not kept.
func (fs *FullSystem) makeNonKeyFrame(tf *trackedFrame, needToCatchUp bool) {
	f := fs.frameFromShell(tf)
	if needToCatchUp {
		fs.stats.skippedTraces.Inc()
		return
	}
	fs.traceNewCoarse(f)
}

// makeKeyFrame inserts a tracked frame into the window and runs one mapping round: trace, point
// activation, optimization, outlier and point removal, new candidate points, publishing and
// frame marginalization.
func (fs *FullSystem) makeKeyFrame(tf *trackedFrame) {
	w := fs.ef.Window()
	f := fs.frameFromShell(tf)
	fs.traceNewCoarse(f)
	fs.flagFramesForMarginalization(f)

	f.SetPrior(false,
		fs.settings.InitialTransPrior, fs.settings.InitialRotPrior,
		fs.settings.InitialAffAPrior, fs.settings.InitialAffBPrior,
		fs.settings.AffineOptModeA, fs.settings.AffineOptModeB)
	if newest := w.Newest(); newest != nil {
		f.FrameEnergyTH = newest.FrameEnergyTH
	}
	if err := fs.ef.InsertFrame(f); err != nil {
		// the marginalization flags keep a free slot; a full window is a bug
		panic(errors.Wrap(err, "inserting keyframe"))
	}
	fs.shellPoseMu.Lock()
	tf.shell.KeyframeID = fs.numKeyframes
	fs.shellPoseMu.Unlock()
	fs.numKeyframes++
	fs.stats.keyframes.Inc()

	for _, p := range w.Points() {
		if p.Host == f.Handle() {
			continue
		}
		h, err := fs.ef.InsertResidual(window.NewResidual(p, f))
		if err != nil {
			continue
		}
		p.LastResiduals[1] = p.LastResiduals[0]
		p.LastResiduals[0] = window.LastResidual{Residual: h, State: window.ResidualIn}
	}

	fs.activatePoints(f)

	rmse, err := fs.optimize()
	if err != nil {
		fs.numericalFailures++
		fs.stats.numericalFailures.Inc()
		fs.logger.Warnw("keyframe optimization failed", "keyframe", f.Shell.ID, "error", err)
		if fs.numericalFailures >= fs.settings.MaxConsecutiveTrackingFailures {
			fs.setState(StateLost)
			fs.logger.Warnf("lost after %d failed optimizations", fs.numericalFailures)
		}
	} else {
		fs.numericalFailures = 0
	}

	fs.removeOutliers()
	fs.updateShellPoses()
	fs.prepareTracker()
	fs.flagPointsForRemoval()
	fs.makeNewTraces(f)

	fs.marginalizeFlaggedFrames(f)

	// sinks only ever see the window after marginalization
	fs.outputs.PublishGraph(fs.connectivity())
	fs.outputs.PublishKeyframes(fs.keyframeSnapshots(w.Frames()), false, &fs.intr)

	if fs.settings.Debug {
		if err := w.CheckClosure(); err != nil {
			fs.lastMappingClosure = err
			fs.stats.closureViolations.Inc()
			fs.logger.Errorw("window closure violated", "keyframe", f.Shell.ID, "error", err)
		}
	}
	fs.logger.Infow("keyframe",
		"frame", f.Shell.ID,
		"keyframe", tf.shell.KeyframeID,
		"window", w.NumFrames(),
		"points", w.NumPoints(),
		"residuals", w.NumResiduals(),
		"rmse", rmse)
}

// traceNewCoarse searches every immature point of the window along its epipolar line in f.
func (fs *FullSystem) traceNewCoarse(f *window.Frame) {
	type traceJob struct {
		ip        *window.ImmaturePoint
		hostToNew spatialmath.Pose
		a, b      float64
	}
	var jobs []traceJob
	for _, host := range fs.ef.Window().Frames() {
		hostToNew := spatialmath.Compose(f.WorldToCam, host.CamToWorld())
		a, b := window.FromToVecExposure(host.Exposure, f.Exposure, host.Aff, f.Aff)
		for _, ip := range host.Immature {
			jobs = append(jobs, traceJob{ip: ip, hostToNew: hostToNew, a: a, b: b})
		}
	}
	lvl := f.Pyramid.Level(0)
	counts := fs.reduce.Reduce(0, len(jobs), tracesPerRange, func(from, to int, c *mappingCounts, _ int) *mappingCounts {
		for _, j := range jobs[from:to] {
			c.trace[j.ip.TraceOn(lvl, j.hostToNew, j.a, j.b, &fs.intr, &fs.settings)]++
		}
		return c
	})
	fs.stats.addTraces(counts.trace)
}

// makeNewTraces selects candidate pixels of a new keyframe.
func (fs *FullSystem) makeNewTraces(f *window.Frame) {
	selection, _ := fs.selector.MakeMaps(f.Pyramid, fs.settings.DesiredImmatureDensity, 1, 1)
	for _, c := range pixelselector.Candidates(selection, fs.intr.Width) {
		ip, ok := window.NewImmaturePoint(float64(c.X), float64(c.Y), c.Tier, f, &fs.settings)
		if !ok {
			continue
		}
		f.Immature = append(f.Immature, ip)
	}
}

// updateShellPoses copies the optimized keyframe states into their shells.
func (fs *FullSystem) updateShellPoses() {
	fs.shellPoseMu.Lock()
	defer fs.shellPoseMu.Unlock()
	for _, f := range fs.ef.Window().Frames() {
		f.Shell.CamToWorld = f.CamToWorld()
		f.Shell.Aff = f.Aff
	}
}

// prepareTracker builds a tracker for the newest keyframe; tracking switches to it before the
// next frame.
func (fs *FullSystem) prepareTracker() {
	ct := tracker.NewCoarseTracker(fs.intr, fs.numLevels, &fs.settings, fs.logger.Sublogger("tracker"))
	ct.SetReference(fs.ef.Window())
	fs.trackerSwapMu.Lock()
	fs.trackerForNewKF = ct
	fs.trackerSwapMu.Unlock()
}

// connectivity counts residuals between every pair of keyframes.
func (fs *FullSystem) connectivity() output.Connectivity {
	w := fs.ef.Window()
	graph := output.Connectivity{}
	for _, r := range w.Residuals() {
		host, target := w.Frame(r.Host), w.Frame(r.Target)
		graph[output.NewFramePair(host.Shell.ID, target.Shell.ID)]++
	}
	return graph
}

// keyframeSnapshots copies the keyframes and their points for the sinks.
func (fs *FullSystem) keyframeSnapshots(frames []*window.Frame) []output.Keyframe {
	w := fs.ef.Window()
	out := make([]output.Keyframe, 0, len(frames))
	fs.shellPoseMu.Lock()
	defer fs.shellPoseMu.Unlock()
	for _, f := range frames {
		kf := output.Keyframe{
			FrameID:    f.Shell.ID,
			KeyframeID: f.Shell.KeyframeID,
			Timestamp:  f.Shell.Timestamp,
			CamToWorld: f.Shell.CamToWorld,
			AffA:       f.Aff.A,
			AffB:       f.Aff.B,
		}
		for _, ph := range f.Points {
			p := w.Point(ph)
			status := output.PointActive
			if p.Status == window.PointMarginalize {
				status = output.PointMarginalized
			}
			kf.Points = append(kf.Points, output.KeyframePoint{
				U: p.U, V: p.V,
				IDepth:        p.IDepth,
				IDepthHessian: p.IDepthHessian,
				Color:         p.Color[patternCenter],
				Status:        status,
			})
		}
		for _, ip := range f.Immature {
			mid := ip.IDepthMid()
			if !(mid > 0) {
				continue
			}
			kf.Points = append(kf.Points, output.KeyframePoint{
				U: ip.U, V: ip.V,
				IDepth: mid,
				Color:  ip.Color[patternCenter],
				Status: output.PointImmature,
			})
		}
		out = append(out, kf)
	}
	return out
}
