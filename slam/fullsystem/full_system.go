// Package fullsystem runs the visual odometry pipeline: two-view initialization, coarse tracking
// of every frame on the caller's goroutine and keyframe mapping with windowed optimization on a
// background goroutine.
package fullsystem

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/dso/config"
	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/slam/initializer"
	"go.viam.com/dso/slam/optimization"
	"go.viam.com/dso/slam/output"
	"go.viam.com/dso/slam/pixelselector"
	"go.viam.com/dso/slam/tracker"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/utils"
)

// ErrClosed is returned by AddActiveFrame after Close.
var ErrClosed = errors.New("odometry system is closed")

// State is the phase of the pipeline.
type State int32

const (
	// StateUninitialized waits for a first frame with enough texture.
	StateUninitialized State = iota
	// StateInitializing tracks frames against the first frame until a map can be built.
	StateInitializing
	// StateTracking tracks frames against the newest keyframe and maps keyframes.
	StateTracking
	// StateLost is terminal until Reset.
	StateLost
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateTracking:
		return "tracking"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// FullSystem is the odometry engine. AddActiveFrame must be called from one goroutine at a time;
// all other methods are safe for concurrent use.
type FullSystem struct {
	settings  config.Settings
	intr      transform.PinholeCameraIntrinsics
	numLevels int
	logger    logging.Logger
	clk       clock.Clock
	outputs   *output.Dispatcher

	state      atomic.Int32
	initFailed atomic.Bool
	closed     atomic.Bool

	// trackMu serializes frame intake: initializer, tracking state and the frame history.
	trackMu             sync.Mutex
	init                *initializer.CoarseInitializer
	initFirstShell      *window.FrameShell
	tracker             *tracker.CoarseTracker
	lastCoarseRMSE      []float64
	consecutiveFailures int
	allFrameHistory     []*window.FrameShell

	// shellPoseMu guards the pose fields of every FrameShell.
	shellPoseMu sync.Mutex

	// trackerSwapMu guards the tracker prepared by mapping for the newest keyframe.
	trackerSwapMu   sync.Mutex
	trackerForNewKF *tracker.CoarseTracker

	// mapMu guards the energy functional, the window and everything only mapping touches.
	mapMu              sync.Mutex
	ef                 *optimization.EnergyFunctional
	selector           *pixelselector.PixelSelector
	distMap            *tracker.CoarseDistanceMap
	reduce             *utils.IndexThreadReduce[*mappingCounts]
	currentMinActDist  float64
	numKeyframes       int
	numericalFailures  int
	lastMappingClosure error

	queue   *frameQueue
	workers utils.StoppableWorkers

	stats *statistics
}

// New validates the configuration and starts the mapping goroutine unless the settings ask for
// synchronous operation.
func New(
	settings config.Settings,
	intr transform.PinholeCameraIntrinsics,
	logger logging.Logger,
	outputs ...output.Output,
) (*FullSystem, error) {
	return NewWithClock(clock.New(), settings, intr, logger, outputs...)
}

// NewWithClock is New with an explicit clock for the timing statistics.
func NewWithClock(
	clk clock.Clock,
	settings config.Settings,
	intr transform.PinholeCameraIntrinsics,
	logger logging.Logger,
	outputs ...output.Output,
) (*FullSystem, error) {
	if err := settings.Validate("settings"); err != nil {
		return nil, err
	}
	if err := intr.CheckValid(); err != nil {
		return nil, err
	}
	fs := &FullSystem{
		settings:          settings,
		intr:              intr,
		logger:            logger,
		clk:               clk,
		outputs:           output.NewDispatcher(logger.Sublogger("output"), 0, outputs...),
		currentMinActDist: 2,
		stats:             newStatistics(),
	}
	fs.numLevels = rimage.NumPyramidLevels(intr.Width, intr.Height, settings.MaxPyramidLevels, settings.PyramidMinPixels)
	fs.init = initializer.New(intr, &fs.settings, logger.Sublogger("initializer"))
	fs.ef = optimization.NewEnergyFunctional(intr, &fs.settings, logger.Sublogger("optimization"))
	fs.selector = pixelselector.New(intr.Width, intr.Height, &fs.settings)
	fs.distMap = tracker.NewCoarseDistanceMap(intr)
	fs.reduce = utils.NewIndexThreadReduce(settings.NumWorkers,
		func() *mappingCounts { return &mappingCounts{} },
		func(into, from *mappingCounts) *mappingCounts { return into.add(from) })
	fs.queue = newFrameQueue(settings.MappingQueueCapacity)
	fs.workers = utils.NewStoppableWorkers()
	if !settings.LinearizeOperation {
		fs.workers.AddWorkers(fs.mappingLoop)
	}
	fs.logger.Infof("odometry started: %dx%d, %d pyramid levels, window of %d keyframes",
		intr.Width, intr.Height, fs.numLevels, settings.MaxFrames)
	return fs, nil
}

// State returns the current phase.
func (fs *FullSystem) State() State {
	return State(fs.state.Load())
}

func (fs *FullSystem) setState(s State) {
	if old := State(fs.state.Swap(int32(s))); old != s {
		fs.logger.Debugf("state %s -> %s", old, s)
	}
}

// Initialized reports whether a map was bootstrapped.
func (fs *FullSystem) Initialized() bool {
	s := fs.State()
	return s == StateTracking || s == StateLost
}

// IsLost reports whether tracking was lost.
func (fs *FullSystem) IsLost() bool {
	return fs.State() == StateLost
}

// InitFailed reports whether an initialization attempt was abandoned since the last Reset. The
// initializer restarts on its own.
func (fs *FullSystem) InitFailed() bool {
	return fs.initFailed.Load()
}

// AddActiveFrame processes one frame. It returns an error only for invalid input or after Close;
// tracking problems are reported through the frame's pose validity and IsLost.
func (fs *FullSystem) AddActiveFrame(img *rimage.ImageAndExposure, id int) error {
	if img == nil || img.Image == nil {
		return errors.New("nil image")
	}
	if img.Image.Width() != fs.intr.Width || img.Image.Height() != fs.intr.Height {
		return errors.Errorf("image is %dx%d, calibration expects %dx%d",
			img.Image.Width(), img.Image.Height(), fs.intr.Width, fs.intr.Height)
	}

	fs.trackMu.Lock()
	defer fs.trackMu.Unlock()
	if fs.closed.Load() {
		return ErrClosed
	}
	start := fs.clk.Now()
	defer func() { fs.stats.addTracking(fs.clk.Since(start)) }()

	exposure := img.ExposureTime
	if exposure <= 0 {
		exposure = 1
	}
	shell := window.NewFrameShell(len(fs.allFrameHistory), id, img.Timestamp)
	if img.GroundTruth != nil {
		gt := *img.GroundTruth
		shell.GroundTruth = &gt
		fs.outputs.PublishGroundTruth(output.GroundTruth{FrameID: shell.ID, Timestamp: shell.Timestamp, CamToWorld: gt})
	}
	fs.shellPoseMu.Lock()
	fs.allFrameHistory = append(fs.allFrameHistory, shell)
	fs.shellPoseMu.Unlock()
	fs.stats.frames.Inc()

	pyr := rimage.NewPyramid(img.Image, fs.numLevels)
	switch fs.State() {
	case StateUninitialized, StateInitializing:
		fs.initializeFrame(shell, pyr, exposure)
		return nil
	case StateLost:
		fs.publishPose(shell)
		return nil
	default:
	}

	needKF, ok := fs.trackFrame(shell, pyr, exposure)
	fs.publishPose(shell)
	if !ok {
		return nil
	}
	fs.deliverTrackedFrame(&trackedFrame{shell: shell, pyr: pyr, exposure: exposure, needKF: needKF})
	return nil
}

// BlockUntilMappingIsFinished waits until every delivered frame has been mapped.
func (fs *FullSystem) BlockUntilMappingIsFinished() {
	fs.queue.waitIdle()
}

// Flush waits for mapping, publishes the final state of every keyframe in the window and waits
// until the sinks received everything published so far.
func (fs *FullSystem) Flush() error {
	fs.BlockUntilMappingIsFinished()
	fs.mapMu.Lock()
	frames := fs.keyframeSnapshots(fs.ef.Window().Frames())
	fs.mapMu.Unlock()
	if len(frames) > 0 {
		fs.outputs.PublishKeyframes(frames, true, &fs.intr)
	}
	return fs.outputs.Join()
}

// Reset drops the map and the frame history and returns to StateUninitialized.
func (fs *FullSystem) Reset() {
	fs.trackMu.Lock()
	defer fs.trackMu.Unlock()
	fs.BlockUntilMappingIsFinished()

	fs.mapMu.Lock()
	fs.ef.Reset()
	fs.selector = pixelselector.New(fs.intr.Width, fs.intr.Height, &fs.settings)
	fs.currentMinActDist = 2
	fs.numKeyframes = 0
	fs.numericalFailures = 0
	fs.lastMappingClosure = nil
	fs.mapMu.Unlock()

	fs.trackerSwapMu.Lock()
	fs.trackerForNewKF = nil
	fs.trackerSwapMu.Unlock()

	fs.init = initializer.New(fs.intr, &fs.settings, fs.logger.Sublogger("initializer"))
	fs.initFirstShell = nil
	fs.tracker = nil
	fs.lastCoarseRMSE = nil
	fs.consecutiveFailures = 0
	fs.shellPoseMu.Lock()
	fs.allFrameHistory = nil
	fs.shellPoseMu.Unlock()

	fs.initFailed.Store(false)
	fs.setState(StateUninitialized)
	fs.stats.resets.Inc()
	fs.outputs.Reset()
	fs.logger.Info("reset")
}

// Close finishes mapping of delivered frames, stops all goroutines, releases the window and joins
// the output sinks. It is safe to call more than once.
func (fs *FullSystem) Close() error {
	fs.trackMu.Lock()
	if fs.closed.Swap(true) {
		fs.trackMu.Unlock()
		return nil
	}
	fs.trackMu.Unlock()

	fs.queue.close()
	fs.workers.Stop()

	fs.mapMu.Lock()
	var err error
	if fs.settings.Debug {
		err = fs.lastMappingClosure
	}
	fs.ef.Close()
	fs.reduce.Close()
	fs.ef.Reset()
	fs.mapMu.Unlock()

	return multierr.Combine(err, fs.outputs.Close())
}

// mappingLoop maps delivered frames until the queue is closed and drained.
func (fs *FullSystem) mappingLoop(ctx context.Context) {
	for {
		tf, pending, ok := fs.queue.pop()
		if !ok {
			return
		}
		fs.mapFrame(tf, pending > 0 && ctx.Err() == nil)
		fs.queue.done()
	}
}

func (fs *FullSystem) mapFrame(tf *trackedFrame, needToCatchUp bool) {
	start := fs.clk.Now()
	fs.mapMu.Lock()
	defer fs.mapMu.Unlock()
	if tf.needKF {
		fs.makeKeyFrame(tf)
	} else {
		fs.makeNonKeyFrame(tf, needToCatchUp)
	}
	fs.stats.addMapping(fs.clk.Since(start))
}

// deliverTrackedFrame hands a tracked frame to mapping. In synchronous mode it is mapped before
// returning.
func (fs *FullSystem) deliverTrackedFrame(tf *trackedFrame) {
	if fs.settings.LinearizeOperation {
		fs.mapFrame(tf, false)
		return
	}
	if dropped := fs.queue.push(tf); dropped != nil {
		fs.stats.droppedFrames.Inc()
		fs.logger.Debugf("mapping is behind, frame %d is not mapped", dropped.shell.ID)
	}
}
