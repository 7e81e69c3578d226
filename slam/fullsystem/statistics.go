package fullsystem

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"go.uber.org/atomic"

	"go.viam.com/dso/slam/window"
)

// maxTimingSamples bounds the timing history kept for the statistics.
const maxTimingSamples = 1000

// Statistics is a snapshot of the engine counters since it was created.
type Statistics struct {
	Frames             int64
	Keyframes          int64
	Resets             int64
	InitRestarts       int64
	TrackingFailures   int64
	DroppedFrames      int64
	SkippedTraces      int64
	NumericalFailures  int64
	ClosureViolations  int64
	MarginalizedFrames int64

	// MeanHypotheses is the mean number of motion hypotheses tried per tracked frame.
	MeanHypotheses float64
	// Traces counts epipolar searches by outcome.
	Traces map[string]int64

	ActivatedPoints    int64
	DeletedCandidates  int64
	MarginalizedPoints int64
	DroppedPoints      int64

	// Current window contents.
	WindowFrames   int
	ActivePoints   int
	ImmaturePoints int
	Residuals      int

	TrackingMean   time.Duration
	TrackingMedian time.Duration
	MappingMean    time.Duration
	MappingMedian  time.Duration
}

type statistics struct {
	frames             atomic.Int64
	keyframes          atomic.Int64
	resets             atomic.Int64
	initRestarts       atomic.Int64
	trackingFailures   atomic.Int64
	hypotheses         atomic.Int64
	trackedFrames      atomic.Int64
	droppedFrames      atomic.Int64
	skippedTraces      atomic.Int64
	numericalFailures  atomic.Int64
	closureViolations  atomic.Int64
	marginalizedFrames atomic.Int64
	activated          atomic.Int64
	deletedCandidates  atomic.Int64
	marginalizedPoints atomic.Int64
	droppedPoints      atomic.Int64
	traces             [numTraceStatus]atomic.Int64

	mu       sync.Mutex
	tracking []float64
	mapping  []float64
}

func newStatistics() *statistics {
	return &statistics{}
}

func appendSample(samples []float64, d time.Duration) []float64 {
	if len(samples) >= maxTimingSamples {
		samples = append(samples[:0], samples[1:]...)
	}
	return append(samples, float64(d))
}

func (s *statistics) addTracking(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracking = appendSample(s.tracking, d)
}

func (s *statistics) addMapping(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapping = appendSample(s.mapping, d)
}

func (s *statistics) addTraces(counts [numTraceStatus]int) {
	for i, n := range counts {
		s.traces[i].Add(int64(n))
	}
}

func (s *statistics) addActivations(activated, deleted int) {
	s.activated.Add(int64(activated))
	s.deletedCandidates.Add(int64(deleted))
}

func (s *statistics) addPointRemovals(marginalized, dropped int) {
	s.marginalizedPoints.Add(int64(marginalized))
	s.droppedPoints.Add(int64(dropped))
}

// meanAndMedian returns zero for no samples.
func meanAndMedian(samples []float64) (time.Duration, time.Duration) {
	if len(samples) == 0 {
		return 0, 0
	}
	mean, _ := stats.Mean(samples)
	median, _ := stats.Median(samples)
	return time.Duration(mean), time.Duration(median)
}

func (s *statistics) snapshot() Statistics {
	out := Statistics{
		Frames:             s.frames.Load(),
		Keyframes:          s.keyframes.Load(),
		Resets:             s.resets.Load(),
		InitRestarts:       s.initRestarts.Load(),
		TrackingFailures:   s.trackingFailures.Load(),
		DroppedFrames:      s.droppedFrames.Load(),
		SkippedTraces:      s.skippedTraces.Load(),
		NumericalFailures:  s.numericalFailures.Load(),
		ClosureViolations:  s.closureViolations.Load(),
		MarginalizedFrames: s.marginalizedFrames.Load(),
		ActivatedPoints:    s.activated.Load(),
		DeletedCandidates:  s.deletedCandidates.Load(),
		MarginalizedPoints: s.marginalizedPoints.Load(),
		DroppedPoints:      s.droppedPoints.Load(),
		Traces:             map[string]int64{},
	}
	if n := s.trackedFrames.Load(); n > 0 {
		out.MeanHypotheses = float64(s.hypotheses.Load()) / float64(n)
	}
	for i := range s.traces {
		if n := s.traces[i].Load(); n > 0 {
			out.Traces[window.TraceStatus(i).String()] = n
		}
	}
	s.mu.Lock()
	out.TrackingMean, out.TrackingMedian = meanAndMedian(s.tracking)
	out.MappingMean, out.MappingMedian = meanAndMedian(s.mapping)
	s.mu.Unlock()
	return out
}

// Statistics returns the counters and timings so far together with the current window size. Do
// not call it from an output sink.
func (fs *FullSystem) Statistics() Statistics {
	out := fs.stats.snapshot()
	fs.mapMu.Lock()
	defer fs.mapMu.Unlock()
	w := fs.ef.Window()
	out.WindowFrames = w.NumFrames()
	out.ActivePoints = w.NumPoints()
	out.Residuals = w.NumResiduals()
	for _, f := range w.Frames() {
		out.ImmaturePoints += len(f.Immature)
	}
	return out
}
