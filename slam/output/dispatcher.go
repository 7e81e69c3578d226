package output

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/utils"
)

// DefaultQueueSize is the number of pending updates buffered per sink.
const DefaultQueueSize = 64

type delivery func(Output)

type sinkQueue struct {
	name    string
	sink    Output
	queue   chan delivery
	dropped atomic.Int64
	panics  atomic.Int64
}

// Dispatcher fans updates out to a set of sinks. Every sink gets its own goroutine and bounded
// queue; a full queue drops pose and point updates but waits for resets and final keyframes.
// Panics in a sink are logged and do not reach the caller.
type Dispatcher struct {
	logger  logging.Logger
	sinks   []*sinkQueue
	workers utils.StoppableWorkers

	mu     sync.Mutex
	closed bool
}

// NewDispatcher starts one worker per sink.
func NewDispatcher(logger logging.Logger, queueSize int, sinks ...Output) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d := &Dispatcher{logger: logger, workers: utils.NewStoppableWorkers()}
	for i, s := range sinks {
		q := &sinkQueue{
			name:  fmt.Sprintf("%d:%T", i, s),
			sink:  s,
			queue: make(chan delivery, queueSize),
		}
		d.sinks = append(d.sinks, q)
		d.workers.AddWorkers(func(ctx context.Context) { d.run(ctx, q) })
	}
	return d
}

// NumSinks returns the number of attached sinks.
func (d *Dispatcher) NumSinks() int {
	return len(d.sinks)
}

// Dropped returns how many updates were dropped for each sink because its queue was full.
func (d *Dispatcher) Dropped() []int64 {
	out := make([]int64, len(d.sinks))
	for i, q := range d.sinks {
		out[i] = q.dropped.Load()
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, q *sinkQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-q.queue:
			d.deliver(q, fn)
		}
	}
}

func (d *Dispatcher) deliver(q *sinkQueue, fn delivery) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Inc()
			d.logger.Errorw("output sink panicked", "sink", q.name, "panic", r)
		}
	}()
	fn(q.sink)
}

func (d *Dispatcher) enqueue(fn delivery, wait bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, q := range d.sinks {
		if wait {
			q.queue <- fn
			continue
		}
		select {
		case q.queue <- fn:
		default:
			if q.dropped.Inc() == 1 {
				d.logger.Warnw("output sink is falling behind, dropping updates", "sink", q.name)
			}
		}
	}
}

// PublishCamPose queues a camera pose.
func (d *Dispatcher) PublishCamPose(pose CamPose, intr *transform.PinholeCameraIntrinsics) {
	d.enqueue(func(o Output) { o.PublishCamPose(pose, intr) }, false)
}

// PublishKeyframes queues a keyframe snapshot. Final snapshots are never dropped.
func (d *Dispatcher) PublishKeyframes(frames []Keyframe, final bool, intr *transform.PinholeCameraIntrinsics) {
	d.enqueue(func(o Output) { o.PublishKeyframes(frames, final, intr) }, final)
}

// PublishGraph queues a connectivity snapshot.
func (d *Dispatcher) PublishGraph(graph Connectivity) {
	d.enqueue(func(o Output) { o.PublishGraph(graph) }, false)
}

// PublishTrackedPoints queues the points seen by the last tracked frame.
func (d *Dispatcher) PublishTrackedPoints(points TrackedPoints) {
	d.enqueue(func(o Output) { o.PublishTrackedPoints(points) }, false)
}

// PublishGroundTruth queues a reference pose.
func (d *Dispatcher) PublishGroundTruth(gt GroundTruth) {
	d.enqueue(func(o Output) { o.PublishGroundTruth(gt) }, false)
}

// Reset forwards a reset to every sink.
func (d *Dispatcher) Reset() {
	d.enqueue(func(o Output) { o.Reset() }, true)
}

// Join waits until every queued update has been delivered, then joins the sinks.
func (d *Dispatcher) Join() error {
	d.mu.Lock()
	closed := d.closed
	var barriers []chan struct{}
	if !closed {
		for _, q := range d.sinks {
			done := make(chan struct{})
			barriers = append(barriers, done)
			q.queue <- func(Output) { close(done) }
		}
	}
	d.mu.Unlock()
	for _, done := range barriers {
		<-done
	}

	joins := make([]utils.SimpleFunc, 0, len(d.sinks))
	for _, q := range d.sinks {
		q := q
		joins = append(joins, func(context.Context) error { return d.joinSink(q) })
	}
	_, err := utils.RunInParallel(context.Background(), joins)
	return err
}

func (d *Dispatcher) joinSink(q *sinkQueue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("output sink %s panicked on join: %v", q.name, r)
		}
	}()
	return q.sink.Join()
}

// Close flushes and joins all sinks and stops the workers. Updates published afterwards are
// ignored.
func (d *Dispatcher) Close() error {
	err := d.Join()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.workers.Stop()
	return err
}

var _ Output = (*Dispatcher)(nil)
