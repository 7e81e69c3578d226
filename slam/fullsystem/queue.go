package fullsystem

import (
	"sync"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/slam/window"
)

// trackedFrame is a tracked frame on its way to mapping.
type trackedFrame struct {
	shell    *window.FrameShell
	pyr      *rimage.Pyramid
	exposure float64
	needKF   bool
}

// frameQueue is the bounded handoff between tracking and mapping. A full queue drops its oldest
// frame; a dropped keyframe candidate passes its flag on to the frame that displaced it.
type frameQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*trackedFrame
	capacity int
	busy     bool
	closed   bool
}

func newFrameQueue(capacity int) *frameQueue {
	q := &frameQueue{capacity: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends tf and returns the frame dropped to make room, if any.
func (q *frameQueue) push(tf *trackedFrame) *trackedFrame {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dropped *trackedFrame
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items = q.items[1:]
		if dropped.needKF {
			tf.needKF = true
		}
	}
	q.items = append(q.items, tf)
	q.cond.Broadcast()
	return dropped
}

// pop blocks for the next frame and marks the mapper busy until done is called. It returns the
// number of frames still pending, and false once the queue is closed and drained.
func (q *frameQueue) pop() (*trackedFrame, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, 0, false
	}
	tf := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.busy = true
	return tf, len(q.items), true
}

// done marks the frame returned by the last pop as mapped.
func (q *frameQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.busy = false
	q.cond.Broadcast()
}

// waitIdle blocks until nothing is pending and the mapper is idle.
func (q *frameQueue) waitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 || q.busy {
		q.cond.Wait()
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes the mapper; pop keeps returning frames until the queue is drained.
func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
