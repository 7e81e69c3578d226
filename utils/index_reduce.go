package utils

import (
	"context"
	"fmt"
	"sync"
)

// ReduceFunc processes the half-open index range [from, to) and folds its results into stats,
// returning the updated stats. workerID identifies the goroutine running the call.
type ReduceFunc[T any] func(from, to int, stats T, workerID int) T

type reduceJob struct {
	run  func(workerID int)
	done *sync.WaitGroup
}

// IndexThreadReduce is a fixed-size pool of persistent workers that maps a function over index
// ranges and reduces the per-range results. Every range writes to its own accumulator and the
// accumulators are merged in range order, so for a given step size the result does not depend on
// which worker ran which range.
type IndexThreadReduce[T any] struct {
	numWorkers int
	newStats   func() T
	merge      func(into, from T) T

	mu      sync.Mutex
	closed  bool
	jobs    chan reduceJob
	workers StoppableWorkers
}

// NewIndexThreadReduce starts numWorkers workers. newStats creates an empty accumulator and merge
// folds one accumulator into another. With a single worker ranges run on the calling goroutine.
func NewIndexThreadReduce[T any](numWorkers int, newStats func() T, merge func(into, from T) T) *IndexThreadReduce[T] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	r := &IndexThreadReduce[T]{
		numWorkers: numWorkers,
		newStats:   newStats,
		merge:      merge,
		jobs:       make(chan reduceJob),
	}
	if numWorkers > 1 {
		funcs := make([]func(context.Context), 0, numWorkers)
		for workerID := 0; workerID < numWorkers; workerID++ {
			workerID := workerID
			funcs = append(funcs, func(ctx context.Context) {
				r.workerLoop(ctx, workerID)
			})
		}
		r.workers = NewStoppableWorkers(funcs...)
	}
	return r
}

// NumWorkers returns the size of the pool.
func (r *IndexThreadReduce[T]) NumWorkers() int {
	return r.numWorkers
}

func (r *IndexThreadReduce[T]) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.jobs:
			job.run(workerID)
			job.done.Done()
		}
	}
}

// Reduce splits [first, end) into ranges of stepSize indices (stepSize <= 0 picks one range per
// worker), runs fn on each range and returns the merged result. Calls are serialized. A panic in
// fn is re-raised on the calling goroutine once every range has finished.
func (r *IndexThreadReduce[T]) Reduce(first, end, stepSize int, fn ReduceFunc[T]) T {
	result := r.newStats()
	if end <= first {
		return result
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if stepSize <= 0 {
		stepSize = (end - first + r.numWorkers - 1) / r.numWorkers
	}
	numRanges := (end - first + stepSize - 1) / stepSize
	partials := make([]T, numRanges)
	for i := range partials {
		partials[i] = r.newStats()
	}

	if r.numWorkers == 1 || r.closed {
		for i := range partials {
			from := first + i*stepSize
			partials[i] = fn(from, min(from+stepSize, end), partials[i], 0)
		}
	} else {
		var (
			wg       sync.WaitGroup
			panicMu  sync.Mutex
			panicVal interface{}
		)
		wg.Add(numRanges)
		for i := range partials {
			i := i
			from := first + i*stepSize
			to := min(from+stepSize, end)
			r.jobs <- reduceJob{
				run: func(workerID int) {
					defer func() {
						if p := recover(); p != nil {
							panicMu.Lock()
							panicVal = p
							panicMu.Unlock()
						}
					}()
					partials[i] = fn(from, to, partials[i], workerID)
				},
				done: &wg,
			}
		}
		wg.Wait()
		if panicVal != nil {
			panic(fmt.Sprintf("panic in parallel reduce: %v", panicVal))
		}
	}

	for _, partial := range partials {
		result = r.merge(result, partial)
	}
	return result
}

// Close stops and joins the workers. Later Reduce calls run on the calling goroutine.
func (r *IndexThreadReduce[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.workers != nil {
		r.workers.Stop()
	}
}
