package utils

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"
	gutils "go.viam.com/utils"
)

func TestRunInParallel(t *testing.T) {
	wait100ms := func(ctx context.Context) error {
		gutils.SelectContextOrWait(ctx, 100*time.Millisecond)
		return ctx.Err()
	}

	elapsed, err := RunInParallel(context.Background(), []SimpleFunc{wait100ms, wait100ms})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, elapsed, test.ShouldBeLessThan, 1*time.Second)
	test.That(t, elapsed, test.ShouldBeGreaterThan, 90*time.Millisecond)

	errFunc := func(ctx context.Context) error {
		return errors.New("bad")
	}

	_, err = RunInParallel(context.Background(), []SimpleFunc{wait100ms, wait100ms, errFunc})
	test.That(t, err, test.ShouldNotBeNil)

	panicFunc := func(ctx context.Context) error {
		panic(1)
	}

	_, err = RunInParallel(context.Background(), []SimpleFunc{panicFunc})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGroupWorkParallel(t *testing.T) {
	const total = 1003
	var mu sync.Mutex
	seen := make([]int, total)
	err := GroupWorkParallel(context.Background(), total, func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
		local := make([]int, 0, groupSize)
		return func(memberNum, workNum int) {
				local = append(local, workNum)
			}, func() {
				mu.Lock()
				defer mu.Unlock()
				for _, idx := range local {
					seen[idx]++
				}
			}
	})
	test.That(t, err, test.ShouldBeNil)
	for _, count := range seen {
		test.That(t, count, test.ShouldEqual, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = GroupWorkParallel(ctx, total, func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
		return nil, nil
	})
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func sumOfSquares(numWorkers int, values []float64) float64 {
	reducer := NewIndexThreadReduce(numWorkers, func() float64 { return 0 }, func(into, from float64) float64 {
		return into + from
	})
	defer reducer.Close()
	return reducer.Reduce(0, len(values), 0, func(from, to int, stats float64, workerID int) float64 {
		for i := from; i < to; i++ {
			stats += values[i] * values[i]
		}
		return stats
	})
}

func TestIndexThreadReduceDeterministic(t *testing.T) {
	values := make([]float64, 10000)
	for i := range values {
		values[i] = math.Sin(float64(i)) * 1e3
	}
	single := sumOfSquares(1, values)
	multi := sumOfSquares(6, values)
	test.That(t, multi, test.ShouldAlmostEqual, single, 1e-6*single)

	// Same worker count and chunking always merges identically.
	test.That(t, sumOfSquares(6, values), test.ShouldEqual, multi)
}

func TestIndexThreadReduceCoversRangeOnce(t *testing.T) {
	reducer := NewIndexThreadReduce(4, func() []int { return nil }, func(into, from []int) []int {
		return append(into, from...)
	})
	var calls atomic.Int32
	got := reducer.Reduce(3, 50, 7, func(from, to int, stats []int, workerID int) []int {
		calls.Add(1)
		for i := from; i < to; i++ {
			stats = append(stats, i)
		}
		return stats
	})
	test.That(t, calls.Load(), test.ShouldEqual, int32(7))
	test.That(t, len(got), test.ShouldEqual, 47)
	for i, v := range got {
		test.That(t, v, test.ShouldEqual, i+3)
	}

	test.That(t, reducer.Reduce(5, 5, 0, nil), test.ShouldBeNil)

	reducer.Close()
	reducer.Close()
	// After Close the reduction still works inline.
	got = reducer.Reduce(0, 3, 0, func(from, to int, stats []int, workerID int) []int {
		test.That(t, workerID, test.ShouldEqual, 0)
		for i := from; i < to; i++ {
			stats = append(stats, i)
		}
		return stats
	})
	test.That(t, got, test.ShouldResemble, []int{0, 1, 2})
}

func TestIndexThreadReducePanics(t *testing.T) {
	reducer := NewIndexThreadReduce(3, func() int { return 0 }, func(into, from int) int { return into + from })
	defer reducer.Close()
	test.That(t, func() {
		reducer.Reduce(0, 10, 1, func(from, to int, stats, workerID int) int {
			if from == 4 {
				panic("boom")
			}
			return stats + 1
		})
	}, test.ShouldPanic)

	// The pool survives a panicking range.
	total := reducer.Reduce(0, 10, 1, func(from, to int, stats, workerID int) int { return stats + 1 })
	test.That(t, total, test.ShouldEqual, 10)
}

func TestStoppableWorkers(t *testing.T) {
	var running atomic.Int32
	workers := NewStoppableWorkers(func(ctx context.Context) {
		running.Add(1)
		<-ctx.Done()
		running.Add(-1)
	})
	workers.AddWorkers(func(ctx context.Context) {
		running.Add(1)
		<-ctx.Done()
		running.Add(-1)
	})
	for running.Load() != 2 {
		time.Sleep(time.Millisecond)
	}
	workers.Stop()
	test.That(t, running.Load(), test.ShouldEqual, int32(0))
	test.That(t, workers.Context().Err(), test.ShouldNotBeNil)

	// Adding after stop is a no-op.
	workers.AddWorkers(func(ctx context.Context) { running.Add(1) })
	workers.Stop()
	test.That(t, running.Load(), test.ShouldEqual, int32(0))
}

func TestHuber(t *testing.T) {
	test.That(t, Huber(3, 9), test.ShouldEqual, 1.0)
	test.That(t, Huber(-18, 9), test.ShouldEqual, 0.5)
	test.That(t, HuberEnergy(3, 9, 1), test.ShouldEqual, 9.0)
	// Outside the threshold the energy grows linearly: 0.5*18*18*1.5.
	test.That(t, HuberEnergy(18, 9, 1), test.ShouldEqual, 243.0)
	test.That(t, IsFinite(math.NaN()), test.ShouldBeFalse)
	test.That(t, Clamp(5, 0, 4), test.ShouldEqual, 4.0)
}
