package output_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/dso/logging"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/slam/output"
	"go.viam.com/dso/spatialmath"
	"go.viam.com/dso/testutils/inject"
)

func pose(id int) output.CamPose {
	return output.CamPose{
		FrameID:    id,
		IncomingID: id,
		Timestamp:  float64(id) * 0.1,
		CamToWorld: spatialmath.NewPoseFromPoint(r3.Vector{X: float64(id)}),
		PoseValid:  true,
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	logger := logging.NewTestLogger(t)
	rec := output.NewTrajectoryRecorder()
	d := output.NewDispatcher(logger, 32, rec, output.NewSampleOutput(logger))
	test.That(t, d.NumSinks(), test.ShouldEqual, 2)

	for i := 0; i < 10; i++ {
		d.PublishCamPose(pose(i), nil)
	}
	d.PublishKeyframes([]output.Keyframe{{FrameID: 3, Points: []output.KeyframePoint{{Status: output.PointActive}}}}, true, nil)
	d.PublishGraph(output.Connectivity{output.NewFramePair(3, 1): 12})
	test.That(t, d.Join(), test.ShouldBeNil)

	poses := rec.Poses()
	test.That(t, len(poses), test.ShouldEqual, 10)
	for i, p := range poses {
		test.That(t, p.FrameID, test.ShouldEqual, i)
	}
	test.That(t, len(rec.Keyframes()), test.ShouldEqual, 1)
	test.That(t, rec.Graph()[output.FramePair{A: 1, B: 3}], test.ShouldEqual, 12)

	d.Reset()
	test.That(t, d.Close(), test.ShouldBeNil)
	test.That(t, rec.NumResets(), test.ShouldEqual, 1)
	test.That(t, rec.Poses(), test.ShouldBeEmpty)

	// ignored after close
	d.PublishCamPose(pose(11), nil)
	test.That(t, rec.Poses(), test.ShouldBeEmpty)
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	var calls atomic.Int64
	bad := &inject.Output{
		PublishCamPoseFunc: func(p output.CamPose, _ *transform.PinholeCameraIntrinsics) {
			if calls.Inc() == 1 {
				panic("sink failure")
			}
		},
	}
	rec := output.NewTrajectoryRecorder()
	d := output.NewDispatcher(logger, 8, bad, rec)
	for i := 0; i < 3; i++ {
		d.PublishCamPose(pose(i), nil)
	}
	test.That(t, d.Close(), test.ShouldBeNil)
	test.That(t, calls.Load(), test.ShouldEqual, int64(3))
	test.That(t, len(rec.Poses()), test.ShouldEqual, 3)
	test.That(t, logs.FilterMessage("output sink panicked").Len(), test.ShouldEqual, 1)
}

func TestDispatcherDropsWhenSinkIsSlow(t *testing.T) {
	logger := logging.NewTestLogger(t)
	release := make(chan struct{})
	var delivered atomic.Int64
	slow := &inject.Output{
		PublishCamPoseFunc: func(output.CamPose, *transform.PinholeCameraIntrinsics) {
			<-release
			delivered.Inc()
		},
	}
	d := output.NewDispatcher(logger, 1, slow)
	for i := 0; i < 6; i++ {
		d.PublishCamPose(pose(i), nil)
	}
	dropped := d.Dropped()[0]
	test.That(t, dropped, test.ShouldBeGreaterThanOrEqualTo, int64(4))
	close(release)
	test.That(t, d.Close(), test.ShouldBeNil)
	test.That(t, delivered.Load()+dropped, test.ShouldEqual, int64(6))
}

func TestDispatcherJoinCombinesErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	a := &inject.Output{JoinFunc: func() error { return errors.New("first sink") }}
	b := &inject.Output{JoinFunc: func() error { return errors.New("second sink") }}
	c := &inject.Output{JoinFunc: func() error { panic("third sink") }}
	d := output.NewDispatcher(logger, 4, a, b, c)
	err := d.Close()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "first sink")
	test.That(t, err.Error(), test.ShouldContainSubstring, "second sink")
	test.That(t, err.Error(), test.ShouldContainSubstring, "third sink")
}

func TestWriteTUM(t *testing.T) {
	invalid := pose(2)
	invalid.PoseValid = false
	var buf bytes.Buffer
	test.That(t, output.WriteTUM(&buf, []output.CamPose{pose(1), invalid, pose(3)}), test.ShouldBeNil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	test.That(t, len(lines), test.ShouldEqual, 2)
	test.That(t, lines[0], test.ShouldEqual,
		"0.100000 1.000000000 0.000000000 0.000000000 0.000000000 0.000000000 0.000000000 1.000000000")
	test.That(t, strings.Fields(lines[1])[1], test.ShouldEqual, "3.000000000")
}
