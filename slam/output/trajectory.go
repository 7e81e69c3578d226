package output

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/dso/rimage/transform"
)

// WriteTUM writes valid poses in the TUM trajectory format, one
// "timestamp tx ty tz qx qy qz qw" line per pose.
func WriteTUM(w io.Writer, poses []CamPose) error {
	bw := bufio.NewWriter(w)
	for _, p := range poses {
		if !p.PoseValid {
			continue
		}
		t := p.CamToWorld.Point()
		q := p.CamToWorld.Orientation()
		if _, err := fmt.Fprintf(bw, "%.6f %.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
			p.Timestamp, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return errors.Wrap(err, "writing trajectory")
		}
	}
	return errors.Wrap(bw.Flush(), "writing trajectory")
}

// TrajectoryRecorder keeps every pose and the final state of every keyframe it is sent.
type TrajectoryRecorder struct {
	mu          sync.Mutex
	poses       []CamPose
	keyframes   map[int]Keyframe
	groundTruth []GroundTruth
	graph       Connectivity
	resets      int
}

// NewTrajectoryRecorder returns an empty recorder.
func NewTrajectoryRecorder() *TrajectoryRecorder {
	return &TrajectoryRecorder{keyframes: map[int]Keyframe{}}
}

// PublishCamPose records the pose.
func (r *TrajectoryRecorder) PublishCamPose(pose CamPose, _ *transform.PinholeCameraIntrinsics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poses = append(r.poses, pose)
}

// PublishKeyframes records the latest snapshot of each keyframe.
func (r *TrajectoryRecorder) PublishKeyframes(frames []Keyframe, _ bool, _ *transform.PinholeCameraIntrinsics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kf := range frames {
		r.keyframes[kf.FrameID] = kf
	}
}

// PublishGraph keeps the latest graph.
func (r *TrajectoryRecorder) PublishGraph(graph Connectivity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graph = graph
}

// PublishTrackedPoints is ignored.
func (r *TrajectoryRecorder) PublishTrackedPoints(TrackedPoints) {}

// PublishGroundTruth records the reference pose.
func (r *TrajectoryRecorder) PublishGroundTruth(gt GroundTruth) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groundTruth = append(r.groundTruth, gt)
}

// Reset clears everything recorded so far.
func (r *TrajectoryRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.poses = nil
	r.keyframes = map[int]Keyframe{}
	r.groundTruth = nil
	r.graph = nil
	r.resets++
}

// Join has nothing to wait for.
func (r *TrajectoryRecorder) Join() error {
	return nil
}

// Poses returns the recorded poses in the order received.
func (r *TrajectoryRecorder) Poses() []CamPose {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CamPose(nil), r.poses...)
}

// Keyframes returns the latest snapshot of each keyframe, ordered by frame id.
func (r *TrajectoryRecorder) Keyframes() []Keyframe {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Keyframe, 0, len(r.keyframes))
	for _, kf := range r.keyframes {
		out = append(out, kf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameID < out[j].FrameID })
	return out
}

// GroundTruth returns the recorded reference poses.
func (r *TrajectoryRecorder) GroundTruth() []GroundTruth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]GroundTruth(nil), r.groundTruth...)
}

// Graph returns the latest connectivity.
func (r *TrajectoryRecorder) Graph() Connectivity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph
}

// NumResets returns how many resets were received.
func (r *TrajectoryRecorder) NumResets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}

// WriteTUM writes the recorded poses.
func (r *TrajectoryRecorder) WriteTUM(w io.Writer) error {
	return WriteTUM(w, r.Poses())
}

var _ Output = (*TrajectoryRecorder)(nil)
