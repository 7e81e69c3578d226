package output

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// AlignedTrajectory holds the camera positions of an estimated trajectory and its ground truth,
// both moved to start at the origin, with the estimate scaled to best fit the ground truth.
type AlignedTrajectory struct {
	Scale       float64
	RMSE        float64
	Estimated   []r3.Vector
	GroundTruth []r3.Vector
}

// AlignTrajectory matches valid poses to ground truth by frame id and finds the scale that
// minimizes the squared position error, as monocular estimates carry no metric scale.
func AlignTrajectory(poses []CamPose, groundTruth []GroundTruth) (*AlignedTrajectory, error) {
	gtByID := make(map[int]r3.Vector, len(groundTruth))
	for _, gt := range groundTruth {
		gtByID[gt.FrameID] = gt.CamToWorld.Point()
	}

	a := &AlignedTrajectory{}
	var estOrigin, gtOrigin r3.Vector
	for _, p := range poses {
		gt, ok := gtByID[p.FrameID]
		if !ok || !p.PoseValid {
			continue
		}
		est := p.CamToWorld.Point()
		if len(a.Estimated) == 0 {
			estOrigin, gtOrigin = est, gt
		}
		a.Estimated = append(a.Estimated, est.Sub(estOrigin))
		a.GroundTruth = append(a.GroundTruth, gt.Sub(gtOrigin))
	}
	if len(a.Estimated) < 2 {
		return nil, errors.Errorf("need at least 2 poses with ground truth, got %d", len(a.Estimated))
	}

	var num, den float64
	for i, est := range a.Estimated {
		num += est.Dot(a.GroundTruth[i])
		den += est.Norm2()
	}
	if den == 0 {
		return nil, errors.New("estimated trajectory does not move")
	}
	a.Scale = num / den

	var sum float64
	for i := range a.Estimated {
		a.Estimated[i] = a.Estimated[i].Mul(a.Scale)
		sum += a.Estimated[i].Sub(a.GroundTruth[i]).Norm2()
	}
	a.RMSE = math.Sqrt(sum / float64(len(a.Estimated)))
	return a, nil
}

func topView(points []r3.Vector) plotter.XYs {
	xys := make(plotter.XYs, len(points))
	for i, p := range points {
		xys[i].X = p.X
		xys[i].Y = p.Z
	}
	return xys
}

// SavePlot writes a top view (x against z) of both trajectories. The format follows the file
// extension.
func (a *AlignedTrajectory) SavePlot(path string) error {
	p := plot.New()
	p.Title.Text = "trajectory"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "z"
	if err := plotutil.AddLinePoints(p,
		"estimated", topView(a.Estimated),
		"ground truth", topView(a.GroundTruth),
	); err != nil {
		return err
	}
	return errors.Wrap(p.Save(6*vg.Inch, 4*vg.Inch, path), "cannot save trajectory plot")
}
