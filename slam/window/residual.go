package window

import "go.viam.com/dso/config"

// ResidualState is the validity of a residual after evaluation.
type ResidualState int

const (
	// ResidualIn residuals contribute to the energy.
	ResidualIn ResidualState = iota
	// ResidualOOB residuals project out of the target image.
	ResidualOOB
	// ResidualOutlier residuals exceed the energy threshold.
	ResidualOutlier
)

func (s ResidualState) String() string {
	switch s {
	case ResidualIn:
		return "in"
	case ResidualOOB:
		return "oob"
	case ResidualOutlier:
		return "outlier"
	default:
		return "unknown"
	}
}

// ResidualJacobian is the linearization of a residual, per pattern pixel. Rows of JHost and
// JTarget are derivatives with respect to the eight frame parameters.
type ResidualJacobian struct {
	R       [config.PatternNum]float64
	W       [config.PatternNum]float64
	JHost   [config.PatternNum]FrameVec
	JTarget [config.PatternNum]FrameVec
	JIDepth [config.PatternNum]float64
}

// Residual is the photometric error of a point observed in a target keyframe.
type Residual struct {
	handle Handle

	Point  Handle
	Host   Handle
	Target Handle

	State    ResidualState
	NewState ResidualState
	Energy   float64
	// NewEnergy is the energy of the last evaluation, not yet accepted.
	NewEnergy float64
	// CenterProjectedTo is (u, v, idepth) of the pattern center in the target.
	CenterProjectedTo [3]float64
	// IsNew is set until the residual was evaluated once.
	IsNew bool

	// Jac is valid when the last evaluation had state ResidualIn.
	Jac ResidualJacobian
}

// NewResidual creates an unevaluated residual between a point and a target keyframe.
func NewResidual(p *Point, target *Frame) *Residual {
	return &Residual{
		Point:  p.handle,
		Host:   p.Host,
		Target: target.handle,
		IsNew:  true,
	}
}

// Handle returns the residual's handle in the window, zero when not inserted.
func (r *Residual) Handle() Handle {
	return r.handle
}

// ApplyNewState accepts the result of the last evaluation.
func (r *Residual) ApplyNewState() {
	r.State = r.NewState
	r.Energy = r.NewEnergy
	r.IsNew = false
}
