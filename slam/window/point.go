package window

import "go.viam.com/dso/config"

// PointStatus is the lifecycle state of an active point.
type PointStatus int

const (
	// PointActive points take part in the optimization.
	PointActive PointStatus = iota
	// PointMarginalize points are folded into the prior at the next marginalization.
	PointMarginalize
	// PointDrop points are removed without being marginalized.
	PointDrop
)

func (s PointStatus) String() string {
	switch s {
	case PointActive:
		return "active"
	case PointMarginalize:
		return "marginalize"
	case PointDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// LastResidual records the state of one of the two most recent residuals of a point.
type LastResidual struct {
	Residual Handle
	State    ResidualState
}

// Point is an active point: a pixel of its host keyframe with a continuous inverse depth.
type Point struct {
	handle Handle

	Host Handle
	U, V float64
	// Type is the selection tier of the pixel.
	Type    int
	Color   [config.PatternNum]float64
	Weights [config.PatternNum]float64

	IDepth float64
	// IDepthZero is the inverse depth at activation.
	IDepthZero    float64
	bakIDepth     float64
	Step          float64
	PriorIDepth   float64
	HasDepthPrior bool

	Status    PointStatus
	Residuals []Handle
	// LastResiduals holds the residuals to the two newest keyframes, newest first.
	LastResiduals    [2]LastResidual
	NumGoodResiduals int
	MaxRelBaseline   float64
	EnergyTH         float64
	// IDepthHessian is the inverse depth Hessian of the last linearization.
	IDepthHessian float64
}

// NewPointFromImmature creates an active point with the given inverse depth from an immature one.
func NewPointFromImmature(ip *ImmaturePoint, idepth float64) *Point {
	return &Point{
		Host:       ip.Host,
		U:          ip.U,
		V:          ip.V,
		Type:       ip.Type,
		Color:      ip.Color,
		Weights:    ip.Weights,
		IDepth:     idepth,
		IDepthZero: idepth,
		bakIDepth:  idepth,
		EnergyTH:   ip.EnergyTH,
	}
}

// Handle returns the point's handle in the window, zero when not inserted.
func (p *Point) Handle() Handle {
	return p.handle
}

// Backup stores the inverse depth for Restore.
func (p *Point) Backup() {
	p.bakIDepth = p.IDepth
}

// Restore undoes the last step.
func (p *Point) Restore() {
	p.IDepth = p.bakIDepth
	p.Step = 0
}

// ApplyStep moves the backed up inverse depth by step.
func (p *Point) ApplyStep(step float64) {
	p.Step = step
	p.IDepth = p.bakIDepth + step
}

// PriorEnergy returns the energy of the inverse depth prior, if any.
func (p *Point) PriorEnergy(weight float64) float64 {
	if !p.HasDepthPrior {
		return 0
	}
	d := p.IDepth - p.PriorIDepth
	return weight * d * d
}
