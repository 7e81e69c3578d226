package window

import (
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/spatialmath"
)

// FrameDim is the number of optimized parameters per keyframe: a se(3) increment followed by the
// two affine brightness parameters.
const FrameDim = 8

// FrameVec is a vector over the parameters of one keyframe.
type FrameVec [FrameDim]float64

// Frame is a keyframe of the active window. Its pyramid and exposure never change; the pose and
// affine parameters are the optimized state.
type Frame struct {
	handle Handle
	idx    int

	Shell    *FrameShell
	Pyramid  *rimage.Pyramid
	Exposure float64

	WorldToCam spatialmath.Pose
	Aff        AffLight

	// LinWorldToCam and LinAff are the linearization point of the marginalization prior, fixed
	// when the frame enters the window.
	LinWorldToCam spatialmath.Pose
	LinAff        AffLight

	bakWorldToCam spatialmath.Pose
	bakAff        AffLight

	// Step is the last solver increment.
	Step FrameVec
	// Prior is the diagonal of the frame's own prior Hessian.
	Prior FrameVec

	Points   []Handle
	Immature []*ImmaturePoint

	NumPointsMarginalized int
	NumPointsOut          int

	FlaggedForMarginalization bool
	FrameEnergyTH             float64
}

// NewFrame creates a keyframe candidate from a tracked frame.
func NewFrame(shell *FrameShell, pyr *rimage.Pyramid, exposure float64) *Frame {
	return &Frame{
		Shell:         shell,
		Pyramid:       pyr,
		Exposure:      exposure,
		WorldToCam:    shell.CamToWorld.Inverse(),
		Aff:           shell.Aff,
		FrameEnergyTH: 8 * 8 * 8,
		idx:           -1,
	}
}

// Handle returns the frame's handle in the window, zero when not inserted.
func (f *Frame) Handle() Handle {
	return f.handle
}

// Idx returns the position of the frame in the window order.
func (f *Frame) Idx() int {
	return f.idx
}

// CamToWorld returns the inverse of WorldToCam.
func (f *Frame) CamToWorld() spatialmath.Pose {
	return f.WorldToCam.Inverse()
}

// FixLinearizationPoint makes the current state the linearization point.
func (f *Frame) FixLinearizationPoint() {
	f.LinWorldToCam = f.WorldToCam
	f.LinAff = f.Aff
}

// Backup stores the state so that Restore can undo a rejected step.
func (f *Frame) Backup() {
	f.bakWorldToCam = f.WorldToCam
	f.bakAff = f.Aff
}

// Restore returns to the backed up state and clears the step.
func (f *Frame) Restore() {
	f.WorldToCam = f.bakWorldToCam
	f.Aff = f.bakAff
	f.Step = FrameVec{}
}

// ApplyStep sets the state to the backed up state moved by step.
func (f *Frame) ApplyStep(step FrameVec) {
	f.Step = step
	var xi spatialmath.Tangent
	copy(xi[:], step[:6])
	f.WorldToCam = spatialmath.Compose(spatialmath.Exp(xi), f.bakWorldToCam)
	f.Aff = AffLight{A: f.bakAff.A + step[6], B: f.bakAff.B + step[7]}
}

// DeltaFromLin returns the current state relative to the linearization point.
func (f *Frame) DeltaFromLin() FrameVec {
	xi := spatialmath.Log(spatialmath.Compose(f.WorldToCam, f.LinWorldToCam.Inverse()))
	var d FrameVec
	copy(d[:6], xi[:])
	d[6] = f.Aff.A - f.LinAff.A
	d[7] = f.Aff.B - f.LinAff.B
	return d
}

// PriorDelta returns the residual of the frame's own prior: the pose is pulled toward the
// linearization point and the affine parameters toward zero.
func (f *Frame) PriorDelta() FrameVec {
	d := f.DeltaFromLin()
	d[6] = f.Aff.A
	d[7] = f.Aff.B
	return d
}

// PriorEnergy returns the energy of the frame's own prior.
func (f *Frame) PriorEnergy() float64 {
	d := f.PriorDelta()
	var e float64
	for i := range d {
		e += f.Prior[i] * d[i] * d[i]
	}
	return e
}

// SetPrior sets the frame's own prior. The first frame of the map also pins its pose. Negative
// affine modes fix the parameter, zero leaves it free and positive values are used as weights.
func (f *Frame) SetPrior(first bool, transPrior, rotPrior, affAPrior, affBPrior, affModeA, affModeB float64) {
	f.Prior = FrameVec{}
	if first {
		for i := 0; i < 3; i++ {
			f.Prior[i] = transPrior
			f.Prior[i+3] = rotPrior
		}
		f.Prior[6] = affAPrior
		f.Prior[7] = affBPrior
		return
	}
	f.Prior[6] = affinePriorWeight(affModeA)
	f.Prior[7] = affinePriorWeight(affModeB)
}

func affinePriorWeight(mode float64) float64 {
	switch {
	case mode < 0:
		return 1e14
	case mode == 0:
		return 0
	default:
		return mode
	}
}
