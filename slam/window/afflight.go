package window

import "math"

// AffLight is the affine brightness model of a frame: a pixel of irradiance I is observed as
// exp(A)*I + B relative to the reference brightness.
type AffLight struct {
	A float64
	B float64
}

// FromToVecExposure returns the affine map (a, b) taking intensities observed in frame F to frame
// T, so that I_T ~= a*I_F + b, combining exposure times and per-frame affine brightness. Unknown
// exposures (zero) are treated as equal.
func FromToVecExposure(exposureF, exposureT float64, g2F, g2T AffLight) (float64, float64) {
	if exposureF == 0 || exposureT == 0 {
		exposureF = 1
		exposureT = 1
	}
	a := math.Exp(g2T.A-g2F.A) * exposureT / exposureF
	b := g2T.B - a*g2F.B
	return a, b
}
