package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestExpLogRoundTrip(t *testing.T) {
	for _, xi := range []Tangent{
		{},
		{0.1, -0.2, 0.3, 0, 0, 0},
		{0.5, 0.1, -2, 0.3, -0.2, 0.4},
		{0, 0, 1, 1e-9, 0, 2e-9},
		{1, 2, 3, 0, 2.5, 0},
	} {
		got := Log(Exp(xi))
		for i := range xi {
			test.That(t, got[i], test.ShouldAlmostEqual, xi[i], 1e-9)
		}
	}
}

func TestExpMatchesAxisAngle(t *testing.T) {
	p := Exp(Tangent{0, 0, 0, 0, 0, math.Pi / 2})
	v := p.Transform(r3.Vector{X: 1})
	test.That(t, v.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, v.Y, test.ShouldAlmostEqual, 1, 1e-12)

	// Pure translation.
	p = Exp(Tangent{1, 2, 3, 0, 0, 0})
	test.That(t, p.Point(), test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 3})
}

func TestComposeInverse(t *testing.T) {
	a := NewPoseFromAxisAngle(r3.Vector{X: 1, Y: 1}, 0.7, r3.Vector{X: 1, Y: -2, Z: 0.5})
	b := NewPoseFromAxisAngle(r3.Vector{Z: 1}, -0.3, r3.Vector{X: 0.2, Z: 4})

	id := Compose(a, a.Inverse())
	test.That(t, PoseAlmostEqual(id, NewZeroPose(), 1e-12), test.ShouldBeTrue)

	x := r3.Vector{X: 0.3, Y: 0.1, Z: -2}
	viaCompose := Compose(a, b).Transform(x)
	viaSteps := a.Transform(b.Transform(x))
	test.That(t, viaCompose.Sub(viaSteps).Norm(), test.ShouldBeLessThan, 1e-12)

	between := PoseBetween(a, b)
	test.That(t, PoseAlmostEqual(Compose(a, between), b, 1e-12), test.ShouldBeTrue)
}

func TestAdjoint(t *testing.T) {
	p := NewPoseFromAxisAngle(r3.Vector{X: 0.2, Y: 1, Z: -0.4}, 1.1, r3.Vector{X: 0.5, Y: -1, Z: 2})
	xi := Tangent{0.01, -0.02, 0.03, 0.02, 0.01, -0.015}

	lhs := Compose(Compose(p, Exp(xi)), p.Inverse())
	rhs := Exp(p.MulAdjoint(xi))
	test.That(t, PoseAlmostEqual(lhs, rhs, 1e-12), test.ShouldBeTrue)
}

func TestRotationMatrixQuaternion(t *testing.T) {
	for _, p := range []Pose{
		NewPoseFromAxisAngle(r3.Vector{X: 1}, 3.0, r3.Vector{}),
		NewPoseFromAxisAngle(r3.Vector{Y: 1}, -2.9, r3.Vector{}),
		NewPoseFromAxisAngle(r3.Vector{X: 1, Y: 2, Z: 3}, 0.4, r3.Vector{}),
	} {
		rm := p.RotationMatrix()
		back := NewPoseFromRotationMatrix(rm, r3.Vector{})
		test.That(t, PoseAlmostEqual(p, back, 1e-12), test.ShouldBeTrue)

		prod := rm.Mul(rm.Transpose())
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				want := 0.0
				if i == j {
					want = 1
				}
				test.That(t, prod.At(i, j), test.ShouldAlmostEqual, want, 1e-12)
			}
		}
	}

	_, err := NewRotationMatrix([]float64{1, 2})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSkew(t *testing.T) {
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	w := r3.Vector{X: -1, Y: 0.5, Z: 2}
	s := Skew(v)
	rm, err := NewRotationMatrix(s[:])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rm.MulVec(w), test.ShouldResemble, v.Cross(w))
}
