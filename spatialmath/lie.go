package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// Tangent is an element of se(3) ordered as (translation v, rotation omega).
type Tangent [6]float64

// V returns the translational part.
func (xi Tangent) V() r3.Vector {
	return r3.Vector{X: xi[0], Y: xi[1], Z: xi[2]}
}

// Omega returns the rotational part.
func (xi Tangent) Omega() r3.Vector {
	return r3.Vector{X: xi[3], Y: xi[4], Z: xi[5]}
}

// Norm returns the Euclidean norm of the six coordinates.
func (xi Tangent) Norm() float64 {
	var s float64
	for _, v := range xi {
		s += v * v
	}
	return math.Sqrt(s)
}

// Scale returns s*xi.
func (xi Tangent) Scale(s float64) Tangent {
	for i := range xi {
		xi[i] *= s
	}
	return xi
}

// NewTangent builds a tangent from translation and rotation parts.
func NewTangent(v, omega r3.Vector) Tangent {
	return Tangent{v.X, v.Y, v.Z, omega.X, omega.Y, omega.Z}
}

// leftJacobianCoeffs returns (1-cos)/theta^2 and (theta-sin)/theta^3.
func leftJacobianCoeffs(theta float64) (float64, float64) {
	if theta < 1e-5 {
		t2 := theta * theta
		return 0.5 - t2/24, 1.0/6 - t2/120
	}
	t2 := theta * theta
	return (1 - math.Cos(theta)) / t2, (theta - math.Sin(theta)) / (t2 * theta)
}

// Exp maps a tangent vector to a pose: rotation exp(omega^) and translation V*v with
// V = I + A*omega^ + B*omega^2.
func Exp(xi Tangent) Pose {
	omega := xi.Omega()
	v := xi.V()
	theta := omega.Norm()
	a, b := leftJacobianCoeffs(theta)
	wxv := omega.Cross(v)
	t := v.Add(wxv.Mul(a)).Add(omega.Cross(wxv).Mul(b))
	return Pose{rot: R3AA{omega.X, omega.Y, omega.Z}.ToQuat(), trans: t}
}

// Log is the inverse of Exp for rotation angles below pi.
func Log(p Pose) Tangent {
	aa := QuatToR3AA(p.rot)
	omega := aa.Vector()
	theta := omega.Norm()
	var c float64
	if theta < 1e-5 {
		c = 1.0/12 + theta*theta/720
	} else {
		c = (1 - theta*math.Sin(theta)/(2*(1-math.Cos(theta)))) / (theta * theta)
	}
	t := p.trans
	wxt := omega.Cross(t)
	v := t.Sub(wxt.Mul(0.5)).Add(omega.Cross(wxt).Mul(c))
	return NewTangent(v, omega)
}

// Adjoint returns the 6x6 row-major adjoint [[R, [t]x R], [0, R]] such that
// p*Exp(xi)*p^-1 == Exp(Adjoint(p)*xi).
func (p Pose) Adjoint() [36]float64 {
	rm := p.RotationMatrix()
	tx := Skew(p.trans)
	var ad [36]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ad[i*6+j] = rm.At(i, j)
			ad[(i+3)*6+j+3] = rm.At(i, j)
			var s float64
			for k := 0; k < 3; k++ {
				s += tx[i*3+k] * rm.At(k, j)
			}
			ad[i*6+j+3] = s
		}
	}
	return ad
}

// MulAdjoint returns Adjoint(p)*xi.
func (p Pose) MulAdjoint(xi Tangent) Tangent {
	ad := p.Adjoint()
	var out Tangent
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			out[i] += ad[i*6+j] * xi[j]
		}
	}
	return out
}
