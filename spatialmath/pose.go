// Package spatialmath defines rigid body transforms and their Lie group operations.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform in SE(3) mapping x to R*x + t. Poses are values; every operation
// returns a new Pose.
type Pose struct {
	rot   quat.Number
	trans r3.Vector
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{rot: quat.Number{Real: 1}}
}

// NewPose creates a pose from a rotation quaternion, which is normalized, and a translation.
func NewPose(q quat.Number, t r3.Vector) Pose {
	return Pose{rot: Normalize(q), trans: t}
}

// NewPoseFromRotationMatrix creates a pose from a rotation matrix and a translation.
func NewPoseFromRotationMatrix(rm *RotationMatrix, t r3.Vector) Pose {
	return Pose{rot: rm.Quaternion(), trans: t}
}

// NewPoseFromPoint creates a pure translation.
func NewPoseFromPoint(t r3.Vector) Pose {
	return Pose{rot: quat.Number{Real: 1}, trans: t}
}

// NewPoseFromAxisAngle creates a pose that rotates by theta radians around axis, then translates.
func NewPoseFromAxisAngle(axis r3.Vector, theta float64, t r3.Vector) Pose {
	v := axis.Normalize().Mul(theta)
	return Pose{rot: R3AA{v.X, v.Y, v.Z}.ToQuat(), trans: t}
}

// Point returns the translation.
func (p Pose) Point() r3.Vector {
	return p.trans
}

// Orientation returns the rotation as a unit quaternion.
func (p Pose) Orientation() quat.Number {
	return p.rot
}

// RotationMatrix returns the rotation as a matrix.
func (p Pose) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(p.rot)
}

// Transform applies the pose to a point.
func (p Pose) Transform(x r3.Vector) r3.Vector {
	return p.RotationMatrix().MulVec(x).Add(p.trans)
}

// Inverse returns the inverse transform.
func (p Pose) Inverse() Pose {
	inv := quat.Conj(p.rot)
	return Pose{rot: inv, trans: rotate(inv, p.trans).Mul(-1)}
}

// Compose returns a*b, the transform that applies b first and then a.
func Compose(a, b Pose) Pose {
	return Pose{
		rot:   Normalize(quat.Mul(a.rot, b.rot)),
		trans: rotate(a.rot, b.trans).Add(a.trans),
	}
}

// PoseBetween returns the transform t such that Compose(a, t) == b.
func PoseBetween(a, b Pose) Pose {
	return Compose(a.Inverse(), b)
}

// RotationAngle returns the magnitude of the rotation in radians.
func (p Pose) RotationAngle() float64 {
	return QuatToR3AA(p.rot).Norm()
}

// String prints the pose as translation plus axis-angle.
func (p Pose) String() string {
	aa := QuatToR3AA(p.rot)
	return fmt.Sprintf("{t: [%.4f %.4f %.4f], aa: [%.4f %.4f %.4f]}", p.trans.X, p.trans.Y, p.trans.Z, aa.RX, aa.RY, aa.RZ)
}

// PoseAlmostEqual returns whether two poses differ by less than tol in translation (units) and in
// rotation (radians).
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	if a.trans.Sub(b.trans).Norm() > tol {
		return false
	}
	return PoseBetween(a, b).RotationAngle() <= tol
}

func rotate(q quat.Number, v r3.Vector) r3.Vector {
	out := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}

// Norm returns the norm of the quaternion's imaginary part.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Normalize scales a quaternion to unit length.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// R3AA is an axis-angle rotation whose direction is the axis and whose norm is the angle.
type R3AA struct {
	RX float64
	RY float64
	RZ float64
}

// Norm returns the rotation angle.
func (r3aa R3AA) Norm() float64 {
	return math.Sqrt(r3aa.RX*r3aa.RX + r3aa.RY*r3aa.RY + r3aa.RZ*r3aa.RZ)
}

// Vector returns the axis-angle as a vector.
func (r3aa R3AA) Vector() r3.Vector {
	return r3.Vector{X: r3aa.RX, Y: r3aa.RY, Z: r3aa.RZ}
}

// ToQuat converts the axis-angle to a unit quaternion. Angles below 1e-10 use the first order
// expansion.
func (r3aa R3AA) ToQuat() quat.Number {
	theta := r3aa.Norm()
	if theta < 1e-10 {
		return Normalize(quat.Number{Real: 1, Imag: r3aa.RX / 2, Jmag: r3aa.RY / 2, Kmag: r3aa.RZ / 2})
	}
	s := math.Sin(theta/2) / theta
	return quat.Number{Real: math.Cos(theta / 2), Imag: r3aa.RX * s, Jmag: r3aa.RY * s, Kmag: r3aa.RZ * s}
}

// QuatToR3AA converts a unit quaternion to an axis-angle with angle in [0, pi].
func QuatToR3AA(q quat.Number) R3AA {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	denom := Norm(q)
	if denom < 1e-10 {
		// small angle: theta*axis ~= 2*imag/real
		return R3AA{2 * q.Imag / q.Real, 2 * q.Jmag / q.Real, 2 * q.Kmag / q.Real}
	}
	angle := 2 * math.Atan2(denom, q.Real)
	return R3AA{angle * q.Imag / denom, angle * q.Jmag / denom, angle * q.Kmag / denom}
}
