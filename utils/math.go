package utils

import "math"

// Square returns x*x.
func Square(x float64) float64 {
	return x * x
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Float64AlmostEqual compares two float64s and returns if the difference between them is less
// than epsilon.
func Float64AlmostEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) < epsilon
}

// Huber returns the Huber weight of a residual for threshold th: 1 inside the threshold and th/|r|
// outside of it.
func Huber(r, th float64) float64 {
	ar := math.Abs(r)
	if ar < th {
		return 1
	}
	return th / ar
}

// HuberEnergy returns w*hw*r*r*(2-hw), the Huber-robustified squared residual scaled by w.
func HuberEnergy(r, th, w float64) float64 {
	hw := Huber(r, th)
	return w * hw * r * r * (2 - hw)
}

// DegToRad converts degrees to radians.
func DegToRad(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// RadToDeg converts radians to degrees.
func RadToDeg(radians float64) float64 {
	return radians * 180 / math.Pi
}
