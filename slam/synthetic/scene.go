// Package synthetic renders deterministic textured scenes for exercising the odometry pipeline
// without a dataset.
package synthetic

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/valyala/fastrand"

	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
)

// DefaultIntrinsics are the intrinsics of the synthetic camera.
func DefaultIntrinsics() transform.PinholeCameraIntrinsics {
	return transform.PinholeCameraIntrinsics{Width: 192, Height: 144, Fx: 150, Fy: 150, Ppx: 96, Ppy: 72}
}

// ValueNoise is smooth lattice noise in [0, 1), built from a seeded permutation table.
type ValueNoise struct {
	perm   [512]int
	values [256]float64
}

// NewValueNoise returns noise for the given seed.
func NewValueNoise(seed uint32) *ValueNoise {
	var rng fastrand.RNG
	rng.Seed(seed)
	n := &ValueNoise{}
	for i := 0; i < 256; i++ {
		n.perm[i] = i
		n.values[i] = float64(rng.Uint32n(1<<16)) / (1 << 16)
	}
	for i := 255; i > 0; i-- {
		j := int(rng.Uint32n(uint32(i + 1)))
		n.perm[i], n.perm[j] = n.perm[j], n.perm[i]
	}
	for i := 0; i < 256; i++ {
		n.perm[i+256] = n.perm[i]
	}
	return n
}

func (n *ValueNoise) lattice(i, j int) float64 {
	return n.values[n.perm[n.perm[i&255]+(j&255)]]
}

func smooth(t float64) float64 {
	return t * t * (3 - 2*t)
}

// At returns the noise value at (x, y) in lattice units.
func (n *ValueNoise) At(x, y float64) float64 {
	fx, fy := math.Floor(x), math.Floor(y)
	i, j := int(fx), int(fy)
	tx, ty := smooth(x-fx), smooth(y-fy)
	v00, v10 := n.lattice(i, j), n.lattice(i+1, j)
	v01, v11 := n.lattice(i, j+1), n.lattice(i+1, j+1)
	return (1-ty)*((1-tx)*v00+tx*v10) + ty*((1-tx)*v01+tx*v11)
}

// PlaneScene is a textured plane {X : Normal.X = Offset} in world coordinates.
type PlaneScene struct {
	Normal r3.Vector
	Offset float64
	noise  *ValueNoise
	// Scale is the texture lattice spacing in world units of the finest octave.
	Scale float64
}

// NewPlaneScene returns the plane Z - 0.5*Y = 3, which a camera at the origin looking down +Z
// sees at depth 3/(1 - 0.5*y) for normalized image row y.
func NewPlaneScene(seed uint32) *PlaneScene {
	return &PlaneScene{
		Normal: r3.Vector{X: 0, Y: -0.5, Z: 1},
		Offset: 3,
		noise:  NewValueNoise(seed),
		Scale:  0.1,
	}
}

// Texture returns the intensity of the plane at world point p.
func (s *PlaneScene) Texture(p r3.Vector) float64 {
	x, y := p.X/s.Scale, p.Y/s.Scale
	v := 0.55*s.noise.At(x, y) + 0.3*s.noise.At(x/2.7+31.5, y/2.7+17.25) + 0.15*s.noise.At(x/7.3+5.5, y/7.3+61.5)
	return 25 + 205*v
}

// Intersect returns the world point seen at pixel (u, v) of a camera, and its depth along the
// optical axis. ok is false when the ray misses the plane.
func (s *PlaneScene) Intersect(intr *transform.PinholeCameraIntrinsics, camToWorld spatialmath.Pose, u, v float64) (r3.Vector, float64, bool) {
	rayCam := r3.Vector{X: (u - intr.Ppx) / intr.Fx, Y: (v - intr.Ppy) / intr.Fy, Z: 1}
	dir := camToWorld.RotationMatrix().MulVec(rayCam)
	origin := camToWorld.Point()
	denom := s.Normal.Dot(dir)
	if math.Abs(denom) < 1e-9 {
		return r3.Vector{}, 0, false
	}
	depth := (s.Offset - s.Normal.Dot(origin)) / denom
	if depth <= 0 {
		return r3.Vector{}, 0, false
	}
	return origin.Add(dir.Mul(depth)), depth, true
}

// Render draws the plane as seen by a camera with the given camera-to-world pose.
func (s *PlaneScene) Render(intr *transform.PinholeCameraIntrinsics, camToWorld spatialmath.Pose) *rimage.FloatImage {
	img := rimage.NewFloatImage(intr.Width, intr.Height)
	for y := 0; y < intr.Height; y++ {
		for x := 0; x < intr.Width; x++ {
			p, _, ok := s.Intersect(intr, camToWorld, float64(x), float64(y))
			if !ok {
				continue
			}
			img.Set(x, y, s.Texture(p))
		}
	}
	return img
}

// InverseDepth returns the true inverse depth at pixel (u, v).
func (s *PlaneScene) InverseDepth(intr *transform.PinholeCameraIntrinsics, camToWorld spatialmath.Pose, u, v float64) float64 {
	_, depth, ok := s.Intersect(intr, camToWorld, u, v)
	if !ok {
		return 0
	}
	return 1 / depth
}
