package rimage

import (
	"context"

	"go.viam.com/dso/utils"
)

// DefaultPyramidMinPixels stops downsampling once a level would have fewer pixels than this.
const DefaultPyramidMinPixels = 5000

// PyramidLevel holds intensity, central-difference gradients and squared gradient magnitude of
// one resolution level. Gradients on the one pixel border are zero.
type PyramidLevel struct {
	Width          int
	Height         int
	I              []float64
	Dx             []float64
	Dy             []float64
	AbsSquaredGrad []float64
}

// Pyramid is an image pyramid where every level halves the resolution of the previous one by
// 2x2 averaging. It is immutable after construction.
type Pyramid struct {
	levels []*PyramidLevel
}

// NumPyramidLevels returns how many levels to build for an image: halve while both sizes are
// even, the level keeps more than minPixels pixels and maxLevels is not reached.
func NumPyramidLevels(width, height, maxLevels, minPixels int) int {
	levels := 1
	for width%2 == 0 && height%2 == 0 && width*height > minPixels && levels < maxLevels {
		width /= 2
		height /= 2
		levels++
	}
	return levels
}

// NewPyramid builds numLevels levels from img.
func NewPyramid(img *FloatImage, numLevels int) *Pyramid {
	if numLevels < 1 {
		numLevels = 1
	}
	levels := make([]*PyramidLevel, 0, numLevels)
	base := &PyramidLevel{Width: img.width, Height: img.height, I: make([]float64, len(img.data))}
	copy(base.I, img.data)
	levels = append(levels, base)
	for lvl := 1; lvl < numLevels; lvl++ {
		prev := levels[lvl-1]
		w, h := prev.Width/2, prev.Height/2
		if w < 2 || h < 2 {
			break
		}
		next := &PyramidLevel{Width: w, Height: h, I: make([]float64, w*h)}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				src := 2*y*prev.Width + 2*x
				next.I[y*w+x] = 0.25 * (prev.I[src] + prev.I[src+1] + prev.I[src+prev.Width] + prev.I[src+prev.Width+1])
			}
		}
		levels = append(levels, next)
	}
	for _, level := range levels {
		level.computeGradients()
	}
	return &Pyramid{levels: levels}
}

func (l *PyramidLevel) computeGradients() {
	w, h := l.Width, l.Height
	l.Dx = make([]float64, w*h)
	l.Dy = make([]float64, w*h)
	l.AbsSquaredGrad = make([]float64, w*h)
	// the only error is cancellation and a background context is never cancelled
	_ = utils.GroupWorkParallel(context.Background(), h-2, func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
		return func(memberNum, workNum int) {
			y := workNum + 1
			for x := 1; x < w-1; x++ {
				idx := y*w + x
				dx := 0.5 * (l.I[idx+1] - l.I[idx-1])
				dy := 0.5 * (l.I[idx+w] - l.I[idx-w])
				l.Dx[idx] = dx
				l.Dy[idx] = dy
				l.AbsSquaredGrad[idx] = dx*dx + dy*dy
			}
		}, nil
	})
}

// NumLevels returns the number of levels.
func (p *Pyramid) NumLevels() int {
	return len(p.levels)
}

// Level returns level lvl; level 0 is the full resolution image.
func (p *Pyramid) Level(lvl int) *PyramidLevel {
	return p.levels[lvl]
}

// Interpolate returns the bilinearly interpolated intensity and gradients at (x, y). ok is false
// outside [0, w-1) x [0, h-1).
func (l *PyramidLevel) Interpolate(x, y float64) (v, dx, dy float64, ok bool) {
	if !(x >= 0 && y >= 0 && x < float64(l.Width-1) && y < float64(l.Height-1)) {
		return 0, 0, 0, false
	}
	ix, iy := int(x), int(y)
	fx, fy := x-float64(ix), y-float64(iy)
	idx := iy*l.Width + ix
	w00 := (1 - fx) * (1 - fy)
	w10 := fx * (1 - fy)
	w01 := (1 - fx) * fy
	w11 := fx * fy
	lerp := func(d []float64) float64 {
		return w00*d[idx] + w10*d[idx+1] + w01*d[idx+l.Width] + w11*d[idx+l.Width+1]
	}
	return lerp(l.I), lerp(l.Dx), lerp(l.Dy), true
}

// InterpolateIntensity returns the bilinearly interpolated intensity at (x, y).
func (l *PyramidLevel) InterpolateIntensity(x, y float64) (float64, bool) {
	return bilinear(l.I, l.Width, l.Height, x, y)
}
