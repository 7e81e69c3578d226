// Package rimage holds the photometric image types consumed by the odometry engine: float
// intensity images, exposure-tagged frames, gradient pyramids and photometric correction.
package rimage

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/dso/spatialmath"
)

// FloatImage is a single channel image of float64 intensities in row-major order.
type FloatImage struct {
	width  int
	height int
	data   []float64
}

// NewFloatImage returns a zero image of the given size.
func NewFloatImage(width, height int) *FloatImage {
	return &FloatImage{width: width, height: height, data: make([]float64, width*height)}
}

// NewFloatImageFromData wraps row-major intensities. The slice is not copied.
func NewFloatImageFromData(width, height int, data []float64) (*FloatImage, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size (%d, %d)", width, height)
	}
	if len(data) != width*height {
		return nil, errors.Errorf("data has %d elements, image (%d, %d) needs %d", len(data), width, height, width*height)
	}
	return &FloatImage{width: width, height: height, data: data}, nil
}

// Width returns the horizontal size.
func (f *FloatImage) Width() int {
	return f.width
}

// Height returns the vertical size.
func (f *FloatImage) Height() int {
	return f.height
}

// Data returns the underlying row-major slice.
func (f *FloatImage) Data() []float64 {
	return f.data
}

// At returns the intensity at integer coordinates.
func (f *FloatImage) At(x, y int) float64 {
	return f.data[y*f.width+x]
}

// Set sets the intensity at integer coordinates.
func (f *FloatImage) Set(x, y int, v float64) {
	f.data[y*f.width+x] = v
}

// Clone returns a deep copy.
func (f *FloatImage) Clone() *FloatImage {
	out := NewFloatImage(f.width, f.height)
	copy(out.data, f.data)
	return out
}

// Bilinear returns the bilinearly interpolated intensity at (x, y). ok is false outside
// [0, w-1) x [0, h-1).
func (f *FloatImage) Bilinear(x, y float64) (float64, bool) {
	return bilinear(f.data, f.width, f.height, x, y)
}

func bilinear(data []float64, width, height int, x, y float64) (float64, bool) {
	if !(x >= 0 && y >= 0 && x < float64(width-1) && y < float64(height-1)) {
		return math.NaN(), false
	}
	ix, iy := int(x), int(y)
	dx, dy := x-float64(ix), y-float64(iy)
	idx := iy*width + ix
	return (1-dy)*((1-dx)*data[idx]+dx*data[idx+1]) + dy*((1-dx)*data[idx+width]+dx*data[idx+width+1]), true
}

// ImageAndExposure is one photometrically corrected frame as delivered by an image source.
type ImageAndExposure struct {
	Image *FloatImage
	// ExposureTime in milliseconds; zero means unknown.
	ExposureTime float64
	Timestamp    float64
	// GroundTruth is an optional reference camera-to-world pose forwarded to output sinks.
	GroundTruth *spatialmath.Pose
}

// NewImageAndExposure creates a frame with unknown ground truth.
func NewImageAndExposure(img *FloatImage, exposure, timestamp float64) *ImageAndExposure {
	return &ImageAndExposure{Image: img, ExposureTime: exposure, Timestamp: timestamp}
}
