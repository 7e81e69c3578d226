package rimage

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// NewFloatImageFromImage converts any image to gray intensities in [0, 255].
func NewFloatImageFromImage(img image.Image) *FloatImage {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	out := NewFloatImage(bounds.Dx(), bounds.Dy())
	for y := 0; y < out.height; y++ {
		for x := 0; x < out.width; x++ {
			out.data[y*out.width+x] = float64(gray.Pix[y*gray.Stride+4*x])
		}
	}
	return out
}

// ToGray clamps and rounds intensities into an 8-bit gray image.
func (f *FloatImage) ToGray() *image.Gray {
	out := image.NewGray(image.Rect(0, 0, f.width, f.height))
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			v := math.Round(f.data[y*f.width+x])
			if v < 0 || math.IsNaN(v) {
				v = 0
			} else if v > 255 {
				v = 255
			}
			out.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return out
}

// Blur returns a gaussian blurred copy; sigma is in pixels.
func (f *FloatImage) Blur(sigma float64) *FloatImage {
	return NewFloatImageFromImage(imaging.Blur(f.ToGray(), sigma))
}

// Save writes the image to path; the format is chosen from the file extension.
func (f *FloatImage) Save(path string) error {
	return imaging.Save(f.ToGray(), path)
}
