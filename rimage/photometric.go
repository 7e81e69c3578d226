package rimage

import (
	"image"
	"math"

	"github.com/pkg/errors"
)

// PhotometricUndistorter maps raw 8-bit intensities to irradiance-proportional values using an
// inverse camera response curve and removes lens vignetting.
type PhotometricUndistorter struct {
	width       int
	height      int
	response    [256]float64
	vignetteInv []float64
}

// NewPhotometricUndistorter creates an undistorter for width x height images. response is the
// inverse response curve with 256 non-decreasing entries and is rescaled to [0, 255]; nil means
// a linear response. vignette holds per-pixel attenuation factors, normalized by their maximum;
// nil means no vignetting.
func NewPhotometricUndistorter(width, height int, response []float64, vignette *FloatImage) (*PhotometricUndistorter, error) {
	u := &PhotometricUndistorter{width: width, height: height}
	if response == nil {
		for i := range u.response {
			u.response[i] = float64(i)
		}
	} else {
		if len(response) != 256 {
			return nil, errors.Errorf("response curve needs 256 entries, got %d", len(response))
		}
		lo, hi := response[0], response[255]
		if !(hi > lo) {
			return nil, errors.New("response curve must be increasing")
		}
		for i, v := range response {
			if i > 0 && v < response[i-1] {
				return nil, errors.Errorf("response curve decreases at %d", i)
			}
			u.response[i] = 255 * (v - lo) / (hi - lo)
		}
	}

	if vignette != nil {
		if vignette.Width() != width || vignette.Height() != height {
			return nil, errors.Errorf("vignette size (%d, %d) does not match image size (%d, %d)",
				vignette.Width(), vignette.Height(), width, height)
		}
		maxV := 0.0
		for _, v := range vignette.Data() {
			maxV = math.Max(maxV, v)
		}
		u.vignetteInv = make([]float64, width*height)
		for i, v := range vignette.Data() {
			if !(v > 0) {
				return nil, errors.Errorf("vignette must be positive, got %v at pixel %d", v, i)
			}
			u.vignetteInv[i] = maxV / v
		}
	}
	return u, nil
}

// Undistort converts a raw gray image into a corrected frame; factor scales the output
// intensities.
func (u *PhotometricUndistorter) Undistort(raw *image.Gray, exposure, timestamp, factor float64) (*ImageAndExposure, error) {
	bounds := raw.Bounds()
	if bounds.Dx() != u.width || bounds.Dy() != u.height {
		return nil, errors.Errorf("image size (%d, %d) does not match undistorter size (%d, %d)",
			bounds.Dx(), bounds.Dy(), u.width, u.height)
	}
	out := NewFloatImage(u.width, u.height)
	for y := 0; y < u.height; y++ {
		row := raw.Pix[y*raw.Stride : y*raw.Stride+u.width]
		for x, v := range row {
			val := u.response[v] * factor
			if u.vignetteInv != nil {
				val *= u.vignetteInv[y*u.width+x]
			}
			out.data[y*u.width+x] = val
		}
	}
	return NewImageAndExposure(out, exposure, timestamp), nil
}
