package rimage

import (
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func rampImage(w, h int) *FloatImage {
	img := NewFloatImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, 2*float64(x)+3*float64(y))
		}
	}
	return img
}

func TestNumPyramidLevels(t *testing.T) {
	test.That(t, NumPyramidLevels(640, 480, 6, DefaultPyramidMinPixels), test.ShouldEqual, 4)
	test.That(t, NumPyramidLevels(192, 144, 6, DefaultPyramidMinPixels), test.ShouldEqual, 3)
	test.That(t, NumPyramidLevels(191, 144, 6, DefaultPyramidMinPixels), test.ShouldEqual, 1)
	test.That(t, NumPyramidLevels(640, 480, 2, DefaultPyramidMinPixels), test.ShouldEqual, 2)
}

func TestPyramidGradients(t *testing.T) {
	pyr := NewPyramid(rampImage(64, 48), 3)
	test.That(t, pyr.NumLevels(), test.ShouldEqual, 3)

	l0 := pyr.Level(0)
	idx := 10*64 + 10
	test.That(t, l0.Dx[idx], test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, l0.Dy[idx], test.ShouldAlmostEqual, 3, 1e-12)
	test.That(t, l0.AbsSquaredGrad[idx], test.ShouldAlmostEqual, 13, 1e-12)
	test.That(t, l0.Dx[0], test.ShouldEqual, 0.0)

	// A 2x2 average of a ramp doubles the per-pixel slope on the next level.
	l1 := pyr.Level(1)
	test.That(t, l1.Width, test.ShouldEqual, 32)
	test.That(t, l1.Dx[5*32+5], test.ShouldAlmostEqual, 4, 1e-12)
	test.That(t, l1.I[0], test.ShouldAlmostEqual, 0.25*(0+2+3+5), 1e-12)

	// no interior rows to differentiate
	tiny := NewPyramid(rampImage(4, 2), 1).Level(0)
	test.That(t, tiny.Dx, test.ShouldHaveLength, 8)
	test.That(t, tiny.AbsSquaredGrad, test.ShouldResemble, make([]float64, 8))
}

func TestInterpolate(t *testing.T) {
	pyr := NewPyramid(rampImage(32, 32), 1)
	v, dx, dy, ok := pyr.Level(0).Interpolate(10.25, 7.5)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldAlmostEqual, 2*10.25+3*7.5, 1e-12)
	test.That(t, dx, test.ShouldAlmostEqual, 2, 1e-12)
	test.That(t, dy, test.ShouldAlmostEqual, 3, 1e-12)

	_, _, _, ok = pyr.Level(0).Interpolate(31, 3)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = pyr.Level(0).InterpolateIntensity(-0.1, 3)
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = pyr.Level(0).InterpolateIntensity(math.NaN(), 3)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestPhotometricUndistorter(t *testing.T) {
	raw := image.NewGray(image.Rect(0, 0, 4, 2))
	for i := range raw.Pix {
		raw.Pix[i] = uint8(10 * (i + 1))
	}

	linear, err := NewPhotometricUndistorter(4, 2, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	frame, err := linear.Undistort(raw, 12, 0.5, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.ExposureTime, test.ShouldEqual, 12.0)
	test.That(t, frame.Image.At(1, 1), test.ShouldEqual, 60.0)

	response := make([]float64, 256)
	for i := range response {
		response[i] = math.Sqrt(float64(i))
	}
	vignette := NewFloatImage(4, 2)
	for i := range vignette.Data() {
		vignette.Data()[i] = 1
	}
	vignette.Set(0, 0, 0.5)
	undist, err := NewPhotometricUndistorter(4, 2, response, vignette)
	test.That(t, err, test.ShouldBeNil)
	frame, err = undist.Undistort(raw, 12, 0.5, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame.Image.At(0, 0), test.ShouldAlmostEqual, 2*255*math.Sqrt(10)/math.Sqrt(255), 1e-9)
	test.That(t, frame.Image.At(1, 0), test.ShouldAlmostEqual, 255*math.Sqrt(20)/math.Sqrt(255), 1e-9)

	_, err = NewPhotometricUndistorter(4, 2, response[:10], nil)
	test.That(t, err, test.ShouldNotBeNil)
	vignette.Set(1, 1, 0)
	_, err = NewPhotometricUndistorter(4, 2, nil, vignette)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = linear.Undistort(image.NewGray(image.Rect(0, 0, 3, 3)), 1, 0, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestImageConversion(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	src.SetGray(2, 1, color.Gray{Y: 200})
	img := NewFloatImageFromImage(src)
	test.That(t, img.Width(), test.ShouldEqual, 3)
	test.That(t, img.At(2, 1), test.ShouldEqual, 200.0)
	test.That(t, img.At(0, 0), test.ShouldEqual, 0.0)

	img.Set(0, 0, 300)
	img.Set(1, 0, -5)
	gray := img.ToGray()
	test.That(t, gray.GrayAt(0, 0).Y, test.ShouldEqual, uint8(255))
	test.That(t, gray.GrayAt(1, 0).Y, test.ShouldEqual, uint8(0))

	path := filepath.Join(t.TempDir(), "frame.png")
	test.That(t, img.Save(path), test.ShouldBeNil)

	_, err := NewFloatImageFromData(2, 2, []float64{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)
}
