// Package transform holds the camera projection models used by the odometry engine.
package transform

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
// Pixel centers are at integer coordinates.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.Unmarshal(byteValue, intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, intrinsics.CheckValid()
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return 0, 0, 0
	}
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point to continuous pixel coordinates. Points at or behind the
// camera center project to (-1, -1) so that bounds checks filter them out.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64) {
	if z > 0 {
		return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy
	}
	return -1.0, -1.0
}

// Ray returns the normalized bearing (x/z, y/z, 1) of a pixel.
func (params *PinholeCameraIntrinsics) Ray(p r2.Point) r3.Vector {
	return r3.Vector{X: (p.X - params.Ppx) / params.Fx, Y: (p.Y - params.Ppy) / params.Fy, Z: 1}
}

// Project projects a point in the camera frame. ok is false behind the camera.
func (params *PinholeCameraIntrinsics) Project(pt r3.Vector) (r2.Point, bool) {
	if pt.Z <= 0 {
		return r2.Point{X: -1, Y: -1}, false
	}
	u, v := params.PointToPixel(pt.X, pt.Y, pt.Z)
	return r2.Point{X: u, Y: v}, true
}

// InBounds returns whether (u, v) lies at least margin pixels inside the image.
func (params *PinholeCameraIntrinsics) InBounds(u, v, margin float64) bool {
	return u >= margin && v >= margin && u < float64(params.Width)-margin-1 && v < float64(params.Height)-margin-1
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	cameraMatrix := mat.NewDense(3, 3, nil)
	cameraMatrix.Set(0, 0, params.Fx)
	cameraMatrix.Set(1, 1, params.Fy)
	cameraMatrix.Set(0, 2, params.Ppx)
	cameraMatrix.Set(1, 2, params.Ppy)
	cameraMatrix.Set(2, 2, 1)
	return cameraMatrix
}

// GetInverseCameraMatrix returns K^-1 in closed form.
func (params *PinholeCameraIntrinsics) GetInverseCameraMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1 / params.Fx, 0, -params.Ppx / params.Fx,
		0, 1 / params.Fy, -params.Ppy / params.Fy,
		0, 0, 1,
	})
}

// AtLevel returns the intrinsics of pyramid level lvl, where every level halves the resolution
// and level pixel centers stay at integer coordinates.
func (params PinholeCameraIntrinsics) AtLevel(lvl int) PinholeCameraIntrinsics {
	if lvl == 0 {
		return params
	}
	scale := math.Pow(2, float64(lvl))
	return PinholeCameraIntrinsics{
		Width:  params.Width >> lvl,
		Height: params.Height >> lvl,
		Fx:     params.Fx / scale,
		Fy:     params.Fy / scale,
		Ppx:    (params.Ppx+0.5)/scale - 0.5,
		Ppy:    (params.Ppy+0.5)/scale - 0.5,
	}
}

// Levels returns the intrinsics of pyramid levels [0, numLevels).
func (params PinholeCameraIntrinsics) Levels(numLevels int) []PinholeCameraIntrinsics {
	out := make([]PinholeCameraIntrinsics, numLevels)
	for lvl := range out {
		out[lvl] = params.AtLevel(lvl)
	}
	return out
}
