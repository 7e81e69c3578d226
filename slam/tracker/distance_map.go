package tracker

import (
	"github.com/golang/geo/r3"

	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/slam/window"
	"go.viam.com/dso/spatialmath"
)

const maxDistance = 1000

// CoarseDistanceMap is a distance transform at pyramid level 1 of the projections of all active
// points into one keyframe. Point activation uses it to keep new points away from existing ones.
type CoarseDistanceMap struct {
	intr0  transform.PinholeCameraIntrinsics
	intr1  transform.PinholeCameraIntrinsics
	width  int
	height int
	dist   []int
	queue  [][2]int
}

// NewCoarseDistanceMap returns a distance map for images described by intr.
func NewCoarseDistanceMap(intr transform.PinholeCameraIntrinsics) *CoarseDistanceMap {
	intr1 := intr.AtLevel(1)
	return &CoarseDistanceMap{
		intr0:  intr,
		intr1:  intr1,
		width:  intr1.Width,
		height: intr1.Height,
		dist:   make([]int, intr1.Width*intr1.Height),
	}
}

// Width returns the width of the level 1 map.
func (dm *CoarseDistanceMap) Width() int {
	return dm.width
}

// Height returns the height of the level 1 map.
func (dm *CoarseDistanceMap) Height() int {
	return dm.height
}

// Distance returns the distance in level 1 pixels of (x, y) to the nearest projected point.
func (dm *CoarseDistanceMap) Distance(x, y int) int {
	if x < 0 || y < 0 || x >= dm.width || y >= dm.height {
		return 0
	}
	return dm.dist[x+y*dm.width]
}

// ProjectToLevel1 maps a level 0 host pixel with inverse depth idepth to the nearest level 1
// pixel of the target.
func (dm *CoarseDistanceMap) ProjectToLevel1(hostToTarget spatialmath.Pose, u, v, idepth float64) (int, int, bool) {
	ray := r3.Vector{X: (u - dm.intr0.Ppx) / dm.intr0.Fx, Y: (v - dm.intr0.Ppy) / dm.intr0.Fy, Z: 1}
	pt := hostToTarget.RotationMatrix().MulVec(ray).Add(hostToTarget.Point().Mul(idepth))
	if pt.Z <= 0 {
		return 0, 0, false
	}
	x := int(dm.intr1.Fx*pt.X/pt.Z + dm.intr1.Ppx + 0.5)
	y := int(dm.intr1.Fy*pt.Y/pt.Z + dm.intr1.Ppy + 0.5)
	if !(x > 0 && y > 0 && x < dm.width && y < dm.height) {
		return 0, 0, false
	}
	return x, y, true
}

// MakeDistanceMap projects every active point not hosted by target into target and computes the
// distance of each pixel to the nearest projection.
func (dm *CoarseDistanceMap) MakeDistanceMap(w *window.Window, target *window.Frame) {
	for i := range dm.dist {
		dm.dist[i] = maxDistance
	}
	dm.queue = dm.queue[:0]
	for _, host := range w.Frames() {
		if host == target {
			continue
		}
		hostToTarget := spatialmath.Compose(target.WorldToCam, host.CamToWorld())
		for _, ph := range host.Points {
			p := w.Point(ph)
			x, y, ok := dm.ProjectToLevel1(hostToTarget, p.U, p.V, p.IDepth)
			if !ok {
				continue
			}
			dm.dist[x+y*dm.width] = 0
			dm.queue = append(dm.queue, [2]int{x, y})
		}
	}
	dm.growBFS()
}

// AddIntoDistFinal marks a new point at level 1 pixel (x, y) and updates the distances around it.
func (dm *CoarseDistanceMap) AddIntoDistFinal(x, y int) {
	if x < 0 || y < 0 || x >= dm.width || y >= dm.height {
		return
	}
	dm.dist[x+y*dm.width] = 0
	dm.queue = append(dm.queue[:0], [2]int{x, y})
	dm.growBFS()
}

// growBFS expands distances from the queued seeds, alternating 4 and 8 neighborhoods between
// rings to approximate Euclidean distance.
func (dm *CoarseDistanceMap) growBFS() {
	four := [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	eight := [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {1, 1}, {-1, 1}, {1, -1}, {-1, -1}}
	frontier := dm.queue
	var next [][2]int
	for k := 1; k < 40 && len(frontier) > 0; k++ {
		offsets := eight
		if k%2 == 1 {
			offsets = four
		}
		next = next[:0]
		for _, p := range frontier {
			for _, off := range offsets {
				x, y := p[0]+off[0], p[1]+off[1]
				if x < 1 || y < 1 || x >= dm.width-1 || y >= dm.height-1 {
					continue
				}
				idx := x + y*dm.width
				if dm.dist[idx] > k {
					dm.dist[idx] = k
					next = append(next, [2]int{x, y})
				}
			}
		}
		frontier, next = next, frontier
	}
	dm.queue = dm.queue[:0]
}
