package window

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/valyala/fastrand"
	"go.viam.com/test"

	"go.viam.com/dso/config"
	"go.viam.com/dso/rimage"
	"go.viam.com/dso/rimage/transform"
	"go.viam.com/dso/spatialmath"
)

func newTestFrame(id int) *Frame {
	return NewFrame(NewFrameShell(id, id, float64(id)), nil, 0)
}

func TestArenaGenerations(t *testing.T) {
	var a Arena[int]
	h1 := a.Insert(1)
	h2 := a.Insert(2)
	test.That(t, a.Len(), test.ShouldEqual, 2)

	v, ok := a.Remove(h1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, 1)
	test.That(t, a.Contains(h1), test.ShouldBeFalse)

	// the slot is reused with a new generation
	h3 := a.Insert(3)
	test.That(t, h3.index, test.ShouldEqual, h1.index)
	test.That(t, a.Contains(h1), test.ShouldBeFalse)
	_, ok = a.Get(h1)
	test.That(t, ok, test.ShouldBeFalse)
	v, ok = a.Get(h3)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, 3)

	test.That(t, a.All(), test.ShouldResemble, []int{3, 2})
	test.That(t, a.Handles(), test.ShouldResemble, []Handle{h3, h2})
	test.That(t, a.Contains(Handle{}), test.ShouldBeFalse)

	list, ok := RemoveHandle([]Handle{h2, h3}, h2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, list, test.ShouldResemble, []Handle{h3})
	_, ok = RemoveHandle(list, h1)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestWindowBound(t *testing.T) {
	w := New(2)
	test.That(t, w.AddFrame(newTestFrame(0)), test.ShouldBeNil)
	test.That(t, w.AddFrame(newTestFrame(1)), test.ShouldBeNil)
	err := w.AddFrame(newTestFrame(2))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err, test.ShouldWrap, ErrWindowFull)
	test.That(t, w.NumFrames(), test.ShouldEqual, 2)
}

func TestRemoveFrameCascades(t *testing.T) {
	w := New(5)
	frames := []*Frame{newTestFrame(0), newTestFrame(1), newTestFrame(2)}
	for _, f := range frames {
		test.That(t, w.AddFrame(f), test.ShouldBeNil)
	}
	p0 := &Point{}
	_, err := w.AddPoint(frames[0], p0)
	test.That(t, err, test.ShouldBeNil)
	p1 := &Point{}
	_, err = w.AddPoint(frames[1], p1)
	test.That(t, err, test.ShouldBeNil)

	for _, pair := range []struct {
		p *Point
		f *Frame
	}{{p0, frames[1]}, {p0, frames[2]}, {p1, frames[0]}, {p1, frames[2]}} {
		_, err := w.AddResidual(NewResidual(pair.p, pair.f))
		test.That(t, err, test.ShouldBeNil)
	}
	_, err = w.AddResidual(NewResidual(p0, frames[0]))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, w.NumResiduals(), test.ShouldEqual, 4)
	test.That(t, w.CheckClosure(), test.ShouldBeNil)

	w.RemoveFrame(frames[0])
	test.That(t, w.CheckClosure(), test.ShouldBeNil)
	test.That(t, w.NumFrames(), test.ShouldEqual, 2)
	test.That(t, w.NumPoints(), test.ShouldEqual, 1)
	// p1 keeps only its residual into frame 2
	test.That(t, w.NumResiduals(), test.ShouldEqual, 1)
	test.That(t, len(p1.Residuals), test.ShouldEqual, 1)
	test.That(t, frames[1].Idx(), test.ShouldEqual, 0)
	test.That(t, frames[2].Idx(), test.ShouldEqual, 1)
	test.That(t, w.Point(p0.Handle()), test.ShouldBeNil)
	test.That(t, frames[0].Handle().IsZero(), test.ShouldBeTrue)

	w.Clear()
	test.That(t, w.NumFrames(), test.ShouldEqual, 0)
	test.That(t, w.NumPoints(), test.ShouldEqual, 0)
	test.That(t, w.NumResiduals(), test.ShouldEqual, 0)
}

func TestClosureUnderRandomMutation(t *testing.T) {
	var rng fastrand.RNG
	rng.Seed(42)
	w := New(7)
	nextID := 0
	var stale []Handle

	for step := 0; step < 3000; step++ {
		switch op := rng.Uint32n(10); {
		case op < 2:
			if w.NumFrames() == w.MaxFrames() {
				f := w.FrameAt(int(rng.Uint32n(uint32(w.NumFrames()))))
				stale = append(stale, f.Handle())
				w.RemoveFrame(f)
				break
			}
			test.That(t, w.AddFrame(newTestFrame(nextID)), test.ShouldBeNil)
			nextID++
		case op < 5:
			if w.NumFrames() == 0 {
				break
			}
			host := w.FrameAt(int(rng.Uint32n(uint32(w.NumFrames()))))
			_, err := w.AddPoint(host, &Point{})
			test.That(t, err, test.ShouldBeNil)
		case op < 8:
			points := w.Points()
			if len(points) == 0 || w.NumFrames() < 2 {
				break
			}
			p := points[rng.Uint32n(uint32(len(points)))]
			target := w.FrameAt(int(rng.Uint32n(uint32(w.NumFrames()))))
			if target.Handle() == p.Host {
				break
			}
			_, err := w.AddResidual(NewResidual(p, target))
			test.That(t, err, test.ShouldBeNil)
		case op < 9:
			points := w.Points()
			if len(points) == 0 {
				break
			}
			p := points[rng.Uint32n(uint32(len(points)))]
			stale = append(stale, p.Handle())
			w.RemovePoint(p.Handle())
		default:
			residuals := w.Residuals()
			if len(residuals) == 0 {
				break
			}
			w.RemoveResidual(residuals[rng.Uint32n(uint32(len(residuals)))].Handle())
		}
		if err := w.CheckClosure(); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
	for _, h := range stale {
		test.That(t, w.Frame(h) == nil || w.Point(h) == nil, test.ShouldBeTrue)
	}
}

func TestFromToVecExposure(t *testing.T) {
	a, b := FromToVecExposure(10, 20, AffLight{}, AffLight{})
	test.That(t, a, test.ShouldAlmostEqual, 2.0)
	test.That(t, b, test.ShouldAlmostEqual, 0.0)

	// unknown exposure falls back to the affine parameters alone
	a, b = FromToVecExposure(0, 20, AffLight{A: 0.1, B: 3}, AffLight{A: 0.3, B: 5})
	test.That(t, a, test.ShouldAlmostEqual, math.Exp(0.2))
	test.That(t, b, test.ShouldAlmostEqual, 5-math.Exp(0.2)*3)
}

func TestFrameStep(t *testing.T) {
	f := newTestFrame(0)
	f.WorldToCam = spatialmath.NewPoseFromPoint(r3.Vector{X: 1})
	f.FixLinearizationPoint()
	f.Backup()
	step := FrameVec{0.1, 0, 0, 0, 0, 0.05, 0.2, -1}
	f.ApplyStep(step)
	d := f.DeltaFromLin()
	for i := range d {
		test.That(t, d[i], test.ShouldAlmostEqual, step[i], 1e-9)
	}
	f.Restore()
	test.That(t, spatialmath.PoseAlmostEqual(f.WorldToCam, f.LinWorldToCam, 1e-12), test.ShouldBeTrue)

	f.SetPrior(false, 1, 1, 1, 1, -1, 0)
	test.That(t, f.Prior, test.ShouldResemble, FrameVec{0, 0, 0, 0, 0, 0, 1e14, 0})
	f.SetPrior(true, 2, 3, 4, 5, -1, 0)
	test.That(t, f.Prior, test.ShouldResemble, FrameVec{2, 2, 2, 3, 3, 3, 4, 5})
}

func texture(u, v float64) float64 {
	return 128 + 50*math.Sin(0.3*u+0.7*math.Sin(0.2*v)) + 30*math.Cos(0.25*v+0.1*u)
}

func renderShifted(w, h int, shift float64) *rimage.FloatImage {
	img := rimage.NewFloatImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, texture(float64(x)-shift, float64(y)))
		}
	}
	return img
}

func TestTraceOnFrontoParallelPlane(t *testing.T) {
	settings := config.Default()
	intr := &transform.PinholeCameraIntrinsics{Width: 160, Height: 120, Fx: 100, Fy: 100, Ppx: 80, Ppy: 60}
	const depth = 2.0
	tx := 0.1
	shift := intr.Fx * tx / depth

	host := newTestFrame(0)
	host.Pyramid = rimage.NewPyramid(renderShifted(160, 120, 0), 1)
	target := rimage.NewPyramid(renderShifted(160, 120, shift), 1)

	ip, ok := NewImmaturePoint(70, 55, 0, host, &settings)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, math.IsNaN(ip.IDepthMid()), test.ShouldBeTrue)

	status := ip.TraceOn(target.Level(0), spatialmath.NewPoseFromPoint(r3.Vector{X: tx}), 1, 0, intr, &settings)
	test.That(t, status, test.ShouldEqual, TraceGood)
	test.That(t, ip.LastTraceU, test.ShouldAlmostEqual, 70+shift, 0.3)
	test.That(t, ip.IDepthMin, test.ShouldBeLessThan, 1/depth+0.02)
	test.That(t, ip.IDepthMax, test.ShouldBeGreaterThan, 1/depth-0.02)
	test.That(t, ip.IDepthMid(), test.ShouldAlmostEqual, 1/depth, 0.05)

	_, ok = NewImmaturePoint(1, 1, 0, host, &settings)
	test.That(t, ok, test.ShouldBeFalse)

	edge, ok := NewImmaturePoint(155, 60, 0, host, &settings)
	test.That(t, ok, test.ShouldBeTrue)
	status = edge.TraceOn(target.Level(0), spatialmath.NewPoseFromPoint(r3.Vector{X: tx}), 1, 0, intr, &settings)
	test.That(t, status, test.ShouldEqual, TraceOOB)
	// OOB is final
	test.That(t, edge.TraceOn(target.Level(0), spatialmath.NewZeroPose(), 1, 0, intr, &settings), test.ShouldEqual, TraceOOB)
}
