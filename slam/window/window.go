// Package window holds the data model of the sliding window: keyframes, active points and the
// residuals between them, stored in generation-tagged arenas.
package window

import (
	"github.com/pkg/errors"
)

// ErrWindowFull is returned when a keyframe is added to a window that is at its size bound.
var ErrWindowFull = errors.New("active window is full")

// Window is the bounded ordered set of keyframes with their points and residuals. Every residual
// refers to a live point and two live frames; removing a frame or point removes every residual
// touching it. A Window is not safe for concurrent mutation.
type Window struct {
	maxFrames int

	frames    Arena[*Frame]
	order     []*Frame
	points    Arena[*Point]
	residuals Arena[*Residual]
}

// New returns an empty window holding at most maxFrames keyframes.
func New(maxFrames int) *Window {
	return &Window{maxFrames: maxFrames}
}

// MaxFrames returns the size bound.
func (w *Window) MaxFrames() int {
	return w.maxFrames
}

// AddFrame appends a keyframe as the newest frame of the window.
func (w *Window) AddFrame(f *Frame) error {
	if len(w.order) >= w.maxFrames {
		return errors.Wrapf(ErrWindowFull, "cannot add keyframe %d to window of %d", f.Shell.ID, w.maxFrames)
	}
	if !f.handle.IsZero() {
		return errors.Errorf("frame %d is already in a window", f.Shell.ID)
	}
	f.handle = w.frames.Insert(f)
	f.idx = len(w.order)
	w.order = append(w.order, f)
	return nil
}

// Frames returns the keyframes from oldest to newest. The slice is owned by the caller.
func (w *Window) Frames() []*Frame {
	out := make([]*Frame, len(w.order))
	copy(out, w.order)
	return out
}

// FrameAt returns the keyframe at window position idx.
func (w *Window) FrameAt(idx int) *Frame {
	return w.order[idx]
}

// Frame returns the keyframe for h, or nil if it left the window.
func (w *Window) Frame(h Handle) *Frame {
	f, _ := w.frames.Get(h)
	return f
}

// Newest returns the newest keyframe, or nil for an empty window.
func (w *Window) Newest() *Frame {
	if len(w.order) == 0 {
		return nil
	}
	return w.order[len(w.order)-1]
}

// NumFrames returns the number of keyframes.
func (w *Window) NumFrames() int {
	return len(w.order)
}

// AddPoint inserts p hosted by host.
func (w *Window) AddPoint(host *Frame, p *Point) (Handle, error) {
	if !w.frames.Contains(host.handle) {
		return Handle{}, errors.New("host frame is not in the window")
	}
	p.Host = host.handle
	p.handle = w.points.Insert(p)
	host.Points = append(host.Points, p.handle)
	return p.handle, nil
}

// Point returns the point for h, or nil if it was removed.
func (w *Window) Point(h Handle) *Point {
	p, _ := w.points.Get(h)
	return p
}

// Points returns all active points.
func (w *Window) Points() []*Point {
	return w.points.All()
}

// NumPoints returns the number of active points.
func (w *Window) NumPoints() int {
	return w.points.Len()
}

// AddResidual inserts r. Its point and both frames must be members of the window.
func (w *Window) AddResidual(r *Residual) (Handle, error) {
	p := w.Point(r.Point)
	if p == nil {
		return Handle{}, errors.New("residual point is not in the window")
	}
	if r.Host != p.Host || !w.frames.Contains(r.Host) {
		return Handle{}, errors.New("residual host frame is not the live host of its point")
	}
	if !w.frames.Contains(r.Target) {
		return Handle{}, errors.New("residual target frame is not in the window")
	}
	if r.Target == r.Host {
		return Handle{}, errors.New("residual cannot target its host frame")
	}
	r.handle = w.residuals.Insert(r)
	p.Residuals = append(p.Residuals, r.handle)
	return r.handle, nil
}

// Residual returns the residual for h, or nil if it was removed.
func (w *Window) Residual(h Handle) *Residual {
	r, _ := w.residuals.Get(h)
	return r
}

// Residuals returns all residuals.
func (w *Window) Residuals() []*Residual {
	return w.residuals.All()
}

// NumResiduals returns the number of residuals.
func (w *Window) NumResiduals() int {
	return w.residuals.Len()
}

// RemoveResidual removes one residual and detaches it from its point. A last residual entry
// referring to it keeps its state.
func (w *Window) RemoveResidual(h Handle) {
	r, ok := w.residuals.Remove(h)
	if !ok {
		return
	}
	if p := w.Point(r.Point); p != nil {
		p.Residuals, _ = RemoveHandle(p.Residuals, h)
		for i := range p.LastResiduals {
			if p.LastResiduals[i].Residual == h {
				p.LastResiduals[i].Residual = Handle{}
			}
		}
	}
	r.handle = Handle{}
}

// RemovePoint removes a point together with all its residuals.
func (w *Window) RemovePoint(h Handle) {
	p := w.Point(h)
	if p == nil {
		return
	}
	for len(p.Residuals) > 0 {
		w.RemoveResidual(p.Residuals[len(p.Residuals)-1])
	}
	if host := w.Frame(p.Host); host != nil {
		host.Points, _ = RemoveHandle(host.Points, h)
	}
	w.points.Remove(h)
	p.handle = Handle{}
}

// RemoveFrame removes a keyframe, the points it hosts and every residual targeting it. The
// remaining frames keep their order.
func (w *Window) RemoveFrame(f *Frame) {
	if !w.frames.Contains(f.handle) {
		return
	}
	for len(f.Points) > 0 {
		w.RemovePoint(f.Points[len(f.Points)-1])
	}
	for _, rh := range w.residuals.Handles() {
		if r := w.Residual(rh); r != nil && r.Target == f.handle {
			w.RemoveResidual(rh)
		}
	}
	w.frames.Remove(f.handle)
	w.order = append(w.order[:f.idx], w.order[f.idx+1:]...)
	for i, other := range w.order {
		other.idx = i
	}
	f.handle = Handle{}
	f.idx = -1
}

// ResidualsTargeting returns the residuals whose target is f.
func (w *Window) ResidualsTargeting(f *Frame) []*Residual {
	var out []*Residual
	for _, r := range w.residuals.All() {
		if r.Target == f.handle {
			out = append(out, r)
		}
	}
	return out
}

// CheckClosure verifies the referential invariants of the window: every residual refers to a
// live point and two live frames, every point to a live host, and the owner lists match.
func (w *Window) CheckClosure() error {
	if len(w.order) > w.maxFrames {
		return errors.Errorf("window holds %d frames, bound is %d", len(w.order), w.maxFrames)
	}
	if len(w.order) != w.frames.Len() {
		return errors.Errorf("window order has %d frames, arena has %d", len(w.order), w.frames.Len())
	}
	for i, f := range w.order {
		if f.idx != i {
			return errors.Errorf("frame %d has index %d at position %d", f.Shell.ID, f.idx, i)
		}
		if got := w.Frame(f.handle); got != f {
			return errors.Errorf("frame %d has a stale handle %s", f.Shell.ID, f.handle)
		}
		for _, ph := range f.Points {
			p := w.Point(ph)
			if p == nil {
				return errors.Errorf("frame %d lists removed point %s", f.Shell.ID, ph)
			}
			if p.Host != f.handle {
				return errors.Errorf("frame %d lists point %s hosted elsewhere", f.Shell.ID, ph)
			}
		}
	}
	numListed := 0
	for _, p := range w.points.All() {
		host := w.Frame(p.Host)
		if host == nil {
			return errors.Errorf("point %s has no live host", p.handle)
		}
		numListed += len(p.Residuals)
		for _, rh := range p.Residuals {
			r := w.Residual(rh)
			if r == nil {
				return errors.Errorf("point %s lists removed residual %s", p.handle, rh)
			}
			if r.Point != p.handle {
				return errors.Errorf("point %s lists residual %s of another point", p.handle, rh)
			}
		}
	}
	for _, ph := range w.points.Handles() {
		found := false
		p := w.Point(ph)
		for _, listed := range w.Frame(p.Host).Points {
			if listed == ph {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("point %s missing from its host list", ph)
		}
	}
	for _, r := range w.residuals.All() {
		if w.Point(r.Point) == nil {
			return errors.Errorf("residual %s has a dangling point", r.handle)
		}
		if w.Frame(r.Host) == nil || w.Frame(r.Target) == nil {
			return errors.Errorf("residual %s has a dangling frame", r.handle)
		}
		if w.Point(r.Point).Host != r.Host {
			return errors.Errorf("residual %s host differs from its point host", r.handle)
		}
	}
	if numListed != w.residuals.Len() {
		return errors.Errorf("points list %d residuals, arena has %d", numListed, w.residuals.Len())
	}
	return nil
}

// Clear removes everything from the window.
func (w *Window) Clear() {
	for len(w.order) > 0 {
		w.RemoveFrame(w.order[len(w.order)-1])
	}
}
