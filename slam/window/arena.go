package window

import "fmt"

// Handle identifies an element of an Arena. Removing an element invalidates every handle to it,
// even after the slot is reused. The zero Handle is never valid.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero returns whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.index, h.gen)
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Arena is slot storage with free-list reuse and generation-tagged handles.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	a.live++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.live = true
		s.val = v
		return Handle{index: idx, gen: s.gen}
	}
	a.slots = append(a.slots, slot[T]{gen: 1, live: true, val: v})
	return Handle{index: uint32(len(a.slots) - 1), gen: 1}
}

// Get returns the element for h; ok is false for stale or zero handles.
func (a *Arena[T]) Get(h Handle) (T, bool) {
	if !a.Contains(h) {
		var zero T
		return zero, false
	}
	return a.slots[h.index].val, true
}

// Contains returns whether h refers to a live element.
func (a *Arena[T]) Contains(h Handle) bool {
	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[h.index]
	return s.live && s.gen == h.gen
}

// Remove deletes the element for h and returns it.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	var zero T
	if !a.Contains(h) {
		return zero, false
	}
	s := &a.slots[h.index]
	v := s.val
	s.val = zero
	s.live = false
	s.gen++
	a.free = append(a.free, h.index)
	a.live--
	return v, true
}

// Len returns the number of live elements.
func (a *Arena[T]) Len() int {
	return a.live
}

// All returns live elements in slot order.
func (a *Arena[T]) All() []T {
	out := make([]T, 0, a.live)
	for i := range a.slots {
		if a.slots[i].live {
			out = append(out, a.slots[i].val)
		}
	}
	return out
}

// Handles returns handles of live elements in slot order.
func (a *Arena[T]) Handles() []Handle {
	out := make([]Handle, 0, a.live)
	for i := range a.slots {
		if a.slots[i].live {
			out = append(out, Handle{index: uint32(i), gen: a.slots[i].gen})
		}
	}
	return out
}

// RemoveHandle deletes h from list by swapping the last element into its place. The order of
// the remaining handles changes.
func RemoveHandle(list []Handle, h Handle) ([]Handle, bool) {
	for i, cur := range list {
		if cur == h {
			last := len(list) - 1
			list[i] = list[last]
			return list[:last], true
		}
	}
	return list, false
}
