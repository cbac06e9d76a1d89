package forecast

// Window keeps the most recent readings of one metric, oldest first.
// Capacity is fixed. Once capacity pushes happened, window stays saturated.
type Window struct {
	values []float32
	pushes uint64
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		panic("code error window capacity must be positive")
	}
	return &Window{values: make([]float32, 0, capacity)}
}

func (w *Window) Cap() int { return cap(w.values) }
func (w *Window) Len() int { return len(w.values) }

// Pushes is lifetime count, never decreases.
func (w *Window) Pushes() uint64 { return w.pushes }

func (w *Window) IsSaturated() bool { return w.pushes >= uint64(cap(w.values)) }

func (w *Window) Push(v float32) {
	if len(w.values) < cap(w.values) {
		w.values = append(w.values, v)
	} else {
		copy(w.values, w.values[1:])
		w.values[len(w.values)-1] = v
	}
	w.pushes++
}

// Snapshot copies values oldest first into dst, returns dst[:Len()].
// dst is reallocated if too short.
func (w *Window) Snapshot(dst []float32) []float32 {
	if cap(dst) < len(w.values) {
		dst = make([]float32, len(w.values))
	}
	dst = dst[:len(w.values)]
	copy(dst, w.values)
	return dst
}
