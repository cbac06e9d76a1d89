// Package atomic_float stores float32 readings for lock free status snapshots.
package atomic_float

import (
	"math"
	"sync/atomic"
)

type F32 struct{ bits atomic.Uint32 }

func (f *F32) Load() float32     { return math.Float32frombits(f.bits.Load()) }
func (f *F32) Store(new float32) { f.bits.Store(math.Float32bits(new)) }
func (f *F32) Swap(new float32) float32 {
	return math.Float32frombits(f.bits.Swap(math.Float32bits(new)))
}

// Add returns updated value.
func (f *F32) Add(delta float32) float32 {
	for {
		oldbits := f.bits.Load()
		newbits := math.Float32bits(math.Float32frombits(oldbits) + delta)
		if f.bits.CompareAndSwap(oldbits, newbits) {
			return math.Float32frombits(newbits)
		}
	}
}
