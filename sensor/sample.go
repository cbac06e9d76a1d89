// Package sensor implements sensor node: sampling, sequence numbering,
// reliable send to aggregator and status LED.
package sensor

import (
	"context"
	"fmt"
	"math"
)

// Sample field is NaN when its sensor failed to read.
type Sample struct {
	Temperature float32
	Humidity    float32
	Light       float32
}

var nan32 = float32(math.NaN())

func Missing() Sample { return Sample{nan32, nan32, nan32} }

func (s Sample) String() string {
	return fmt.Sprintf("t=%.2f h=%.2f l=%.2f", s.Temperature, s.Humidity, s.Light)
}

// Sampler returns partial sample with NaN fields and error describing failures.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

type SamplerFunc func(ctx context.Context) (Sample, error)

func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// Stale replaces missing fields with last good reading.
type Stale struct {
	last Sample
}

func NewStale() *Stale { return &Stale{last: Missing()} }

// Apply returns number of fields replaced from history.
func (s *Stale) Apply(x Sample) (Sample, int) {
	n := 0
	keep := func(v *float32, last *float32) {
		if isFinite(*v) {
			*last = *v
		} else {
			*v = *last
			n++
		}
	}
	keep(&x.Temperature, &s.last.Temperature)
	keep(&x.Humidity, &s.last.Humidity)
	keep(&x.Light, &s.last.Light)
	return x, n
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
