package sensor

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/juju/errors"
)

var errSimFail = errors.New("simulated sensor failure")

// Sim is random walk around base values, for runs without hardware.
type Sim struct {
	mu   sync.Mutex
	rand *rand.Rand
	cur  Sample
	// FailEvery > 0 makes every n-th sample report missing temperature.
	FailEvery int
	n         int
}

func NewSim(seed int64, base Sample) *Sim {
	return &Sim{rand: rand.New(rand.NewSource(seed)), cur: base}
}

func (s *Sim) Sample(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Missing(), err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	s.cur.Temperature = walk(s.rand, s.cur.Temperature, 0.1, -40, 80)
	s.cur.Humidity = walk(s.rand, s.cur.Humidity, 0.5, 0, 100)
	s.cur.Light = walk(s.rand, s.cur.Light, 5, 0, 65535)
	out := s.cur
	if s.FailEvery > 0 && s.n%s.FailEvery == 0 {
		out.Temperature = nan32
		return out, errSimFail
	}
	return out, nil
}

func walk(r *rand.Rand, v, step, min, max float32) float32 {
	v += (r.Float32()*2 - 1) * step
	v = float32(math.Round(float64(v)*100) / 100)
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
