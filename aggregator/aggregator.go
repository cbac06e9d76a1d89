// Package aggregator runs edge device main cycle:
// take next ready sender frame, update its windows, forecast, publish.
package aggregator

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/iotproject/edgecast/forecast"
	"github.com/iotproject/edgecast/helpers/atomic_clock"
	"github.com/iotproject/edgecast/helpers/atomic_float"
	"github.com/iotproject/edgecast/link"
	"github.com/iotproject/edgecast/log2"
	"github.com/iotproject/edgecast/uplink"
	"github.com/juju/errors"
)

type State int32

const (
	Idle State = iota
	Processing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// per sender pipeline state, windows are touched only by main cycle
type sender struct {
	addr        link.Address
	temperature *forecast.Window
	humidity    *forecast.Window

	processed     atomic.Uint32
	duplicates    atomic.Uint32
	lastSequence  atomic.Int32
	lastProcessed atomic_clock.Clock
	saturated     atomic.Bool
	last          [4]atomic_float.F32 // temperature, forecast, humidity, forecast
}

type Config struct {
	// StatusInterval=0 disables periodic status log.
	StatusInterval time.Duration
}

type Aggregator struct {
	log      *log2.Log
	c        Config
	dispatch *link.Dispatcher
	engine   *forecast.Engine
	uplink   *uplink.Session
	senders  []*sender
	state    atomic.Int32

	inferenceErrors atomic.Uint32
	nonFinite       atomic.Uint32

	// OnRecord is called after publish attempt, from main cycle.
	OnRecord func(addr link.Address, f *link.Frame, r *uplink.Record)
}

func New(log *log2.Log, c Config, dispatch *link.Dispatcher, engine *forecast.Engine, session *uplink.Session) *Aggregator {
	a := &Aggregator{
		log:      log,
		c:        c,
		dispatch: dispatch,
		engine:   engine,
		uplink:   session,
	}
	n := engine.WindowSize()
	for _, slot := range dispatch.Slots() {
		s := &sender{
			addr:        slot.Address,
			temperature: forecast.NewWindow(n),
			humidity:    forecast.NewWindow(n),
		}
		s.lastSequence.Store(link.NoAck)
		a.senders = append(a.senders, s)
	}
	return a
}

func (a *Aggregator) State() State { return State(a.state.Load()) }

// Run processes frames until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	a.log.Debugf("aggregator run senders=%d", len(a.senders))
	var status <-chan time.Time
	if a.c.StatusInterval > 0 {
		tmr := time.NewTicker(a.c.StatusInterval)
		defer tmr.Stop()
		status = tmr.C
	}
	for {
		for {
			ok, err := a.Step(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.log.Error(err)
			}
			if !ok {
				break
			}
		}
		select {
		case <-a.dispatch.Wake():
		case <-status:
			a.logStatus()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Step handles at most one ready sender, first in allow list order.
// Returns false when no sender was ready.
func (a *Aggregator) Step(ctx context.Context) (bool, error) {
	idx, f, ok := a.dispatch.Next()
	if !ok {
		return false, nil
	}
	a.state.Store(int32(Processing))
	defer a.state.Store(int32(Idle))
	_, err := a.process(ctx, a.senders[idx], &f)
	return true, err
}

func (a *Aggregator) process(ctx context.Context, s *sender, f *link.Frame) (uplink.Record, error) {
	r := uplink.Record{Temperature: f.Temperature, Humidity: f.Humidity, Light: f.Light}
	if s.processed.Load() != 0 {
		// link ack lost, node resent the same frame
		if last := s.lastSequence.Load(); f.Sequence == last {
			s.duplicates.Add(1)
			a.log.Debugf("sender=%s seq=%d duplicate dropped", s.addr, f.Sequence)
			return r, nil
		} else if f.Sequence < last {
			a.log.Infof("sender=%s seq=%d after seq=%d, node restarted", s.addr, f.Sequence, last)
		}
	}
	// blocks whole cycle until connected
	if err := a.uplink.Ensure(ctx, f.Credential); err != nil {
		return r, errors.Annotatef(err, "sender=%s seq=%d", s.addr, f.Sequence)
	}

	r.PredictingTemperature = a.forecast(s, forecast.Temperature, s.temperature, f.Temperature)
	r.PredictingHumidity = a.forecast(s, forecast.Humidity, s.humidity, f.Humidity)
	s.saturated.Store(s.temperature.IsSaturated() && s.humidity.IsSaturated())

	if !r.Finite() {
		a.nonFinite.Add(1)
		a.log.Errorf("sender=%s seq=%d non-finite values published as null record=%+v", s.addr, f.Sequence, r)
	}
	payload, _ := r.MarshalJSON()
	a.log.Debugf("sender=%s seq=%d publish %s", s.addr, f.Sequence, payload)
	// failure is logged by session, next cycle reconnects anyway
	_ = a.uplink.Publish(ctx, payload)

	s.processed.Add(1)
	s.lastSequence.Store(f.Sequence)
	s.lastProcessed.SetNow()
	s.last[0].Store(r.Temperature)
	s.last[1].Store(r.PredictingTemperature)
	s.last[2].Store(r.Humidity)
	s.last[3].Store(r.PredictingHumidity)
	if a.OnRecord != nil {
		a.OnRecord(s.addr, f, &r)
	}
	return r, nil
}

// Non-finite readings never enter windows, so each one postpones window saturation by a frame.
func (a *Aggregator) forecast(s *sender, m forecast.Metric, w *forecast.Window, raw float32) float32 {
	if math.IsNaN(float64(raw)) || math.IsInf(float64(raw), 0) {
		return raw
	}
	v, _, err := a.engine.Step(m, w, raw)
	if err != nil {
		a.inferenceErrors.Add(1)
		a.log.Errorf("sender=%s %v, publishing raw value", s.addr, err)
	}
	return v
}

type SenderStatus struct {
	Address               link.Address
	Received              uint32
	Overwritten           uint32
	Processed             uint32
	Duplicates            uint32
	LastSequence          int32
	LastSeen              time.Time
	LastProcessed         time.Time
	Saturated             bool
	Temperature           float32
	PredictingTemperature float32
	Humidity              float32
	PredictingHumidity    float32
}

func (s SenderStatus) String() string {
	if s.Processed == 0 {
		return fmt.Sprintf("sender=%s received=%d waiting", s.Address, s.Received)
	}
	return fmt.Sprintf("sender=%s received=%d overwritten=%d processed=%d duplicates=%d seq=%d seen=%s done=%s saturated=%t t=%.2f/%.2f h=%.2f/%.2f",
		s.Address, s.Received, s.Overwritten, s.Processed, s.Duplicates, s.LastSequence, s.LastSeen.Format(time.RFC3339),
		s.LastProcessed.Format(time.RFC3339), s.Saturated, s.Temperature, s.PredictingTemperature, s.Humidity, s.PredictingHumidity)
}

// Status is safe to call concurrently with Run.
func (a *Aggregator) Status() []SenderStatus {
	slots := a.dispatch.Slots()
	ss := make([]SenderStatus, len(a.senders))
	for i, s := range a.senders {
		received, overwritten := slots[i].Stats()
		ss[i] = SenderStatus{
			Address:               s.addr,
			Received:              received,
			Overwritten:           overwritten,
			Processed:             s.processed.Load(),
			Duplicates:            s.duplicates.Load(),
			LastSequence:          s.lastSequence.Load(),
			LastSeen:              slots[i].LastSeen.Time(),
			LastProcessed:         s.lastProcessed.Time(),
			Saturated:             s.saturated.Load(),
			Temperature:           s.last[0].Load(),
			PredictingTemperature: s.last[1].Load(),
			Humidity:              s.last[2].Load(),
			PredictingHumidity:    s.last[3].Load(),
		}
	}
	return ss
}

func (a *Aggregator) logStatus() {
	for _, s := range a.Status() {
		a.log.Info(s.String())
	}
	us := a.uplink.Stats()
	unknown, malformed := a.dispatch.Stats()
	a.log.Infof("uplink connects=%d errors=%d published=%d failed=%d link unknown=%d malformed=%d",
		us.Connects, us.ConnectErrors, us.Published, us.PublishErrors, unknown, malformed)
}

func (a *Aggregator) Stats() (inferenceErrors, nonFinite uint32) {
	return a.inferenceErrors.Load(), a.nonFinite.Load()
}
