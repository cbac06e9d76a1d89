// Package forecast keeps per metric sliding windows and runs short horizon models on them.
//
// Gating counts pushes, not frames: model runs from the Nth pushed reading on.
// Callers that skip non-finite readings (aggregator does) delay the first inference
// by one frame per skipped reading.
package forecast

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
)

type Metric int

const (
	Temperature Metric = iota
	Humidity
)

func (m Metric) String() string {
	switch m {
	case Temperature:
		return "temperature"
	case Humidity:
		return "humidity"
	}
	return fmt.Sprintf("metric(%d)", int(m))
}

type InferenceError struct {
	Metric Metric
	Err    error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference metric=%s err=%v", e.Metric, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func IsInferenceError(e error) bool {
	_, ok := errors.Cause(e).(*InferenceError)
	return ok
}

// Session owns model with preallocated input/output buffers.
type Session struct {
	metric Metric
	model  Model
	mu     sync.Mutex
	input  []float32
	output []float32
}

// NewSession fails when model is built for other schema version
// or cannot take window of n values producing single value.
func NewSession(metric Metric, model Model, n int) (*Session, error) {
	if model == nil {
		return nil, errors.NotValidf("%s model missing", metric)
	}
	if v := model.SchemaVersion(); v != SchemaVersion {
		return nil, errors.NotSupportedf("%s model schema version=%d runtime=%d", metric, v, SchemaVersion)
	}
	if in := model.InputSize(); in != n {
		return nil, errors.NotValidf("%s model input=%d window=%d", metric, in, n)
	}
	if out := model.OutputSize(); out != 1 {
		return nil, errors.NotValidf("%s model output=%d expected=1", metric, out)
	}
	return &Session{
		metric: metric,
		model:  model,
		input:  make([]float32, n),
		output: make([]float32, 1),
	}, nil
}

// Infer runs model over window contents.
func (s *Session) Infer(w *Window) (float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.Len() != len(s.input) {
		return 0, &InferenceError{Metric: s.metric, Err: errors.Errorf("window length=%d expected=%d", w.Len(), len(s.input))}
	}
	s.input = w.Snapshot(s.input)
	if err := s.model.Invoke(s.input, s.output); err != nil {
		return 0, &InferenceError{Metric: s.metric, Err: err}
	}
	return s.output[0], nil
}

// Engine holds one session per forecast metric.
type Engine struct {
	n        int
	sessions [2]*Session
}

func NewEngine(n int, temperature, humidity Model) (*Engine, error) {
	e := &Engine{n: n}
	var err error
	if e.sessions[Temperature], err = NewSession(Temperature, temperature, n); err != nil {
		return nil, errors.Trace(err)
	}
	if e.sessions[Humidity], err = NewSession(Humidity, humidity, n); err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// WindowSize is input length expected by all sessions.
func (e *Engine) WindowSize() int { return e.n }

func (e *Engine) Session(m Metric) *Session { return e.sessions[m] }

// Step pushes raw reading into w and returns forecast.
// Until w saturates forecast is raw and model is not invoked (inferred=false).
// On inference failure returned forecast is raw and err is *InferenceError.
func (e *Engine) Step(m Metric, w *Window, raw float32) (forecast float32, inferred bool, err error) {
	w.Push(raw)
	if !w.IsSaturated() {
		return raw, false, nil
	}
	v, err := e.sessions[m].Infer(w)
	if err != nil {
		return raw, false, err
	}
	return v, true, nil
}
