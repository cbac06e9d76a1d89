package forecast

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/juju/errors"
)

// SchemaVersion is model format version this runtime understands.
const SchemaVersion = 3

// Model is opaque numeric function. Invoke reads input, writes output,
// both sized per InputSize/OutputSize.
type Model interface {
	SchemaVersion() int
	InputSize() int
	OutputSize() int
	Invoke(input, output []float32) error
}

// Layer is fully connected layer: out[j] = bias[j] + sum(in[i] * weights[j*inputs+i]).
type Layer struct {
	Units   int       `hcl:"units"`
	Weights []float64 `hcl:"weights"`
	Bias    []float64 `hcl:"bias"`
	Relu    bool      `hcl:"relu"`
}

// LayerConfig is Layer as written in config file.
// Weights and bias are comma separated numbers: hcl v1 cannot decode a list
// inside repeated block.
type LayerConfig struct {
	Units   int    `hcl:"units"`
	Weights string `hcl:"weights"`
	Bias    string `hcl:"bias"`
	Relu    bool   `hcl:"relu"`
}

func (c *LayerConfig) Layer() (Layer, error) {
	w, err := ParseNumbers(c.Weights)
	if err != nil {
		return Layer{}, errors.Annotate(err, "weights")
	}
	b, err := ParseNumbers(c.Bias)
	if err != nil {
		return Layer{}, errors.Annotate(err, "bias")
	}
	return Layer{Units: c.Units, Weights: w, Bias: b, Relu: c.Relu}, nil
}

// ModelConfig describes Dense model in config file.
type ModelConfig struct {
	Name    string        `hcl:"name,key"`
	Version int           `hcl:"version"`
	Layers  []LayerConfig `hcl:"layer"`
}

func (c *ModelConfig) Build(inputs int) (*Dense, error) {
	layers := make([]Layer, len(c.Layers))
	for i := range c.Layers {
		l, err := c.Layers[i].Layer()
		if err != nil {
			return nil, errors.Annotatef(err, "model=%s layer=%d", c.Name, i)
		}
		layers[i] = l
	}
	m, err := NewDense(c.Version, inputs, layers)
	return m, errors.Annotatef(err, "model=%s", c.Name)
}

// ParseNumbers accepts numbers separated by commas and/or spaces. Empty string is nil.
func ParseNumbers(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	if len(fields) == 0 {
		return nil, nil
	}
	xs := make([]float64, len(fields))
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errors.NotValidf("number=%d %q", i, f)
		}
		xs[i] = x
	}
	return xs, nil
}

// MovingAverage is single layer Dense averaging the window.
func MovingAverage(n int) *Dense {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	m, err := NewDense(SchemaVersion, n, []Layer{{Units: 1, Weights: w}})
	if err != nil {
		panic("code error " + err.Error())
	}
	return m
}

// Dense is sequence of fully connected layers over flat input vector.
type Dense struct {
	version int
	inputs  int
	layers  []denseLayer
	scratch [2][]float32
}

type denseLayer struct {
	inputs  int
	units   int
	weights []float32
	bias    []float32
	relu    bool
}

func NewDense(version, inputs int, layers []Layer) (*Dense, error) {
	if inputs <= 0 {
		return nil, errors.NotValidf("dense inputs=%d", inputs)
	}
	if len(layers) == 0 {
		return nil, errors.NotValidf("dense without layers")
	}
	m := &Dense{version: version, inputs: inputs, layers: make([]denseLayer, len(layers))}
	width, maxWidth := inputs, inputs
	for i, l := range layers {
		if l.Units <= 0 {
			return nil, errors.NotValidf("layer=%d units=%d", i, l.Units)
		}
		if len(l.Weights) != width*l.Units {
			return nil, errors.NotValidf("layer=%d weights=%d expected=%d", i, len(l.Weights), width*l.Units)
		}
		if len(l.Bias) != 0 && len(l.Bias) != l.Units {
			return nil, errors.NotValidf("layer=%d bias=%d expected=%d", i, len(l.Bias), l.Units)
		}
		dl := denseLayer{
			inputs:  width,
			units:   l.Units,
			weights: toFloat32(l.Weights),
			bias:    make([]float32, l.Units),
			relu:    l.Relu,
		}
		copy(dl.bias, toFloat32(l.Bias))
		m.layers[i] = dl
		width = l.Units
		if width > maxWidth {
			maxWidth = width
		}
	}
	m.scratch[0] = make([]float32, maxWidth)
	m.scratch[1] = make([]float32, maxWidth)
	return m, nil
}

func (m *Dense) SchemaVersion() int { return m.version }
func (m *Dense) InputSize() int     { return m.inputs }
func (m *Dense) OutputSize() int    { return m.layers[len(m.layers)-1].units }

// Not safe for concurrent use.
func (m *Dense) Invoke(input, output []float32) error {
	if len(input) != m.inputs || len(output) != m.OutputSize() {
		return errors.Errorf("dense invoke shape input=%d output=%d", len(input), len(output))
	}
	in := input
	for i, l := range m.layers {
		out := m.scratch[i%2][:l.units]
		if i == len(m.layers)-1 {
			out = output
		}
		for j := 0; j < l.units; j++ {
			acc := l.bias[j]
			row := l.weights[j*l.inputs : (j+1)*l.inputs]
			for k, x := range in {
				acc += x * row[k]
			}
			if l.relu && acc < 0 {
				acc = 0
			}
			out[j] = acc
		}
		in = out
	}
	return nil
}

func (m *Dense) String() string {
	return fmt.Sprintf("dense(version=%d inputs=%d layers=%d)", m.version, m.inputs, len(m.layers))
}

// ModelFunc adapts function of window to Model with single output.
type ModelFunc struct {
	Version int
	Inputs  int
	F       func(input []float32) (float32, error)
}

func (m ModelFunc) SchemaVersion() int { return m.Version }
func (m ModelFunc) InputSize() int     { return m.Inputs }
func (m ModelFunc) OutputSize() int    { return 1 }
func (m ModelFunc) Invoke(input, output []float32) error {
	v, err := m.F(input)
	output[0] = v
	return err
}

func toFloat32(xs []float64) []float32 {
	r := make([]float32, len(xs))
	for i, x := range xs {
		r[i] = float32(x)
	}
	return r
}
