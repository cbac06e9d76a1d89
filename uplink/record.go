package uplink

import (
	"math"
	"strconv"
)

// Record is telemetry JSON published per processed frame.
// Numbers have exactly 2 decimals, non-finite values are null.
type Record struct {
	Temperature           float32
	PredictingTemperature float32
	Humidity              float32
	PredictingHumidity    float32
	Light                 float32
}

func (r *Record) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 128)
	b = append(b, `{"temperature":`...)
	b = appendFixed2(b, r.Temperature)
	b = append(b, `,"predicting_temperature":`...)
	b = appendFixed2(b, r.PredictingTemperature)
	b = append(b, `,"humidity":`...)
	b = appendFixed2(b, r.Humidity)
	b = append(b, `,"predicting_humidity":`...)
	b = appendFixed2(b, r.PredictingHumidity)
	b = append(b, `,"light":`...)
	b = appendFixed2(b, r.Light)
	b = append(b, '}')
	return b, nil
}

// Finite reports false if any field is NaN or Inf.
func (r *Record) Finite() bool {
	for _, v := range [...]float32{r.Temperature, r.PredictingTemperature, r.Humidity, r.PredictingHumidity, r.Light} {
		if !isFinite(v) {
			return false
		}
	}
	return true
}

func appendFixed2(b []byte, v float32) []byte {
	if !isFinite(v) {
		return append(b, "null"...)
	}
	return strconv.AppendFloat(b, float64(v), 'f', 2, 32)
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
