package sensor

import (
	"context"

	"github.com/iotproject/edgecast/helpers"
)

// Board samples DHT20 and BH1750 sharing one I2C bus.
type Board struct {
	Climate *DHT20
	Light   *BH1750
}

func NewBoard(bus Bus) *Board {
	return &Board{Climate: NewDHT20(bus), Light: NewBH1750(bus)}
}

func (b *Board) Sample(ctx context.Context) (Sample, error) {
	var s Sample
	var errClimate, errLight error
	s.Temperature, s.Humidity, errClimate = b.Climate.Read(ctx)
	s.Light, errLight = b.Light.Read(ctx)
	return s, helpers.FoldErrors([]error{errClimate, errLight})
}
