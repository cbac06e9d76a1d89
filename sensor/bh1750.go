package sensor

import (
	"context"
	"time"

	"github.com/iotproject/edgecast/helpers"
	"github.com/juju/errors"
)

const (
	BH1750Addr        uint16 = 0x23
	bh1750OneTimeHigh byte   = 0x20
	bh1750MeasureTime        = 180 * time.Millisecond
)

// BH1750 ambient light sensor in one-time high resolution mode.
type BH1750 struct {
	Bus   Bus
	Addr  uint16
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewBH1750(bus Bus) *BH1750 {
	return &BH1750{Bus: bus, Addr: BH1750Addr, Sleep: helpers.SleepContext}
}

// Read returns illuminance in lux.
func (d *BH1750) Read(ctx context.Context) (float32, error) {
	if err := d.Bus.Tx(d.Addr, []byte{bh1750OneTimeHigh}, nil); err != nil {
		return nan32, errors.Annotate(err, "BH1750 measure")
	}
	if err := d.Sleep(ctx, bh1750MeasureTime); err != nil {
		return nan32, errors.Trace(err)
	}
	var b [2]byte
	if err := d.Bus.Tx(d.Addr, nil, b[:]); err != nil {
		return nan32, errors.Annotate(err, "BH1750 read")
	}
	raw := uint16(b[0])<<8 | uint16(b[1])
	return float32(float64(raw) / 1.2), nil
}
