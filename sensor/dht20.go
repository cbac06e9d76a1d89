package sensor

import (
	"context"
	"time"

	"github.com/iotproject/edgecast/crc"
	"github.com/iotproject/edgecast/helpers"
	"github.com/juju/errors"
)

const (
	DHT20Addr        uint16 = 0x38
	dht20MeasureTime        = 80 * time.Millisecond
	dht20StatusBusy  byte   = 0x80
	dht20StatusCal   byte   = 0x18
)

// DHT20 is Aosong temperature and humidity sensor.
type DHT20 struct {
	Bus   Bus
	Addr  uint16
	Sleep func(ctx context.Context, d time.Duration) error
	ready bool
}

func NewDHT20(bus Bus) *DHT20 {
	return &DHT20{Bus: bus, Addr: DHT20Addr, Sleep: helpers.SleepContext}
}

// Read returns temperature in Celsius and relative humidity in percent.
func (d *DHT20) Read(ctx context.Context) (temperature, humidity float32, err error) {
	if !d.ready {
		var status [1]byte
		if err = d.Bus.Tx(d.Addr, []byte{0x71}, status[:]); err != nil {
			return nan32, nan32, errors.Annotate(err, "DHT20 status")
		}
		if status[0]&dht20StatusCal != dht20StatusCal {
			return nan32, nan32, errors.Errorf("DHT20 not calibrated status=%02x", status[0])
		}
		d.ready = true
	}
	if err = d.Bus.Tx(d.Addr, []byte{0xac, 0x33, 0x00}, nil); err != nil {
		return nan32, nan32, errors.Annotate(err, "DHT20 trigger")
	}
	if err = d.Sleep(ctx, dht20MeasureTime); err != nil {
		return nan32, nan32, errors.Trace(err)
	}
	var b [7]byte
	if err = d.Bus.Tx(d.Addr, nil, b[:]); err != nil {
		return nan32, nan32, errors.Annotate(err, "DHT20 read")
	}
	return ParseDHT20(b[:])
}

// ParseDHT20 decodes status, 20 bit humidity, 20 bit temperature and CRC.
func ParseDHT20(b []byte) (temperature, humidity float32, err error) {
	if len(b) != 7 {
		return nan32, nan32, errors.NotValidf("DHT20 response length=%d", len(b))
	}
	if b[0]&dht20StatusBusy != 0 {
		return nan32, nan32, errors.Errorf("DHT20 busy status=%02x", b[0])
	}
	if c := crc.Sensor(b[:6]); c != b[6] {
		return nan32, nan32, errors.NotValidf("DHT20 crc=%02x expected=%02x", b[6], c)
	}
	rawH := uint32(b[1])<<12 | uint32(b[2])<<4 | uint32(b[3])>>4
	rawT := uint32(b[3]&0x0f)<<16 | uint32(b[4])<<8 | uint32(b[5])
	humidity = float32(float64(rawH) / (1 << 20) * 100)
	temperature = float32(float64(rawT)/(1<<20)*200 - 50)
	return temperature, humidity, nil
}
