package sensor

import (
	"github.com/juju/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

// Bus is I2C combined write-then-read transaction.
// Satisfied by periph i2c.Bus.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// OpenBus opens I2C bus by periph name, "" selects first available.
func OpenBus(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, errors.Annotatef(err, "I2C Open bus=%s", name)
	}
	return bus, nil
}
