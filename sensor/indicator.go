package sensor

import (
	"context"
	"time"

	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
	"github.com/temoto/gpio-cdev-go"
)

const DefaultBlinkInterval = time.Second

// Indicator blinks status LED on GPIO output line.
// Nil Indicator is valid and does nothing.
type Indicator struct {
	log      *log2.Log
	chip     gpio.Chiper
	lines    gpio.Lineser
	set      gpio.LineSetFunc
	on       bool
	interval time.Duration
}

// OpenIndicator takes ownership of chip, LED starts lit.
func OpenIndicator(log *log2.Log, chip gpio.Chiper, line uint32, interval time.Duration) (*Indicator, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "edgecast-led", line)
	if err != nil {
		return nil, errors.Annotatef(err, "indicator OpenLines line=%d", line)
	}
	if interval <= 0 {
		interval = DefaultBlinkInterval
	}
	ind := &Indicator{
		log:      log,
		chip:     chip,
		lines:    lines,
		set:      lines.SetFunc(line),
		interval: interval,
	}
	if err = ind.Set(true); err != nil {
		_ = lines.Close()
		return nil, err
	}
	return ind, nil
}

func (ind *Indicator) Set(on bool) error {
	if ind == nil {
		return nil
	}
	var v byte
	if on {
		v = 1
	}
	ind.set(v)
	if err := ind.lines.Flush(); err != nil {
		return errors.Annotate(err, "indicator flush")
	}
	ind.on = on
	return nil
}

func (ind *Indicator) Toggle() error {
	if ind == nil {
		return nil
	}
	return ind.Set(!ind.on)
}

// Run toggles LED every interval until ctx is done.
func (ind *Indicator) Run(ctx context.Context) error {
	if ind == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	tmr := time.NewTicker(ind.interval)
	defer tmr.Stop()
	for {
		select {
		case <-tmr.C:
			if err := ind.Toggle(); err != nil {
				ind.log.Error(err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ind *Indicator) Close() error {
	if ind == nil {
		return nil
	}
	_ = ind.Set(false)
	err := ind.lines.Close()
	if e := ind.chip.Close(); err == nil {
		err = e
	}
	return errors.Annotate(err, "indicator close")
}
