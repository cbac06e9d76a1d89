package node

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/iotproject/edgecast/cmd/edgecast/subcmd"
	"github.com/iotproject/edgecast/config"
	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/link"
	"github.com/iotproject/edgecast/link/udp"
	"github.com/iotproject/edgecast/log2"
	"github.com/iotproject/edgecast/persist"
	"github.com/iotproject/edgecast/sensor"
	"github.com/juju/errors"
	"github.com/temoto/gpio-cdev-go"
)

var Mod = subcmd.Mod{Name: "node", Usage: "sample sensors and send frames to aggregator", Main: Main}

func Main(ctx context.Context, env *subcmd.Env) error {
	c := env.Config
	log := env.Log

	udpc, err := c.UDP()
	if err != nil {
		return errors.Annotate(err, "link config")
	}
	dst, err := c.NodeDestination()
	if err != nil {
		return errors.Trace(err)
	}
	if _, ok := udpc.Peers.Lookup(dst); !ok {
		return errors.NotFoundf("node destination=%s in link peers", dst)
	}

	sampler, closeSampler, err := newSampler(c)
	if err != nil {
		return errors.Annotate(err, "sensor init")
	}
	defer closeSampler()

	counter := &sensor.Counter{}
	p, err := persist.New(log.Named("persist"), "sequence", counter, c.Persist.Root)
	if err != nil {
		return errors.Trace(err)
	}
	if err = counter.Bind(p); err != nil {
		return errors.Annotate(err, "sequence restore")
	}

	drv, err := udp.Open(log.Named("link"), udpc)
	if err != nil {
		return errors.Annotate(err, "link init")
	}
	defer drv.Close()
	sender := link.NewSender(log.Named("link"), drv, dst, c.LinkRetry())
	n, err := sensor.NewNode(log, c.NodeConfig(), sampler, sender, counter)
	if err != nil {
		return errors.Trace(err)
	}

	log.Infof("node address=%s destination=%s next sequence=%d", udpc.Address, dst, counter.Peek())
	sensor.Start(ctx, env.Alive, n, openIndicator(log, c))
	subcmd.SdNotify(daemon.SdNotifyReady)
	env.Alive.Wait()
	log.Infof("node stats=%+v", n.Stats())
	return nil
}

func newSampler(c *config.Config) (sensor.Sampler, func(), error) {
	if c.Node.Simulate {
		return sensor.NewSim(time.Now().UnixNano(), sensor.Sample{Temperature: 25, Humidity: 60, Light: 300}), func() {}, nil
	}
	bus, err := sensor.OpenBus(c.Node.I2CBus)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return sensor.NewBoard(bus), func() { _ = bus.Close() }, nil
}

// LED is optional, failure is logged and node runs without it.
func openIndicator(log *log2.Log, c *config.Config) *sensor.Indicator {
	if c.Node.Led.Chip == "" {
		return nil
	}
	chip, err := gpio.Open(c.Node.Led.Chip, "edgecast")
	if err != nil {
		log.Errorf("indicator chip=%s err=%v", c.Node.Led.Chip, err)
		return nil
	}
	interval := helpers.IntMillisecondDefault(c.Node.Led.IntervalMs, sensor.DefaultBlinkInterval)
	ind, err := sensor.OpenIndicator(log.Named("led"), chip, uint32(c.Node.Led.Line), interval)
	if err != nil {
		_ = chip.Close()
		log.Error(err)
		return nil
	}
	return ind
}
