package aggregator

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/iotproject/edgecast/aggregator"
	"github.com/iotproject/edgecast/cmd/edgecast/subcmd"
	"github.com/iotproject/edgecast/config"
	"github.com/iotproject/edgecast/link"
	"github.com/iotproject/edgecast/link/udp"
	"github.com/iotproject/edgecast/log2"
	"github.com/iotproject/edgecast/uplink"
	"github.com/juju/errors"
)

var Mod = subcmd.Mod{Name: "aggregator", Usage: "receive sensor frames, forecast, publish to broker", Main: Main}

func Main(ctx context.Context, env *subcmd.Env) error {
	c := env.Config
	log := env.Log

	udpc, err := c.UDP()
	if err != nil {
		return errors.Annotate(err, "link config")
	}
	engine, err := c.Engine(log.Named("forecast"))
	if err != nil {
		return errors.Annotate(err, "forecast init")
	}
	drv, err := udp.Open(log.Named("link"), udpc)
	if err != nil {
		return errors.Annotate(err, "link init")
	}
	defer drv.Close()

	dispatch := link.NewDispatcher(log.Named("dispatch"), udpc.Peers.Addresses())
	drv.SetReceiveHandler(dispatch.Receive)
	session := uplink.NewSession(log.Named("uplink"), NewClient(log, c), c.Session())
	defer session.Close()
	agg := aggregator.New(log, c.AggregatorConfig(), dispatch, engine, session)

	log.Infof("aggregator address=%s listen=%s senders=%d broker=%s topic=%s",
		udpc.Address, drv.LocalAddr(), udpc.Peers.Len(), c.Uplink.Broker, session.Topic())
	subcmd.SdNotify(daemon.SdNotifyReady)
	env.Go("aggregator", func() error { return agg.Run(ctx) })
	env.Alive.Wait()
	return nil
}

// NewClient returns dry run client when configured, paho otherwise.
func NewClient(log *log2.Log, c *config.Config) uplink.Client {
	if c.Uplink.DryRun {
		return uplink.NewLogClient(log.Named("dry-run"))
	}
	return uplink.NewPahoClient(log.Named("paho"), c.Paho())
}
