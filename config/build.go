package config

import (
	"time"

	"github.com/iotproject/edgecast/aggregator"
	"github.com/iotproject/edgecast/forecast"
	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/link"
	"github.com/iotproject/edgecast/link/udp"
	"github.com/iotproject/edgecast/log2"
	"github.com/iotproject/edgecast/sensor"
	"github.com/iotproject/edgecast/uplink"
	"github.com/juju/errors"
)

const (
	DefaultWindow            = 10
	DefaultStatusIntervalSec = 60
	DefaultSimNodes          = 2
	ModelTemperature         = "temperature"
	ModelHumidity            = "humidity"
)

func (c *Config) applyDefaults() {
	if c.Forecast.Window == 0 {
		c.Forecast.Window = DefaultWindow
	}
	if c.Uplink.Broker == "" {
		c.Uplink.Broker = uplink.DefaultBroker
	}
	if c.Uplink.ClientID == "" {
		c.Uplink.ClientID = uplink.DefaultClientID
	}
	if c.Uplink.Topic == "" {
		c.Uplink.Topic = uplink.DefaultTopic
	}
	if c.Aggregator.StatusIntervalSec == 0 {
		c.Aggregator.StatusIntervalSec = DefaultStatusIntervalSec
	}
	if c.Sim.Nodes == 0 {
		c.Sim.Nodes = DefaultSimNodes
	}
}

func (c *Config) validate() []error {
	var errs []error
	if _, ok := log2.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, errors.NotValidf("log level=%s", c.Log.Level))
	}
	if c.Link.Address != "" {
		if _, err := link.ParseAddress(c.Link.Address); err != nil {
			errs = append(errs, errors.Annotate(err, "link address"))
		}
	}
	if c.Link.PrimaryKey != "" {
		if _, err := helpers.DecodeKey(c.Link.PrimaryKey, link.KeySize); err != nil {
			errs = append(errs, errors.Annotate(err, "link primary_key"))
		}
	}
	if c.Forecast.Window < 1 {
		errs = append(errs, errors.NotValidf("forecast window=%d", c.Forecast.Window))
	}
	if c.Uplink.QoS < 0 || c.Uplink.QoS > 1 {
		errs = append(errs, errors.NotValidf("uplink qos=%d (supported 0,1)", c.Uplink.QoS))
	}
	if c.Sim.LossRate < 0 || c.Sim.LossRate >= 1 {
		errs = append(errs, errors.NotValidf("sim loss_rate=%v", c.Sim.LossRate))
	}
	return errs
}

func (c *Config) LogLevel() log2.Level {
	level, _ := log2.ParseLevel(c.Log.Level)
	return level
}

func (c *Config) LinkAddress() (link.Address, error) {
	if c.Link.Address == "" {
		return link.Address{}, errors.NotFoundf("link address")
	}
	return link.ParseAddress(c.Link.Address)
}

// PeerTable requires primary key and every peer key.
func (c *Config) PeerTable() (*link.PeerTable, error) {
	if c.Link.PrimaryKey == "" {
		return nil, errors.NotFoundf("link primary_key")
	}
	b, err := helpers.DecodeKey(c.Link.PrimaryKey, link.KeySize)
	if err != nil {
		return nil, errors.Annotate(err, "link primary_key")
	}
	primary, _ := link.KeyFromBytes(b)
	peers := make([]link.Peer, 0, len(c.Link.Peers))
	errs := make([]error, 0)
	for _, pc := range c.Link.Peers {
		p, err := pc.peer()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		peers = append(peers, p)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	return link.NewPeerTable(primary, peers)
}

func (pc *PeerConfig) peer() (link.Peer, error) {
	var p link.Peer
	var err error
	if p.Address, err = link.ParseAddress(pc.Address); err != nil {
		return p, errors.Annotatef(err, "link peer=%s", pc.Address)
	}
	if pc.Key == "" {
		return p, errors.NotFoundf("link peer=%s key", pc.Address)
	}
	b, err := helpers.DecodeKey(pc.Key, link.KeySize)
	if err != nil {
		return p, errors.Annotatef(err, "link peer=%s", pc.Address)
	}
	p.Key, _ = link.KeyFromBytes(b)
	p.Endpoint = pc.Endpoint
	return p, nil
}

func (c *Config) UDP() (udp.Config, error) {
	addr, err := c.LinkAddress()
	if err != nil {
		return udp.Config{}, errors.Trace(err)
	}
	peers, err := c.PeerTable()
	if err != nil {
		return udp.Config{}, errors.Trace(err)
	}
	if c.Link.Listen == "" {
		return udp.Config{}, errors.NotFoundf("link listen")
	}
	return udp.Config{
		Address:    addr,
		Listen:     c.Link.Listen,
		Peers:      peers,
		AckTimeout: helpers.IntMillisecondDefault(c.Link.AckTimeoutMs, udp.DefaultAckTimeout),
	}, nil
}

func (c *Config) LinkRetry() helpers.Retry {
	return helpers.Retry{
		Interval:    helpers.IntMillisecondDefault(c.Link.RetryMs, link.DefaultRetryInterval),
		MaxAttempts: c.Link.MaxAttempts,
	}
}

// Engine builds models by name, missing model falls back to moving average.
func (c *Config) Engine(log *log2.Log) (*forecast.Engine, error) {
	n := c.Forecast.Window
	build := func(name string) (forecast.Model, error) {
		for i := range c.Forecast.Models {
			if mc := &c.Forecast.Models[i]; mc.Name == name {
				return mc.Build(n)
			}
		}
		log.Infof("forecast model=%s not configured, using moving average window=%d", name, n)
		return forecast.MovingAverage(n), nil
	}
	mt, err := build(ModelTemperature)
	if err != nil {
		return nil, errors.Trace(err)
	}
	mh, err := build(ModelHumidity)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return forecast.NewEngine(n, mt, mh)
}

func (c *Config) Paho() uplink.PahoConfig {
	return uplink.PahoConfig{
		Broker:         c.Uplink.Broker,
		ClientID:       c.Uplink.ClientID,
		QoS:            byte(c.Uplink.QoS),
		ConnectTimeout: helpers.IntMillisecondDefault(c.Uplink.ConnectTimeoutMs, 0),
		PublishTimeout: helpers.IntMillisecondDefault(c.Uplink.PublishTimeoutMs, 0),
	}
}

func (c *Config) Session() uplink.SessionConfig {
	return uplink.SessionConfig{
		Topic:           c.Uplink.Topic,
		ReconnectAlways: !c.Uplink.ReconnectOnChange,
		Retry: helpers.Retry{
			Interval:    helpers.IntMillisecondDefault(c.Uplink.ReconnectDelayMs, uplink.DefaultReconnectDelay),
			MaxAttempts: c.Uplink.MaxAttempts,
		},
	}
}

func (c *Config) AggregatorConfig() aggregator.Config {
	return aggregator.Config{StatusInterval: time.Duration(c.Aggregator.StatusIntervalSec) * time.Second}
}

// AllowList is peer addresses in config order, aggregator serves them in this order.
func (c *Config) AllowList() ([]link.Address, error) {
	peers, err := c.PeerTable()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return peers.Addresses(), nil
}

func (c *Config) NodeConfig() sensor.NodeConfig {
	return sensor.NodeConfig{
		Credential: c.Node.Credential,
		Period:     helpers.IntMillisecondDefault(c.Node.PeriodMs, sensor.DefaultPeriod),
	}
}

// NodeDestination is aggregator address, defaults to single configured peer.
func (c *Config) NodeDestination() (link.Address, error) {
	if c.Node.Destination != "" {
		return link.ParseAddress(c.Node.Destination)
	}
	switch len(c.Link.Peers) {
	case 0:
		return link.Address{}, errors.NotFoundf("node destination and link peers")
	case 1:
		return link.ParseAddress(c.Link.Peers[0].Address)
	}
	return link.Address{}, errors.NotValidf("node destination empty with %d link peers", len(c.Link.Peers))
}
