package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iotproject/edgecast/aggregator"
	cmdaggregator "github.com/iotproject/edgecast/cmd/edgecast/aggregator"
	"github.com/iotproject/edgecast/cmd/edgecast/subcmd"
	"github.com/iotproject/edgecast/config"
	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/link"
	"github.com/iotproject/edgecast/log2"
	"github.com/iotproject/edgecast/sensor"
	"github.com/iotproject/edgecast/uplink"
	"github.com/iotproject/edgecast/uplink/broker"
	"github.com/juju/errors"
)

var Mod = subcmd.Mod{Name: "sim", Usage: "simulated nodes and aggregator in one process", Main: Main}

const (
	DefaultEdge       = "a4:e5:7c:a5:f9:57"
	DefaultPrimaryKey = "theIoTProjectPMK"
	DefaultNodeKey    = "theIoTProjectLMK"
	DefaultPeriod     = time.Second
)

type simNode struct {
	link.Peer
	credential string
}

func Main(ctx context.Context, env *subcmd.Env) error {
	c := env.Config
	log := env.Log

	nodes, primary, err := simNodes(c)
	if err != nil {
		return errors.Trace(err)
	}
	edgeAddr := link.MustParseAddress(DefaultEdge)
	if c.Link.Address != "" {
		if edgeAddr, err = c.LinkAddress(); err != nil {
			return errors.Trace(err)
		}
	}

	medium := link.NewMedium(log.Named("medium"))
	if rate := c.Sim.LossRate; rate > 0 {
		var mu sync.Mutex
		rnd := helpers.RandUnix()
		medium.Loss = func(src, dst link.Address, payload []byte) bool {
			mu.Lock()
			defer mu.Unlock()
			return rnd.Float64() < rate
		}
	}
	edgePeers := make([]link.Peer, len(nodes))
	allow := make([]link.Address, len(nodes))
	for i, n := range nodes {
		edgePeers[i], allow[i] = n.Peer, n.Address
	}
	edgeTable, err := link.NewPeerTable(primary, edgePeers)
	if err != nil {
		return errors.Trace(err)
	}
	edge, err := medium.Attach(edgeAddr, edgeTable)
	if err != nil {
		return errors.Trace(err)
	}

	client, closeClient, err := newClient(log, c)
	if err != nil {
		return errors.Trace(err)
	}
	defer closeClient()
	engine, err := c.Engine(log.Named("forecast"))
	if err != nil {
		return errors.Annotate(err, "forecast init")
	}
	dispatch := link.NewDispatcher(log.Named("dispatch"), allow)
	edge.SetReceiveHandler(dispatch.Receive)
	session := uplink.NewSession(log.Named("uplink"), client, c.Session())
	defer session.Close()
	agg := aggregator.New(log, c.AggregatorConfig(), dispatch, engine, session)
	env.Go("aggregator", func() error { return agg.Run(ctx) })

	period := helpers.IntMillisecondDefault(c.Sim.PeriodMs, DefaultPeriod)
	for i, sn := range nodes {
		nodeLog := log.Named(fmt.Sprintf("node%d", i+1))
		table, err := link.NewPeerTable(primary, []link.Peer{{Address: edgeAddr, Key: sn.Key}})
		if err != nil {
			return errors.Trace(err)
		}
		port, err := medium.Attach(sn.Address, table)
		if err != nil {
			return errors.Trace(err)
		}
		sampler := sensor.NewSim(time.Now().UnixNano()+int64(i), sensor.Sample{Temperature: 20 + float32(i), Humidity: 50, Light: 300})
		sampler.FailEvery = c.Sim.FailEvery
		sender := link.NewSender(nodeLog, port, edgeAddr, c.LinkRetry())
		n, err := sensor.NewNode(nodeLog, sensor.NodeConfig{Credential: sn.credential, Period: period}, sampler, sender, nil)
		if err != nil {
			return errors.Trace(err)
		}
		sensor.Start(ctx, env.Alive, n, nil)
	}

	log.Infof("sim nodes=%d edge=%s period=%v loss=%.2f", len(nodes), edgeAddr, period, c.Sim.LossRate)
	env.Alive.Wait()
	for _, st := range agg.Status() {
		log.Info(st.String())
	}
	return nil
}

// simNodes from link peers when configured, otherwise generated.
func simNodes(c *config.Config) ([]simNode, link.Key, error) {
	var primary link.Key
	if len(c.Link.Peers) != 0 {
		table, err := c.PeerTable()
		if err != nil {
			return nil, primary, errors.Trace(err)
		}
		nodes := make([]simNode, len(c.Link.Peers))
		for i, a := range table.Addresses() {
			p, _ := table.Lookup(a)
			nodes[i] = simNode{Peer: p, credential: c.Link.Peers[i].Credential}
			if nodes[i].credential == "" {
				nodes[i].credential = fmt.Sprintf("sim-%s", a)
			}
		}
		b, _ := helpers.DecodeKey(c.Link.PrimaryKey, link.KeySize)
		primary, _ = link.KeyFromBytes(b)
		return nodes, primary, nil
	}

	copy(primary[:], DefaultPrimaryKey)
	var key link.Key
	copy(key[:], DefaultNodeKey)
	base := link.MustParseAddress("10:06:1c:41:a5:38")
	nodes := make([]simNode, c.Sim.Nodes)
	for i := range nodes {
		a := base
		a[5] += byte(i)
		nodes[i] = simNode{
			Peer:       link.Peer{Address: a, Key: key},
			credential: fmt.Sprintf("sim-node-%d", i+1),
		}
	}
	return nodes, primary, nil
}

// newClient with embedded broker publishes over real MQTT on loopback,
// otherwise uses uplink section as aggregator does.
func newClient(log *log2.Log, c *config.Config) (uplink.Client, func(), error) {
	if !c.Sim.Broker {
		return cmdaggregator.NewClient(log, c), func() {}, nil
	}
	listen := c.Sim.Listen
	if listen == "" {
		listen = "127.0.0.1:0"
	}
	blog := log.Named("broker")
	b, err := broker.Start(broker.Options{
		Log:    blog,
		Listen: listen,
		OnPublish: func(m broker.Message) {
			blog.Infof("client=%s username=%s topic=%s payload=%s", m.ClientID, uplink.Mask(m.Username), m.Topic, m.Payload)
		},
	})
	if err != nil {
		return nil, nil, errors.Annotate(err, "sim broker")
	}
	pc := c.Paho()
	pc.Broker = b.URL()
	return uplink.NewPahoClient(log.Named("paho"), pc), func() { _ = b.Close() }, nil
}
