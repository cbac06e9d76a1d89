// Package broker is minimal MQTT 3.1.1 telemetry sink.
// Accepts CONNECT with username check, PUBLISH at QoS 0/1, PINGREQ, DISCONNECT.
// No subscriptions, no retain, no will.
// Used as embedded cloud stand-in for simulation and tests.
package broker

import (
	"net"
	"sync"
	"time"

	gbroker "github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

type Message struct {
	ClientID string
	Username string
	Topic    string
	Payload  []byte
	QOS      byte
}

type Options struct {
	Log    *log2.Log
	Listen string // host:port
	// OnConnect nil accepts everyone.
	OnConnect func(clientID, username string) bool
	OnPublish func(Message)
	// OnClose reports connection end, clean=true after DISCONNECT.
	OnClose        func(clientID, username string, clean bool)
	NetworkTimeout time.Duration
}

type Broker struct {
	alive *alive.Alive
	log   *log2.Log
	opt   Options
	ns    *transport.NetServer

	mu    sync.Mutex
	conns map[transport.Conn]struct{}
}

func Start(opt Options) (*Broker, error) {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = 30 * time.Second
	}
	listen, err := net.Listen("tcp", opt.Listen)
	if err != nil {
		return nil, errors.Annotatef(err, "broker listen=%s", opt.Listen)
	}
	b := &Broker{
		alive: alive.NewAlive(),
		log:   opt.Log,
		opt:   opt,
		ns:    transport.NewNetServer(listen),
		conns: make(map[transport.Conn]struct{}),
	}
	b.alive.Add(1)
	go b.acceptLoop()
	b.log.Debugf("broker listen=%s", b.ns.Addr())
	return b, nil
}

// URL is suitable for paho AddBroker.
func (b *Broker) URL() string { return "tcp://" + b.ns.Addr().String() }

func (b *Broker) Close() error {
	b.alive.Stop()
	errs := []error{b.ns.Close()}
	helpers.WithLock(&b.mu, func() {
		for c := range b.conns {
			errs = append(errs, c.Close())
		}
	})
	b.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (b *Broker) acceptLoop() {
	defer b.alive.Done()
	for {
		conn, err := b.ns.Accept()
		if !b.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			b.log.Error(errors.Annotate(err, "broker accept"))
			b.alive.Stop()
			return
		}
		if !b.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go b.serve(conn)
	}
}

func (b *Broker) serve(conn transport.Conn) {
	defer b.alive.Done()
	helpers.WithLock(&b.mu, func() { b.conns[conn] = struct{}{} })
	defer helpers.WithLock(&b.mu, func() { delete(b.conns, conn) })
	defer conn.Close()

	conn.SetReadTimeout(b.opt.NetworkTimeout)
	connect, err := b.handshake(conn)
	if err != nil {
		b.log.Debugf("broker handshake addr=%s err=%v", conn.RemoteAddr(), err)
		return
	}
	clean := false
	defer func() {
		if b.opt.OnClose != nil {
			b.opt.OnClose(connect.ClientID, connect.Username, clean)
		}
	}()

	for {
		pkt, err := conn.Receive()
		if err != nil {
			return
		}
		switch pt := pkt.(type) {
		case *packet.Pingreq:
			err = conn.Send(packet.NewPingresp(), false)

		case *packet.Publish:
			if b.opt.OnPublish != nil {
				b.opt.OnPublish(Message{
					ClientID: connect.ClientID,
					Username: connect.Username,
					Topic:    pt.Message.Topic,
					Payload:  append([]byte(nil), pt.Message.Payload...),
					QOS:      byte(pt.Message.QOS),
				})
			}
			switch pt.Message.QOS {
			case packet.QOSAtMostOnce:
			case packet.QOSAtLeastOnce:
				puback := packet.NewPuback()
				puback.ID = pt.ID
				err = conn.Send(puback, false)
			default:
				err = errors.NotSupportedf("qos=%d", pt.Message.QOS)
			}

		case *packet.Disconnect:
			clean = true
			return

		default:
			err = errors.Annotatef(gbroker.ErrUnexpectedPacket, "pkt=%s", pkt.String())
		}
		if err != nil {
			b.log.Debugf("broker client=%s err=%v", connect.ClientID, err)
			return
		}
	}
}

func (b *Broker) handshake(conn transport.Conn) (*packet.Connect, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	connect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Trace(gbroker.ErrUnexpectedPacket)
	}
	connack := packet.NewConnack()
	if b.opt.OnConnect != nil && !b.opt.OnConnect(connect.ClientID, connect.Username) {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		return nil, errors.Trace(gbroker.ErrNotAuthorized)
	}
	connack.ReturnCode = packet.ConnectionAccepted
	if err := conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	b.log.Debugf("broker CONNECT client=%s username=%s", connect.ClientID, connect.Username)
	return connect, nil
}
