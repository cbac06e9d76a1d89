package uplink

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
)

const (
	DefaultBroker   = "tcp://app.coreiot.io:1883"
	DefaultClientID = "ESP32Client"
)

type PahoConfig struct {
	Broker         string
	ClientID       string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// PahoClient makes fresh paho client on each Connect,
// username is credential, password is empty. Paho auto reconnect is off,
// Session decides when to reconnect.
type PahoClient struct {
	log *log2.Log
	c   PahoConfig

	mu sync.Mutex
	m  mqtt.Client
}

var _ Client = &PahoClient{}

func NewPahoClient(log *log2.Log, c PahoConfig) *PahoClient {
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if c.ClientID == "" {
		c.ClientID = "edgecast-" + uuid.NewString()[:8]
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 5 * time.Second
	}
	return &PahoClient{log: log, c: c}
}

// Pinned 3.1.1: with version 0 paho retries refused CONNECT as 3.1.
const mqttProtocol311 = 4

func (p *PahoClient) Connect(ctx context.Context, credential string) error {
	opts := mqtt.NewClientOptions().
		AddBroker(p.c.Broker).
		SetClientID(p.c.ClientID).
		SetUsername(credential).
		SetProtocolVersion(mqttProtocol311).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(p.c.KeepAlive).
		SetConnectTimeout(p.c.ConnectTimeout).
		SetWriteTimeout(p.c.PublishTimeout).
		SetConnectionLostHandler(p.connectionLost)
	m := mqtt.NewClient(opts)
	if err := wait(ctx, m.Connect(), p.c.ConnectTimeout); err != nil {
		m.Disconnect(0)
		return errors.Annotatef(err, "mqtt connect broker=%s", p.c.Broker)
	}
	p.mu.Lock()
	old := p.m
	p.m = m
	p.mu.Unlock()
	if old != nil {
		old.Disconnect(250)
	}
	return nil
}

func (p *PahoClient) Disconnect() {
	p.mu.Lock()
	m := p.m
	p.m = nil
	p.mu.Unlock()
	if m != nil && m.IsConnectionOpen() {
		m.Disconnect(250)
	}
}

func (p *PahoClient) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m != nil && p.m.IsConnectionOpen()
}

func (p *PahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	m := p.m
	p.mu.Unlock()
	if m == nil || !m.IsConnectionOpen() {
		return ErrNotConnected
	}
	return errors.Trace(wait(ctx, m.Publish(topic, p.c.QoS, false, payload), p.c.PublishTimeout))
}

func (p *PahoClient) connectionLost(c mqtt.Client, err error) {
	p.log.Infof("uplink connection lost err=%v", err)
}

func wait(ctx context.Context, t mqtt.Token, timeout time.Duration) error {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-tmr.C:
		return errors.Timeoutf("mqtt operation")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetPahoLog routes paho package level loggers. Paho debug is very verbose, enabled only at LAll.
func SetPahoLog(log *log2.Log) {
	if log == nil {
		return
	}
	mqtt.ERROR = log.Named("paho")
	mqtt.CRITICAL = log.Named("paho")
	mqtt.WARN = log.Named("paho")
	if log.Enabled(log2.LAll) {
		mqtt.DEBUG = log.Named("paho")
	}
}
