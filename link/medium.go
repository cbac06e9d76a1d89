package link

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
)

var ErrClosed = errors.New("link closed")

// Medium is in-process shared channel for tests and simulation.
// Delivery is synchronous: receive handler of the destination and then
// send handler of the source run inside Port.Send.
type Medium struct {
	log   *log2.Log
	mu    sync.RWMutex
	ports map[Address]*Port

	// Loss decides if transmission is lost. nil means lossless.
	Loss func(src, dst Address, payload []byte) bool
}

func NewMedium(log *log2.Log) *Medium {
	return &Medium{
		log:   log,
		ports: make(map[Address]*Port),
	}
}

func (m *Medium) Attach(addr Address, peers *PeerTable) (*Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ports[addr]; ok {
		return nil, errors.AlreadyExistsf("medium port address=%s", addr)
	}
	p := &Port{m: m, addr: addr, peers: peers}
	m.ports[addr] = p
	return p, nil
}

func (m *Medium) port(addr Address) *Port {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ports[addr]
}

func (m *Medium) detach(addr Address) {
	m.mu.Lock()
	delete(m.ports, addr)
	m.mu.Unlock()
}

// link layer accepts frame only when both sides registered each other with same key
func (m *Medium) transmit(src *Port, dst Address, payload []byte) bool {
	rx := m.port(dst)
	if rx == nil || rx.closed.Load() {
		return false
	}
	if m.Loss != nil && m.Loss(src.addr, dst, payload) {
		m.log.Debugf("medium lost %s -> %s", src.addr, dst)
		return false
	}
	txKey, ok := src.peers.SessionKey(dst)
	if !ok {
		return false
	}
	rxKey, ok := rx.peers.SessionKey(src.addr)
	if !ok || !bytes.Equal(txKey, rxKey) {
		return false
	}
	rx.receive(src.addr, payload)
	return true
}

// Port is Medium attachment implementing Driver.
type Port struct {
	m      *Medium
	addr   Address
	peers  *PeerTable
	closed atomic.Bool

	mu     sync.Mutex
	onRecv ReceiveFunc
	onSent SendFunc
}

var _ Driver = &Port{}

func (p *Port) Address() Address { return p.addr }

func (p *Port) Send(dst Address, payload []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if len(payload) > MaxPayload {
		return errors.NotValidf("payload length=%d max=%d", len(payload), MaxPayload)
	}
	buf := append([]byte(nil), payload...)
	delivered := p.m.transmit(p, dst, buf)
	p.mu.Lock()
	f := p.onSent
	p.mu.Unlock()
	if f != nil {
		f(dst, buf, delivered)
	}
	return nil
}

func (p *Port) SetReceiveHandler(f ReceiveFunc) {
	p.mu.Lock()
	p.onRecv = f
	p.mu.Unlock()
}

func (p *Port) SetSendHandler(f SendFunc) {
	p.mu.Lock()
	p.onSent = f
	p.mu.Unlock()
}

func (p *Port) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.m.detach(p.addr)
	}
	return nil
}

func (p *Port) receive(src Address, payload []byte) {
	p.mu.Lock()
	f := p.onRecv
	p.mu.Unlock()
	if f != nil {
		f(src, append([]byte(nil), payload...))
	}
}
