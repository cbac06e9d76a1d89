// Package udp carries link frames over UDP datagrams.
// Every datagram is sealed with ChaCha20-Poly1305 keyed by primary||peer key,
// clear header is authenticated as associated data.
// Receiver answers each authenticated data datagram with ack echoing its tag,
// this drives delivery report to link.SendFunc.
//
// Datagram: magic(2) kind(1) src(6) tag(4) nonce(12) ciphertext
package udp

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotproject/edgecast/link"
	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	magic      = uint16(0x454e)
	headerSize = 2 /*magic*/ + 1 /*kind*/ + link.AddressLen + 4 /*tag*/
	prefixSize = headerSize + chacha20poly1305.NonceSize
	maxPacket  = prefixSize + link.MaxPayload + chacha20poly1305.Overhead

	kindData byte = 1
	kindAck  byte = 2

	DefaultAckTimeout = 50 * time.Millisecond
)

type Config struct {
	Address link.Address
	Listen  string
	// Peer.Endpoint is initial host:port, may be empty to learn from first valid datagram.
	Peers      *link.PeerTable
	AckTimeout time.Duration
}

type pending struct {
	dst     link.Address
	payload []byte
	timer   *time.Timer
}

type Driver struct {
	log        *log2.Log
	addr       link.Address
	conn       *net.UDPConn
	aeads      map[link.Address]cipher.AEAD
	ackTimeout time.Duration
	alive      *alive.Alive
	closed     atomic.Bool
	tag        atomic.Uint32

	mu        sync.Mutex
	endpoints map[link.Address]*net.UDPAddr
	pending   map[uint32]*pending
	onRecv    link.ReceiveFunc
	onSent    link.SendFunc

	Dropped atomic.Uint32
}

var _ link.Driver = &Driver{}

func Open(log *log2.Log, c Config) (*Driver, error) {
	if c.Peers == nil {
		return nil, errors.NotValidf("linkudp without peers")
	}
	d := &Driver{
		log:        log,
		addr:       c.Address,
		aeads:      make(map[link.Address]cipher.AEAD, c.Peers.Len()),
		ackTimeout: c.AckTimeout,
		alive:      alive.NewAlive(),
		endpoints:  make(map[link.Address]*net.UDPAddr, c.Peers.Len()),
		pending:    make(map[uint32]*pending),
	}
	if d.ackTimeout == 0 {
		d.ackTimeout = DefaultAckTimeout
	}
	for _, a := range c.Peers.Addresses() {
		key, _ := c.Peers.SessionKey(a)
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, errors.Annotatef(err, "linkudp peer=%s", a)
		}
		d.aeads[a] = aead
		if p, _ := c.Peers.Lookup(a); p.Endpoint != "" {
			ep, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				return nil, errors.Annotatef(err, "linkudp peer=%s endpoint=%s", a, p.Endpoint)
			}
			d.endpoints[a] = ep
		}
	}

	laddr, err := net.ResolveUDPAddr("udp", c.Listen)
	if err != nil {
		return nil, errors.Annotatef(err, "linkudp listen=%s", c.Listen)
	}
	d.conn, err = net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Annotatef(err, "linkudp listen=%s", c.Listen)
	}
	d.alive.Add(1)
	go d.readLoop()
	d.log.Debugf("linkudp address=%s listen=%s", d.addr, d.conn.LocalAddr())
	return d, nil
}

func (d *Driver) Address() link.Address { return d.addr }
func (d *Driver) LocalAddr() net.Addr   { return d.conn.LocalAddr() }

func (d *Driver) SetReceiveHandler(f link.ReceiveFunc) {
	d.mu.Lock()
	d.onRecv = f
	d.mu.Unlock()
}

func (d *Driver) SetSendHandler(f link.SendFunc) {
	d.mu.Lock()
	d.onSent = f
	d.mu.Unlock()
}

func (d *Driver) Send(dst link.Address, payload []byte) error {
	if d.closed.Load() {
		return link.ErrClosed
	}
	if len(payload) > link.MaxPayload {
		return errors.NotValidf("payload length=%d max=%d", len(payload), link.MaxPayload)
	}
	aead, ok := d.aeads[dst]
	if !ok {
		return errors.NotFoundf("linkudp peer=%s", dst)
	}
	d.mu.Lock()
	ep := d.endpoints[dst]
	d.mu.Unlock()
	if ep == nil {
		return errors.NotFoundf("linkudp endpoint peer=%s", dst)
	}

	tag := d.tag.Add(1)
	b, err := d.seal(aead, kindData, tag, payload)
	if err != nil {
		return errors.Trace(err)
	}
	p := &pending{dst: dst, payload: append([]byte(nil), payload...)}
	d.mu.Lock()
	d.pending[tag] = p
	p.timer = time.AfterFunc(d.ackTimeout, func() { d.complete(tag, dst, false) })
	d.mu.Unlock()

	if _, err := d.conn.WriteToUDP(b, ep); err != nil {
		d.mu.Lock()
		delete(d.pending, tag)
		d.mu.Unlock()
		p.timer.Stop()
		return errors.Annotatef(err, "linkudp send peer=%s", dst)
	}
	return nil
}

// Close does not report pending sends.
func (d *Driver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.alive.Stop()
	err := d.conn.Close()
	d.alive.Wait()
	d.mu.Lock()
	for tag, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, tag)
	}
	d.mu.Unlock()
	return errors.Trace(err)
}

func (d *Driver) seal(aead cipher.AEAD, kind byte, tag uint32, plain []byte) ([]byte, error) {
	b := make([]byte, prefixSize, prefixSize+len(plain)+aead.Overhead())
	binary.LittleEndian.PutUint16(b[0:], magic)
	b[2] = kind
	copy(b[3:], d.addr[:])
	binary.LittleEndian.PutUint32(b[3+link.AddressLen:], tag)
	nonce := b[headerSize:prefixSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Annotate(err, "nonce")
	}
	return aead.Seal(b, nonce, plain, b[:headerSize]), nil
}

func (d *Driver) complete(tag uint32, from link.Address, delivered bool) {
	d.mu.Lock()
	p := d.pending[tag]
	if p == nil || p.dst != from {
		d.mu.Unlock()
		return
	}
	delete(d.pending, tag)
	f := d.onSent
	d.mu.Unlock()
	p.timer.Stop()
	if f != nil {
		f(p.dst, p.payload, delivered)
	}
}

func (d *Driver) readLoop() {
	defer d.alive.Done()
	buf := make([]byte, maxPacket+1)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if d.closed.Load() {
				return
			}
			d.log.Errorf("linkudp read err=%v", err)
			continue
		}
		d.handle(buf[:n], from)
	}
}

func (d *Driver) handle(b []byte, from *net.UDPAddr) {
	if len(b) < prefixSize+chacha20poly1305.Overhead || len(b) > maxPacket {
		d.Dropped.Add(1)
		return
	}
	if binary.LittleEndian.Uint16(b[0:]) != magic {
		d.Dropped.Add(1)
		return
	}
	kind := b[2]
	var src link.Address
	copy(src[:], b[3:3+link.AddressLen])
	tag := binary.LittleEndian.Uint32(b[3+link.AddressLen:])
	aead, ok := d.aeads[src]
	if !ok {
		// unregistered peer, not an error on shared channel
		d.Dropped.Add(1)
		return
	}
	plain, err := aead.Open(nil, b[headerSize:prefixSize], b[prefixSize:], b[:headerSize])
	if err != nil {
		d.Dropped.Add(1)
		d.log.Debugf("linkudp src=%s from=%s auth failed", src, from)
		return
	}

	switch kind {
	case kindData:
		d.mu.Lock()
		d.endpoints[src] = from
		f := d.onRecv
		d.mu.Unlock()
		if ack, err := d.seal(aead, kindAck, tag, nil); err == nil {
			if _, err := d.conn.WriteToUDP(ack, from); err != nil {
				d.log.Debugf("linkudp ack src=%s err=%v", src, err)
			}
		}
		if f != nil {
			f(src, plain)
		}
	case kindAck:
		d.complete(tag, src, true)
	default:
		d.Dropped.Add(1)
	}
}
