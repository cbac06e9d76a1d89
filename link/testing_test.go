package link

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testPrimary = Key{'t', 'h', 'e', 'I', 'o', 'T', 'P', 'r', 'o', 'j', 'e', 'c', 't', 'P', 'M', 'K'}
	testPeerKey = Key{'t', 'h', 'e', 'I', 'o', 'T', 'P', 'r', 'o', 'j', 'e', 'c', 't', 'L', 'M', 'K'}
	addrEdge    = MustParseAddress("a4:e5:7c:a5:f9:57")
	addrNodeA   = MustParseAddress("10:06:1c:41:a5:38")
	addrNodeB   = MustParseAddress("10:06:1c:41:a5:39")
	addrStray   = MustParseAddress("de:ad:be:ef:00:01")
)

func testPeers(t testing.TB, addrs ...Address) *PeerTable {
	peers := make([]Peer, len(addrs))
	for i, a := range addrs {
		peers[i] = Peer{Address: a, Key: testPeerKey}
	}
	pt, err := NewPeerTable(testPrimary, peers)
	require.NoError(t, err)
	return pt
}

func testAttach(t testing.TB, m *Medium, addr Address, peers ...Address) *Port {
	p, err := m.Attach(addr, testPeers(t, peers...))
	require.NoError(t, err)
	return p
}

// scriptDriver reports delivery of sequence chosen by test
type scriptDriver struct {
	sent   int
	ackSeq func(attempt int, seq int32) (int32, bool)
	onSent SendFunc
}

func (d *scriptDriver) Address() Address              { return addrNodeA }
func (d *scriptDriver) SetReceiveHandler(ReceiveFunc) {}
func (d *scriptDriver) SetSendHandler(f SendFunc)     { d.onSent = f }
func (d *scriptDriver) Close() error                  { return nil }
func (d *scriptDriver) Send(dst Address, payload []byte) error {
	d.sent++
	seq, _ := PeekSequence(payload)
	if ackSeq, ok := d.ackSeq(d.sent, seq); ok {
		f := Frame{Sequence: ackSeq}
		b, _ := f.MarshalBinary()
		d.onSent(dst, b, true)
	}
	return nil
}
