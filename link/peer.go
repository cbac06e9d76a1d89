package link

import (
	"github.com/juju/errors"
)

const KeySize = 16

type Key [KeySize]byte

func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, errors.NotValidf("key length=%d expected=%d", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

type Peer struct {
	Address Address
	Key     Key
	// Endpoint is transport specific, e.g. host:port for UDP.
	Endpoint string
}

// PeerTable maps peer address to pre-shared key.
// Immutable after construction, safe for concurrent reads.
type PeerTable struct {
	primary Key
	peers   []Peer
	index   map[Address]int
}

func NewPeerTable(primary Key, peers []Peer) (*PeerTable, error) {
	t := &PeerTable{
		primary: primary,
		peers:   make([]Peer, len(peers)),
		index:   make(map[Address]int, len(peers)),
	}
	copy(t.peers, peers)
	for i, p := range t.peers {
		if p.Address.IsZero() || p.Address == Broadcast {
			return nil, errors.NotValidf("peer address=%s", p.Address)
		}
		if _, ok := t.index[p.Address]; ok {
			return nil, errors.AlreadyExistsf("peer address=%s", p.Address)
		}
		t.index[p.Address] = i
	}
	return t, nil
}

func (t *PeerTable) Len() int { return len(t.peers) }

func (t *PeerTable) Lookup(a Address) (Peer, bool) {
	if i, ok := t.index[a]; ok {
		return t.peers[i], true
	}
	return Peer{}, false
}

// Addresses in table order.
func (t *PeerTable) Addresses() []Address {
	as := make([]Address, len(t.peers))
	for i, p := range t.peers {
		as[i] = p.Address
	}
	return as
}

// SessionKey is primary key followed by peer key.
func (t *PeerTable) SessionKey(a Address) ([]byte, bool) {
	p, ok := t.Lookup(a)
	if !ok {
		return nil, false
	}
	k := make([]byte, 0, KeySize*2)
	k = append(k, t.primary[:]...)
	k = append(k, p.Key[:]...)
	return k, true
}
