package link

import (
	"sync"
	"sync/atomic"

	"github.com/iotproject/edgecast/helpers/atomic_clock"
	"github.com/iotproject/edgecast/log2"
)

// Slot holds latest unconsumed frame of one known sender.
// Newer frame replaces pending one.
type Slot struct {
	Address  Address
	LastSeen atomic_clock.Clock

	mu          sync.Mutex // producers
	ch          chan Frame
	received    atomic.Uint32
	overwritten atomic.Uint32
}

func newSlot(a Address) *Slot {
	return &Slot{Address: a, ch: make(chan Frame, 1)}
}

func (s *Slot) Ready() bool { return len(s.ch) != 0 }

func (s *Slot) Stats() (received, overwritten uint32) {
	return s.received.Load(), s.overwritten.Load()
}

func (s *Slot) put(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		s.overwritten.Add(1)
	default:
	}
	s.ch <- f
	s.received.Add(1)
	s.LastSeen.SetNow()
}

func (s *Slot) take() (Frame, bool) {
	select {
	case f := <-s.ch:
		return f, true
	default:
		return Frame{}, false
	}
}

// Dispatcher demultiplexes inbound frames into per sender slots.
// Frames from addresses outside allow list are ignored.
type Dispatcher struct {
	log   *log2.Log
	slots []*Slot
	index map[Address]int
	wake  chan struct{}

	unknown   atomic.Uint32
	malformed atomic.Uint32
}

func NewDispatcher(log *log2.Log, allow []Address) *Dispatcher {
	d := &Dispatcher{
		log:   log,
		slots: make([]*Slot, 0, len(allow)),
		index: make(map[Address]int, len(allow)),
		wake:  make(chan struct{}, 1),
	}
	for _, a := range allow {
		if _, ok := d.index[a]; ok {
			continue
		}
		d.index[a] = len(d.slots)
		d.slots = append(d.slots, newSlot(a))
	}
	return d
}

// Receive is Driver receive handler.
func (d *Dispatcher) Receive(src Address, payload []byte) {
	if _, ok := d.index[src]; !ok {
		d.unknown.Add(1)
		return
	}
	f, err := ParseFrame(payload)
	if err != nil {
		d.malformed.Add(1)
		d.log.Debugf("dispatch src=%s drop err=%v", src, err)
		return
	}
	d.Deliver(src, f)
}

// Deliver returns false for unknown sender.
func (d *Dispatcher) Deliver(src Address, f Frame) bool {
	i, ok := d.index[src]
	if !ok {
		d.unknown.Add(1)
		return false
	}
	d.slots[i].put(f)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Next takes frame from first ready slot in allow list order. Does not block.
func (d *Dispatcher) Next() (int, Frame, bool) {
	for i, s := range d.slots {
		if f, ok := s.take(); ok {
			return i, f, true
		}
	}
	return -1, Frame{}, false
}

// Wake receives after Deliver. May fire spuriously, always check Next.
func (d *Dispatcher) Wake() <-chan struct{} { return d.wake }

func (d *Dispatcher) Slots() []*Slot { return d.slots }

func (d *Dispatcher) Stats() (unknown, malformed uint32) {
	return d.unknown.Load(), d.malformed.Load()
}
