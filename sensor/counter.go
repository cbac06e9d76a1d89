package sensor

import (
	"encoding/binary"
	"sync"

	"github.com/iotproject/edgecast/persist"
	"github.com/juju/errors"
)

// Counter issues frame sequence numbers, strictly increasing across restarts
// when backed by persist storage.
type Counter struct {
	mu    sync.Mutex
	next  int32
	store *persist.Persist
}

func (c *Counter) MarshalBinary() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return binary.LittleEndian.AppendUint32(nil, uint32(c.next)), nil
}

func (c *Counter) UnmarshalBinary(b []byte) error {
	if len(b) != 4 {
		return errors.NotValidf("counter length=%d", len(b))
	}
	v := int32(binary.LittleEndian.Uint32(b))
	if v < 0 {
		return errors.NotValidf("counter value=%d", v)
	}
	c.mu.Lock()
	c.next = v
	c.mu.Unlock()
	return nil
}

// Bind loads stored value and persists every Next.
func (c *Counter) Bind(p *persist.Persist) error {
	if err := p.Load(); err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	c.store = p
	c.mu.Unlock()
	return nil
}

func (c *Counter) Peek() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Next stores incremented value before returning current,
// so after crash sequence never repeats. Store error is returned together with valid value.
func (c *Counter) Next() (int32, error) {
	c.mu.Lock()
	v := c.next
	c.next++
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return v, nil
	}
	return v, store.Store()
}
