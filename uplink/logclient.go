package uplink

import (
	"context"
	"sync"

	"github.com/iotproject/edgecast/log2"
)

// LogClient prints publishes instead of sending them. Dry run mode.
type LogClient struct {
	log        *log2.Log
	mu         sync.Mutex
	credential string
	connected  bool
}

func NewLogClient(log *log2.Log) *LogClient { return &LogClient{log: log} }

func (c *LogClient) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	c.credential, c.connected = credential, true
	c.mu.Unlock()
	return ctx.Err()
}

func (c *LogClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *LogClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *LogClient) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	cred, ok := c.credential, c.connected
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	c.log.Infof("publish credential=%s topic=%s payload=%s", Mask(cred), topic, payload)
	return nil
}
