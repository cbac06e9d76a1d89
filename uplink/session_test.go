package uplink

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeClient records calls in order
type fakeClient struct {
	mu         sync.Mutex
	events     []string
	connected  bool
	credential string
	failFirst  int
}

func (c *fakeClient) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFirst > 0 {
		c.failFirst--
		c.events = append(c.events, "connect-fail:"+credential)
		return fmt.Errorf("broker unavailable")
	}
	c.events = append(c.events, "connect:"+credential)
	c.connected, c.credential = true, credential
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, "disconnect")
	c.connected = false
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	c.events = append(c.events, fmt.Sprintf("publish:%s:%s:%s", c.credential, topic, payload))
	return nil
}

func TestSessionCredentialChange(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		always bool
		creds  []string
		expect []string
	}
	cases := []Case{
		{"always/change", true, []string{"A", "B"}, []string{
			"disconnect", "connect:A", "publish:A:t:0",
			"disconnect", "connect:B", "publish:B:t:1",
		}},
		{"always/same", true, []string{"A", "A"}, []string{
			"disconnect", "connect:A", "publish:A:t:0",
			"disconnect", "connect:A", "publish:A:t:1",
		}},
		{"on-change/same", false, []string{"A", "A", "B"}, []string{
			"disconnect", "connect:A", "publish:A:t:0",
			"publish:A:t:1",
			"disconnect", "connect:B", "publish:B:t:2",
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			fc := &fakeClient{}
			s := NewSession(log2.NewTest(t, log2.LDebug), fc, SessionConfig{Topic: "t", ReconnectAlways: c.always})
			for i, cred := range c.creds {
				require.NoError(t, s.Ensure(ctx, cred))
				require.NoError(t, s.Publish(ctx, []byte(fmt.Sprint(i))))
			}
			assert.Equal(t, c.expect, fc.events)
			assert.Equal(t, uint32(len(c.creds)), s.Stats().Published)
		})
	}
}

func TestSessionRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fc := &fakeClient{failFirst: 25}
	ns := &helpers.NoSleep{}
	s := NewSession(log2.NewTest(t, log2.LDebug), fc, SessionConfig{ReconnectAlways: true, Retry: helpers.Retry{Sleep: ns.Sleep}})
	assert.Equal(t, DefaultTopic, s.Topic())
	require.NoError(t, s.Ensure(ctx, "tok"))
	assert.Equal(t, 25, ns.Count())
	st := s.Stats()
	assert.Equal(t, uint32(1), st.Connects)
	assert.Equal(t, uint32(25), st.ConnectErrors)
	assert.Equal(t, "connect:tok", fc.events[len(fc.events)-1])

	fc.failFirst = 10
	s.c.Retry.MaxAttempts = 3
	err := s.Ensure(ctx, "tok2")
	require.Error(t, err)
	assert.True(t, helpers.IsExhausted(err))
	assert.Error(t, s.Publish(ctx, []byte("x")))
	assert.Equal(t, uint32(1), s.Stats().PublishErrors)
}

func TestSessionCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	fc := &fakeClient{failFirst: 1 << 30}
	s := NewSession(log2.NewTest(t, log2.LError), fc, SessionConfig{Retry: helpers.Retry{Interval: time.Hour}})
	cancel()
	err := s.Ensure(ctx, "tok")
	require.Error(t, err)
	assert.Equal(t, context.Canceled, errors.Cause(err))
}

type mockClient struct{ mock.Mock }

func (m *mockClient) Connect(ctx context.Context, credential string) error {
	return m.Called(credential).Error(0)
}
func (m *mockClient) Disconnect()       { m.Called() }
func (m *mockClient) IsConnected() bool { return m.Called().Bool(0) }
func (m *mockClient) Publish(ctx context.Context, topic string, payload []byte) error {
	return m.Called(topic, string(payload)).Error(0)
}

func TestSessionPublishFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mc := &mockClient{}
	mc.On("Disconnect").Return()
	mc.On("Connect", "tok").Return(nil)
	mc.On("Publish", DefaultTopic, "p1").Return(fmt.Errorf("rejected")).Once()
	mc.On("Publish", DefaultTopic, "p2").Return(nil).Once()

	s := NewSession(log2.NewTest(t, log2.LDebug), mc, SessionConfig{ReconnectAlways: true})
	require.NoError(t, s.Ensure(ctx, "tok"))
	err := s.Publish(ctx, []byte("p1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
	require.NoError(t, s.Ensure(ctx, "tok"))
	require.NoError(t, s.Publish(ctx, []byte("p2")))
	mc.AssertExpectations(t)
	mc.AssertNumberOfCalls(t, "Connect", 2)
	mc.AssertNumberOfCalls(t, "Publish", 2)
	st := s.Stats()
	assert.Equal(t, uint32(1), st.PublishErrors)
	assert.Equal(t, uint32(1), st.Published)
}
