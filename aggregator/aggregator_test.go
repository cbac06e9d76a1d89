package aggregator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iotproject/edgecast/forecast"
	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/link"
	"github.com/iotproject/edgecast/log2"
	"github.com/iotproject/edgecast/uplink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA     = link.MustParseAddress("10:06:1c:41:a5:38")
	addrB     = link.MustParseAddress("10:06:1c:41:a5:39")
	addrEdge  = link.MustParseAddress("a4:e5:7c:a5:f9:57")
	addrStray = link.MustParseAddress("de:ad:be:ef:00:01")
)

type published struct {
	credential string
	topic      string
	payload    string
}

type recordClient struct {
	mu         sync.Mutex
	connected  bool
	credential string
	connects   []string
	published  []published
	events     []string
}

func (c *recordClient) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected, c.credential = true, credential
	c.connects = append(c.connects, credential)
	c.events = append(c.events, "connect "+credential)
	return nil
}

func (c *recordClient) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.events = append(c.events, "disconnect")
	c.mu.Unlock()
}

func (c *recordClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *recordClient) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return uplink.ErrNotConnected
	}
	c.published = append(c.published, published{c.credential, topic, string(payload)})
	c.events = append(c.events, "publish "+c.credential)
	return nil
}

func (c *recordClient) eventLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *recordClient) snapshot() ([]string, []published) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.connects...), append([]published(nil), c.published...)
}

// countModel returns constant and counts invocations
type countModel struct {
	calls atomic.Int32
	value float32
	err   error
}

func (m *countModel) SchemaVersion() int { return forecast.SchemaVersion }
func (m *countModel) InputSize() int     { return 10 }
func (m *countModel) OutputSize() int    { return 1 }
func (m *countModel) Invoke(input, output []float32) error {
	m.calls.Add(1)
	output[0] = m.value
	return m.err
}

type env struct {
	agg      *Aggregator
	dispatch *link.Dispatcher
	client   *recordClient
	records  []uplink.Record
}

func newEnv(t testing.TB, temperature, humidity forecast.Model, allow ...link.Address) *env {
	return newEnvSession(t, uplink.SessionConfig{ReconnectAlways: true}, temperature, humidity, allow...)
}

func newEnvSession(t testing.TB, sc uplink.SessionConfig, temperature, humidity forecast.Model, allow ...link.Address) *env {
	log := log2.NewTest(t, log2.LDebug)
	engine, err := forecast.NewEngine(10, temperature, humidity)
	require.NoError(t, err)
	e := &env{
		dispatch: link.NewDispatcher(log, allow),
		client:   &recordClient{},
	}
	session := uplink.NewSession(log, e.client, sc)
	e.agg = New(log, Config{}, e.dispatch, engine, session)
	e.agg.OnRecord = func(_ link.Address, _ *link.Frame, r *uplink.Record) { e.records = append(e.records, *r) }
	return e
}

func TestForecastGating(t *testing.T) {
	t.Parallel()

	mt := &countModel{value: 99}
	mh := &countModel{value: 77}
	e := newEnv(t, mt, mh, addrA)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f := link.Frame{
			Sequence:    int32(i),
			Credential:  "tokenA",
			Temperature: 20 + float32(i)/10,
			Humidity:    50 + float32(i),
			Light:       300,
		}
		require.True(t, e.dispatch.Deliver(addrA, f))
		ok, err := e.agg.Step(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, Idle, e.agg.State())
	}
	require.Len(t, e.records, 10)
	for i, r := range e.records[:9] {
		assert.Equal(t, r.Temperature, r.PredictingTemperature, "frame=%d", i)
		assert.Equal(t, r.Humidity, r.PredictingHumidity, "frame=%d", i)
	}
	assert.Equal(t, float32(99), e.records[9].PredictingTemperature)
	assert.Equal(t, float32(77), e.records[9].PredictingHumidity)
	assert.Equal(t, int32(1), mt.calls.Load())
	assert.Equal(t, int32(1), mh.calls.Load())

	_, pubs := e.client.snapshot()
	require.Len(t, pubs, 10)
	assert.Equal(t, published{"tokenA", "v1/devices/me/telemetry",
		`{"temperature":20.00,"predicting_temperature":20.00,"humidity":50.00,"predicting_humidity":50.00,"light":300.00}`}, pubs[0])
	assert.Equal(t, `{"temperature":20.90,"predicting_temperature":99.00,"humidity":59.00,"predicting_humidity":77.00,"light":300.00}`, pubs[9].payload)

	st := e.agg.Status()
	require.Len(t, st, 1)
	assert.Equal(t, uint32(10), st[0].Processed)
	assert.Equal(t, int32(9), st[0].LastSequence)
	assert.True(t, st[0].Saturated)
	assert.Equal(t, float32(99), st[0].PredictingTemperature)
}

func TestIdle(t *testing.T) {
	t.Parallel()

	e := newEnv(t, forecast.MovingAverage(10), forecast.MovingAverage(10), addrA)
	ok, err := e.agg.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	connects, pubs := e.client.snapshot()
	assert.Len(t, connects, 0)
	assert.Len(t, pubs, 0)
	assert.Equal(t, "sender=10:06:1c:41:a5:38 received=0 waiting", e.agg.Status()[0].String())
}

func TestCredentialChange(t *testing.T) {
	t.Parallel()

	e := newEnv(t, forecast.MovingAverage(10), forecast.MovingAverage(10), addrA, addrB)
	ctx := context.Background()
	e.dispatch.Deliver(addrA, link.Frame{Sequence: 0, Credential: "tokenA", Temperature: 21})
	e.dispatch.Deliver(addrB, link.Frame{Sequence: 0, Credential: "tokenB", Temperature: 22})
	for i := 0; i < 2; i++ {
		ok, err := e.agg.Step(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	connects, pubs := e.client.snapshot()
	assert.Equal(t, []string{"tokenA", "tokenB"}, connects)
	require.Len(t, pubs, 2)
	assert.Equal(t, "tokenA", pubs[0].credential)
	assert.Equal(t, "tokenB", pubs[1].credential)
}

func TestCredentialChangeSameSender(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name            string
		reconnectAlways bool
		expect          []string
	}{
		{"always", true, []string{
			"disconnect", "connect tokenA", "publish tokenA",
			"disconnect", "connect tokenA", "publish tokenA",
			"disconnect", "connect tokenB", "publish tokenB",
		}},
		{"on-change", false, []string{
			"disconnect", "connect tokenA", "publish tokenA",
			"publish tokenA",
			"disconnect", "connect tokenB", "publish tokenB",
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			e := newEnvSession(t, uplink.SessionConfig{ReconnectAlways: c.reconnectAlways},
				forecast.MovingAverage(10), forecast.MovingAverage(10), addrA)
			ctx := context.Background()
			for i, cred := range []string{"tokenA", "tokenA", "tokenB"} {
				require.True(t, e.dispatch.Deliver(addrA, link.Frame{Sequence: int32(i), Credential: cred, Temperature: 21}))
				ok, err := e.agg.Step(ctx)
				require.NoError(t, err)
				require.True(t, ok)
			}
			assert.Equal(t, c.expect, e.client.eventLog())
		})
	}
}

func TestDuplicateSequence(t *testing.T) {
	t.Parallel()

	mt := &countModel{value: 99}
	e := newEnv(t, mt, forecast.MovingAverage(10), addrA)
	ctx := context.Background()
	step := func(seq int32, temperature float32) {
		require.True(t, e.dispatch.Deliver(addrA, link.Frame{Sequence: seq, Credential: "a", Temperature: temperature, Humidity: 40}))
		ok, err := e.agg.Step(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	// resend after lost link ack carries same sequence
	for i := 0; i < 9; i++ {
		step(int32(i), 20)
		step(int32(i), 20)
	}
	require.Len(t, e.records, 9)
	assert.Equal(t, int32(0), mt.calls.Load())
	step(9, 20)
	assert.Equal(t, int32(1), mt.calls.Load())
	_, pubs := e.client.snapshot()
	assert.Len(t, pubs, 10)

	// lower sequence means node restarted without persisted counter, accepted
	step(0, 21)
	require.Len(t, e.records, 11)
	st := e.agg.Status()[0]
	assert.Equal(t, uint32(9), st.Duplicates)
	assert.Equal(t, int32(0), st.LastSequence)
}

func TestSenderOrderAndOverwrite(t *testing.T) {
	t.Parallel()

	e := newEnv(t, forecast.MovingAverage(10), forecast.MovingAverage(10), addrA, addrB)
	ctx := context.Background()
	// B arrives first, but A is first in allow list
	e.dispatch.Deliver(addrB, link.Frame{Sequence: 1, Credential: "b", Temperature: 1})
	e.dispatch.Deliver(addrA, link.Frame{Sequence: 1, Credential: "a", Temperature: 2})
	e.dispatch.Deliver(addrA, link.Frame{Sequence: 2, Credential: "a", Temperature: 3})
	for {
		ok, err := e.agg.Step(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	require.Len(t, e.records, 2)
	assert.Equal(t, float32(3), e.records[0].Temperature)
	assert.Equal(t, float32(1), e.records[1].Temperature)
	st := e.agg.Status()
	assert.Equal(t, uint32(1), st[0].Overwritten)
	assert.Equal(t, int32(2), st[0].LastSequence)
}

func TestSenderIsolation(t *testing.T) {
	t.Parallel()

	e := newEnv(t, forecast.MovingAverage(10), forecast.MovingAverage(10), addrA, addrB)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		e.dispatch.Deliver(addrA, link.Frame{Sequence: int32(i), Credential: "a", Temperature: 10, Humidity: 40})
		_, err := e.agg.Step(ctx)
		require.NoError(t, err)
	}
	e.dispatch.Deliver(addrB, link.Frame{Sequence: 0, Credential: "b", Temperature: 30, Humidity: 60})
	_, err := e.agg.Step(ctx)
	require.NoError(t, err)

	last := e.records[len(e.records)-1]
	// B window not saturated, A history does not leak
	assert.Equal(t, float32(30), last.PredictingTemperature)
	assert.Equal(t, float32(60), last.PredictingHumidity)
	assert.Equal(t, float32(10), e.records[9].PredictingTemperature)
	st := e.agg.Status()
	assert.True(t, st[0].Saturated)
	assert.False(t, st[1].Saturated)
}

func TestInferenceErrorPublishesRaw(t *testing.T) {
	t.Parallel()

	mt := &countModel{value: 99, err: fmt.Errorf("tensor arena exhausted")}
	e := newEnv(t, mt, forecast.MovingAverage(10), addrA)
	ctx := context.Background()
	for i := 0; i < 11; i++ {
		e.dispatch.Deliver(addrA, link.Frame{Sequence: int32(i), Credential: "a", Temperature: 25.5, Humidity: 40})
		_, err := e.agg.Step(ctx)
		require.NoError(t, err)
	}
	require.Len(t, e.records, 11)
	assert.Equal(t, float32(25.5), e.records[10].PredictingTemperature)
	assert.Equal(t, float32(40), e.records[10].PredictingHumidity)
	inferenceErrors, _ := e.agg.Stats()
	assert.Equal(t, uint32(2), inferenceErrors)
}

func TestNonFinite(t *testing.T) {
	t.Parallel()

	mt := &countModel{value: 1}
	e := newEnv(t, mt, forecast.MovingAverage(10), addrA)
	ctx := context.Background()
	nan := float32(math.NaN())
	for i := 0; i < 10; i++ {
		e.dispatch.Deliver(addrA, link.Frame{Sequence: int32(i), Credential: "a", Temperature: nan, Humidity: 40})
		_, err := e.agg.Step(ctx)
		require.NoError(t, err)
	}
	// NaN readings never enter window, model is not consulted
	assert.Equal(t, int32(0), mt.calls.Load())
	_, pubs := e.client.snapshot()
	require.Len(t, pubs, 10)
	assert.Equal(t, `{"temperature":null,"predicting_temperature":null,"humidity":40.00,"predicting_humidity":40.00,"light":0.00}`, pubs[9].payload)
	_, nonFinite := e.agg.Stats()
	assert.Equal(t, uint32(10), nonFinite)
}

func TestNonFiniteDelaysSaturation(t *testing.T) {
	t.Parallel()

	mt := &countModel{value: 1}
	e := newEnv(t, mt, forecast.MovingAverage(10), addrA)
	ctx := context.Background()
	temperatures := []float32{float32(math.NaN()), 20, 20, 20, 20, 20, 20, 20, 20, 20}
	for i, v := range temperatures {
		e.dispatch.Deliver(addrA, link.Frame{Sequence: int32(i), Credential: "a", Temperature: v, Humidity: 40})
		_, err := e.agg.Step(ctx)
		require.NoError(t, err)
	}
	// 10 frames but only 9 pushes
	assert.Equal(t, int32(0), mt.calls.Load())
	assert.False(t, e.agg.Status()[0].Saturated)
	e.dispatch.Deliver(addrA, link.Frame{Sequence: 10, Credential: "a", Temperature: 20, Humidity: 40})
	_, err := e.agg.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), mt.calls.Load())
}

func TestEnsureCanceled(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	engine, err := forecast.NewEngine(10, forecast.MovingAverage(10), forecast.MovingAverage(10))
	require.NoError(t, err)
	d := link.NewDispatcher(log, []link.Address{addrA})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session := uplink.NewSession(log, downClient{}, uplink.SessionConfig{
		ReconnectAlways: true,
		Retry:           helpers.Retry{Interval: time.Hour},
	})
	a := New(log, Config{}, d, engine, session)
	d.Deliver(addrA, link.Frame{Credential: "a"})
	ok, err := a.Step(ctx)
	assert.True(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sender=10:06:1c:41:a5:38 seq=0")
	assert.Equal(t, uint32(0), a.Status()[0].Processed)
}

type downClient struct{}

func (downClient) Connect(ctx context.Context, credential string) error { return fmt.Errorf("refused") }
func (downClient) Disconnect()                                          {}
func (downClient) IsConnected() bool                                    { return false }
func (downClient) Publish(context.Context, string, []byte) error        { return uplink.ErrNotConnected }

// Full path: node sender over medium, dispatcher, Run loop.
func TestRunOverMedium(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	key := link.Key{'t', 'h', 'e', 'I', 'o', 'T', 'P', 'r', 'o', 'j', 'e', 'c', 't', 'L', 'M', 'K'}
	primary := link.Key{'t', 'h', 'e', 'I', 'o', 'T', 'P', 'r', 'o', 'j', 'e', 'c', 't', 'P', 'M', 'K'}
	peers := func(addrs ...link.Address) *link.PeerTable {
		ps := make([]link.Peer, len(addrs))
		for i, a := range addrs {
			ps[i] = link.Peer{Address: a, Key: key}
		}
		pt, err := link.NewPeerTable(primary, ps)
		require.NoError(t, err)
		return pt
	}
	m := link.NewMedium(log)
	edge, err := m.Attach(addrEdge, peers(addrA, addrStray))
	require.NoError(t, err)
	nodeA, err := m.Attach(addrA, peers(addrEdge))
	require.NoError(t, err)
	stray, err := m.Attach(addrStray, peers(addrEdge))
	require.NoError(t, err)

	engine, err := forecast.NewEngine(10, forecast.MovingAverage(10), forecast.MovingAverage(10))
	require.NoError(t, err)
	d := link.NewDispatcher(log, []link.Address{addrA})
	edge.SetReceiveHandler(d.Receive)
	client := &recordClient{}
	a := New(log, Config{StatusInterval: time.Millisecond}, d, engine, uplink.NewSession(log, client, uplink.SessionConfig{ReconnectAlways: true}))
	done := make(chan struct{}, 16)
	a.OnRecord = func(link.Address, *link.Frame, *uplink.Record) { done <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	retry := helpers.Retry{Interval: time.Millisecond, MaxAttempts: 5}
	sa := link.NewSender(log, nodeA, addrEdge, retry)
	ss := link.NewSender(log, stray, addrEdge, retry)
	for i := 0; i < 3; i++ {
		require.NoError(t, ss.Send(ctx, &link.Frame{Sequence: int32(i), Credential: "intruder", Temperature: 66}))
		require.NoError(t, sa.Send(ctx, &link.Frame{Sequence: int32(i), Credential: "tokenA", Temperature: 21}))
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("frame=%d not processed", i)
		}
	}
	cancel()
	assert.Equal(t, context.Canceled, <-runErr)

	_, pubs := client.snapshot()
	require.Len(t, pubs, 3)
	for _, p := range pubs {
		assert.Equal(t, "tokenA", p.credential)
	}
	unknown, _ := d.Stats()
	assert.Equal(t, uint32(3), unknown)
}
