package sensor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/link"
	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const DefaultPeriod = 5 * time.Second

type NodeConfig struct {
	Credential string
	// Period is pause after acknowledged frame.
	Period time.Duration
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Node is sampling task: sample, number, send until acknowledged, pause.
type Node struct {
	log     *log2.Log
	c       NodeConfig
	sampler Sampler
	sender  *link.Sender
	counter *Counter
	stale   *Stale

	sent        atomic.Uint32
	readErrors  atomic.Uint32
	staleFields atomic.Uint32
}

func NewNode(log *log2.Log, c NodeConfig, sampler Sampler, sender *link.Sender, counter *Counter) (*Node, error) {
	if err := (&link.Frame{Credential: c.Credential}).Validate(); err != nil {
		return nil, errors.Annotate(err, "node credential")
	}
	if c.Period == 0 {
		c.Period = DefaultPeriod
	}
	if c.Sleep == nil {
		c.Sleep = helpers.SleepContext
	}
	if counter == nil {
		counter = &Counter{}
	}
	return &Node{
		log:     log,
		c:       c,
		sampler: sampler,
		sender:  sender,
		counter: counter,
		stale:   NewStale(),
	}, nil
}

// Cycle sends one frame, blocks until aggregator acknowledged it.
func (n *Node) Cycle(ctx context.Context) (link.Frame, error) {
	s, err := n.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return link.Frame{}, ctx.Err()
		}
		n.readErrors.Add(1)
		n.log.Errorf("sample err=%v", err)
	}
	s, replaced := n.stale.Apply(s)
	if replaced != 0 {
		n.staleFields.Add(uint32(replaced))
		n.log.Debugf("sample stale fields=%d %s", replaced, s)
	}

	seq, err := n.counter.Next()
	if err != nil {
		// sequence still increases in memory
		n.log.Error(errors.Annotate(err, "sequence persist"))
	}
	f := link.Frame{
		Sequence:    seq,
		Credential:  n.c.Credential,
		Temperature: s.Temperature,
		Humidity:    s.Humidity,
		Light:       s.Light,
	}
	if err = n.sender.Send(ctx, &f); err != nil {
		return f, errors.Trace(err)
	}
	n.sent.Add(1)
	n.log.Debugf("sent %s", f.String())
	return f, nil
}

// Run repeats Cycle with Period pause until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	for {
		if _, err := n.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.log.Error(err)
		}
		if err := n.c.Sleep(ctx, n.c.Period); err != nil {
			return err
		}
	}
}

type NodeStats struct {
	Sent, ReadErrors, StaleFields uint32
	Next                          int32
}

func (n *Node) Stats() NodeStats {
	return NodeStats{
		Sent:        n.sent.Load(),
		ReadErrors:  n.readErrors.Load(),
		StaleFields: n.staleFields.Load(),
		Next:        n.counter.Peek(),
	}
}

// Start runs node and indicator tasks under a.
// Stopping a cancels both, ind may be nil.
func Start(ctx context.Context, a *alive.Alive, n *Node, ind *Indicator) {
	if !a.Add(2) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-a.StopChan()
		cancel()
	}()
	go func() {
		defer a.Done()
		defer a.Stop()
		if err := n.Run(ctx); err != nil && ctx.Err() == nil {
			n.log.Error(err)
		}
	}()
	go func() {
		defer a.Done()
		_ = ind.Run(ctx)
		if err := ind.Close(); err != nil {
			n.log.Error(err)
		}
	}()
}
