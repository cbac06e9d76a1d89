package link

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/iotproject/edgecast/helpers"
	"github.com/iotproject/edgecast/log2"
	"github.com/juju/errors"
)

const DefaultRetryInterval = 100 * time.Millisecond

// Sender transmits one frame at a time to fixed destination,
// repeating until link layer confirms delivery of that exact sequence.
type Sender struct {
	log    *log2.Log
	driver Driver
	dst    Address
	ack    *AckState
	retry  helpers.Retry

	attempts atomic.Uint64
	acked    atomic.Uint64
}

// NewSender takes over driver send handler.
// Zero retry.Interval means DefaultRetryInterval.
func NewSender(log *log2.Log, driver Driver, dst Address, retry helpers.Retry) *Sender {
	if retry.Interval == 0 {
		retry.Interval = DefaultRetryInterval
	}
	s := &Sender{
		log:    log,
		driver: driver,
		dst:    dst,
		ack:    NewAckState(),
		retry:  retry,
	}
	driver.SetSendHandler(s.onSent)
	return s
}

func (s *Sender) Ack() *AckState { return s.ack }

func (s *Sender) Stats() (attempts, acked uint64) { return s.attempts.Load(), s.acked.Load() }

func (s *Sender) onSent(dst Address, payload []byte, delivered bool) {
	if !delivered || dst != s.dst {
		return
	}
	if seq, ok := PeekSequence(payload); ok {
		s.ack.Store(seq)
	}
}

// Send blocks until frame sequence is acknowledged.
// With unlimited retry policy only ctx cancel makes it return early.
func (s *Sender) Send(ctx context.Context, f *Frame) error {
	b, err := f.MarshalBinary()
	if err != nil {
		return errors.Trace(err)
	}
	seq := f.Sequence
	err = s.retry.Do(ctx, func(attempt int) (bool, error) {
		if s.ack.Acked(seq) {
			return true, nil
		}
		s.attempts.Add(1)
		if attempt > 1 {
			s.log.Debugf("link retry dst=%s seq=%d attempt=%d", s.dst, seq, attempt)
		}
		if err := s.driver.Send(s.dst, b); err != nil {
			s.log.Debugf("link send dst=%s seq=%d err=%v", s.dst, seq, err)
			return s.ack.Acked(seq), err
		}
		return s.ack.Acked(seq), nil
	})
	if err != nil {
		return errors.Annotatef(err, "link dst=%s seq=%d", s.dst, seq)
	}
	s.acked.Add(1)
	return nil
}

func IsNotAcknowledged(e error) bool { return helpers.IsExhausted(e) }
