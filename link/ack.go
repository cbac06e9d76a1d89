package link

import "sync/atomic"

const NoAck int32 = -1

// AckState holds sequence of the last frame confirmed delivered by the link layer.
// Single writer (send completion callback), single reader (Sender loop).
type AckState struct{ v atomic.Int32 }

func NewAckState() *AckState {
	a := &AckState{}
	a.v.Store(NoAck)
	return a
}

func (a *AckState) Load() int32          { return a.v.Load() }
func (a *AckState) Store(seq int32)      { a.v.Store(seq) }
func (a *AckState) Acked(seq int32) bool { return a.v.Load() == seq }
