package helpers

import (
	"context"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"
)

func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// NoSleep is Retry.Sleep replacement for tests: counts waits, never blocks.
type NoSleep struct{ n int32 }

func (self *NoSleep) Sleep(ctx context.Context, d time.Duration) error {
	atomic.AddInt32(&self.n, 1)
	runtime.Gosched()
	return ctx.Err()
}

func (self *NoSleep) Count() int { return int(atomic.LoadInt32(&self.n)) }
