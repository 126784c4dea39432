package util

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// A RateCounter tracks how many bytes we have sent and makes sure we
// keep under the rate limit given.
// Every so often we increment our pool. As we send we remove credits from
// the pool. If the pool goes negative, then we wait until it goes positive.
type RateCounter struct {
	c       chan struct{} // channel we use to signal credits is positive
	stop    chan struct{} // close to signal adder goroutine to exit
	m       sync.Mutex    // protects below
	credits int64         // current credit balance
}

// Interval between adding credits to the pool. The shorter it is, the more
// waking and churning we do. The longer it is, the burstier the traffic.
const rateInterval = 1 * time.Second

// NewRateCounter returns a counter where credits accumulate
// at the given credits per second. The credits due are added once
// every second.
func NewRateCounter(rate float64) *RateCounter {
	amount := int64(rate * rateInterval.Seconds())
	if amount < 1 {
		amount = 1
	}
	r := &RateCounter{
		c:       make(chan struct{}),
		stop:    make(chan struct{}),
		credits: amount,
	}
	go r.adder(amount)
	return r
}

// Use some number of units. It is okay if it takes this counter negative.
func (r *RateCounter) Use(count int64) {
	r.m.Lock()
	r.credits -= count
	r.m.Unlock()
}

// OK returns a channel to wait on. It will receive an empty struct when it is OK
// to resume reading. The channel will be closed if the RateCounter is Stopped.
func (r *RateCounter) OK() <-chan struct{} {
	return r.c
}

// Stop the background goroutine refilling the RateCounter. Will panic if
// called twice.
func (r *RateCounter) Stop() {
	// the background process will then close r.c, which will cancel any
	// readers
	close(r.stop)
}

// adder is the background goroutine that refills the rate counter based on the
// rate this RateCounter was created with. The balance never grows beyond one
// interval's worth, so an idle period does not allow a burst afterwards.
func (r *RateCounter) adder(amount int64) {
	tick := time.NewTicker(rateInterval)
	defer tick.Stop()
	for {
		var signal chan struct{}
		r.m.Lock()
		if r.credits > 0 {
			signal = r.c
		}
		r.m.Unlock()
		select {
		case <-tick.C:
			r.m.Lock()
			r.credits += amount
			if r.credits > amount {
				r.credits = amount
			}
			r.m.Unlock()
		case signal <- struct{}{}:
		case <-r.stop:
			close(r.c)
			return
		}
	}
}

// Wrap takes an io.Reader and returns a new one where reads are limited by
// this RateCounter. Reads will block until the RateCounter says the current
// usage is ok, or until ctx is done. It is okay for more than one goroutine
// to use the same RateCounter. If the RateCounter was stopped, the returned
// reader will cause an ErrStopped.
func (r *RateCounter) Wrap(ctx context.Context, reader io.Reader) io.Reader {
	return rateReader{ctx: ctx, reader: reader, rate: r}
}

// ErrStopped means a read failed because the governing rate counter was stopped.
var ErrStopped = errors.New("RateCounter stopped")

type rateReader struct {
	ctx    context.Context
	reader io.Reader
	rate   *RateCounter
}

func (r rateReader) Read(p []byte) (int, error) {
	// wait for the rate limiter
	select {
	case _, ok := <-r.rate.OK():
		if !ok {
			// our RateCounter was stopped.
			return 0, ErrStopped
		}
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	}
	n, err := r.reader.Read(p)
	r.rate.Use(int64(n))
	return n, err
}
