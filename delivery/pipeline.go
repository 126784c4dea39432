package delivery

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/journal"
	"github.com/ndlib/shotlogger/spool"
	"github.com/ndlib/shotlogger/store"
	"github.com/ndlib/shotlogger/util"
)

// A Pipeline delivers pending artifacts from an index to a backend. Only one
// delivery cycle runs at a time. Do not change the fields after the first
// call to Deliver.
type Pipeline struct {
	Index   *spool.Index
	Backend Backend
	Owner   string

	// BatchSize is both the delivery threshold and the most artifacts sent
	// in one cycle. Values below 1 mean 1.
	BatchSize int

	// Timeout bounds the transmission of each artifact. Zero means 60
	// seconds.
	Timeout time.Duration

	// Workers is how many artifacts may be in flight at once. Values below
	// 1 mean 1.
	Workers int

	// Rate, if not nil, limits the bytes per second read from the spool.
	Rate *util.RateCounter

	// Journal, if not nil, records every acknowledgement before the local
	// file is deleted.
	Journal journal.Journal

	Stats stats.Client // may be nil
	Clock clock.Clock  // nil means the wall clock

	// After a cycle which delivered nothing because of transport or auth
	// failures, further cycles are refused for BackoffInitial. The delay
	// doubles after each such cycle up to BackoffMax. Zero BackoffInitial
	// disables backing off.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	m       sync.Mutex // serializes cycles and protects below
	delay   time.Duration
	retryAt time.Time
}

// A Report summarizes one delivery cycle.
type Report struct {
	Attempted int
	Delivered int
	Bytes     int64
	Failures  []*Failure
}

// ErrBackingOff is returned by Deliver when a recent cycle failed and the
// backoff delay has not yet passed.
var ErrBackingOff = errors.New("delivery is backing off")

const defaultTimeout = 60 * time.Second

// Ready returns true when there are at least BatchSize pending artifacts.
func (p *Pipeline) Ready() bool {
	return p.Index.PendingCount() >= p.batchSize()
}

// Deliver runs one delivery cycle. Unless drain is true nothing is done until
// the pending count reaches the batch size. With drain a cycle runs whenever
// anything is pending. The oldest pending artifacts are sent, each one which
// the backend accepts is removed from the spool, and the rest stay pending.
//
// The returned error is ErrBackingOff while backing off, or the failure to
// connect to the backend. Failures of single artifacts are in the Report.
func (p *Pipeline) Deliver(ctx context.Context, drain bool) (Report, error) {
	p.m.Lock()
	defer p.m.Unlock()

	var report Report
	now := p.clock().Now()
	if now.Before(p.retryAt) {
		return report, ErrBackingOff
	}
	pending := p.Index.PendingCount()
	if pending == 0 || (!drain && pending < p.batchSize()) {
		return report, nil
	}
	if p.Stats != nil {
		defer p.Stats.BumpTime("delivery.cycle").End()
	}

	if c, ok := p.Backend.(Connector); ok {
		if err := c.Connect(ctx); err != nil {
			f := asFailure("", err)
			p.logFailure(f)
			report.Failures = append(report.Failures, f)
			p.backoff(now)
			return report, f
		}
	}

	batch := p.Index.SnapshotPending(p.batchSize())
	type result struct {
		size int64
		f    *Failure
	}
	results := make([]result, len(batch))
	gate := util.NewGate(p.Workers)
	var wg sync.WaitGroup
	for i := range batch {
		if !gate.EnterContext(ctx) {
			break
		}
		report.Attempted++
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer gate.Leave()
			results[i].size, results[i].f = p.send(ctx, batch[i])
		}(i)
	}
	wg.Wait()

	stalled := false
	for _, r := range results[:report.Attempted] {
		if r.f == nil {
			report.Delivered++
			report.Bytes += r.size
			continue
		}
		report.Failures = append(report.Failures, r.f)
		if r.f.Kind != Rejected {
			stalled = true
		}
	}
	p.bump("delivery.ok", float64(report.Delivered))
	p.bump("upload.bytes", float64(report.Bytes))
	switch {
	case report.Delivered > 0:
		p.delay = 0
		p.retryAt = time.Time{}
	case stalled && ctx.Err() == nil:
		// a cycle cut short by the caller says nothing about the archive
		p.backoff(now)
	}
	log.Printf("delivery: cycle sent %d of %d, %d bytes, %d pending",
		report.Delivered, report.Attempted, report.Bytes, p.Index.PendingCount())
	return report, nil
}

// send transmits one artifact and, if the backend accepts it, removes it from
// the spool. It returns the number of bytes sent.
func (p *Pipeline) send(ctx context.Context, a spool.Artifact) (int64, *Failure) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	dest := Destination{Owner: p.Owner, Day: a.Day, Filename: a.Key}
	rac, size, err := p.Index.Store().Open(a.Key)
	if err != nil {
		f := &Failure{Kind: Rejected, Key: a.Key, Err: errors.Wrap(err, "opening spool file")}
		p.logFailure(f)
		return 0, f
	}
	defer rac.Close()
	var body io.Reader = store.NewReader(rac)
	if p.Rate != nil {
		body = p.Rate.Wrap(ctx, body)
	}
	err = p.Backend.Deliver(ctx, dest, body, size)
	if err != nil {
		f := asFailure(a.Key, err)
		p.logFailure(f)
		return 0, f
	}
	log.Printf("delivery: %s accepted as %s", a.Key, dest)
	p.acknowledge(a, dest)
	return size, nil
}

// acknowledge removes a delivered artifact from the spool, recording it in
// the journal around the deletion.
func (p *Pipeline) acknowledge(a spool.Artifact, dest Destination) {
	if p.Journal != nil {
		err := p.Journal.Acknowledge(a.Key, dest.String(), p.clock().Now())
		if err != nil {
			log.Printf("delivery: journal %s: %s", a.Key, err)
		}
	}
	err := p.Index.MarkDelivered(a.Key)
	if err != nil && err != spool.ErrUnknown {
		// the file is still on disk; the journal entry stays outstanding
		return
	}
	if p.Journal != nil {
		if err := p.Journal.Clear(a.Key); err != nil {
			log.Printf("delivery: journal clear %s: %s", a.Key, err)
			p.Index.Retire(a.Key)
		}
	}
}

func (p *Pipeline) logFailure(f *Failure) {
	p.bump("delivery."+f.Kind.String(), 1)
	if f.Kind == Auth {
		log.Printf("delivery: AUTH %s", f)
		raven.CaptureError(f, map[string]string{"Key": f.Key, "Owner": p.Owner})
		return
	}
	log.Printf("delivery: %s", f)
}

// backoff pushes back the next cycle. Caller must hold p.m.
func (p *Pipeline) backoff(now time.Time) {
	if p.BackoffInitial <= 0 {
		return
	}
	if p.delay == 0 {
		p.delay = p.BackoffInitial
	} else {
		p.delay *= 2
	}
	if p.BackoffMax > 0 && p.delay > p.BackoffMax {
		p.delay = p.BackoffMax
	}
	p.retryAt = now.Add(p.delay)
	log.Printf("delivery: backing off until %s", p.retryAt.Format(time.RFC3339))
}

func (p *Pipeline) bump(key string, val float64) {
	if p.Stats != nil {
		p.Stats.BumpSum(key, val)
	}
}

func (p *Pipeline) batchSize() int {
	if p.BatchSize < 1 {
		return 1
	}
	return p.BatchSize
}

func (p *Pipeline) timeout() time.Duration {
	if p.Timeout <= 0 {
		return defaultTimeout
	}
	return p.Timeout
}

func (p *Pipeline) clock() clock.Clock {
	if p.Clock == nil {
		return clock.New()
	}
	return p.Clock
}
