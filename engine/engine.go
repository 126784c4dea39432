// Package engine runs the capture and delivery loops over one spool.
//
// The capture loop takes a screenshot every Interval, applies retention, and
// nudges the delivery loop once enough screenshots are pending. The delivery
// loop runs a delivery cycle when nudged and when its drain timer fires, and
// periodically reconciles the spool with the disk. The loops share only the
// spool index, so a stalled upload never delays a capture.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/capture"
	"github.com/ndlib/shotlogger/delivery"
	"github.com/ndlib/shotlogger/journal"
	"github.com/ndlib/shotlogger/spool"
	"github.com/ndlib/shotlogger/store"
	"github.com/ndlib/shotlogger/util"
)

// Deps are the collaborators of an Engine.
type Deps struct {
	Spool   store.Store      // where captures are kept
	Source  capture.Capturer // takes the screenshots
	Backend delivery.Backend // nil disables delivery
	Journal journal.Journal  // may be nil
	Clock   clock.Clock      // nil means the wall clock
	Stats   stats.Client     // may be nil
}

// An Engine is a running shotlogger.
type Engine struct {
	config   Config
	index    *spool.Index
	producer *capture.Producer
	pipeline *delivery.Pipeline // nil if delivery is disabled
	rate     *util.RateCounter  // nil if unlimited
	journal  journal.Journal
	clock    clock.Clock
	stats    stats.Client
	nudge    chan struct{}
}

// New recovers the spool and returns an Engine ready to Run. Artifacts the
// journal says were delivered are removed before anything else happens.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Spool == nil || deps.Source == nil {
		return nil, errors.New("engine needs a spool and a capture source")
	}
	if config.Interval <= 0 {
		return nil, errors.Errorf("capture interval must be positive, got %s", config.Interval)
	}
	e := &Engine{
		config:  config,
		journal: deps.Journal,
		clock:   deps.Clock,
		stats:   deps.Stats,
		nudge:   make(chan struct{}, 1),
	}
	if e.clock == nil {
		e.clock = clock.New()
	}

	var acked spool.Acknowledger
	if deps.Journal != nil {
		acked = deps.Journal
	}
	index, err := spool.Recover(deps.Spool, acked)
	if err != nil {
		return nil, errors.Wrap(err, "recovering spool")
	}
	e.index = index
	for _, key := range index.Purge() {
		log.Printf("engine: removed %s, delivered before the restart", key)
	}
	if deps.Journal != nil {
		e.settleJournal()
	}
	e.enforce()

	e.producer = &capture.Producer{Index: index, Source: deps.Source, Clock: e.clock}
	if deps.Backend != nil {
		if config.UploadRateKBps > 0 {
			e.rate = util.NewRateCounter(float64(config.UploadRateKBps) * 1024)
		}
		e.pipeline = &delivery.Pipeline{
			Index:          index,
			Backend:        deps.Backend,
			Owner:          config.Owner,
			BatchSize:      config.BatchSize,
			Timeout:        config.UploadTimeout,
			Workers:        config.UploadWorkers,
			Rate:           e.rate,
			Journal:        deps.Journal,
			Stats:          deps.Stats,
			Clock:          e.clock,
			BackoffInitial: config.BackoffInitial,
			BackoffMax:     config.BackoffMax,
		}
	} else {
		log.Println("engine: no archive configured, delivery is disabled")
	}
	return e, nil
}

// Index returns the spool index.
func (e *Engine) Index() *spool.Index {
	return e.index
}

// Run captures and delivers until ctx is cancelled. Before returning it
// makes one last attempt to deliver what is pending, bounded by
// Config.FinalDrain.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("engine: starting with %d artifacts (%d pending, %d bytes)",
		e.index.Len(), e.index.PendingCount(), e.index.Size())

	// the tickers are made before anything runs so no tick is missed
	captureTick := e.clock.Ticker(e.config.Interval)
	defer captureTick.Stop()
	var drainC, reconcileC <-chan time.Time
	if e.config.DrainInterval > 0 && e.pipeline != nil {
		t := e.clock.Ticker(e.config.DrainInterval)
		defer t.Stop()
		drainC = t.C
	}
	if e.config.ReconcileInterval > 0 {
		t := e.clock.Ticker(e.config.ReconcileInterval)
		defer t.Stop()
		reconcileC = t.C
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.deliveryLoop(ctx, drainC, reconcileC)
	}()
	e.captureLoop(ctx, captureTick.C)
	wg.Wait()

	e.finalDrain()
	if e.rate != nil {
		e.rate.Stop()
	}
	log.Printf("engine: stopped with %d pending", e.index.PendingCount())
	return nil
}

func (e *Engine) captureLoop(ctx context.Context, tick <-chan time.Time) {
	for {
		e.captureOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}
	}
}

// captureOnce takes one screenshot. A failed capture is logged and skipped.
func (e *Engine) captureOnce(ctx context.Context) {
	_, err := e.producer.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("engine: capture skipped: %s", err)
		e.bump("capture.error", 1)
		return
	}
	e.bump("capture.ok", 1)
	e.enforce()
	if e.pipeline != nil && e.pipeline.Ready() {
		e.poke()
	}
}

// poke wakes the delivery loop without waiting for it.
func (e *Engine) poke() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

func (e *Engine) deliveryLoop(ctx context.Context, drainC, reconcileC <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.nudge:
			e.deliver(ctx, false)
		case <-drainC:
			e.deliver(ctx, true)
		case <-reconcileC:
			e.reconcile()
		}
	}
}

func (e *Engine) deliver(ctx context.Context, drain bool) {
	if e.pipeline == nil {
		return
	}
	report, err := e.pipeline.Deliver(ctx, drain)
	if err == delivery.ErrBackingOff {
		log.Println("engine: delivery deferred, backing off")
		return
	}
	// keep going while whole batches are waiting and the archive is
	// taking them
	if err == nil && report.Delivered > 0 && e.pipeline.Ready() {
		e.poke()
	}
}

// reconcile repairs the index from the disk, applies retention and trims
// the journal.
func (e *Engine) reconcile() {
	report := e.index.Reconcile()
	if n := len(report.Added) + len(report.Dropped) + len(report.Resized); n > 0 {
		log.Printf("engine: reconcile fixed %d entries", n)
	}
	e.enforce()
	if e.journal != nil && e.config.JournalRetention > 0 {
		n, err := e.journal.Prune(e.clock.Now().Add(-e.config.JournalRetention))
		if err != nil {
			log.Printf("engine: journal prune: %s", err)
		} else if n > 0 {
			log.Printf("engine: pruned %d journal entries", n)
		}
	}
}

func (e *Engine) enforce() {
	report := e.index.Enforce(e.config.MaxSpoolBytes)
	e.bump("retention.deleted", float64(len(report.Deleted)))
	if report.Starved {
		e.bump("retention.starved", 1)
	}
}

func (e *Engine) finalDrain() {
	if e.pipeline == nil || e.config.FinalDrain <= 0 || e.index.PendingCount() == 0 {
		return
	}
	log.Printf("engine: final delivery of %d pending", e.index.PendingCount())
	ctx, cancel := context.WithTimeout(context.Background(), e.config.FinalDrain)
	defer cancel()
	_, err := e.pipeline.Deliver(ctx, true)
	if err != nil {
		log.Printf("engine: final delivery: %s", err)
	}
}

func (e *Engine) bump(key string, val float64) {
	if e.stats != nil {
		e.stats.BumpSum(key, val)
	}
}

// settleJournal clears the journal rows of delivered artifacts whose files
// are gone. A key which cannot be cleared is retired, so no new capture
// reuses it.
func (e *Engine) settleJournal() {
	keys, err := e.journal.Outstanding()
	if err != nil {
		log.Printf("engine: journal: %s", err)
		return
	}
	for _, key := range keys {
		if _, ok := e.index.Get(key); ok {
			// still on disk, retention or the next restart removes it
			continue
		}
		if err := e.journal.Clear(key); err != nil {
			log.Printf("engine: journal clear %s: %s", key, err)
			e.index.Retire(key)
		}
	}
}
