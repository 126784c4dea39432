package engine

import (
	"context"
	"errors"
	"io/ioutil"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ndlib/shotlogger/archiveapi"
	"github.com/ndlib/shotlogger/archiveapi/archivetest"
	"github.com/ndlib/shotlogger/capture"
	"github.com/ndlib/shotlogger/delivery"
	"github.com/ndlib/shotlogger/journal"
	"github.com/ndlib/shotlogger/spool"
	"github.com/ndlib/shotlogger/store"
	"github.com/ndlib/shotlogger/util"
)

var (
	start   = time.Date(2026, 10, 15, 9, 0, 0, 0, time.Local)
	fakePNG = append([]byte("\x89PNG\r\n\x1a\n"), "pixels"...)
)

func pngSource(ctx context.Context) ([]byte, error) {
	return fakePNG, nil
}

func keyN(n int) string {
	return spool.KeyFor(start.Add(time.Duration(n)*10*time.Second), 0)
}

// rig is an engine with a temporary spool, a mock clock and a stub archive.
type rig struct {
	dir    string
	fs     *store.FileSystem
	mock   *clock.Mock
	stub   *archivetest.Stub
	server *httptest.Server
	stats  *util.ExpvarStats
}

func newRig(t *testing.T) *rig {
	dir, err := ioutil.TempDir("", "engine")
	if err != nil {
		t.Fatal(err)
	}
	r := &rig{
		dir:   dir,
		fs:    store.NewFileSystem(dir, spool.DayPartition),
		mock:  clock.NewMock(),
		stub:  archivetest.NewStub("secret"),
		stats: util.NewExpvarStats(""),
	}
	r.mock.Add(start.Sub(r.mock.Now()))
	r.server = httptest.NewServer(r.stub)
	return r
}

func (r *rig) Close() {
	r.server.Close()
	os.RemoveAll(r.dir)
}

func (r *rig) deps(source capture.Capturer) Deps {
	return Deps{
		Spool:   r.fs,
		Source:  source,
		Backend: &delivery.HTTPBackend{Conn: &archiveapi.Connection{HostURL: r.server.URL, Password: "secret"}},
		Clock:   r.mock,
		Stats:   r.stats,
	}
}

func testConfig() Config {
	c := DefaultConfig()
	c.Owner = "alice"
	c.BatchSize = 3
	c.DrainInterval = 0
	c.ReconcileInterval = 0
	c.BackoffInitial = 0
	return c
}

// waitFor polls cond until it is true or a few seconds have passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// run starts e and returns a function which stops it and waits for Run to
// return.
func run(e *Engine) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestCaptureAndDeliver(t *testing.T) {
	r := newRig(t)
	defer r.Close()
	config := testConfig()
	config.FinalDrain = 0
	e, err := New(config, r.deps(capture.Func(pngSource)))
	if err != nil {
		t.Fatal(err)
	}
	stop := run(e)
	defer stop()

	// one capture at startup, then one per tick
	waitFor(t, "first capture", func() bool { return e.Index().Len() == 1 })
	r.mock.Add(10 * time.Second)
	waitFor(t, "second capture", func() bool { return e.Index().Len() == 2 })
	if len(r.stub.Received()) != 0 {
		t.Errorf("delivered below the batch size: %v", r.stub.Received())
	}
	r.mock.Add(10 * time.Second)
	waitFor(t, "batch delivery", func() bool { return len(r.stub.Paths()) == 3 })
	waitFor(t, "spool to empty", func() bool { return e.Index().Len() == 0 })

	want := "alice/15-10-2026/" + keyN(2)
	if data, ok := r.stub.Get(want); !ok || string(data) != string(fakePNG) {
		t.Errorf("archive has %v", r.stub.Paths())
	}
	if r.stats.Get("capture.ok") != 3 || r.stats.Get("delivery.ok") != 3 {
		t.Errorf("stats capture.ok %v delivery.ok %v",
			r.stats.Get("capture.ok"), r.stats.Get("delivery.ok"))
	}
	ids, _ := r.fs.ListPrefix("")
	if len(ids) != 0 {
		t.Errorf("spool still has %v", ids)
	}
}

func TestDrainTimer(t *testing.T) {
	r := newRig(t)
	defer r.Close()
	config := testConfig()
	config.BatchSize = 10
	config.Interval = time.Hour
	config.DrainInterval = time.Minute
	config.FinalDrain = 0
	e, err := New(config, r.deps(capture.Func(pngSource)))
	if err != nil {
		t.Fatal(err)
	}
	stop := run(e)
	defer stop()

	waitFor(t, "first capture", func() bool { return e.Index().Len() == 1 })
	r.mock.Add(time.Minute)
	waitFor(t, "drain", func() bool { return len(r.stub.Paths()) == 1 })
	waitFor(t, "spool to empty", func() bool { return e.Index().PendingCount() == 0 })
}

func TestFinalDrain(t *testing.T) {
	r := newRig(t)
	defer r.Close()
	config := testConfig()
	config.BatchSize = 10
	e, err := New(config, r.deps(capture.Func(pngSource)))
	if err != nil {
		t.Fatal(err)
	}
	stop := run(e)
	waitFor(t, "first capture", func() bool { return e.Index().Len() == 1 })
	if len(r.stub.Received()) != 0 {
		t.Fatalf("delivered early: %v", r.stub.Received())
	}
	stop()
	if len(r.stub.Paths()) != 1 || e.Index().PendingCount() != 0 {
		t.Errorf("after stop archive has %v, %d pending", r.stub.Paths(), e.Index().PendingCount())
	}
}

func TestCaptureFailure(t *testing.T) {
	r := newRig(t)
	defer r.Close()
	broken := capture.Func(func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("no display")
	})
	e, err := New(testConfig(), r.deps(broken))
	if err != nil {
		t.Fatal(err)
	}
	stop := run(e)
	defer stop()
	waitFor(t, "failed capture", func() bool { return r.stats.Get("capture.error") == 1 })
	r.mock.Add(10 * time.Second)
	waitFor(t, "second failed capture", func() bool { return r.stats.Get("capture.error") == 2 })
	if e.Index().Len() != 0 || r.stats.Get("capture.ok") != 0 {
		t.Errorf("index has %d entries", e.Index().Len())
	}
}

func TestRetentionWithoutDelivery(t *testing.T) {
	r := newRig(t)
	defer r.Close()
	config := testConfig()
	config.MaxSpoolBytes = int64(len(fakePNG)) + 1
	deps := r.deps(capture.Func(pngSource))
	deps.Backend = nil
	e, err := New(config, deps)
	if err != nil {
		t.Fatal(err)
	}
	stop := run(e)
	defer stop()
	waitFor(t, "first capture", func() bool { return e.Index().Len() == 1 })
	r.mock.Add(10 * time.Second)
	waitFor(t, "second capture", func() bool { return e.Index().Len() == 2 })

	// everything is pending, so nothing may be removed
	waitFor(t, "starved retention", func() bool { return r.stats.Get("retention.starved") >= 1 })
	if r.stats.Get("retention.deleted") != 0 {
		t.Errorf("retention deleted %v", r.stats.Get("retention.deleted"))
	}
	ids, _ := r.fs.ListPrefix("")
	if len(ids) != 2 {
		t.Errorf("spool has %v", ids)
	}
}

func TestRecoveryAtStartup(t *testing.T) {
	r := newRig(t)
	defer r.Close()
	// left over from a run which was killed
	for i := 0; i < 4; i++ {
		w, err := r.fs.Create(keyN(i))
		if err != nil {
			t.Fatal(err)
		}
		w.Write(fakePNG)
		w.Close()
	}
	j, err := journal.Open("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	// the archive took keyN(1) but the file was never removed
	j.Acknowledge(keyN(1), "alice/15-10-2026/"+keyN(1), start)

	deps := r.deps(capture.Func(pngSource))
	deps.Journal = j
	e, err := New(testConfig(), deps)
	if err != nil {
		t.Fatal(err)
	}
	x := e.Index()
	if x.Len() != 3 || x.PendingCount() != 3 {
		t.Errorf("recovered %d entries, %d pending", x.Len(), x.PendingCount())
	}
	if _, ok := x.Get(keyN(1)); ok {
		t.Errorf("delivered artifact still indexed")
	}
	if _, _, err := r.fs.Open(keyN(1)); err != store.ErrNotExist {
		t.Errorf("delivered artifact still on disk: %v", err)
	}
	if keys, _ := j.Outstanding(); len(keys) != 0 {
		t.Errorf("journal still has %v outstanding", keys)
	}
}

// unclearable is a journal whose rows can never be cleared.
type unclearable struct{ journal.Journal }

func (unclearable) Clear(key string) error { return errors.New("journal is read only") }

func TestStaleJournalAtStartup(t *testing.T) {
	var table = []struct {
		name     string
		clearErr bool
	}{
		{"cleared", false},
		{"clear fails", true},
	}
	for _, tab := range table {
		t.Run(tab.name, func(t *testing.T) {
			r := newRig(t)
			defer r.Close()
			j, err := journal.Open("memory")
			if err != nil {
				t.Fatal(err)
			}
			defer j.Close()
			// delivered and deleted, but the row was never cleared
			j.Acknowledge(keyN(0), "alice/15-10-2026/"+keyN(0), start)

			deps := r.deps(capture.Func(pngSource))
			deps.Journal = j
			if tab.clearErr {
				deps.Journal = unclearable{j}
			}
			e, err := New(testConfig(), deps)
			if err != nil {
				t.Fatal(err)
			}
			keys, _ := j.Outstanding()
			if tab.clearErr != (len(keys) == 1) {
				t.Errorf("journal has %v outstanding", keys)
			}
			// the key can be reused only once the journal forgets it
			w, err := e.Index().Create(keyN(0))
			if tab.clearErr {
				if err != store.ErrKeyExists {
					t.Errorf("Create got %v, expected ErrKeyExists", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			w.Abort()
		})
	}
}

func TestReconcileTimer(t *testing.T) {
	r := newRig(t)
	defer r.Close()
	config := testConfig()
	config.Interval = time.Hour
	config.BatchSize = 100
	config.ReconcileInterval = time.Minute
	config.FinalDrain = 0
	e, err := New(config, r.deps(capture.Func(pngSource)))
	if err != nil {
		t.Fatal(err)
	}
	stop := run(e)
	defer stop()
	waitFor(t, "first capture", func() bool { return e.Index().Len() == 1 })

	// a file dropped into the spool by hand is picked up
	w, _ := r.fs.Create(keyN(100))
	w.Write(fakePNG)
	w.Close()
	r.mock.Add(time.Minute)
	waitFor(t, "reconcile", func() bool { return e.Index().Len() == 2 })
}

func TestNewErrors(t *testing.T) {
	config := testConfig()
	if _, err := New(config, Deps{}); err == nil {
		t.Error("expected error with no spool")
	}
	config.Interval = 0
	if _, err := New(config, Deps{Spool: store.NewMemory(), Source: capture.Func(pngSource)}); err == nil {
		t.Error("expected error with zero interval")
	}
}
