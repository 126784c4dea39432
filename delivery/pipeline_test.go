package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ndlib/shotlogger/archiveapi"
	"github.com/ndlib/shotlogger/archiveapi/archivetest"
	"github.com/ndlib/shotlogger/journal"
	"github.com/ndlib/shotlogger/spool"
	"github.com/ndlib/shotlogger/store"
	"github.com/ndlib/shotlogger/util"
)

var base = time.Date(2026, 10, 15, 9, 0, 0, 0, time.Local)

func keyN(n int) string {
	return spool.KeyFor(base.Add(time.Duration(n)*10*time.Second), 0)
}

// newSpool returns an index holding n pending artifacts of 10 bytes each.
func newSpool(t *testing.T, n int) *spool.Index {
	x := spool.NewIndex(store.NewMemory())
	for i := 0; i < n; i++ {
		w, err := x.Create(keyN(i))
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(w, "image %04d", i)
		if _, err := w.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	return x
}

func pendingKeys(x *spool.Index) []string {
	var result []string
	for _, a := range x.SnapshotPending(0) {
		result = append(result, a.Key)
	}
	return result
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// backendFunc adapts a function into a Backend.
type backendFunc func(ctx context.Context, dest Destination, body io.Reader, size int64) error

func (f backendFunc) Deliver(ctx context.Context, dest Destination, body io.Reader, size int64) error {
	return f(ctx, dest, body, size)
}

func newArchive(password string) (*archivetest.Stub, *archivetest.ErrorServer, *httptest.Server) {
	stub := archivetest.NewStub(password)
	es := archivetest.NewErrorServer(stub)
	return stub, es, httptest.NewServer(es)
}

func TestBatchDelivery(t *testing.T) {
	stub, _, server := newArchive("secret")
	defer server.Close()
	x := newSpool(t, 5)
	stats := util.NewExpvarStats("")
	p := &Pipeline{
		Index:     x,
		Backend:   &HTTPBackend{Conn: &archiveapi.Connection{HostURL: server.URL, Password: "secret"}},
		Owner:     "alice",
		BatchSize: 3,
		Stats:     stats,
	}
	report, err := p.Deliver(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Attempted != 3 || report.Delivered != 3 || report.Bytes != 30 || len(report.Failures) != 0 {
		t.Errorf("Got %+v", report)
	}
	if !sameKeys(pendingKeys(x), []string{keyN(3), keyN(4)}) {
		t.Errorf("pending %v", pendingKeys(x))
	}
	var expected []string
	for i := 0; i < 3; i++ {
		expected = append(expected, "alice/15-10-2026/"+keyN(i))
	}
	if !sameKeys(stub.Paths(), expected) {
		t.Errorf("archive has %v", stub.Paths())
	}
	data, _ := stub.Get(expected[1])
	if string(data) != "image 0001" {
		t.Errorf("archive copy is %q", data)
	}
	if stats.Get("delivery.ok") != 3 || stats.Get("upload.bytes") != 30 {
		t.Errorf("stats ok %v bytes %v", stats.Get("delivery.ok"), stats.Get("upload.bytes"))
	}
}

func TestBatchThreshold(t *testing.T) {
	stub, _, server := newArchive("secret")
	defer server.Close()
	x := newSpool(t, 2)
	p := &Pipeline{
		Index:     x,
		Backend:   &HTTPBackend{Conn: &archiveapi.Connection{HostURL: server.URL, Password: "secret"}},
		Owner:     "alice",
		BatchSize: 3,
	}
	if p.Ready() {
		t.Error("Ready with 2 of 3")
	}
	report, err := p.Deliver(context.Background(), false)
	if err != nil || report.Attempted != 0 || len(stub.Received()) != 0 {
		t.Errorf("below threshold got %+v, %v, %v", report, err, stub.Received())
	}
	// the drain timer sends whatever is pending
	report, err = p.Deliver(context.Background(), true)
	if err != nil || report.Delivered != 2 || x.PendingCount() != 0 {
		t.Errorf("drain got %+v, %v", report, err)
	}
	// and nothing when there is nothing
	report, err = p.Deliver(context.Background(), true)
	if err != nil || report.Attempted != 0 || len(stub.Received()) != 2 {
		t.Errorf("empty drain got %+v, %v, %v", report, err, stub.Received())
	}
}

func TestPartialFailure(t *testing.T) {
	stub, es, server := newArchive("secret")
	defer server.Close()
	es.Reset([]archivetest.Play{
		{When: 1, Status: 500, Body: `{"status":"error","message":"disk full"}`},
	})
	x := newSpool(t, 3)
	p := &Pipeline{
		Index:          x,
		Backend:        &HTTPBackend{Conn: &archiveapi.Connection{HostURL: server.URL, Password: "secret"}},
		Owner:          "alice",
		BatchSize:      3,
		BackoffInitial: time.Minute,
	}
	report, err := p.Deliver(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Delivered != 2 || len(report.Failures) != 1 {
		t.Fatalf("Got %+v", report)
	}
	f := report.Failures[0]
	if f.Kind != Transport || f.Key != keyN(1) {
		t.Errorf("failure is %v", f)
	}
	if !sameKeys(pendingKeys(x), []string{keyN(1)}) || x.Len() != 1 {
		t.Errorf("pending %v", pendingKeys(x))
	}
	if len(stub.Paths()) != 2 {
		t.Errorf("archive has %v", stub.Paths())
	}
	// progress was made, so there is no backoff
	report, err = p.Deliver(context.Background(), true)
	if err != nil || report.Delivered != 1 || x.Len() != 0 {
		t.Errorf("retry got %+v, %v", report, err)
	}
}

func TestFailureKinds(t *testing.T) {
	var table = []struct {
		owner    string
		password string
		kind     Kind
	}{
		{"alice", "wrong", Auth},
		{"bad/owner", "secret", Rejected},
	}
	for _, tab := range table {
		_, _, server := newArchive("secret")
		x := newSpool(t, 2)
		p := &Pipeline{
			Index:          x,
			Backend:        &HTTPBackend{Conn: &archiveapi.Connection{HostURL: server.URL, Password: tab.password}},
			Owner:          tab.owner,
			BatchSize:      2,
			BackoffInitial: time.Minute,
		}
		report, err := p.Deliver(context.Background(), false)
		server.Close()
		if err != nil {
			t.Errorf("%s: %s", tab.owner, err)
			continue
		}
		if len(report.Failures) != 2 || report.Failures[0].Kind != tab.kind {
			t.Errorf("%s: got %+v", tab.owner, report)
			continue
		}
		if x.PendingCount() != 2 {
			t.Errorf("%s: pending %d", tab.owner, x.PendingCount())
		}
		// rejections do not back off, auth failures do
		_, err = p.Deliver(context.Background(), false)
		if (err == ErrBackingOff) != (tab.kind == Auth) {
			t.Errorf("%s: second cycle got %v", tab.owner, err)
		}
	}
}

func TestHTTPFailure(t *testing.T) {
	var table = []struct {
		err  error
		kind Kind
	}{
		{&archiveapi.StatusError{Status: 401}, Auth},
		{&archiveapi.StatusError{Status: 403}, Auth},
		{&archiveapi.StatusError{Status: 400}, Rejected},
		{&archiveapi.StatusError{Status: 412}, Rejected},
		{&archiveapi.StatusError{Status: 429}, Transport},
		{&archiveapi.StatusError{Status: 500}, Transport},
		{&archiveapi.StatusError{Status: 502}, Transport},
		{errors.New("connection refused"), Transport},
	}
	for _, tab := range table {
		f := httpFailure(tab.err)
		if f.Kind != tab.kind || KindOf(f) != tab.kind {
			t.Errorf("%v: got %s, expected %s", tab.err, f.Kind, tab.kind)
		}
	}
}

func TestBackoff(t *testing.T) {
	x := newSpool(t, 1)
	mock := clock.NewMock()
	var m sync.Mutex
	calls := 0
	up := false
	p := &Pipeline{
		Index: x,
		Backend: backendFunc(func(ctx context.Context, dest Destination, body io.Reader, size int64) error {
			m.Lock()
			defer m.Unlock()
			calls++
			if !up {
				return fail(Transport, errors.New("network unreachable"))
			}
			return nil
		}),
		Owner:          "alice",
		BatchSize:      1,
		Clock:          mock,
		BackoffInitial: 30 * time.Second,
		BackoffMax:     60 * time.Second,
	}
	ctx := context.Background()
	var steps = []struct {
		advance time.Duration
		err     error
		calls   int
	}{
		{0, nil, 1},                           // fails, wait 30s
		{10 * time.Second, ErrBackingOff, 1},  // too soon
		{20 * time.Second, nil, 2},            // fails, wait 60s
		{30 * time.Second, ErrBackingOff, 2},  // too soon
		{30 * time.Second, nil, 3},            // fails, wait 60s (the cap)
		{59 * time.Second, ErrBackingOff, 3},  // too soon
		{1 * time.Second, nil, 4},             // fails
	}
	for i, step := range steps {
		mock.Add(step.advance)
		_, err := p.Deliver(ctx, false)
		if err != step.err || calls != step.calls {
			t.Fatalf("step %d: got %v with %d calls", i, err, calls)
		}
	}
	up = true
	mock.Add(time.Minute)
	report, err := p.Deliver(ctx, false)
	if err != nil || report.Delivered != 1 {
		t.Fatalf("got %+v, %v", report, err)
	}
	// success resets the delay
	newSpoolInto(t, x, 5)
	up = false
	p.Deliver(ctx, false)
	mock.Add(30 * time.Second)
	if _, err := p.Deliver(ctx, false); err == ErrBackingOff {
		t.Error("delay not reset after a success")
	}
}

// newSpoolInto adds artifact n to x.
func newSpoolInto(t *testing.T, x *spool.Index, n int) {
	w, err := x.Create(keyN(n))
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("more"))
	if _, err := w.Commit(); err != nil {
		t.Fatal(err)
	}
}

type refusingConnector struct {
	backendFunc
	connects int
}

func (r *refusingConnector) Connect(ctx context.Context) error {
	r.connects++
	return fail(Auth, errors.New("bad credentials"))
}

func TestConnectFailure(t *testing.T) {
	x := newSpool(t, 3)
	delivered := 0
	b := &refusingConnector{backendFunc: func(ctx context.Context, dest Destination, body io.Reader, size int64) error {
		delivered++
		return nil
	}}
	p := &Pipeline{Index: x, Backend: b, Owner: "alice", BatchSize: 3, BackoffInitial: time.Minute}
	report, err := p.Deliver(context.Background(), false)
	if KindOf(err) != Auth || len(report.Failures) != 1 || report.Attempted != 0 {
		t.Errorf("got %+v, %v", report, err)
	}
	if delivered != 0 || x.PendingCount() != 3 || b.connects != 1 {
		t.Errorf("delivered %d, pending %d, connects %d", delivered, x.PendingCount(), b.connects)
	}
	if _, err := p.Deliver(context.Background(), false); err != ErrBackingOff {
		t.Errorf("second cycle got %v", err)
	}
}

func TestJournal(t *testing.T) {
	j, err := journal.NewQlJournal("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	x := newSpool(t, 2)
	var got []string
	p := &Pipeline{
		Index: x,
		Backend: backendFunc(func(ctx context.Context, dest Destination, body io.Reader, size int64) error {
			data, _ := ioutil.ReadAll(body)
			if int64(len(data)) != size {
				t.Errorf("read %d bytes, size %d", len(data), size)
			}
			got = append(got, dest.String())
			return nil
		}),
		Owner:     "alice",
		BatchSize: 2,
		Journal:   j,
	}
	if _, err := p.Deliver(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "alice/15-10-2026/"+keyN(0) {
		t.Errorf("delivered %v", got)
	}
	outstanding, _ := j.Outstanding()
	if len(outstanding) != 0 {
		t.Errorf("outstanding %v", outstanding)
	}
	history, _ := j.History(10)
	if len(history) != 2 || history[0].Status != journal.StatusCleared {
		t.Errorf("history %+v", history)
	}
}

// undeletable keeps files which should be deleted.
type undeletable struct{ store.Store }

func (undeletable) Delete(key string) error { return errors.New("read only") }

func TestJournalKeepsUndeleted(t *testing.T) {
	j, err := journal.NewQlJournal("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	mem := store.NewMemory()
	x := spool.NewIndex(undeletable{mem})
	w, _ := x.Create(keyN(0))
	w.Write([]byte("data"))
	w.Commit()
	p := &Pipeline{
		Index: x,
		Backend: backendFunc(func(ctx context.Context, dest Destination, body io.Reader, size int64) error {
			return nil
		}),
		Owner:   "alice",
		Journal: j,
	}
	p.Deliver(context.Background(), false)
	outstanding, _ := j.Outstanding()
	if !sameKeys(outstanding, []string{keyN(0)}) {
		t.Errorf("outstanding %v", outstanding)
	}
	if x.PendingCount() != 0 || x.Len() != 1 {
		t.Errorf("pending %d len %d", x.PendingCount(), x.Len())
	}
}

// unclearable is a journal whose rows can never be cleared.
type unclearable struct{ journal.Journal }

func (unclearable) Clear(key string) error { return errors.New("journal is read only") }

func TestJournalClearFailureRetiresKey(t *testing.T) {
	j, err := journal.NewQlJournal("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	x := newSpool(t, 1)
	p := &Pipeline{
		Index: x,
		Backend: backendFunc(func(ctx context.Context, dest Destination, body io.Reader, size int64) error {
			return nil
		}),
		Owner:   "alice",
		Journal: unclearable{j},
	}
	if _, err := p.Deliver(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if x.Len() != 0 {
		t.Errorf("index has %d entries", x.Len())
	}
	outstanding, _ := j.Outstanding()
	if !sameKeys(outstanding, []string{keyN(0)}) {
		t.Errorf("outstanding %v", outstanding)
	}
	// a recapture under the same name would look delivered after a restart
	if _, err := x.Create(keyN(0)); err != store.ErrKeyExists {
		t.Errorf("Create got %v, expected ErrKeyExists", err)
	}
	w, err := x.Create(spool.KeyFor(base, 1))
	if err != nil {
		t.Fatal(err)
	}
	w.Abort()
}

func TestWorkersAndRate(t *testing.T) {
	x := newSpool(t, 8)
	rate := util.NewRateCounter(1 << 20)
	defer rate.Stop()
	var m sync.Mutex
	inflight, most := 0, 0
	p := &Pipeline{
		Index: x,
		Backend: backendFunc(func(ctx context.Context, dest Destination, body io.Reader, size int64) error {
			m.Lock()
			inflight++
			if inflight > most {
				most = inflight
			}
			m.Unlock()
			ioutil.ReadAll(body)
			time.Sleep(20 * time.Millisecond)
			m.Lock()
			inflight--
			m.Unlock()
			return nil
		}),
		Owner:     "alice",
		BatchSize: 8,
		Workers:   3,
		Rate:      rate,
	}
	report, err := p.Deliver(context.Background(), false)
	if err != nil || report.Delivered != 8 {
		t.Fatalf("got %+v, %v", report, err)
	}
	if most > 3 {
		t.Errorf("%d deliveries at once", most)
	}
}

func TestTimeout(t *testing.T) {
	x := newSpool(t, 1)
	p := &Pipeline{
		Index: x,
		Backend: backendFunc(func(ctx context.Context, dest Destination, body io.Reader, size int64) error {
			<-ctx.Done()
			return fail(Transport, ctx.Err())
		}),
		Owner:   "alice",
		Timeout: 10 * time.Millisecond,
	}
	report, err := p.Deliver(context.Background(), false)
	if err != nil || len(report.Failures) != 1 || !strings.Contains(report.Failures[0].Error(), "deadline") {
		t.Errorf("got %+v, %v", report, err)
	}
	if x.PendingCount() != 1 {
		t.Errorf("pending %d", x.PendingCount())
	}
}

func TestDestination(t *testing.T) {
	d := Destination{Owner: "alice", Day: "15-10-2026", Filename: "screenshot_20261015_101530.png"}
	if d.String() != "alice/15-10-2026/screenshot_20261015_101530.png" {
		t.Errorf("got %s", d)
	}
}

var _ http.Handler = &archivetest.Stub{}
