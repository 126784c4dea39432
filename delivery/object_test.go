package delivery

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"

	"github.com/ndlib/shotlogger/store"
)

// countingStore counts the objects written to it and may fail them.
type countingStore struct {
	store.Store
	creates int
	err     error
}

func (c *countingStore) Create(key string) (io.WriteCloser, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.creates++
	return c.Store.Create(key)
}

func TestObjectBackend(t *testing.T) {
	remote := &countingStore{Store: store.NewMemory()}
	logins := 0
	o := &ObjectBackend{Login: func(ctx context.Context) (store.Store, error) {
		logins++
		return remote, nil
	}}
	ctx := context.Background()
	dest := Destination{Owner: "alice", Day: "15-10-2026", Filename: "a.png"}
	var table = []struct {
		body    string
		creates int
	}{
		{"first", 1},
		{"first", 1}, // same size, already there
		{"second!", 2},
	}
	for _, tab := range table {
		err := o.Deliver(ctx, dest, strings.NewReader(tab.body), int64(len(tab.body)))
		if err != nil {
			t.Fatal(err)
		}
		if remote.creates != tab.creates {
			t.Errorf("%s: %d creates, expected %d", tab.body, remote.creates, tab.creates)
		}
	}
	rac, size, err := remote.Open("alice/15-10-2026/a.png")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := ioutil.ReadAll(io.NewSectionReader(rac, 0, size))
	rac.Close()
	if string(data) != "second!" {
		t.Errorf("stored %q", data)
	}
	if logins != 1 {
		t.Errorf("%d logins", logins)
	}
}

func TestObjectBackendLogin(t *testing.T) {
	denied := awserr.NewRequestFailure(awserr.New("InvalidAccessKeyId", "no such key", nil), 403, "req1")
	remote := &countingStore{Store: store.NewMemory()}
	logins := 0
	var loginErr error
	o := &ObjectBackend{Login: func(ctx context.Context) (store.Store, error) {
		logins++
		if loginErr != nil {
			return nil, loginErr
		}
		return remote, nil
	}}
	ctx := context.Background()

	loginErr = denied
	if err := o.Connect(ctx); KindOf(err) != Auth {
		t.Errorf("Connect got %v", err)
	}
	loginErr = awserr.New("RequestError", "send request failed", errors.New("dial tcp: refused"))
	if err := o.Connect(ctx); KindOf(err) != Transport {
		t.Errorf("Connect got %v", err)
	}
	loginErr = nil
	if err := o.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	o.Connect(ctx)
	if logins != 3 {
		t.Errorf("%d logins, expected 3", logins)
	}

	// the session is dropped when the store stops accepting our credentials
	remote.err = denied
	dest := Destination{Owner: "alice", Day: "15-10-2026", Filename: "a.png"}
	if err := o.Deliver(ctx, dest, strings.NewReader("x"), 1); KindOf(err) != Auth {
		t.Errorf("Deliver got %v", err)
	}
	remote.err = nil
	if err := o.Deliver(ctx, dest, strings.NewReader("x"), 1); err != nil {
		t.Error(err)
	}
	if logins != 4 {
		t.Errorf("%d logins, expected 4", logins)
	}
}

func TestObjectFailure(t *testing.T) {
	var table = []struct {
		err  error
		kind Kind
	}{
		{awserr.NewRequestFailure(awserr.New("AccessDenied", "", nil), 403, ""), Auth},
		{awserr.NewRequestFailure(awserr.New("InvalidArgument", "", nil), 400, ""), Rejected},
		{awserr.NewRequestFailure(awserr.New("InternalError", "", nil), 500, ""), Transport},
		{awserr.New("SignatureDoesNotMatch", "", nil), Auth},
		{awserr.New("RequestError", "", nil), Transport},
		{store.ErrKeyExists, Transport},
		{fail(Rejected, errors.New("x")), Rejected},
	}
	for _, tab := range table {
		if f := objectFailure(tab.err); f.Kind != tab.kind {
			t.Errorf("%v: got %s, expected %s", tab.err, f.Kind, tab.kind)
		}
	}
}

func TestObjectPipeline(t *testing.T) {
	remote := store.NewMemory()
	x := newSpool(t, 3)
	p := &Pipeline{
		Index: x,
		Backend: &ObjectBackend{Login: func(ctx context.Context) (store.Store, error) {
			return remote, nil
		}},
		Owner:     "bob",
		BatchSize: 3,
	}
	report, err := p.Deliver(context.Background(), false)
	if err != nil || report.Delivered != 3 {
		t.Fatalf("got %+v, %v", report, err)
	}
	keys, _ := remote.ListPrefix("bob/15-10-2026/")
	if len(keys) != 3 {
		t.Errorf("remote has %v", keys)
	}
}
