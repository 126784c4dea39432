package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ndlib/shotlogger/spool"
	"github.com/ndlib/shotlogger/store"
)

var fakePNG = append([]byte("\x89PNG\r\n\x1a\n"), "pixels"...)

func pngSource(ctx context.Context) ([]byte, error) {
	return fakePNG, nil
}

func TestProducerCollision(t *testing.T) {
	mem := store.NewMemory()
	x := spool.NewIndex(mem)
	mock := clock.NewMock()
	mock.Add(time.Date(2026, 10, 15, 10, 15, 30, 0, time.Local).Sub(mock.Now()))
	p := &Producer{Index: x, Source: Func(pngSource), Clock: mock}

	var expected = []string{
		"screenshot_20261015_101530.png",
		"screenshot_20261015_101530_1.png",
		"screenshot_20261015_101530_2.png",
	}
	for _, want := range expected {
		a, err := p.Capture(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if a.Key != want || a.Day != "15-10-2026" || a.Size != int64(len(fakePNG)) {
			t.Errorf("Got %+v, expected key %s", a, want)
		}
	}
	// a file the index does not know about is not overwritten
	mock.Add(time.Second)
	w, _ := mem.Create("screenshot_20261015_101531.png")
	w.Write([]byte("old"))
	w.Close()
	a, err := p.Capture(context.Background())
	if err != nil || a.Key != "screenshot_20261015_101531_1.png" {
		t.Errorf("Got %+v, %v", a, err)
	}
	if x.PendingCount() != 4 {
		t.Errorf("PendingCount %d", x.PendingCount())
	}
}

func TestProducerFailure(t *testing.T) {
	var table = []struct {
		name   string
		source Capturer
	}{
		{"error", Func(func(ctx context.Context) ([]byte, error) {
			return nil, errors.New("no display")
		})},
		{"not png", Func(func(ctx context.Context) ([]byte, error) {
			return []byte("GIF89a"), nil
		})},
		{"empty", Func(func(ctx context.Context) ([]byte, error) {
			return nil, nil
		})},
		{"no command", &Command{}},
	}
	for _, tab := range table {
		mem := store.NewMemory()
		x := spool.NewIndex(mem)
		p := &Producer{Index: x, Source: tab.source}
		_, err := p.Capture(context.Background())
		if !IsFailure(err) {
			t.Errorf("%s: got %v, expected a capture failure", tab.name, err)
		}
		ids, _ := mem.ListPrefix("")
		if x.Len() != 0 || len(ids) != 0 {
			t.Errorf("%s: left index %d, files %v", tab.name, x.Len(), ids)
		}
	}
}

func TestCommand(t *testing.T) {
	const printPNG = `printf '\211PNG\r\n\032\nrest'`
	var table = []struct {
		argv []string
		ok   bool
	}{
		{[]string{"sh", "-c", printPNG}, true},
		{[]string{"sh", "-c", printPNG + ` > "$0"`, FilePlaceholder}, true},
		{[]string{"sh", "-c", "echo not an image"}, false},
		{[]string{"sh", "-c", "exit 3"}, false},
		{[]string{"/nonexistent/capture-program"}, false},
	}
	for _, tab := range table {
		c := &Command{Argv: tab.argv, Timeout: 10 * time.Second}
		data, err := c.Capture(context.Background())
		if tab.ok {
			if err != nil || CheckPNG(data) != nil || string(data[8:]) != "rest" {
				t.Errorf("%v: got %q, %v", tab.argv, data, err)
			}
		} else if !IsFailure(err) {
			t.Errorf("%v: got %v, expected a capture failure", tab.argv, err)
		}
	}
}

func TestCommandTimeout(t *testing.T) {
	c := &Command{Argv: []string{"sleep", "5"}, Timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err := c.Capture(context.Background())
	if !IsFailure(err) {
		t.Errorf("got %v", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("timeout not honored")
	}
}
