// Package delivery moves pending screenshots from the spool to the archive.
//
// A Pipeline takes the oldest pending artifacts in batches and hands each one
// to a Backend. An artifact leaves the spool only after its backend reports
// success; every other outcome leaves it pending for the next cycle.
package delivery

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/pkg/errors"
)

// A Destination is where an artifact goes in the archive.
type Destination struct {
	Owner    string
	Day      string // DD-MM-YYYY
	Filename string
}

// String gives the archive path, owner/day/filename.
func (d Destination) String() string {
	return path.Join(d.Owner, d.Day, d.Filename)
}

// A Backend transmits one artifact to the archive. It returns nil only when
// the archive has accepted the artifact. Errors should be a *Failure; any
// other error is treated as a Transport failure.
type Backend interface {
	Deliver(ctx context.Context, dest Destination, body io.Reader, size int64) error
}

// A Connector is a Backend which needs a session before it can deliver.
// Connect is called at the start of every cycle and should return quickly if
// a session is already established.
type Connector interface {
	Connect(ctx context.Context) error
}

// Kind classifies a failed delivery.
type Kind int

// The kinds of delivery failure.
const (
	Transport Kind = iota // network trouble; retry later
	Auth                  // credentials refused; needs an operator
	Rejected              // the archive refused this artifact
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Auth:
		return "auth"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// A Failure describes one artifact, or one whole cycle, which could not be
// delivered.
type Failure struct {
	Kind Kind
	Key  string // empty for failures not tied to one artifact
	Err  error
}

func (f *Failure) Error() string {
	if f.Key == "" {
		return fmt.Sprintf("%s failure: %s", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s failure for %s: %s", f.Kind, f.Key, f.Err)
}

// Cause lets errors.Cause see the underlying error.
func (f *Failure) Cause() error { return f.Err }

// Unwrap lets errors.Is and errors.As see the underlying error.
func (f *Failure) Unwrap() error { return f.Err }

// KindOf returns the kind of failure err describes. Errors which are not a
// Failure are considered Transport failures.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return Transport
}

func fail(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// asFailure converts err into a Failure about key.
func asFailure(key string, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		g := *f
		if g.Key == "" {
			g.Key = key
		}
		return &g
	}
	return &Failure{Kind: Transport, Key: key, Err: err}
}
