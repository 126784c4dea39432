// Package store provides a simple, goroutine safe key-value interface. Instead
// of values being an opaque array of bytes, though, they are a stream. This
// approach allows large items to be stored easily.
//
// The FileSystem store holds the local spool of captured screenshots. The S3
// store is the object-storage side of the archive, and Memory is mostly
// useful for testing.
package store

import (
	"errors"
	"io"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store defines the basic stream based key-value store.
// Items are immutable once stored, but they may be deleted and then replaced
// with a new value. Create returns ErrKeyExists if the key is already in use.
//
// Open() returns a ReadAtCloser instead of a ReadCloser so callers can learn
// the size of an item without reading it.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only pieces of a Store. It allows one to list contents,
// and to retrieve data.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
}

var (
	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("Key already exists")

	// ErrNotExist means the key is not in the store
	ErrNotExist = errors.New("Key does not exist")
)

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// reading less than a full buffer is not an error for
		// an io.Reader
		err = nil
	}
	return
}

// A Walker lists every item like List does, but also reports when the
// listing may be missing items because part of the store could not be read.
type Walker interface {
	Walk(emit func(key string)) error
}

// A Stater can report the size of an item without opening it.
type Stater interface {
	Stat(key string) (int64, error)
}

// Size returns the size of the item stored under key without reading it.
func Size(s ROStore, key string) (int64, error) {
	if st, ok := s.(Stater); ok {
		return st.Stat(key)
	}
	rac, size, err := s.Open(key)
	if err != nil {
		return 0, err
	}
	rac.Close()
	return size, nil
}
