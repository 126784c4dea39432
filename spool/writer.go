package spool

import (
	"io"
	"log"

	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/store"
)

// Create starts a new artifact with the given key. The returned Writer
// must be ended with either Commit or Abort. store.ErrKeyExists is returned
// if the key is already in the index or in the store, or has been retired.
func (x *Index) Create(key string) (*Writer, error) {
	a, err := NewArtifact(key, 0)
	if err != nil {
		return nil, err
	}
	x.m.Lock()
	_, ok := x.entries[key]
	_, retired := x.retired[key]
	x.m.Unlock()
	if ok || retired {
		return nil, store.ErrKeyExists
	}
	w, err := x.s.Create(key)
	if err != nil {
		return nil, err
	}
	return &Writer{parent: x, a: a, w: w}, nil
}

// Writer copies a new artifact into the spool. The artifact is not visible
// under its final name, and is not in the index, until Commit is called.
type Writer struct {
	parent *Index
	a      Artifact
	w      io.WriteCloser
	failed bool
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.a.Size += int64(n)
	if err != nil {
		w.failed = true
	}
	return n, err
}

// Commit finishes writing the artifact and registers it as Pending. Moving
// the file into place and registering it happen under the index lock.
// On error nothing is left in the store.
func (w *Writer) Commit() (Artifact, error) {
	x := w.parent
	x.m.Lock()
	defer x.m.Unlock()
	err := w.w.Close()
	if err == store.ErrKeyExists {
		// the file in place belongs to someone else
		return Artifact{}, err
	}
	if err == nil && w.failed {
		err = errors.New("write failed")
	}
	if err != nil {
		x.s.Delete(w.a.Key)
		return Artifact{}, errors.Wrapf(err, "saving %s", w.a.Key)
	}
	if x.insert(w.a) == ErrExists {
		// a stale entry whose file had vanished now describes this file
		x.refresh(x.entries[w.a.Key].Value.(*Artifact), w.a.Size)
		log.Printf("spool: %s replaced a stale entry (%d bytes)", w.a.Key, w.a.Size)
		return w.a, nil
	}
	log.Printf("spool: %s registered pending (%d bytes)", w.a.Key, w.a.Size)
	return w.a, nil
}

// Abort discards the artifact.
func (w *Writer) Abort() error {
	x := w.parent
	x.m.Lock()
	defer x.m.Unlock()
	if err := w.w.Close(); err == store.ErrKeyExists {
		return nil
	}
	return x.s.Delete(w.a.Key)
}
