package spool

import (
	"container/list"
	"log"

	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/store"
)

// An Acknowledger lists the artifacts the archive is known to have accepted
// but whose local files may not have been deleted yet. The delivery journal
// provides this.
type Acknowledger interface {
	Outstanding() ([]string, error)
}

// a store which can salvage writes interrupted by a crash
type scratchRecoverer interface {
	Recover() ([]string, error)
}

// Recover builds a new index from the artifacts found in s. Every artifact
// found is registered as Pending, including empty or truncated ones, since a
// file with no other record is assumed undelivered. Files which do not have
// the form of an artifact are logged and ignored.
//
// If acked is not nil, the keys it reports are registered as Delivered
// instead. Their files may then be removed with Purge.
//
// Running Recover twice on the same store gives the same index.
func Recover(s store.Store, acked Acknowledger) (*Index, error) {
	if sr, ok := s.(scratchRecoverer); ok {
		moved, err := sr.Recover()
		if err != nil {
			return nil, errors.Wrap(err, "recovering scratch files")
		}
		for _, key := range moved {
			log.Printf("recover: salvaged interrupted capture %s", key)
		}
	}
	x := NewIndex(s)
	x.m.Lock()
	defer x.m.Unlock()
	for key := range s.List() {
		a, err := NewArtifact(key, 0)
		if err != nil {
			log.Printf("recover: ignoring %s: %s", key, err)
			continue
		}
		a.Size, err = store.Size(s, key)
		if err != nil {
			log.Printf("recover: ignoring %s: %s", key, err)
			continue
		}
		if err := x.register(a); err != nil {
			log.Printf("recover: %s: %s", key, err)
		}
	}
	if acked != nil {
		keys, err := acked.Outstanding()
		if err != nil {
			return nil, errors.Wrap(err, "reading journal")
		}
		for _, key := range keys {
			if x.markDelivered(key) {
				log.Printf("recover: %s was already delivered", key)
			}
		}
	}
	log.Printf("recover: %d artifacts, %d pending, %d bytes", x.order.Len(), x.pending, x.size)
	return x, nil
}

// ReconcileReport describes the differences Reconcile found between the index
// and the store.
type ReconcileReport struct {
	Added   []string // artifacts in the store but not in the index
	Dropped []string // entries whose file had vanished
	Resized []string // entries whose size was wrong
	Partial bool     // the store could not be fully read, nothing was dropped
}

// listAll returns every key in s. The error is set when s is a store.Walker
// whose walk was incomplete.
func listAll(s store.ROStore) ([]string, error) {
	var keys []string
	if w, ok := s.(store.Walker); ok {
		err := w.Walk(func(key string) { keys = append(keys, key) })
		return keys, err
	}
	for key := range s.List() {
		keys = append(keys, key)
	}
	return keys, nil
}

// Reconcile walks the store and brings the index in line with it. Unknown
// artifacts are registered as Pending. Entries whose file has gone are
// dropped, as if they had been delivered. Sizes are corrected. The index is
// locked for the whole walk.
//
// If the walk could not read the whole store no entry is dropped, since a
// missing key may only mean its directory was unreadable.
func (x *Index) Reconcile() ReconcileReport {
	x.m.Lock()
	defer x.m.Unlock()

	var report ReconcileReport
	found, err := listAll(x.s)
	if err != nil {
		log.Printf("reconcile: incomplete walk, keeping missing entries: %s", err)
		report.Partial = true
	}
	seen := make(map[string]struct{}, len(x.entries))
	for _, key := range found {
		seen[key] = struct{}{}
		size, err := store.Size(x.s, key)
		if err != nil {
			log.Printf("reconcile: %s: %s", key, err)
			continue
		}
		e := x.entries[key]
		if e == nil {
			a, err := NewArtifact(key, size)
			if err != nil {
				continue
			}
			x.insert(a)
			report.Added = append(report.Added, key)
			log.Printf("reconcile: found unindexed %s, registered pending", key)
			continue
		}
		a := e.Value.(*Artifact)
		if a.Size != size {
			log.Printf("reconcile: %s size %d, index had %d", key, size, a.Size)
			x.size += size - a.Size
			a.Size = size
			report.Resized = append(report.Resized, key)
		}
	}
	if report.Partial {
		return report
	}
	var next *list.Element
	for e := x.order.Front(); e != nil; e = next {
		next = e.Next()
		a := e.Value.(*Artifact)
		if _, ok := seen[a.Key]; ok {
			continue
		}
		log.Printf("reconcile: %s is gone from disk, dropping %s entry", a.Key, a.State)
		report.Dropped = append(report.Dropped, a.Key)
		x.unlink(e)
	}
	return report
}
