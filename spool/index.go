// Package spool keeps track of the screenshots waiting on local disk.
//
// The Index records every artifact in the spool, oldest first, along with
// whether it still needs to be delivered. The files themselves are kept in a
// store, and every change to the store is made while holding the same lock
// that protects the index, so the two never disagree at quiescent points.
//
// The index itself is kept only in memory. On startup Recover enumerates the
// store and rebuilds it, treating anything it finds as not yet delivered.
package spool

import (
	"container/list"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/store"
)

// State is the delivery state of an artifact.
type State int

const (
	// Pending artifacts have not been confirmed by the archive. They are
	// never removed by retention.
	Pending State = iota
	// Delivered artifacts have been accepted by the archive but their file
	// could not be removed yet.
	Delivered
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	}
	return "unknown"
}

// An Artifact is one captured file in the spool.
type Artifact struct {
	Key     string    // file name, e.g. screenshot_20261015_101530.png
	Created time.Time // capture time, from the key
	Seq     int       // tie breaker for captures in the same second
	Day     string    // partition, DD-MM-YYYY
	Size    int64
	State   State
}

// NewArtifact makes a pending Artifact for the given key, filling in the
// fields which are derived from it.
func NewArtifact(key string, size int64) (Artifact, error) {
	created, seq, err := ParseKey(key)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Key:     key,
		Created: created,
		Seq:     seq,
		Day:     DayOf(created),
		Size:    size,
	}, nil
}

// before is the index order: creation time, then sequence, then key.
func (a *Artifact) before(b *Artifact) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Key < b.Key
}

// Index is the ordered set of artifacts in a spool. It is safe for
// concurrent use.
type Index struct {
	// the place the artifact files live
	s store.Store

	m sync.Mutex // protects everything below

	size    int64                    // sum of the sizes of every entry
	pending int                      // number of entries which are Pending
	order   *list.List               // entries oldest first, of *Artifact
	entries map[string]*list.Element // entries by key
	retired map[string]struct{}      // keys Create refuses, see Retire
}

var (
	// ErrExists means an artifact with the same key is already indexed.
	ErrExists = errors.New("Artifact already in index")

	// ErrUnknown means the key is not in the index.
	ErrUnknown = errors.New("Artifact not in index")
)

// NewIndex returns an empty index for artifacts kept in s. Use Recover to
// build an index from the contents of an existing spool.
func NewIndex(s store.Store) *Index {
	return &Index{
		s:       s,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		retired: make(map[string]struct{}),
	}
}

// Retire keeps key from being given to a new artifact for as long as this
// index lives. It is for keys the journal still lists as delivered, so a
// recapture under the same name is not taken for the delivered one.
func (x *Index) Retire(key string) {
	x.m.Lock()
	x.retired[key] = struct{}{}
	x.m.Unlock()
}

// Store returns the store holding the artifact files.
func (x *Index) Store() store.Store {
	return x.s
}

// Register adds the artifact to the index as Pending. The file is expected
// to already be in the store. The missing derived fields are filled in from
// the key.
func (x *Index) Register(a Artifact) error {
	x.m.Lock()
	defer x.m.Unlock()
	return x.register(a)
}

func (x *Index) register(a Artifact) error {
	if a.Created.IsZero() {
		b, err := NewArtifact(a.Key, a.Size)
		if err != nil {
			return err
		}
		a = b
	}
	if a.Day == "" {
		a.Day = DayOf(a.Created)
	}
	a.State = Pending
	return x.insert(a)
}

// insert links a into the ordered list. Captures normally arrive in time
// order, so the search for the insertion point starts from the back.
func (x *Index) insert(a Artifact) error {
	if _, ok := x.entries[a.Key]; ok {
		return ErrExists
	}
	var e *list.Element
	for e = x.order.Back(); e != nil; e = e.Prev() {
		if !a.before(e.Value.(*Artifact)) {
			break
		}
	}
	var el *list.Element
	if e == nil {
		el = x.order.PushFront(&a)
	} else {
		el = x.order.InsertAfter(&a, e)
	}
	x.entries[a.Key] = el
	x.size += a.Size
	if a.State == Pending {
		x.pending++
	}
	return nil
}

// unlink removes the entry from the index. Caller must hold the lock.
func (x *Index) unlink(e *list.Element) {
	a := x.order.Remove(e).(*Artifact)
	delete(x.entries, a.Key)
	x.size -= a.Size
	if a.State == Pending {
		x.pending--
	}
}

// refresh points an existing entry at a new file of the given size, which
// has not been delivered. Caller must hold the lock.
func (x *Index) refresh(a *Artifact, size int64) {
	x.size += size - a.Size
	a.Size = size
	if a.State != Pending {
		a.State = Pending
		x.pending++
	}
}

// MarkDelivered records that the archive has accepted the given artifact.
// The entry becomes Delivered, its file is deleted, and only then is it
// removed from the index. If the file cannot be deleted the entry stays in
// the index as Delivered, where retention may remove it later. It is never
// made Pending again.
func (x *Index) MarkDelivered(key string) error {
	x.m.Lock()
	defer x.m.Unlock()
	e := x.entries[key]
	if e == nil {
		return ErrUnknown
	}
	a := e.Value.(*Artifact)
	if a.State == Pending {
		a.State = Delivered
		x.pending--
	}
	err := x.s.Delete(key)
	if err != nil {
		log.Printf("spool: %s delivered but not deleted: %s", key, err)
		return errors.Wrapf(err, "deleting %s", key)
	}
	x.unlink(e)
	log.Printf("spool: %s delivered and deleted", key)
	return nil
}

// markDelivered flips an entry to Delivered without touching its file.
// Caller must hold the lock.
func (x *Index) markDelivered(key string) bool {
	e := x.entries[key]
	if e == nil {
		return false
	}
	a := e.Value.(*Artifact)
	if a.State == Pending {
		a.State = Delivered
		x.pending--
	}
	return true
}

// Purge deletes the files of all Delivered entries and removes them from the
// index. It returns the keys which were removed.
func (x *Index) Purge() []string {
	x.m.Lock()
	defer x.m.Unlock()
	var removed []string
	var next *list.Element
	for e := x.order.Front(); e != nil; e = next {
		next = e.Next()
		a := e.Value.(*Artifact)
		if a.State != Delivered {
			continue
		}
		if err := x.s.Delete(a.Key); err != nil {
			log.Printf("spool: purge %s: %s", a.Key, err)
			continue
		}
		removed = append(removed, a.Key)
		x.unlink(e)
	}
	return removed
}

// SnapshotPending returns up to limit of the oldest Pending artifacts. The
// index is not changed. A limit <= 0 returns every pending artifact.
func (x *Index) SnapshotPending(limit int) []Artifact {
	x.m.Lock()
	defer x.m.Unlock()
	var result []Artifact
	for e := x.order.Front(); e != nil; e = e.Next() {
		if limit > 0 && len(result) >= limit {
			break
		}
		a := e.Value.(*Artifact)
		if a.State == Pending {
			result = append(result, *a)
		}
	}
	return result
}

// Entries returns every artifact in the index, oldest first.
func (x *Index) Entries() []Artifact {
	x.m.Lock()
	defer x.m.Unlock()
	result := make([]Artifact, 0, x.order.Len())
	for e := x.order.Front(); e != nil; e = e.Next() {
		result = append(result, *e.Value.(*Artifact))
	}
	return result
}

// Get returns the entry for key, if there is one.
func (x *Index) Get(key string) (Artifact, bool) {
	x.m.Lock()
	defer x.m.Unlock()
	e := x.entries[key]
	if e == nil {
		return Artifact{}, false
	}
	return *e.Value.(*Artifact), true
}

// PendingCount returns the number of Pending entries.
func (x *Index) PendingCount() int {
	x.m.Lock()
	defer x.m.Unlock()
	return x.pending
}

// Size returns the total size in bytes of every entry.
func (x *Index) Size() int64 {
	x.m.Lock()
	defer x.m.Unlock()
	return x.size
}

// Len returns the number of entries.
func (x *Index) Len() int {
	x.m.Lock()
	defer x.m.Unlock()
	return x.order.Len()
}
