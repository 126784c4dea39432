package store

import (
	"bytes"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory store. It is used in tests as a stand-in for both
// the spool and the remote object store.
//
// An item becomes visible when its writer is closed, the same as a file
// moved into place in a FileSystem. Until then its key is reserved, so
// Create returns ErrKeyExists, but Open and List do not see it.
type Memory struct {
	m       sync.RWMutex
	items   map[string][]byte
	writing map[string]*memWriter
}

var (
	_ Store  = &Memory{}
	_ Stater = &Memory{}
)

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{
		items:   make(map[string][]byte),
		writing: make(map[string]*memWriter),
	}
}

func (ms *Memory) keys(prefix string) []string {
	ms.m.RLock()
	defer ms.m.RUnlock()
	var result []string
	for k := range ms.items {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	sort.Strings(result)
	return result
}

// List returns a channel giving the key of every finished item, in sorted
// order. It lists the keys present when it was called.
func (ms *Memory) List() <-chan string {
	keys := ms.keys("")
	c := make(chan string)
	go func() {
		for _, k := range keys {
			c <- k
		}
		close(c)
	}()
	return c
}

// ListPrefix returns all the keys which begin with the given prefix.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	return ms.keys(prefix), nil
}

// Open returns a reader for the given item and its size.
func (ms *Memory) Open(key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	b, ok := ms.items[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, ErrNotExist
	}
	// items are never changed once written, so no copy is needed
	return nopCloser{bytes.NewReader(b)}, int64(len(b)), nil
}

// Stat returns the size of an item.
func (ms *Memory) Stat(key string) (int64, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	b, ok := ms.items[key]
	if !ok {
		return 0, ErrNotExist
	}
	return int64(len(b)), nil
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

// Create reserves key and returns a writer for its contents.
func (ms *Memory) Create(key string) (io.WriteCloser, error) {
	ms.m.Lock()
	defer ms.m.Unlock()
	_, done := ms.items[key]
	_, busy := ms.writing[key]
	if done || busy {
		return nil, ErrKeyExists
	}
	w := &memWriter{parent: ms, key: key}
	ms.writing[key] = w
	return w, nil
}

// Delete removes an item, or cancels one being written. It is not an error
// if the key is not in the store.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.items, key)
	delete(ms.writing, key)
	ms.m.Unlock()
	return nil
}

type memWriter struct {
	parent *Memory
	key    string
	buf    bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Close publishes the item, unless it was deleted while being written.
func (w *memWriter) Close() error {
	ms := w.parent
	ms.m.Lock()
	defer ms.m.Unlock()
	if ms.writing[w.key] != w {
		return nil
	}
	delete(ms.writing, w.key)
	ms.items[w.key] = w.buf.Bytes()
	return nil
}
