package store

import (
	"io"
	"path"
	"strings"
)

// Wrap the store s by one which will prefix all its keys by prefix.
// This provides a way to namespace the keys, and to share the same underlying
// store among a group of users.
func NewWithPrefix(s Store, prefix string) Store {
	return prefixstore{s: s, p: prefix}
}

// Folder returns a view of s holding only the keys below the given path
// segments, e.g. Folder(s, "alice", "15-10-2026") stores "x.png" under
// "alice/15-10-2026/x.png". Empty segments are ignored.
func Folder(s Store, segments ...string) Store {
	var parts []string
	for _, seg := range segments {
		if seg = strings.Trim(seg, "/"); seg != "" {
			parts = append(parts, seg)
		}
	}
	if len(parts) == 0 {
		return s
	}
	return NewWithPrefix(s, path.Join(parts...)+"/")
}

// Prefix returns the prefix a store made by NewWithPrefix or Folder adds to
// its keys, or "" if s is not such a store.
func Prefix(s Store) string {
	if ps, ok := s.(prefixstore); ok {
		return ps.p
	}
	return ""
}

type prefixstore struct {
	s Store  // the store being wrapped
	p string // the prefix for our keys
}

func (ps prefixstore) List() <-chan string {
	out := make(chan string)
	in := ps.s.List()
	go func() {
		var plen = len(ps.p)
		for key := range in {
			if strings.HasPrefix(key, ps.p) {
				out <- key[plen:]
			}
		}
		close(out)
	}()
	return out
}

func (ps prefixstore) ListPrefix(prefix string) ([]string, error) {
	var plen = len(ps.p)
	var result []string
	keys, err := ps.s.ListPrefix(ps.p + prefix)
	for _, key := range keys {
		if strings.HasPrefix(key, ps.p) {
			result = append(result, key[plen:])
		}
	}
	return result, err
}

func (ps prefixstore) Open(key string) (ReadAtCloser, int64, error) {
	return ps.s.Open(ps.p + key)
}

func (ps prefixstore) Create(key string) (io.WriteCloser, error) {
	return ps.s.Create(ps.p + key)
}

func (ps prefixstore) Delete(key string) error {
	return ps.s.Delete(ps.p + key)
}

func (ps prefixstore) Stat(key string) (int64, error) {
	return Size(ps.s, ps.p+key)
}
