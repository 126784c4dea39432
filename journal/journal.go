// Package journal records the artifacts the archive has accepted.
//
// The spool deletes a file as soon as the archive acknowledges it. Should the
// process die between the two, the file would be delivered a second time
// after a restart. Writing the acknowledgement to the journal first, and
// clearing it once the file is gone, lets recovery know which files are
// already delivered.
//
// Two databases are supported: the embedded QL database, in a file or in
// memory, and MySQL.
package journal

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// A Journal is a durable log of deliveries. It is safe for concurrent use.
type Journal interface {
	// Acknowledge records that the archive accepted key, storing it at dest.
	Acknowledge(key, dest string, when time.Time) error
	// Clear records that the local copy of key has been removed.
	Clear(key string) error
	// Outstanding lists keys which were acknowledged but never cleared.
	Outstanding() ([]string, error)
	// History returns the most recent n entries, newest first.
	History(n int) ([]Entry, error)
	// Prune removes cleared entries acknowledged before the cutoff.
	Prune(before time.Time) (int64, error)
	Close() error
}

// An Entry is one delivery in the journal.
type Entry struct {
	Key         string
	Destination string
	Acked       time.Time
	Status      string // StatusAcked or StatusCleared
}

// The possible values of Entry.Status
const (
	StatusAcked   = "acked"
	StatusCleared = "cleared"
)

// Open opens the journal described by spec. The empty string means no
// journal and returns nil. "memory" is a QL database kept in memory,
// "mysql:<dsn>" is a MySQL database, and anything else is the name of a QL
// database file.
func Open(spec string) (Journal, error) {
	switch {
	case spec == "":
		return nil, nil
	case strings.HasPrefix(spec, "mysql:"):
		j, err := NewMysqlJournal(strings.TrimPrefix(spec, "mysql:"))
		if err != nil {
			return nil, errors.Wrap(err, "opening mysql journal")
		}
		return j, nil
	}
	j, err := NewQlJournal(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "opening journal %s", spec)
	}
	return j, nil
}
