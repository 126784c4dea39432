package spool

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const (
	// DayLayout is the time layout of the day partition, e.g. "15-10-2026".
	DayLayout = "02-01-2006"

	stampLayout = "20060102_150405"
)

var (
	keyRE = regexp.MustCompile(`^screenshot_(\d{8}_\d{6})(?:_(\d+))?\.png$`)

	// ErrNotArtifact means a file name does not have the form of a
	// screenshot key.
	ErrNotArtifact = errors.New("Not an artifact name")
)

// KeyFor returns the file name for a capture taken at time t. A seq of 0
// gives the plain name, and larger values give the names used to break ties
// between captures taken in the same second.
func KeyFor(t time.Time, seq int) string {
	stamp := t.Format(stampLayout)
	if seq <= 0 {
		return "screenshot_" + stamp + ".png"
	}
	return fmt.Sprintf("screenshot_%s_%d.png", stamp, seq)
}

// ParseKey returns the capture time and tie breaking sequence number encoded
// in key. Times are interpreted in the local time zone, which is the zone
// KeyFor is normally given.
func ParseKey(key string) (time.Time, int, error) {
	m := keyRE.FindStringSubmatch(key)
	if m == nil {
		return time.Time{}, 0, ErrNotArtifact
	}
	created, err := time.ParseInLocation(stampLayout, m[1], time.Local)
	if err != nil {
		return time.Time{}, 0, ErrNotArtifact
	}
	var seq int
	if m[2] != "" {
		seq, err = strconv.Atoi(m[2])
		if err != nil {
			return time.Time{}, 0, ErrNotArtifact
		}
	}
	return created, seq, nil
}

// DayOf returns the day partition for the time t.
func DayOf(t time.Time) string {
	return t.Format(DayLayout)
}

// DayPartition maps a key to its day directory. It has the shape of a
// store.Partitioner so the file system store can lay the spool out by day.
func DayPartition(key string) (string, error) {
	created, _, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return DayOf(created), nil
}
