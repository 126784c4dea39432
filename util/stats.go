package util

import (
	"expvar"
	"sync"
	"time"

	"github.com/facebookgo/stats"
)

// ExpvarStats is a stats.Client which keeps its numbers in an expvar.Map, so
// they show up at /debug/vars. Averages and histograms are kept as a count
// and a sum, under key+".count" and key+".sum". Timers are histograms in
// milliseconds.
type ExpvarStats struct {
	m    *expvar.Map
	lock sync.Mutex // serializes the two updates of an average
}

var _ stats.Client = &ExpvarStats{}

// NewExpvarStats returns an empty ExpvarStats. If name is not empty the
// numbers are also published in expvar under that name. Publishing the same
// name twice keeps the first one.
func NewExpvarStats(name string) *ExpvarStats {
	s := &ExpvarStats{m: new(expvar.Map).Init()}
	if name != "" && expvar.Get(name) == nil {
		expvar.Publish(name, s.m)
	}
	return s
}

// BumpSum adds val to the counter key.
func (s *ExpvarStats) BumpSum(key string, val float64) {
	s.m.AddFloat(key, val)
}

// BumpAvg records one sample of key.
func (s *ExpvarStats) BumpAvg(key string, val float64) {
	s.lock.Lock()
	s.m.Add(key+".count", 1)
	s.m.AddFloat(key+".sum", val)
	s.lock.Unlock()
}

// BumpHistogram records one sample of key.
func (s *ExpvarStats) BumpHistogram(key string, val float64) {
	s.BumpAvg(key, val)
}

// BumpTime starts a timer for key. Call End on the result to record it.
func (s *ExpvarStats) BumpTime(key string) interface {
	End()
} {
	return &timer{s: s, key: key, start: time.Now()}
}

type timer struct {
	s     *ExpvarStats
	key   string
	start time.Time
}

func (t *timer) End() {
	t.s.BumpHistogram(t.key, float64(time.Since(t.start))/float64(time.Millisecond))
}

// Get returns the current value of key, or 0 if it has not been set.
func (s *ExpvarStats) Get(key string) float64 {
	switch v := s.m.Get(key).(type) {
	case *expvar.Float:
		return v.Value()
	case *expvar.Int:
		return float64(v.Value())
	}
	return 0
}
