package engine

import (
	"time"
)

// Config is everything the engine needs to know. It is built once at
// startup and not changed afterward.
type Config struct {
	Owner string // archive owner the screenshots are filed under

	Interval time.Duration // between captures

	// MaxSpoolBytes is the retention ceiling for the spool. Zero or less
	// disables retention.
	MaxSpoolBytes int64

	BatchSize      int           // pending count which triggers delivery
	DrainInterval  time.Duration // deliver whatever is pending this often; zero disables
	UploadTimeout  time.Duration // for each artifact
	UploadWorkers  int
	UploadRateKBps int // zero means unlimited
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// ReconcileInterval is how often the spool is checked against the
	// disk, retention applied, and old journal entries pruned. Zero
	// disables it.
	ReconcileInterval time.Duration

	// JournalRetention is how long cleared journal entries are kept.
	JournalRetention time.Duration

	// FinalDrain bounds the delivery attempted when the engine stops.
	// Zero disables it.
	FinalDrain time.Duration
}

// DefaultConfig returns the settings used when a configuration file does not
// give a value.
func DefaultConfig() Config {
	return Config{
		Interval:          10 * time.Second,
		MaxSpoolBytes:     500 << 20,
		BatchSize:         10,
		DrainInterval:     5 * time.Minute,
		UploadTimeout:     60 * time.Second,
		UploadWorkers:     1,
		BackoffInitial:    30 * time.Second,
		BackoffMax:        30 * time.Minute,
		ReconcileInterval: time.Hour,
		JournalRetention:  30 * 24 * time.Hour,
		FinalDrain:        30 * time.Second,
	}
}
