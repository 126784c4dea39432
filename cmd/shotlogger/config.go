package main

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/capture"
	"github.com/ndlib/shotlogger/engine"
)

// fileConfig is the layout of shotlogger.toml.
type fileConfig struct {
	IntervalSeconds          int      `toml:"interval_seconds"`
	ScreenshotFolder         string   `toml:"screenshot_folder"`
	UploadBatchSize          int      `toml:"upload_batch_size"`
	MaxFolderSizeMB          int64    `toml:"max_folder_size_mb"`
	ServerURL                string   `toml:"server_url"`
	UploadPassword           string   `toml:"upload_password"`
	TorSocksProxy            string   `toml:"tor_socks_proxy"`
	LogFile                  string   `toml:"log_file"`
	Owner                    string   `toml:"owner"`
	CaptureCommand           []string `toml:"capture_command"`
	DrainIntervalSeconds     int      `toml:"drain_interval_seconds"`
	ReconcileIntervalSeconds int      `toml:"reconcile_interval_seconds"`
	UploadTimeoutSeconds     int      `toml:"upload_timeout_seconds"`
	UploadWorkers            int      `toml:"upload_workers"`
	UploadRateKBps           int      `toml:"upload_rate_kbps"`
	BackoffInitialSeconds    int      `toml:"backoff_initial_seconds"`
	BackoffMaxSeconds        int      `toml:"backoff_max_seconds"`
	FinalDrainSeconds        int      `toml:"final_drain_seconds"`
	Journal                  string   `toml:"journal"`
	SentryDSN                string   `toml:"sentry_dsn"`
	DebugAddr                string   `toml:"debug_addr"`

	ObjectStore objectStoreConfig `toml:"object_store"`
}

type objectStoreConfig struct {
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
}

func defaultConfig() fileConfig {
	d := engine.DefaultConfig()
	return fileConfig{
		IntervalSeconds:          int(d.Interval / time.Second),
		ScreenshotFolder:         filepath.Join(homeDir(), "Pictures", "Security"),
		UploadBatchSize:          d.BatchSize,
		MaxFolderSizeMB:          d.MaxSpoolBytes >> 20,
		TorSocksProxy:            "socks5h://127.0.0.1:9050",
		LogFile:                  "shotlogger.log",
		Owner:                    defaultOwner(),
		CaptureCommand:           capture.DefaultArgv(),
		DrainIntervalSeconds:     int(d.DrainInterval / time.Second),
		ReconcileIntervalSeconds: int(d.ReconcileInterval / time.Second),
		UploadTimeoutSeconds:     int(d.UploadTimeout / time.Second),
		UploadWorkers:            d.UploadWorkers,
		BackoffInitialSeconds:    int(d.BackoffInitial / time.Second),
		BackoffMaxSeconds:        int(d.BackoffMax / time.Second),
		FinalDrainSeconds:        int(d.FinalDrain / time.Second),
	}
}

func homeDir() string {
	if u, err := user.Current(); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	return "."
}

// defaultOwner is the name of the account we are running as, without any
// domain part.
func defaultOwner() string {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "unknown"
	}
	return name
}

// errCreated is returned by loadConfig when there was no configuration file
// and a default one was written.
var errCreated = errors.New("wrote a default configuration file")

// loadConfig reads the configuration file at path. Keys missing from the
// file keep their default values. If the file does not exist, a default one
// is written and errCreated is returned.
func loadConfig(path string) (fileConfig, []string, error) {
	config := defaultConfig()
	meta, err := toml.DecodeFile(path, &config)
	if os.IsNotExist(errors.Cause(err)) {
		if err := writeConfig(path, config); err != nil {
			return config, nil, err
		}
		return config, nil, errCreated
	} else if err != nil {
		return config, nil, errors.Wrapf(err, "reading %s", path)
	}
	var unknown []string
	for _, key := range meta.Undecoded() {
		unknown = append(unknown, key.String())
	}
	return config, unknown, config.validate()
}

func writeConfig(path string, config fileConfig) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	err = toml.NewEncoder(f).Encode(config)
	if err2 := f.Close(); err == nil {
		err = err2
	}
	return err
}

func (c fileConfig) validate() error {
	switch {
	case c.IntervalSeconds <= 0:
		return errors.New("interval_seconds must be positive")
	case c.ScreenshotFolder == "":
		return errors.New("screenshot_folder is required")
	case c.UploadBatchSize <= 0:
		return errors.New("upload_batch_size must be positive")
	case c.Owner == "" || strings.ContainsAny(c.Owner, `/\`) || strings.HasPrefix(c.Owner, "."):
		return errors.Errorf("owner %q is not usable as a folder name", c.Owner)
	case len(c.CaptureCommand) == 0:
		return errors.New("capture_command is required on this platform")
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// engineConfig converts the file settings into what the engine uses.
func (c fileConfig) engineConfig() engine.Config {
	return engine.Config{
		Owner:             c.Owner,
		Interval:          seconds(c.IntervalSeconds),
		MaxSpoolBytes:     c.MaxFolderSizeMB << 20,
		BatchSize:         c.UploadBatchSize,
		DrainInterval:     seconds(c.DrainIntervalSeconds),
		UploadTimeout:     seconds(c.UploadTimeoutSeconds),
		UploadWorkers:     c.UploadWorkers,
		UploadRateKBps:    c.UploadRateKBps,
		BackoffInitial:    seconds(c.BackoffInitialSeconds),
		BackoffMax:        seconds(c.BackoffMaxSeconds),
		ReconcileInterval: seconds(c.ReconcileIntervalSeconds),
		JournalRetention:  engine.DefaultConfig().JournalRetention,
		FinalDrain:        seconds(c.FinalDrainSeconds),
	}
}
