// Command shotlogger takes a screenshot at a fixed interval, keeps the
// images in a bounded local folder, and delivers them in batches to an
// archive server or an object store.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ndlib/shotlogger/capture"
	"github.com/ndlib/shotlogger/engine"
	"github.com/ndlib/shotlogger/journal"
	"github.com/ndlib/shotlogger/spool"
	"github.com/ndlib/shotlogger/store"
	"github.com/ndlib/shotlogger/util"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var (
		configFile  = flag.String("config", "shotlogger.toml", "configuration file")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	config, unknown, err := loadConfig(*configFile)
	if err == errCreated {
		fmt.Printf("Wrote a default configuration to %s.\nEdit it and run shotlogger again.\n", *configFile)
		return
	} else if err != nil {
		log.Fatalln(err)
	}
	setupLogging(config.LogFile)
	for _, key := range unknown {
		log.Printf("Unknown configuration key %s ignored", key)
	}
	if config.SentryDSN != "" {
		raven.SetDSN(config.SentryDSN)
	}
	if err := run(config); err != nil {
		raven.CaptureErrorAndWait(err, nil)
		log.Fatalln(err)
	}
}

// setupLogging sends the log to stdout and to a size rotated file. The file
// is emptied first.
func setupLogging(logfile string) {
	log.SetFlags(log.LstdFlags)
	if logfile == "" {
		return
	}
	if err := os.Truncate(logfile, 0); err != nil && !os.IsNotExist(err) {
		log.Println("Truncating log file:", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    1, // megabytes
		MaxBackups: 3,
	}))
}

func run(config fileConfig) error {
	log.Printf("shotlogger %s starting, owner %s", Version, config.Owner)

	root := config.ScreenshotFolder
	if err := os.MkdirAll(root, 0700); err != nil {
		return errors.Wrap(err, "making screenshot folder")
	}
	if err := util.Writable(root); err != nil {
		return errors.Wrapf(err, "screenshot folder %s is not writable", root)
	}
	lock := flock.New(filepath.Join(root, ".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "locking screenshot folder")
	}
	if !ok {
		return errors.Errorf("another shotlogger is using %s", root)
	}
	defer lock.Unlock()

	backend, err := parseLocation(config)
	if err != nil {
		return err
	}
	j, err := journal.Open(config.Journal)
	if err != nil {
		return err
	}
	if j != nil {
		defer j.Close()
	}
	stats := util.NewExpvarStats("shotlogger")
	if config.DebugAddr != "" {
		go serveDebug(config.DebugAddr)
	}

	e, err := engine.New(config.engineConfig(), engine.Deps{
		Spool: store.NewFileSystem(root, spool.DayPartition),
		Source: &capture.Command{
			Argv:    config.CaptureCommand,
			Timeout: 30 * time.Second,
		},
		Backend: backend,
		Journal: j,
		Stats:   stats,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Println("Received signal", s)
		cancel()
	}()
	return e.Run(ctx)
}

func serveDebug(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	log.Println("Debug listener on", addr)
	err := http.ListenAndServe(addr, mux)
	if err != nil {
		log.Println("Debug listener:", err)
	}
}
