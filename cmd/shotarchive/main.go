// Command shotarchive is the archive server which shotlogger clients upload
// their screenshots to. It also serves a small login protected viewer.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/server"
	"github.com/ndlib/shotlogger/util"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

type archiveConfig struct {
	RootFolder      string `toml:"root_folder"`
	Listen          string `toml:"listen"`
	WebUsername     string `toml:"web_username"`
	WebPasswordHash string `toml:"web_password_hash"`
	WebPassword     string `toml:"web_password"`
	UploadPassword  string `toml:"upload_password"`
	SiteName        string `toml:"site_name"`
	SessionSecret   string `toml:"session_secret"`
	SentryDSN       string `toml:"sentry_dsn"`
	MaxUploadMB     int64  `toml:"max_upload_mb"`
}

func defaultConfig() archiveConfig {
	return archiveConfig{
		RootFolder:  "archive",
		Listen:      "127.0.0.1:5000",
		WebUsername: "admin",
		SiteName:    "Screenshot Archive",
		MaxUploadMB: 32,
	}
}

func loadConfig(path string) (archiveConfig, error) {
	config := defaultConfig()
	if path == "" {
		return config, nil
	}
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return config, errors.Wrapf(err, "reading %s", path)
	}
	for _, key := range meta.Undecoded() {
		log.Printf("Unknown configuration key %s ignored", key)
	}
	if config.UploadPassword == "" {
		return config, errors.New("upload_password is required")
	}
	if config.WebPasswordHash == "" && config.WebPassword == "" {
		return config, errors.New("one of web_password_hash or web_password is required")
	}
	return config, nil
}

func main() {
	var (
		configFile   = flag.String("config", "shotarchive.toml", "configuration file")
		hashPassword = flag.Bool("hash-password", false, "read a password from stdin and print its hash for web_password_hash")
	)
	flag.Parse()

	if *hashPassword {
		if err := printHash(); err != nil {
			log.Fatalln(err)
		}
		return
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalln(err)
	}
	if config.SentryDSN != "" {
		raven.SetDSN(config.SentryDSN)
	}
	s := &server.ArchiveServer{
		Listen:          config.Listen,
		RootFolder:      config.RootFolder,
		UploadPassword:  config.UploadPassword,
		WebUsername:     config.WebUsername,
		WebPasswordHash: config.WebPasswordHash,
		WebPassword:     config.WebPassword,
		SiteName:        config.SiteName,
		SessionSecret:   config.SessionSecret,
		MaxUpload:       config.MaxUploadMB << 20,
		Stats:           util.NewExpvarStats("shotarchive"),
		Version:         Version,
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		log.Println("Received signal", <-sig)
		s.Stop()
	}()

	if err := s.Run(); err != nil {
		log.Fatalln(err)
	}
}

func printHash() error {
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := server.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
