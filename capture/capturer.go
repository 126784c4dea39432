// Package capture takes screenshots and writes them into the spool.
package capture

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// A Capturer grabs one image of the screen and returns it as PNG data.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Func adapts an ordinary function into a Capturer.
type Func func(ctx context.Context) ([]byte, error)

// Capture calls f.
func (f Func) Capture(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

var (
	// ErrCapture is the cause of every error returned by a failed capture.
	ErrCapture = errors.New("capture failed")

	pngSignature = []byte("\x89PNG\r\n\x1a\n")

	// for tests
	commandContext = exec.CommandContext
)

// failure wraps the reason for a failed capture so errors.Cause gives
// ErrCapture.
func failure(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCapture, format, args...)
}

// IsFailure returns true if err came from a failed capture.
func IsFailure(err error) bool {
	return errors.Cause(err) == ErrCapture
}

// FilePlaceholder may appear in a Command's arguments. It is replaced by
// the name of a temporary file, and the image is read from that file instead
// of from standard output.
const FilePlaceholder = "{file}"

// Command runs an external program to take a screenshot.
type Command struct {
	Argv    []string
	Timeout time.Duration // zero means 30 seconds
}

// DefaultArgv returns the capture program used on this platform, or nil if
// there is no reasonable default.
func DefaultArgv() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"screencapture", "-x", "-t", "png", FilePlaceholder}
	case "linux", "freebsd", "openbsd", "netbsd":
		return []string{"import", "-silent", "-window", "root", "png:-"}
	}
	return nil
}

// Capture runs the command and returns the image it produced.
func (c *Command) Capture(ctx context.Context) ([]byte, error) {
	if len(c.Argv) == 0 {
		return nil, failure("no capture command configured")
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var tmpname string
	args := make([]string, len(c.Argv))
	copy(args, c.Argv)
	for i := range args {
		if !strings.Contains(args[i], FilePlaceholder) {
			continue
		}
		if tmpname == "" {
			f, err := ioutil.TempFile("", "capture-*.png")
			if err != nil {
				return nil, failure("%s", err)
			}
			tmpname = f.Name()
			f.Close()
			defer os.Remove(tmpname)
		}
		args[i] = strings.Replace(args[i], FilePlaceholder, tmpname, -1)
	}

	var stdout, stderr bytes.Buffer
	cmd := commandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, failure("%s: %s %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	data := stdout.Bytes()
	if tmpname != "" {
		var err error
		data, err = ioutil.ReadFile(tmpname)
		if err != nil {
			return nil, failure("%s", err)
		}
	}
	if err := CheckPNG(data); err != nil {
		return nil, err
	}
	return data, nil
}

// CheckPNG returns a capture failure if data does not start like a PNG file.
func CheckPNG(data []byte) error {
	if !bytes.HasPrefix(data, pngSignature) {
		return failure("output is not a PNG image (%d bytes)", len(data))
	}
	return nil
}
