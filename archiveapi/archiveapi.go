// Package archiveapi is a client for the screenshot archive server.
//
// Uploads are authorized with the shared upload password. The listing and
// download calls use the viewer's login, sent as HTTP Basic credentials.
package archiveapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// A Connection represents a connection with an archive server.
// It can be shared between multiple goroutines. Do not change the fields
// after the first request.
type Connection struct {
	// The archive server this connection is to, e.g. "http://example.onion"
	HostURL string

	// Password is the shared secret sent with uploads.
	Password string

	// Username and WebPassword are the viewer login, used for listings.
	Username    string
	WebPassword string

	// Proxy is the URL of a proxy to send every request through, such as
	// "socks5h://127.0.0.1:9050" for Tor. Empty means connect directly.
	Proxy string

	// Timeout bounds each request. Zero means 60 seconds.
	Timeout time.Duration

	once   sync.Once
	client *http.Client
	err    error
}

// Exported errors
var (
	ErrNotFound      = errors.New("Not found in archive")
	ErrNotAuthorized = errors.New("Access Denied")
	ErrBadProxy      = errors.New("Unsupported proxy scheme")
)

// A StatusError is returned when the archive answers with a status other
// than 200. Message is the server's explanation, if it gave one.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("Received status %d from archive", e.Status)
	}
	return fmt.Sprintf("Received status %d from archive: %s", e.Status, e.Message)
}

// Unwrap gives one of the package errors for the statuses which have one,
// so errors.Is(err, ErrNotAuthorized) works.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrNotAuthorized
	}
	return nil
}

// StatusOf returns the HTTP status carried by err, or 0 if the request never
// got an answer from the archive.
func StatusOf(err error) int {
	var e *StatusError
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// do performs an http request using our client with a timeout. The
// timeout is there so we don't hang indefinitely should the server never
// close the connection.
func (c *Connection) do(req *http.Request) (*http.Response, error) {
	c.once.Do(c.setup)
	if c.err != nil {
		return nil, c.err
	}
	return c.client.Do(req)
}

func (c *Connection) setup() {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		Proxy:               nil,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if c.Proxy != "" {
		u, err := ProxyURL(c.Proxy)
		if err != nil {
			c.err = err
			return
		}
		transport.Proxy = http.ProxyURL(u)
	}
	c.client = &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// ProxyURL parses a proxy setting. The "socks5h" scheme, which asks the proxy
// to resolve host names, is accepted as a synonym for "socks5" since that is
// how Go's SOCKS5 dialer always behaves.
func ProxyURL(proxy string) (*url.URL, error) {
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5h":
		u.Scheme = "socks5"
	case "socks5", "http", "https":
	default:
		return nil, ErrBadProxy
	}
	return u, nil
}

func (c *Connection) url(segments ...string) string {
	var parts = []string{strings.TrimRight(c.HostURL, "/")}
	for _, s := range segments {
		parts = append(parts, url.PathEscape(s))
	}
	return strings.Join(parts, "/")
}
