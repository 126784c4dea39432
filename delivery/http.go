package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/ndlib/shotlogger/archiveapi"
	"github.com/ndlib/shotlogger/util"
)

// HTTPBackend uploads artifacts to an archive server with archiveapi.
type HTTPBackend struct {
	Conn *archiveapi.Connection
}

var _ Backend = &HTTPBackend{}

// Deliver uploads body. The whole artifact is read first so its MD5 can go
// along with it.
func (h *HTTPBackend) Deliver(ctx context.Context, dest Destination, body io.Reader, size int64) error {
	var buf bytes.Buffer
	buf.Grow(int(size))
	hw := util.NewHashWriter(&buf)
	if _, err := io.Copy(hw, body); err != nil {
		return fail(Transport, err)
	}
	_, err := h.Conn.Upload(ctx, dest.Owner, dest.Day, dest.Filename, &buf, hw.MD5Hex())
	if err != nil {
		return httpFailure(err)
	}
	return nil
}

// httpFailure classifies an error from the archive by its HTTP status.
func httpFailure(err error) *Failure {
	status := archiveapi.StatusOf(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fail(Auth, err)
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		return fail(Rejected, err)
	}
	return fail(Transport, err)
}
