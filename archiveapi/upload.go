package archiveapi

import (
	"context"
	"io"
	"log"
	"mime/multipart"
	"net/http"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"
)

// Upload sends one file to the archive, to be stored as
// <owner>/<day>/<filename>. If day is empty the archive uses the current UTC
// date. If md5hex is not empty the archive checks the received data against
// it. The file is streamed; body is read to the end. It returns the path the
// archive reports it stored the file under.
//
// An error from the server is a *StatusError.
func (c *Connection) Upload(ctx context.Context, owner, day, filename string, body io.Reader, md5hex string) (string, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeUploadForm(mw, owner, day, filename, body)
		pw.CloseWithError(err)
	}()

	// unblocks the form writer if the server answers without reading it all
	defer pr.Close()

	req, err := http.NewRequest("POST", c.url("api", "upload"), pr)
	if err != nil {
		return "", err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Upload-Password", c.Password)
	if md5hex != "" {
		req.Header.Set("X-Upload-Md5", md5hex)
	}
	resp, err := c.do(req)
	if err != nil {
		pr.CloseWithError(err)
		return "", errors.Wrap(err, "upload")
	}
	defer resp.Body.Close()
	v, _ := jason.NewObjectFromReader(resp.Body)
	if resp.StatusCode != http.StatusOK {
		e := &StatusError{Status: resp.StatusCode}
		if v != nil {
			e.Message, _ = v.GetString("message")
		}
		log.Printf("archive upload %s/%s/%s: %s", owner, day, filename, e)
		return "", e
	}
	var stored string
	if v != nil {
		stored, _ = v.GetString("path")
	}
	return stored, nil
}

func writeUploadForm(mw *multipart.Writer, owner, day, filename string, body io.Reader) error {
	if err := mw.WriteField("username", owner); err != nil {
		return err
	}
	if err := mw.WriteField("day", day); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}
