package archiveapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/antonholmquist/jason"
)

// OwnerInfo summarizes the screenshots the archive has for one owner.
type OwnerInfo struct {
	Name  string
	Days  int64
	Files int64
}

// DayInfo summarizes one day of screenshots.
type DayInfo struct {
	Name  string
	Files int64
}

// FileInfo describes one stored screenshot.
type FileInfo struct {
	Name     string
	Size     int64
	Modified time.Time
}

// Owners lists everyone the archive holds screenshots for.
func (c *Connection) Owners(ctx context.Context) ([]OwnerInfo, error) {
	v, err := c.doJasonGet(ctx, c.url())
	if err != nil {
		return nil, err
	}
	list, err := v.GetObjectArray("owners")
	if err != nil {
		return nil, err
	}
	var result []OwnerInfo
	for _, o := range list {
		var info OwnerInfo
		info.Name, _ = o.GetString("name")
		info.Days, _ = o.GetInt64("days")
		info.Files, _ = o.GetInt64("files")
		result = append(result, info)
	}
	return result, nil
}

// Days lists the days the archive has for owner.
func (c *Connection) Days(ctx context.Context, owner string) ([]DayInfo, error) {
	v, err := c.doJasonGet(ctx, c.url("user", owner))
	if err != nil {
		return nil, err
	}
	list, err := v.GetObjectArray("days")
	if err != nil {
		return nil, err
	}
	var result []DayInfo
	for _, o := range list {
		var info DayInfo
		info.Name, _ = o.GetString("name")
		info.Files, _ = o.GetInt64("files")
		result = append(result, info)
	}
	return result, nil
}

// Files lists the screenshots stored for owner on day.
func (c *Connection) Files(ctx context.Context, owner, day string) ([]FileInfo, error) {
	v, err := c.doJasonGet(ctx, c.url("user", owner, day))
	if err != nil {
		return nil, err
	}
	list, err := v.GetObjectArray("files")
	if err != nil {
		return nil, err
	}
	var result []FileInfo
	for _, o := range list {
		var info FileInfo
		info.Name, _ = o.GetString("name")
		info.Size, _ = o.GetInt64("size")
		if s, err := o.GetString("modified"); err == nil {
			info.Modified, _ = time.Parse(time.RFC3339, s)
		}
		result = append(result, info)
	}
	return result, nil
}

// Download copies the given screenshot from the archive to w.
func (c *Connection) Download(ctx context.Context, w io.Writer, owner, day, filename string) error {
	req, err := http.NewRequest("GET", c.url("files", owner, day, filename), nil)
	if err != nil {
		return err
	}
	resp, err := c.doViewer(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode}
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Connection) doViewer(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.WebPassword)
	}
	return c.do(req)
}

func (c *Connection) doJasonGet(ctx context.Context, path string) (*jason.Object, error) {
	req, err := http.NewRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "application/json")
	resp, err := c.doViewer(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200:
		return jason.NewObjectFromReader(resp.Body)
	default:
		e := &StatusError{Status: resp.StatusCode}
		if v, err := jason.NewObjectFromReader(resp.Body); err == nil {
			e.Message, _ = v.GetString("message")
		}
		return nil, e
	}
}
