package archivetest

import (
	"io/ioutil"
	"net/http/httptest"
	"os"

	"github.com/ndlib/shotlogger/server"
)

// An Archive is a real archive server running on a temporary directory.
type Archive struct {
	*httptest.Server
	Root string
}

// NewArchive starts an archive server which accepts uploads with
// uploadPassword and lets user log in with webPassword. Call Close when done
// to stop it and remove its files.
func NewArchive(uploadPassword, user, webPassword string) (*Archive, error) {
	dir, err := ioutil.TempDir("", "archivetest")
	if err != nil {
		return nil, err
	}
	s := &server.ArchiveServer{
		RootFolder:     dir,
		UploadPassword: uploadPassword,
		WebUsername:    user,
		WebPassword:    webPassword,
	}
	h, err := s.Handler()
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &Archive{Server: httptest.NewServer(h), Root: dir}, nil
}

// Close stops the server and removes everything it stored.
func (a *Archive) Close() {
	a.Server.Close()
	os.RemoveAll(a.Root)
}
