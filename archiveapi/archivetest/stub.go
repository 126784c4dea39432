package archivetest

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stub accepts uploads the way the archive server does and keeps them in
// memory. It only implements POST /api/upload.
type Stub struct {
	Password string

	m       sync.Mutex
	uploads map[string][]byte // by owner/day/filename
	order   []string          // paths in the order received, with repeats
}

// NewStub returns an empty Stub which expects the given upload password.
func NewStub(password string) *Stub {
	return &Stub{Password: password, uploads: make(map[string][]byte)}
}

func (s *Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" || r.URL.Path != "/api/upload" {
		reply(w, http.StatusNotFound, "error", "not found")
		return
	}
	if r.Header.Get("X-Upload-Password") != s.Password {
		reply(w, http.StatusUnauthorized, "error", "Unauthorized")
		return
	}
	owner := r.FormValue("username")
	day := r.FormValue("day")
	if day == "" {
		day = time.Now().UTC().Format("02-01-2006")
	}
	if owner == "" || strings.ContainsAny(owner+day, `/\`) {
		reply(w, http.StatusBadRequest, "error", "invalid username or day")
		return
	}
	f, fh, err := r.FormFile("file")
	if err != nil {
		reply(w, http.StatusBadRequest, "error", "file is required")
		return
	}
	data, err := ioutil.ReadAll(f)
	f.Close()
	if err != nil {
		reply(w, http.StatusInternalServerError, "error", err.Error())
		return
	}
	if goal := r.Header.Get("X-Upload-Md5"); goal != "" {
		sum := md5.Sum(data)
		if hex.EncodeToString(sum[:]) != goal {
			reply(w, http.StatusPreconditionFailed, "error", "checksum mismatch")
			return
		}
	}
	p := path.Join(owner, day, path.Base(fh.Filename))
	s.m.Lock()
	s.uploads[p] = data
	s.order = append(s.order, p)
	s.m.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "path": p})
}

func reply(w http.ResponseWriter, status int, result, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": result, "message": message})
}

// Paths returns the sorted paths of everything stored.
func (s *Stub) Paths() []string {
	s.m.Lock()
	defer s.m.Unlock()
	var result []string
	for p := range s.uploads {
		result = append(result, p)
	}
	sort.Strings(result)
	return result
}

// Received returns every upload path in the order they arrived, including
// repeated uploads of the same path.
func (s *Stub) Received() []string {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]string(nil), s.order...)
}

// Get returns the data stored at path.
func (s *Stub) Get(path string) ([]byte, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	b, ok := s.uploads[path]
	return b, ok
}
