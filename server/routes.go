// Package server is the archive side of shotlogger. It accepts uploads from
// the clients, stores them as <owner>/<day>/<filename> under a root folder,
// and lets a logged in viewer browse them.
package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

// ArchiveServer holds the configuration for the archive web server.
//
// Set the public fields and then call Run, or use Handler with a server of
// your own. Do not change any fields after that.
type ArchiveServer struct {
	// Address to listen on, e.g. "127.0.0.1:5000"
	Listen string

	// RootFolder is where uploads are kept. Used if Archive is nil.
	RootFolder string
	Archive    *Archive

	// UploadPassword is the shared secret clients send with each upload.
	UploadPassword string

	// The viewer login. Give either the bcrypt hash of the password, or
	// the password itself, which is hashed at startup.
	WebUsername     string
	WebPasswordHash string
	WebPassword     string

	SiteName string

	// SessionSecret signs the login cookies. If empty one is derived from
	// the upload password.
	SessionSecret string

	// MaxUpload is the largest upload accepted, in bytes. Zero means 32 MB.
	MaxUpload int64

	Stats stats.Client // may be nil

	Version string // shown at /api

	passwordHash []byte
	secret       []byte
	server       httpdown.Server // used to close our listening socket
}

const defaultMaxUpload = 32 << 20

// Handler initializes the server and returns the handler for all its routes.
func (s *ArchiveServer) Handler() (http.Handler, error) {
	if s.Archive == nil {
		if s.RootFolder == "" {
			return nil, errors.New("no root folder given")
		}
		a, err := NewArchive(s.RootFolder)
		if err != nil {
			return nil, err
		}
		s.Archive = a
	}
	switch {
	case s.WebPasswordHash != "":
		s.passwordHash = []byte(s.WebPasswordHash)
	case s.WebPassword != "":
		h, err := HashPassword(s.WebPassword)
		if err != nil {
			return nil, err
		}
		s.passwordHash = []byte(h)
	default:
		log.Println("No viewer password given. The viewer is disabled.")
	}
	if s.UploadPassword == "" {
		log.Println("No upload password given. Uploads are disabled.")
	}
	if s.SessionSecret != "" {
		s.secret = []byte(s.SessionSecret)
	} else {
		s.secret = []byte(s.UploadPassword + "_session_secret")
	}
	if s.MaxUpload <= 0 {
		s.MaxUpload = defaultMaxUpload
	}
	return securityHeaders(s.addRoutes()), nil
}

// Run starts the server and blocks handling http requests until Stop is
// called.
func (s *ArchiveServer) Run() error {
	log.Println("==========")
	log.Printf("Starting archive server version %s", s.Version)
	log.Printf("RootFolder = %s", s.RootFolder)

	handler, err := s.Handler()
	if err != nil {
		return err
	}
	log.Println("Listening on", s.Listen)
	h := httpdown.HTTP{
		StopTimeout: 10 * time.Second,
		KillTimeout: 1 * time.Second,
		Stats:       s.Stats,
	}
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    s.Listen,
		Handler: handler,
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop closes the listening socket and waits for requests in progress to
// finish.
func (s *ArchiveServer) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

func (s *ArchiveServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		login   bool // true if the viewer must be logged in
		handler httprouter.Handle
	}{
		{"POST", "/api/upload", false, s.UploadHandler},
		{"GET", "/api", false, s.WelcomeHandler},

		{"GET", "/login", false, s.LoginHandler},
		{"POST", "/login", false, s.LoginHandler},
		{"GET", "/logout", false, s.LogoutHandler},

		{"GET", "/", true, s.OwnersHandler},
		{"GET", "/user/:username", true, s.DaysHandler},
		{"GET", "/user/:username/:day", true, s.FilesHandler},
		{"GET", "/files/:username/:day/:filename", true, s.FileHandler},

		{"GET", "/debug/vars", true, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		handler := route.handler
		if route.login {
			handler = s.loginWrapper(handler)
		}
		r.Handle(route.method, route.route, logWrapper(handler))
	}
	return r
}

func (s *ArchiveServer) siteName() string {
	if s.SiteName == "" {
		return "ShotLogger"
	}
	return s.SiteName
}

func (s *ArchiveServer) bump(key string, val float64) {
	if s.Stats != nil {
		s.Stats.BumpSum(key, val)
	}
}

// General route handlers and convenience functions

// WelcomeHandler handles GET /api
func (s *ArchiveServer) WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "%s archive (%s)\n", s.siteName(), s.Version)
}

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// writeHTMLorJSON will either return val as JSON or as rendered using the
// given template, depending on the request header "Accept-Encoding".
func writeHTMLorJSON(w http.ResponseWriter,
	r *http.Request,
	tmpl *template.Template,
	val interface{}) {

	if r.Header.Get("Accept-Encoding") == "application/json" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(val)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	tmpl.Execute(w, val)
}

// securityHeaders adds the headers every response should carry.
func securityHeaders(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("X-Frame-Options", "DENY")
		hdr.Set("X-Content-Type-Options", "nosniff")
		hdr.Set("Referrer-Policy", "no-referrer")
		hdr.Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data:; style-src 'self' 'unsafe-inline'; script-src 'self' 'unsafe-inline';")
		h.ServeHTTP(w, r)
	})
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
