package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/bcrypt"
)

// The viewer is protected by a single username and password. A successful
// login is remembered in a cookie holding the user name and an expiry time,
// signed with the session secret.

const (
	sessionCookie = "shotarchive_session"
	sessionLength = 12 * time.Hour
)

// HashPassword returns the bcrypt hash to put in the configuration file for
// the given viewer password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// checkLogin reports whether user and password are the viewer's.
func (s *ArchiveServer) checkLogin(user, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.WebUsername)) == 1
	// always run bcrypt so a wrong user name takes as long as a wrong password
	pwOK := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) == nil
	return userOK && pwOK && s.WebUsername != ""
}

func (s *ArchiveServer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// newSession returns a cookie value for user good until expires.
func (s *ArchiveServer) newSession(user string, expires time.Time) string {
	payload := user + "|" + strconv.FormatInt(expires.Unix(), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + s.sign(payload)
}

// validSession reports whether value is a session cookie we made for the
// viewer which has not expired.
func (s *ArchiveServer) validSession(value string, now time.Time) bool {
	v := strings.SplitN(value, ".", 2)
	if len(v) != 2 {
		return false
	}
	b, err := base64.RawURLEncoding.DecodeString(v[0])
	if err != nil {
		return false
	}
	payload := string(b)
	if !hmac.Equal([]byte(v[1]), []byte(s.sign(payload))) {
		return false
	}
	fields := strings.Split(payload, "|")
	if len(fields) != 2 || fields[0] != s.WebUsername {
		return false
	}
	expires, err := strconv.ParseInt(fields[1], 10, 64)
	return err == nil && now.Unix() < expires
}

// authenticated reports whether the request carries a valid session cookie
// or valid Basic credentials.
func (s *ArchiveServer) authenticated(r *http.Request) bool {
	if user, pw, ok := r.BasicAuth(); ok {
		return s.checkLogin(user, pw)
	}
	c, err := r.Cookie(sessionCookie)
	return err == nil && s.validSession(c.Value, time.Now())
}

// loginWrapper returns a handler which only calls handler for logged in
// viewers. Browsers are sent to the login page. API clients, which either
// tried Basic authentication or asked for JSON, get a 401.
func (s *ArchiveServer) loginWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if s.authenticated(r) {
			handler(w, r, ps)
			return
		}
		_, _, basic := r.BasicAuth()
		if basic || r.Header.Get("Accept-Encoding") == "application/json" {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+s.siteName()+`"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized\n"))
			return
		}
		http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.Path), http.StatusFound)
	}
}

// localRedirect returns next if it is a path on this server, and "/"
// otherwise. Browsers drop tabs and newlines from a Location, so any control
// character is refused.
func localRedirect(next string) string {
	if strings.IndexFunc(next, isControl) >= 0 ||
		!strings.HasPrefix(next, "/") ||
		strings.HasPrefix(next, "//") ||
		strings.HasPrefix(next, `/\`) {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return next
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// LoginHandler handles GET and POST /login
func (s *ArchiveServer) LoginHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	page := loginPage{Site: s.siteName()}
	if r.Method == "POST" {
		if s.checkLogin(r.PostFormValue("username"), r.PostFormValue("password")) {
			expires := time.Now().Add(sessionLength)
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookie,
				Value:    s.newSession(s.WebUsername, expires),
				Path:     "/",
				Expires:  expires,
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
			http.Redirect(w, r, localRedirect(r.URL.Query().Get("next")), http.StatusFound)
			return
		}
		page.Error = "Invalid username or password."
		w.WriteHeader(http.StatusUnauthorized)
	}
	loginTemplate.Execute(w, page)
}

// LogoutHandler handles GET /logout
func (s *ArchiveServer) LogoutHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/login", http.StatusFound)
}
