package server

import (
	"fmt"
	"log"
	"net/http"

	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
)

type loginPage struct {
	Site  string
	Error string
}

type ownersPage struct {
	Site   string      `json:"site"`
	Owners []OwnerInfo `json:"owners"`
}

type daysPage struct {
	Site  string    `json:"site"`
	Owner string    `json:"owner"`
	Days  []DayInfo `json:"days"`
}

type filesPage struct {
	Site  string     `json:"site"`
	Owner string     `json:"owner"`
	Day   string     `json:"day"`
	Files []FileInfo `json:"files"`
}

// OwnersHandler handles GET /
func (s *ArchiveServer) OwnersHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owners, err := s.Archive.Owners()
	if err != nil && err != ErrNotFound {
		s.listError(w, err)
		return
	}
	writeHTMLorJSON(w, r, ownersTemplate, ownersPage{Site: s.siteName(), Owners: owners})
}

// DaysHandler handles GET /user/:username
func (s *ArchiveServer) DaysHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner := ps.ByName("username")
	days, err := s.Archive.Days(owner)
	if err != nil {
		s.listError(w, err)
		return
	}
	writeHTMLorJSON(w, r, daysTemplate, daysPage{Site: s.siteName(), Owner: owner, Days: days})
}

// FilesHandler handles GET /user/:username/:day
func (s *ArchiveServer) FilesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	owner := ps.ByName("username")
	day := ps.ByName("day")
	files, err := s.Archive.Files(owner, day)
	if err != nil {
		s.listError(w, err)
		return
	}
	writeHTMLorJSON(w, r, filesTemplate, filesPage{Site: s.siteName(), Owner: owner, Day: day, Files: files})
}

// FileHandler handles GET /files/:username/:day/:filename
func (s *ArchiveServer) FileHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	p, err := s.Archive.Path(ps.ByName("username"), ps.ByName("day"), ps.ByName("filename"))
	if err != nil {
		s.listError(w, err)
		return
	}
	http.ServeFile(w, r, p)
}

func (s *ArchiveServer) listError(w http.ResponseWriter, err error) {
	switch err {
	case ErrInvalidName:
		w.WriteHeader(http.StatusBadRequest)
	case ErrNotFound:
		w.WriteHeader(http.StatusNotFound)
	default:
		log.Println("archive:", err)
		raven.CaptureError(err, nil)
		w.WriteHeader(http.StatusInternalServerError)
	}
	fmt.Fprintln(w, err)
}
