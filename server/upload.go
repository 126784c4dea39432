package server

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"
)

// DayLayout is the format of the day folders, DD-MM-YYYY.
const DayLayout = "02-01-2006"

// UploadHandler handles POST /api/upload
//
// The request is a multipart form with the fields "username", "day" and
// "file", and the shared secret in the header X-Upload-Password. A blank day
// means today in UTC. If the header X-Upload-Md5 is present the file must
// match it.
func (s *ArchiveServer) UploadHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	password := r.Header.Get("X-Upload-Password")
	if s.UploadPassword == "" ||
		subtle.ConstantTimeCompare([]byte(password), []byte(s.UploadPassword)) != 1 {
		s.bump("upload.unauthorized", 1)
		writeStatus(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxUpload)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	owner := r.FormValue("username")
	if !ValidIdentifier(owner) {
		writeStatus(w, http.StatusBadRequest, "invalid username")
		return
	}
	day := r.FormValue("day")
	if day == "" {
		day = time.Now().UTC().Format(DayLayout)
	}
	if !ValidIdentifier(day) {
		writeStatus(w, http.StatusBadRequest, "invalid day")
		return
	}
	f, fh, err := r.FormFile("file")
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "file is required")
		return
	}
	defer f.Close()

	p, size, err := s.Archive.Save(owner, day, fh.Filename, f, r.Header.Get("X-Upload-Md5"))
	switch err {
	case nil:
	case ErrInvalidName:
		writeStatus(w, http.StatusBadRequest, "invalid filename")
		return
	case ErrChecksum:
		s.bump("upload.checksum", 1)
		writeStatus(w, http.StatusPreconditionFailed, "MD5 mismatch")
		return
	default:
		log.Printf("upload %s/%s/%s: %s", owner, day, fh.Filename, err)
		raven.CaptureError(err, map[string]string{"Owner": owner, "Day": day})
		s.bump("upload.error", 1)
		writeStatus(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("upload saved %s (%d bytes)", p, size)
	s.bump("upload.ok", 1)
	s.bump("upload.bytes", float64(size))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "path": p})
}

// writeStatus sends an error reply in the JSON form clients expect.
func writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": message})
}
