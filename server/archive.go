package server

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/shotlogger/util"
)

// An Archive is the directory tree uploads are saved into, laid out as
// <root>/<owner>/<day>/<filename>. Names starting with a dot are never
// listed or served, which keeps the incoming directory private.
type Archive struct {
	root string
}

// Errors returned by the Archive.
var (
	ErrInvalidName = errors.New("invalid name")
	ErrNotFound    = errors.New("not found")
	ErrChecksum    = errors.New("checksum mismatch")
)

// uploads are written here and then renamed into place
const incomingDir = ".incoming"

// NewArchive returns an Archive kept under root, creating root if needed.
func NewArchive(root string) (*Archive, error) {
	err := os.MkdirAll(filepath.Join(root, incomingDir), 0755)
	if err != nil {
		return nil, err
	}
	return &Archive{root: root}, nil
}

// Root returns the directory the archive lives in.
func (a *Archive) Root() string {
	return a.root
}

// ValidIdentifier reports whether s may be used as an owner or a day.
// It may not be empty, contain a path separator, or begin with a dot.
func ValidIdentifier(s string) bool {
	return s != "" && !strings.ContainsAny(s, `/\`) && !strings.HasPrefix(s, ".")
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename reduces name to something safe to store: path separators
// and runs of spaces become underscores, anything other than ASCII letters,
// digits, '_', '.' and '-' is dropped, and leading or trailing dots and
// underscores are trimmed. The result may be empty.
func SecureFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return ' '
		}
		return r
	}, name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

// Save stores the contents of r as owner/day/filename, replacing anything
// already there. If md5hex is not empty and does not match the contents,
// nothing is saved and ErrChecksum is returned. It returns the path of the
// new file relative to the root and its size.
func (a *Archive) Save(owner, day, filename string, r io.Reader, md5hex string) (string, int64, error) {
	name := SecureFilename(filename)
	if !ValidIdentifier(owner) || !ValidIdentifier(day) || name == "" {
		return "", 0, ErrInvalidName
	}
	f, err := ioutil.TempFile(filepath.Join(a.root, incomingDir), "upload-")
	if err != nil {
		return "", 0, err
	}
	tmpname := f.Name()
	defer os.Remove(tmpname) // no-op after the rename

	hw := util.NewHashWriter(f)
	size, err := io.Copy(hw, r)
	if err == nil {
		err = f.Sync()
	}
	err2 := f.Close()
	if err == nil {
		err = err2
	}
	if err != nil {
		return "", 0, err
	}
	if md5hex != "" && !strings.EqualFold(hw.MD5Hex(), md5hex) {
		return "", 0, ErrChecksum
	}
	dir := filepath.Join(a.root, owner, day)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpname, filepath.Join(dir, name)); err != nil {
		return "", 0, err
	}
	return filepath.ToSlash(filepath.Join(owner, day, name)), size, nil
}

// OwnerInfo summarizes one owner.
type OwnerInfo struct {
	Name  string `json:"name"`
	Days  int    `json:"days"`
	Files int    `json:"files"`
}

// DayInfo summarizes one day of one owner.
type DayInfo struct {
	Name  string `json:"name"`
	Files int    `json:"files"`
}

// FileInfo describes one stored file.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Owners lists every owner, sorted by name.
func (a *Archive) Owners() ([]OwnerInfo, error) {
	dirs, err := listDir(a.root, true)
	if err != nil {
		return nil, err
	}
	result := make([]OwnerInfo, 0, len(dirs))
	for _, d := range dirs {
		days, err := a.Days(d.Name())
		if err != nil {
			return nil, err
		}
		info := OwnerInfo{Name: d.Name(), Days: len(days)}
		for _, day := range days {
			info.Files += day.Files
		}
		result = append(result, info)
	}
	return result, nil
}

// Days lists the days for owner, sorted by name.
func (a *Archive) Days(owner string) ([]DayInfo, error) {
	if !ValidIdentifier(owner) {
		return nil, ErrInvalidName
	}
	dirs, err := listDir(filepath.Join(a.root, owner), true)
	if err != nil {
		return nil, err
	}
	result := make([]DayInfo, 0, len(dirs))
	for _, d := range dirs {
		files, err := listDir(filepath.Join(a.root, owner, d.Name()), false)
		if err != nil {
			return nil, err
		}
		result = append(result, DayInfo{Name: d.Name(), Files: len(files)})
	}
	return result, nil
}

// Files lists the files stored for owner on day, sorted by name.
func (a *Archive) Files(owner, day string) ([]FileInfo, error) {
	if !ValidIdentifier(owner) || !ValidIdentifier(day) {
		return nil, ErrInvalidName
	}
	files, err := listDir(filepath.Join(a.root, owner, day), false)
	if err != nil {
		return nil, err
	}
	result := make([]FileInfo, 0, len(files))
	for _, f := range files {
		result = append(result, FileInfo{
			Name:     f.Name(),
			Size:     f.Size(),
			Modified: f.ModTime().UTC(),
		})
	}
	return result, nil
}

// Path returns the file name of a stored file, or ErrNotFound.
func (a *Archive) Path(owner, day, filename string) (string, error) {
	if !ValidIdentifier(owner) || !ValidIdentifier(day) || !ValidIdentifier(filename) {
		return "", ErrInvalidName
	}
	p := filepath.Join(a.root, owner, day, filename)
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return p, nil
}

// listDir returns the directories (or the regular files) in dir, sorted by
// name and leaving out hidden entries. A missing dir gives ErrNotFound.
func listDir(dir string, dirs bool) ([]os.FileInfo, error) {
	infos, err := ioutil.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var result []os.FileInfo
	for _, fi := range infos {
		if strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		if (dirs && fi.IsDir()) || (!dirs && fi.Mode().IsRegular()) {
			result = append(result, fi)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result, nil
}
