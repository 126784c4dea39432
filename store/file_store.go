package store

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	raven "github.com/getsentry/raven-go"
)

// FileSystem implements the simple file system based store used for the
// local spool. Every key lives in a subdirectory of the root, and the
// subdirectory is computed from the key by a Partitioner. For screenshots the
// partition is the capture day, so a key like
// "screenshot_20261015_101530.png" is kept at "15-10-2026/screenshot_...".
//
// Files are written into a scratch directory and moved into place when the
// writer is closed, so a file only appears under its final name once it is
// complete.
type FileSystem struct {
	root      string
	partition Partitioner
}

// A Partitioner maps a key to the name of the subdirectory holding it. It
// returns an error if the key does not belong in this store.
type Partitioner func(key string) (string, error)

const (
	// the subdir to store files while they are being written to.
	scratchdir = "scratch"
)

var (
	// make sure it implements the Store interface
	_ Store = &FileSystem{}

	// ErrKeyContainsSlash means the key provided contains a forward slash '/'
	ErrKeyContainsSlash = errors.New("Key contains forward slash")

	// ErrKeyContainsNonUnicode means the key provided contains a Non Unicode Rune
	ErrKeyContainsNonUnicode = errors.New("Key contains Non-Unicode character")

	// ErrKeyContainsWhiteSpace  means the key provided contains WhiteSpace
	ErrKeyContainsWhiteSpace = errors.New("Key contains White Space")

	// ErrKeyContainsControlChar  means the key provided contains Control Characters
	ErrKeyContainsControlChar = errors.New("Key contains Control Characters")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
// If partition is nil every key is stored directly in a subdirectory named
// after its first two characters.
func NewFileSystem(root string, partition Partitioner) *FileSystem {
	if partition == nil {
		partition = prefixPartition
	}
	return &FileSystem{root: root, partition: partition}
}

func prefixPartition(key string) (string, error) {
	if len(key) < 2 {
		return key, nil
	}
	return key[:2], nil
}

// Root returns the directory this store keeps its files in.
func (s *FileSystem) Root() string {
	return s.root
}

// List returns a channel listing all the keys in this store. Files which are
// not in the subdirectory their key maps to are skipped.
func (s *FileSystem) List() <-chan string {
	c := make(chan string)
	go func() {
		defer close(c)
		s.walkTree(func(key string) { c <- key })
	}()
	return c
}

// Walk calls emit for every key in the store. The error is the first
// directory which could not be read; the keys in it were not emitted.
func (s *FileSystem) Walk(emit func(key string)) error {
	return s.walkTree(emit)
}

// walkTree visits every partition directory under the root, calling emit for
// each file that belongs where it is. Only directories are opened and only
// files are stat'ed. Hidden entries and the scratch directory are ignored.
// An unreadable partition is skipped and the walk goes on.
func (s *FileSystem) walkTree(emit func(key string)) error {
	dirs, err := readdir(s.root)
	if err != nil {
		log.Println(err)
		raven.CaptureError(err, map[string]string{"Root": s.root})
		return err
	}
	var firstErr error
	for _, d := range dirs {
		if !d.IsDir() || d.Name() == scratchdir || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		p := filepath.Join(s.root, d.Name())
		entries, err := readdir(p)
		if err != nil {
			log.Println(err)
			raven.CaptureError(err, map[string]string{"Root": s.root})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			part, err := s.partition(e.Name())
			if err != nil || part != d.Name() {
				log.Println("Skipping misplaced file", filepath.Join(p, e.Name()))
				continue
			}
			emit(e.Name())
		}
	}
	return firstErr
}

func readdir(dir string) ([]os.FileInfo, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var result []os.FileInfo
	for {
		entries, err := f.Readdir(1000)
		result = append(result, entries...)
		if err == io.EOF {
			return result, nil
		} else if err != nil {
			return result, err
		}
	}
}

// ListPrefix returns a list of all the keys beginning with the given prefix.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.walkTree(func(key string) {
		if strings.HasPrefix(key, prefix) {
			result = append(result, key)
		}
	})
	return result, err
}

// Open returns a reader for the given object along with its size.
func (s *FileSystem) Open(key string) (ReadAtCloser, int64, error) {
	fname, err := s.path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return nil, 0, ErrNotExist
	} else if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Path returns the absolute path the given key is stored at.
func (s *FileSystem) Path(key string) (string, error) {
	return s.path(key)
}

func (s *FileSystem) path(key string) (string, error) {
	if strings.Contains(key, "/") {
		return "", ErrKeyContainsSlash
	}
	part, err := s.partition(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, part, key), nil
}

// Create creates a new item with the given key, and a writer to allow for
// saving data into the new item. The partition directory is created if it
// does not exist. ErrKeyExists is returned if the key is already present or
// is being written by someone else.
func (s *FileSystem) Create(key string) (io.WriteCloser, error) {
	err := isKeyValid(key)
	if err != nil {
		return nil, err
	}
	part, err := s.partition(key)
	if err != nil {
		return nil, err
	}
	// first set up the eventual home dir of this file
	target, err := s.setupSubDir(part, key)
	if err != nil {
		return nil, err
	}
	_, err = os.Stat(target)
	if !os.IsNotExist(err) {
		return nil, ErrKeyExists
	}
	// now set up the scratch location we will temporially save the file to
	temp, err := s.setupSubDir(scratchdir, key)
	if err != nil {
		return nil, err
	}
	// pass the O_EXCL flag explicitly to prevent overwriting
	// already existing files
	w, err := os.OpenFile(temp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if os.IsExist(err) {
		return nil, ErrKeyExists
	} else if err != nil {
		return nil, err
	}
	return &moveCloser{w, temp, target}, nil
}

// setupSubDir makes sure the given subdirectory exists under the root, and
// then returns the absolute path to the keyed file, and an optional error.
// MkdirAll is safe to race with other creators of the same directory.
func (s *FileSystem) setupSubDir(subdir, key string) (string, error) {
	dir := filepath.Join(s.root, subdir)
	err := os.MkdirAll(dir, 0775)
	return filepath.Join(dir, key), err
}

// track the file so when it is closed, we can move it into the correct place
type moveCloser struct {
	*os.File
	source string
	target string
}

func (w *moveCloser) Close() error {
	err := w.File.Sync()
	if err2 := w.File.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(w.source)
		return err
	}
	_, err = os.Stat(w.target)
	if !os.IsNotExist(err) {
		os.Remove(w.source)
		return ErrKeyExists
	}
	// the partition directory may have been removed since Create
	err = os.MkdirAll(filepath.Dir(w.target), 0775)
	if err == nil {
		err = os.Rename(w.source, w.target)
	}
	if err != nil {
		os.Remove(w.source)
	}
	return err
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist.
func (s *FileSystem) Delete(key string) error {
	fname, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(fname)
	// don't report a missing file as an error
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Recover moves files left in the scratch directory by an interrupted write
// into their final location, so they are seen by List. They may be
// truncated. A scratch file whose key is already present, or that does not
// belong in this store, is removed. The keys which were moved are returned.
func (s *FileSystem) Recover() ([]string, error) {
	dir := filepath.Join(s.root, scratchdir)
	entries, err := ioutil.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var moved []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		source := filepath.Join(dir, e.Name())
		part, err := s.partition(e.Name())
		if err != nil {
			log.Println("Removing unknown scratch file", source)
			os.Remove(source)
			continue
		}
		target, err := s.setupSubDir(part, e.Name())
		if err != nil {
			return moved, err
		}
		if _, err := os.Stat(target); !os.IsNotExist(err) {
			log.Println("Removing duplicate scratch file", source)
			os.Remove(source)
			continue
		}
		if err := os.Rename(source, target); err != nil {
			return moved, err
		}
		log.Println("Recovered interrupted write", target)
		moved = append(moved, e.Name())
	}
	return moved, nil
}

// Some Simple Item Key Validations
func isKeyValid(key string) error {
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}
	if strings.Contains(key, "/") {
		return ErrKeyContainsSlash
	}
	for _, r := range key {
		if unicode.IsSpace(r) {
			return ErrKeyContainsWhiteSpace
		}
		if unicode.IsControl(r) {
			return ErrKeyContainsControlChar
		}
	}
	return nil
}
