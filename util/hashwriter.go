package util

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// An HashWriter wraps an io.Writer and also calculate the MD5 and SHA256 hashes
// of the bytes written. The MD5 travels with every upload so the archive can
// tell a damaged transfer from a good one.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	md5       hash.Hash
	sha256    hash.Hash
}

// NewHashWriter returns a HashWriter wrapping w.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		md5:    md5.New(),
		sha256: sha256.New(),
	}
	hw.Writer = io.MultiWriter(w, hw.md5, hw.sha256)
	return hw
}

// NewMD5Writer returns a HashWriter which does not wrap an output stream
// and only computes an MD5 hash.
func NewMD5Writer() *HashWriter {
	hw := &HashWriter{
		md5: md5.New(),
	}
	hw.Writer = hw.md5
	return hw
}

// CheckMD5 returns the MD5 hash for this writer, and compares it for equality
// with the goal hash passed in. Returns true if goal matches the MD5 hash,
// false otherwise. If the goal is empty then it is treated as matching, and
// true is returned.
func (hw *HashWriter) CheckMD5(goal []byte) ([]byte, bool) {
	var computed []byte
	if hw.md5 != nil {
		computed = hw.md5.Sum(nil)
	}
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// CheckSHA256 returns the SHA256 hash for this writer, and compares it for
// equality with the goal hash passed in. Returns true if goal matches the
// SHA256 hash, false otherwise. If the goal is empty then it is treated as
// matching, and true is returned.
func (hw *HashWriter) CheckSHA256(goal []byte) ([]byte, bool) {
	var computed []byte
	if hw.sha256 != nil {
		computed = hw.sha256.Sum(nil)
	}
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// MD5Hex returns the MD5 hash of everything written so far, hex encoded.
func (hw *HashWriter) MD5Hex() string {
	h, _ := hw.CheckMD5(nil)
	return hex.EncodeToString(h)
}

// SHA256Hex returns the SHA256 hash of everything written so far, hex encoded.
// It is empty for a writer made by NewMD5Writer.
func (hw *HashWriter) SHA256Hex() string {
	h, _ := hw.CheckSHA256(nil)
	return hex.EncodeToString(h)
}
