// +build windows

package util

import (
	"io/ioutil"
	"os"
)

// Writable returns nil if the current process may create files in dir.
func Writable(dir string) error {
	f, err := ioutil.TempFile(dir, ".writable")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}
