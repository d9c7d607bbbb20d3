// Package wd implements the upper layer's companion working directory: a
// source of uniquely-named staging paths used as the pre-image for
// atomic rename into a final upper-layer location, the kernel
// overlayfs/fuse-overlayfs convention of draining a sibling "work/"
// directory one rename at a time.
package wd

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Dir is the working directory handle. It is opened once at process
// startup and held for the process lifetime.
type Dir struct {
	path    string
	counter uint64
}

// Open opens (creating if necessary) the working directory at path.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	return &Dir{path: path}, nil
}

// Path returns the working directory's root path.
func (d *Dir) Path() string { return d.path }

// Stage returns a fresh, never-before-used staging path inside the
// working directory. Names are drawn from a process-wide monotonic
// counter, never reused within the process's lifetime.
func (d *Dir) Stage() string {
	n := atomic.AddUint64(&d.counter, 1)
	return filepath.Join(d.path, fmt.Sprintf("#%016x", n))
}

// Discard removes a staging path that was not ultimately renamed into
// place, used on copy-up/mutation failure.
func Discard(stagePath string) {
	_ = os.RemoveAll(stagePath)
}
