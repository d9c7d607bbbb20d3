// Package retry provides the transparent EINTR retry wrapper every
// blocking syscall call site in this module is expected to use.
package retry

import "syscall"

// EINTR runs fn, retrying it as long as it fails with EINTR. No other
// error is retried.
func EINTR(fn func() error) error {
	for {
		err := fn()
		if err != syscall.EINTR {
			return err
		}
	}
}

// EINTR1 is EINTR for functions that also return an int (read/write style
// syscalls).
func EINTR1(fn func() (int, error)) (int, error) {
	for {
		n, err := fn()
		if err != syscall.EINTR {
			return n, err
		}
	}
}
