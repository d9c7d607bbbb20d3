// Package errs declares the sentinel errors this module returns for
// conditions that have no underlying syscall error, and the single place
// where any error - sentinel or syscall - is translated to a fuse.Status.
package errs

import (
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
)

var (
	// ErrReadOnly is returned when a mutation is attempted with no upper
	// layer configured.
	ErrReadOnly = errors.New("overlayfs: no upper layer configured")
	// ErrReserved is returned for get/set/remove of a reserved extended
	// attribute namespace.
	ErrReserved = errors.New("overlayfs: reserved attribute namespace")
	// ErrNotEmpty is returned when rmdir/rename targets a non-empty
	// directory.
	ErrNotEmpty = errors.New("overlayfs: directory not empty")
	// ErrCrossDevice is returned for a rename that would move a
	// directory across layers in a way the upper layer cannot express
	// atomically.
	ErrCrossDevice = errors.New("overlayfs: cross-layer directory rename")
	// ErrBadMessage is returned when a decoded block's length does not
	// match what was requested, signalling ciphertext corruption.
	ErrBadMessage = errors.New("overlayfs: block decode length mismatch")
	// ErrNameTooLong is returned for a name that would not fit once the
	// whiteout prefix is accounted for.
	ErrNameTooLong = errors.New("overlayfs: name too long")
	// ErrDenied is returned by the access gate; it is deliberately mapped
	// to not-found rather than permission-denied so a rejected caller
	// cannot distinguish "no access" from "does not exist."
	ErrDenied = errors.New("overlayfs: access denied")
)

// ToStatus maps err to a fuse.Status. nil maps to fuse.OK. Sentinel errors
// declared in this package map to fixed codes; anything else is assumed to
// be a syscall.Errno (or wrap one) and is passed through via fuse.ToStatus.
func ToStatus(err error) fuse.Status {
	switch {
	case err == nil:
		return fuse.OK
	case errors.Is(err, ErrReadOnly):
		return fuse.EROFS
	case errors.Is(err, ErrReserved):
		return fuse.EACCES
	case errors.Is(err, ErrNotEmpty):
		return fuse.Status(syscall.ENOTEMPTY)
	case errors.Is(err, ErrCrossDevice):
		return fuse.Status(syscall.EXDEV)
	case errors.Is(err, ErrBadMessage):
		return fuse.Status(syscall.EBADMSG)
	case errors.Is(err, ErrNameTooLong):
		return fuse.Status(syscall.ENAMETOOLONG)
	case errors.Is(err, ErrDenied):
		return fuse.ENOENT
	default:
		return fuse.ToStatus(err)
	}
}
