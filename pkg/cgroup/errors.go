package cgroup

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Kind classifies a failure of the hierarchy. Kind implements error so that
// errors.Is(err, cgroup.Busy) matches any *Error of that kind.
type Kind int

// Failure kinds
const (
	Unknown          Kind = iota // 0
	NotFound                     // 1 node or attribute absent
	AlreadyExists                // 2 stale state from a previous run
	PermissionDenied             // 3 insufficient privilege
	InvalidValue                 // 4 value rejected by the kernel grammar / range
	Busy                         // 5 node still has members or children
	Timeout                      // 6 bounded wait exceeded
	Unsupported                  // 7 operation not supported on the node (e.g. not threaded)
)

var kindString = []string{
	"unknown error",
	"not found",
	"already exists",
	"permission denied",
	"invalid value",
	"busy",
	"timeout",
	"not supported",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindString) {
		return kindString[Unknown]
	}
	return kindString[k]
}

func (k Kind) Error() string {
	return k.String()
}

// Error is returned by every hierarchy operation
type Error struct {
	Op   string // read, write, create, remove, list, bind ...
	Path string // node or attribute path relative to the mountpoint
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cgroup: %s %q: %v", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("cgroup: %s %q: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against a Kind
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// KindOf returns the Kind carried by err, Unknown if there is none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return classify(err)
}

func newError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, Path: path, Kind: classify(err), Err: err}
}

// classify maps errno returned by the cgroup file system to a Kind
func classify(err error) Kind {
	switch {
	case err == nil:
		return Unknown
	case errors.Is(err, os.ErrNotExist), errors.Is(err, unix.ESRCH):
		return NotFound
	// ENOTEMPTY also matches os.ErrExist
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.ENOTEMPTY):
		return Busy
	case errors.Is(err, os.ErrExist):
		return AlreadyExists
	case errors.Is(err, os.ErrPermission), errors.Is(err, unix.EROFS):
		return PermissionDenied
	case errors.Is(err, unix.EINVAL), errors.Is(err, unix.ERANGE):
		return InvalidValue
	case errors.Is(err, unix.EOPNOTSUPP):
		return Unsupported
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, unix.ETIMEDOUT):
		return Timeout
	}
	return Unknown
}
