package cgroup

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
)

// FS is the Hierarchy backed by the cgroup2 file system
type FS struct {
	mountpoint string
}

var _ Hierarchy = &FS{}

// NewFS returns a Hierarchy rooted at the cgroup2 mountpoint; empty
// mountpoint defaults to /sys/fs/cgroup
func NewFS(mountpoint string) *FS {
	if mountpoint == "" {
		mountpoint = basePath
	}
	return &FS{mountpoint: filepath.Clean(mountpoint)}
}

// Mountpoint returns the mounted path of the hierarchy root
func (f *FS) Mountpoint() string {
	return f.mountpoint
}

func (f *FS) abs(p string) string {
	return filepath.Join(f.mountpoint, p)
}

// Read reads cgroup file and handles potential EINTR error while reads from
// the slow device (cgroup)
func (f *FS) Read(n Node, attr string) ([]byte, error) {
	p := n.File(attr)
	b, err := readFile(f.abs(p))
	return b, newError("read", p, err)
}

// Write writes cgroup file without create or truncate, the kernel parses
// each write(2) as one directive
func (f *FS) Write(n Node, attr string, value []byte) error {
	p := n.File(attr)
	return newError("write", p, writeFile(f.abs(p), value))
}

// Create makes the group directory
func (f *FS) Create(n Node) error {
	if n.IsRoot() {
		return &Error{Op: "create", Path: n.Path(), Kind: AlreadyExists}
	}
	err := ignoringEINTR(func() error {
		return os.Mkdir(f.abs(n.Path()), dirPerm)
	})
	return newError("create", n.Path(), err)
}

// Remove removes the group directory, the kernel refuses with EBUSY while
// it has members or children
func (f *FS) Remove(n Node) error {
	if n.IsRoot() {
		return &Error{Op: "remove", Path: n.Path(), Kind: Busy}
	}
	p := f.abs(n.Path())
	err := ignoringEINTR(func() error {
		return unix.Rmdir(p)
	})
	if err != nil {
		err = &os.PathError{Op: "rmdir", Path: p, Err: err}
	}
	return newError("remove", n.Path(), err)
}

// List returns the child group names, sorted
func (f *FS) List(n Node) ([]string, error) {
	entries, err := os.ReadDir(f.abs(n.Path()))
	if err != nil {
		return nil, newError("list", n.Path(), err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func ignoringEINTR(fn func() error) error {
	err := fn()
	for err != nil && errors.Is(err, syscall.EINTR) {
		err = fn()
	}
	return err
}

func readFile(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	for err != nil && errors.Is(err, syscall.EINTR) {
		data, err = os.ReadFile(p)
	}
	return data, err
}

func writeFile(p string, content []byte) error {
	return ignoringEINTR(func() error {
		f, err := os.OpenFile(p, os.O_WRONLY, filePerm)
		if err != nil {
			return err
		}
		_, err = f.Write(content)
		if err1 := f.Close(); err == nil {
			err = err1
		}
		return err
	})
}
