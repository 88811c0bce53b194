package cgroup

import "errors"

// Hierarchy is the backing store of a cgroup v2 tree. Every failure is
// reported as *Error carrying a Kind; nothing is swallowed.
//
// Implementations do not synchronize with other writers of the same tree.
type Hierarchy interface {
	// Read returns the content of the named attribute of n
	Read(n Node, attr string) ([]byte, error)

	// Write writes value to the named attribute of n as a single write
	Write(n Node, attr string, value []byte) error

	// Create creates the group n, its parent must exist
	Create(n Node) error

	// Remove removes the empty group n
	Remove(n Node) error

	// List returns the names of the child groups of n
	List(n Node) ([]string, error)
}

// ExitNotifier is implemented by hierarchies that cannot observe thread
// exit by themselves (the kernel does). The Binder calls it when a bound
// thread is released.
type ExitNotifier interface {
	ThreadExited(tid int)
}

// Exists reports whether n is present in h
func Exists(h Hierarchy, n Node) (bool, error) {
	_, err := h.Read(n, cgroupControllers)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, NotFound) {
		return false, nil
	}
	return false, err
}
