package cgroup

import (
	"path"
	"strings"

	"github.com/containerd/cgroups/v3/cgroup2"
)

// Node identifies a group by its path relative to the mountpoint.
// The zero value is the root of the hierarchy.
type Node struct {
	path string
}

// Root returns the root node of the hierarchy
func Root() Node {
	return Node{}
}

// NewNode creates a node from a slash separated path relative to the
// mountpoint. Leading and trailing slashes are ignored.
func NewNode(p string) (Node, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return Root(), nil
	}
	if err := cgroup2.VerifyGroupPath("/" + p); err != nil {
		return Node{}, &Error{Op: "node", Path: p, Kind: InvalidValue, Err: err}
	}
	return Node{path: p}, nil
}

// NodeFromGroup converts a group path as found in /proc/<pid>/cgroup
// (e.g. "/user.slice/user-1000.slice") into a Node
func NodeFromGroup(g string) (Node, error) {
	return NewNode(g)
}

// Child returns the node for the named child group
func (n Node) Child(name string) Node {
	if n.path == "" {
		return Node{path: name}
	}
	return Node{path: n.path + "/" + name}
}

// Parent returns the parent node; the parent of root is root
func (n Node) Parent() Node {
	if n.path == "" {
		return n
	}
	d := path.Dir(n.path)
	if d == "." {
		return Root()
	}
	return Node{path: d}
}

// Name returns the last element of the node path
func (n Node) Name() string {
	return path.Base("/" + n.path)
}

// IsRoot reports whether n is the hierarchy root
func (n Node) IsRoot() bool {
	return n.path == ""
}

// Path returns the path relative to the mountpoint ("" for root)
func (n Node) Path() string {
	return n.path
}

// Group returns the absolute group path in /proc/<pid>/cgroup format
func (n Node) Group() string {
	return "/" + n.path
}

// File returns the path of the named attribute file relative to the mountpoint
func (n Node) File(name string) string {
	if n.path == "" {
		return name
	}
	return n.path + "/" + name
}

func (n Node) String() string {
	return n.Group()
}

// validName checks a single group name
func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\n ") {
		return false
	}
	// names of the form <controller>.<attr> are reserved by the kernel
	for _, c := range []string{"cgroup.", CPU + ".", CPUSet + ".", IO + ".", MemoryController + ".", Pids + "."} {
		if strings.HasPrefix(name, c) {
			return false
		}
	}
	return true
}
