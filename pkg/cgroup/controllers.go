package cgroup

import (
	"strings"
)

const numberOfControllers = 5

// Controllers is a set of cgroup v2 controller names
type Controllers struct {
	CPU    bool
	CPUSet bool
	IO     bool
	Memory bool
	Pids   bool
}

// NewControllers creates the set of the given names, unknown names are
// reported back
func NewControllers(names ...string) (*Controllers, []string) {
	c := &Controllers{}
	var unknown []string
	for _, n := range names {
		if !c.Set(n, true) {
			unknown = append(unknown, n)
		}
	}
	return c, unknown
}

// ParseControllers parses the space separated content of cgroup.controllers
// or cgroup.subtree_control; unknown controllers (e.g. rdma, hugetlb, misc)
// are skipped
func ParseControllers(b []byte) *Controllers {
	c := &Controllers{}
	for _, v := range strings.Fields(string(b)) {
		c.Set(v, true)
	}
	return c
}

// Set sets the controller by name, returns false if the name is unknown
func (c *Controllers) Set(ct string, value bool) bool {
	switch ct {
	case CPU:
		c.CPU = value
	case CPUSet:
		c.CPUSet = value
	case IO:
		c.IO = value
	case MemoryController:
		c.Memory = value
	case Pids:
		c.Pids = value
	default:
		return false
	}
	return true
}

// Has reports whether the named controller is in the set
func (c *Controllers) Has(ct string) bool {
	switch ct {
	case CPU:
		return c.CPU
	case CPUSet:
		return c.CPUSet
	case IO:
		return c.IO
	case MemoryController:
		return c.Memory
	case Pids:
		return c.Pids
	}
	return false
}

// Intersect keeps only controllers present in both
func (c *Controllers) Intersect(o *Controllers) {
	c.CPU = c.CPU && o.CPU
	c.CPUSet = c.CPUSet && o.CPUSet
	c.IO = c.IO && o.IO
	c.Memory = c.Memory && o.Memory
	c.Pids = c.Pids && o.Pids
}

// Contains returns true if the current controller enabled all controllers in the other controller
func (c *Controllers) Contains(o *Controllers) bool {
	return (c.CPU || !o.CPU) && (c.CPUSet || !o.CPUSet) && (c.IO || !o.IO) &&
		(c.Memory || !o.Memory) && (c.Pids || !o.Pids)
}

// Missing returns the names in o which are not in c
func (c *Controllers) Missing(o *Controllers) []string {
	var names []string
	for _, n := range o.Names() {
		if !c.Has(n) {
			names = append(names, n)
		}
	}
	return names
}

// Names returns the enabled controller names in kernel order
func (c *Controllers) Names() []string {
	names := make([]string, 0, numberOfControllers)
	for _, v := range []struct {
		e bool
		n string
	}{
		{c.CPUSet, CPUSet},
		{c.CPU, CPU},
		{c.IO, IO},
		{c.Memory, MemoryController},
		{c.Pids, Pids},
	} {
		if v.e {
			names = append(names, v.n)
		}
	}
	return names
}

func (c *Controllers) String() string {
	return "[" + strings.Join(c.Names(), ", ") + "]"
}
