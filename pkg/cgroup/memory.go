package cgroup

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Memory is an in-memory Hierarchy following the cgroup v2 rules this
// package depends on: controller delegation, threaded mode and the thread
// domain restriction, the no internal process rule, value ranges and busy
// removal. Threads not seen before are considered to belong to the calling
// process.
type Memory struct {
	mu sync.Mutex

	root     *memNode
	threads  map[int]*memNode
	procs    map[int]*memNode
	readOnly bool
	journal  []string
}

type memNode struct {
	name     string
	parent   *memNode
	children map[string]*memNode
	threaded bool
	subtree  Controllers
	attrs    map[string]string
}

var (
	_ Hierarchy    = &Memory{}
	_ ExitNotifier = &Memory{}

	errReadOnlyAttr   = errors.New("read-only attribute")
	errThreadDomain   = errors.New("thread outside of the threaded subtree")
	errInternalProc   = errors.New("group has processes and enabled controllers")
	errThreadedTarget = errors.New("process cannot join a threaded group")
)

// NewMemory creates an in-memory hierarchy whose root provides the given
// controllers; no argument provides all known controllers
func NewMemory(controllers ...string) *Memory {
	avail := &Controllers{CPU: true, CPUSet: true, IO: true, Memory: true, Pids: true}
	if len(controllers) > 0 {
		avail, _ = NewControllers(controllers...)
	}
	m := &Memory{
		threads: make(map[int]*memNode),
		procs:   make(map[int]*memNode),
	}
	m.root = &memNode{
		children: make(map[string]*memNode),
		attrs:    map[string]string{"available": strings.Join(avail.Names(), " ")},
	}
	m.procs[os.Getpid()] = m.root
	return m
}

// SetReadOnly makes every later mutation fail with PermissionDenied
func (m *Memory) SetReadOnly(ro bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = ro
}

// Journal returns the successful mutations in order, as "op path[=value]"
func (m *Memory) Journal() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.journal...)
}

// SetUsage sets usage_usec reported by cpu.stat of n
func (m *Memory) SetUsage(n Node, usec uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup("write", n)
	if err != nil {
		return err
	}
	c.attrs["usage_usec"] = strconv.FormatUint(usec, 10)
	return nil
}

// ThreadExited drops tid from its group, as the kernel does when a thread exits
func (m *Memory) ThreadExited(tid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, tid)
}

func (m *Memory) lookup(op string, n Node) (*memNode, error) {
	c := m.root
	if n.IsRoot() {
		return c, nil
	}
	for _, e := range strings.Split(n.Path(), "/") {
		next, ok := c.children[e]
		if !ok {
			return nil, &Error{Op: op, Path: n.Path(), Kind: NotFound, Err: os.ErrNotExist}
		}
		c = next
	}
	return c, nil
}

func (c *memNode) available() *Controllers {
	if c.parent == nil {
		return ParseControllers([]byte(c.attrs["available"]))
	}
	a := c.parent.subtree
	return &a
}

func (c *memNode) hasThreadedChild() bool {
	for _, ch := range c.children {
		if ch.threaded {
			return true
		}
	}
	return false
}

func (c *memNode) typ() string {
	switch {
	case c.threaded:
		return TypeThreaded
	case c.hasThreadedChild():
		return TypeDomainThreaded
	}
	return TypeDomain
}

// domain returns the nearest ancestor-or-self that is not threaded
func (c *memNode) domain() *memNode {
	for c.threaded && c.parent != nil {
		c = c.parent
	}
	return c
}

func (m *Memory) members(c *memNode, set map[int]*memNode) []int {
	var ids []int
	for id, n := range set {
		if n == c {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func formatIDs(ids []int) []byte {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(strconv.Itoa(id))
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// Read implements Hierarchy
func (m *Memory) Read(n Node, attr string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := n.File(attr)
	c, err := m.lookup("read", n)
	if err != nil {
		return nil, &Error{Op: "read", Path: p, Kind: NotFound, Err: os.ErrNotExist}
	}
	notFound := &Error{Op: "read", Path: p, Kind: NotFound, Err: os.ErrNotExist}
	switch attr {
	case cgroupControllers:
		return []byte(strings.Join(c.available().Names(), " ") + "\n"), nil
	case cgroupSubtreeControl:
		return []byte(strings.Join(c.subtree.Names(), " ") + "\n"), nil
	case cgroupType:
		if c.parent == nil {
			return nil, notFound
		}
		return []byte(c.typ() + "\n"), nil
	case cgroupThreads:
		return formatIDs(m.members(c, m.threads)), nil
	case cgroupProcs:
		return formatIDs(m.members(c, m.procs)), nil
	case cpuStat:
		usage := c.attrs["usage_usec"]
		if usage == "" {
			usage = "0"
		}
		return []byte("usage_usec " + usage + "\nuser_usec " + usage + "\nsystem_usec 0\n"), nil
	case cpuWeight, cpuMax:
		if c.parent == nil || !c.available().CPU {
			return nil, notFound
		}
	case cpusetCpus, cpusetMems:
		if c.parent == nil || !c.available().CPUSet {
			return nil, notFound
		}
	default:
		return nil, notFound
	}
	v, ok := c.attrs[attr]
	if !ok {
		v = defaultAttr(attr)
	}
	return []byte(v + "\n"), nil
}

func defaultAttr(attr string) string {
	switch attr {
	case cpuWeight:
		return strconv.Itoa(DefaultWeight)
	case cpuMax:
		return "max " + strconv.Itoa(DefaultPeriod)
	}
	return ""
}

// Write implements Hierarchy
func (m *Memory) Write(n Node, attr string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := n.File(attr)
	fail := func(k Kind, err error) error {
		return &Error{Op: "write", Path: p, Kind: k, Err: err}
	}
	if m.readOnly {
		return fail(PermissionDenied, os.ErrPermission)
	}
	c, err := m.lookup("write", n)
	if err != nil {
		return fail(NotFound, os.ErrNotExist)
	}
	v := strings.TrimSpace(string(value))

	switch attr {
	case cgroupSubtreeControl:
		if err := m.writeSubtree(c, v); err != nil {
			return fail(KindOf(err), err)
		}

	case cgroupType:
		if c.parent == nil {
			return fail(NotFound, os.ErrNotExist)
		}
		if v != TypeThreaded {
			return fail(InvalidValue, fmt.Errorf("unsupported type %q", v))
		}
		if c.parent.subtree.IO || c.parent.subtree.Memory {
			return fail(Unsupported, errors.New("parent has domain controllers enabled"))
		}
		c.threaded = true

	case cgroupThreads:
		tid, err := strconv.Atoi(v)
		if err != nil || tid <= 0 {
			return fail(InvalidValue, fmt.Errorf("invalid tid %q", v))
		}
		cur, ok := m.threads[tid]
		if !ok {
			cur = m.procs[os.Getpid()]
		}
		if cur == nil || cur.domain() != c.domain() {
			return fail(Unsupported, errThreadDomain)
		}
		m.threads[tid] = c

	case cgroupProcs:
		pid, err := strconv.Atoi(v)
		if err != nil || pid <= 0 {
			return fail(InvalidValue, fmt.Errorf("invalid pid %q", v))
		}
		if c.threaded {
			return fail(Unsupported, errThreadedTarget)
		}
		if c.parent != nil && len(c.subtree.Names()) > 0 && !c.hasThreadedChild() {
			return fail(Busy, errInternalProc)
		}
		m.procs[pid] = c
		if pid == os.Getpid() {
			for tid := range m.threads {
				m.threads[tid] = c
			}
		}

	case cpuWeight:
		if c.parent == nil || !c.available().CPU {
			return fail(NotFound, os.ErrNotExist)
		}
		w, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fail(InvalidValue, err)
		}
		if w < MinWeight || w > MaxWeight {
			return fail(InvalidValue, fmt.Errorf("weight %d out of range", w))
		}
		c.attrs[attr] = strconv.FormatUint(w, 10)

	case cpuMax:
		if c.parent == nil || !c.available().CPU {
			return fail(NotFound, os.ErrNotExist)
		}
		cur, ok := c.attrs[attr]
		if !ok {
			cur = defaultAttr(attr)
		}
		nv, err := parseCPUMax(v, cur)
		if err != nil {
			return fail(InvalidValue, err)
		}
		c.attrs[attr] = nv

	case cpusetCpus, cpusetMems:
		if c.parent == nil || !c.available().CPUSet {
			return fail(NotFound, os.ErrNotExist)
		}
		if strings.Trim(v, "0123456789,-") != "" {
			return fail(InvalidValue, fmt.Errorf("invalid list %q", v))
		}
		c.attrs[attr] = v

	case cgroupControllers, cpuStat:
		return fail(PermissionDenied, errReadOnlyAttr)

	default:
		return fail(NotFound, os.ErrNotExist)
	}
	m.journal = append(m.journal, "write "+p+"="+v)
	return nil
}

func (m *Memory) writeSubtree(c *memNode, v string) error {
	next := c.subtree
	avail := c.available()
	for _, tok := range strings.Fields(v) {
		if len(tok) < 2 || (tok[0] != '+' && tok[0] != '-') {
			return &Error{Kind: InvalidValue, Err: fmt.Errorf("invalid directive %q", tok)}
		}
		name := tok[1:]
		if tok[0] == '+' {
			if !avail.Has(name) {
				if !next.Set(name, true) {
					return &Error{Kind: InvalidValue, Err: fmt.Errorf("unknown controller %q", name)}
				}
				return &Error{Kind: NotFound, Err: fmt.Errorf("controller %q not available", name)}
			}
			next.Set(name, true)
			continue
		}
		if !next.Set(name, false) {
			return &Error{Kind: InvalidValue, Err: fmt.Errorf("unknown controller %q", name)}
		}
		for _, ch := range c.children {
			if ch.subtree.Has(name) {
				return &Error{Kind: Busy, Err: fmt.Errorf("controller %q used by children", name)}
			}
		}
	}
	if c.parent != nil && !c.subtree.Contains(&next) && len(m.members(c, m.procs)) > 0 && !c.hasThreadedChild() {
		return &Error{Kind: Busy, Err: errInternalProc}
	}
	c.subtree = next
	return nil
}

// parseCPUMax validates "$MAX [$PERIOD]" against the current value
func parseCPUMax(v, cur string) (string, error) {
	f := strings.Fields(v)
	cf := strings.Fields(cur)
	if len(f) == 0 || len(f) > 2 {
		return "", fmt.Errorf("invalid cpu.max %q", v)
	}
	quota, period := f[0], cf[1]
	if len(f) == 2 {
		period = f[1]
	}
	if quota != "max" {
		q, err := strconv.ParseUint(quota, 10, 64)
		if err != nil || q < MinPeriod {
			return "", fmt.Errorf("invalid quota %q", quota)
		}
	}
	pv, err := strconv.ParseUint(period, 10, 64)
	if err != nil || pv < MinPeriod || pv > MaxPeriod {
		return "", fmt.Errorf("invalid period %q", period)
	}
	return quota + " " + period, nil
}

// Create implements Hierarchy
func (m *Memory) Create(n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fail := func(k Kind, err error) error {
		return &Error{Op: "create", Path: n.Path(), Kind: k, Err: err}
	}
	if m.readOnly {
		return fail(PermissionDenied, os.ErrPermission)
	}
	if n.IsRoot() {
		return fail(AlreadyExists, os.ErrExist)
	}
	if !validName(n.Name()) {
		return fail(InvalidValue, fmt.Errorf("invalid group name %q", n.Name()))
	}
	parent, err := m.lookup("create", n.Parent())
	if err != nil {
		return fail(NotFound, os.ErrNotExist)
	}
	if _, ok := parent.children[n.Name()]; ok {
		return fail(AlreadyExists, os.ErrExist)
	}
	parent.children[n.Name()] = &memNode{
		name:     n.Name(),
		parent:   parent,
		children: make(map[string]*memNode),
		attrs:    make(map[string]string),
	}
	m.journal = append(m.journal, "create "+n.Path())
	return nil
}

// Remove implements Hierarchy
func (m *Memory) Remove(n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fail := func(k Kind, err error) error {
		return &Error{Op: "remove", Path: n.Path(), Kind: k, Err: err}
	}
	if m.readOnly {
		return fail(PermissionDenied, os.ErrPermission)
	}
	if n.IsRoot() {
		return fail(Busy, errors.New("hierarchy root"))
	}
	c, err := m.lookup("remove", n)
	if err != nil {
		return fail(NotFound, os.ErrNotExist)
	}
	if len(c.children) > 0 {
		return fail(Busy, errors.New("group has children"))
	}
	if len(m.members(c, m.threads)) > 0 || len(m.members(c, m.procs)) > 0 {
		return fail(Busy, errors.New("group has members"))
	}
	delete(c.parent.children, c.name)
	m.journal = append(m.journal, "remove "+n.Path())
	return nil
}

// List implements Hierarchy
func (m *Memory) List(n Node) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookup("list", n)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(c.children))
	for k := range c.children {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}
