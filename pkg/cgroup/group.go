package cgroup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/cgroups/v3/cgroup2"
)

// Manager creates, configures and destroys groups in a Hierarchy
type Manager struct {
	h Hierarchy
}

// NewManager creates a group manager on h
func NewManager(h Hierarchy) *Manager {
	return &Manager{h: h}
}

// Hierarchy returns the backing hierarchy
func (m *Manager) Hierarchy() Hierarchy {
	return m.h
}

// Create creates the named child of parent. A stale group from a previous
// run is reported as AlreadyExists, remove it with Destroy first.
func (m *Manager) Create(parent Node, name string) (Node, error) {
	if !validName(name) {
		return Node{}, &Error{Op: "create", Path: parent.File(name), Kind: InvalidValue,
			Err: fmt.Errorf("invalid group name %q", name)}
	}
	n := parent.Child(name)
	if err := m.h.Create(n); err != nil {
		return Node{}, err
	}
	return n, nil
}

// Destroy removes an empty group. It fails with Busy while the group has
// member threads, processes or children.
func (m *Manager) Destroy(n Node) error {
	return m.h.Remove(n)
}

// DestroyTree removes n and all its descendants, children first. Absent
// groups are ignored so it can be used for stale state cleanup.
func (m *Manager) DestroyTree(n Node) error {
	names, err := m.h.List(n)
	if errors.Is(err, NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := m.DestroyTree(n.Child(name)); err != nil {
			return err
		}
	}
	if err := m.h.Remove(n); err != nil && !errors.Is(err, NotFound) {
		return err
	}
	return nil
}

// DestroyWithRetry removes n, retrying with doubling backoff while the
// kernel still reports it Busy (exited threads are released asynchronously).
// After retries attempts, or when ctx is done, it gives up with a Timeout
// error wrapping the last Busy error.
func (m *Manager) DestroyWithRetry(ctx context.Context, n Node, retries int, backoff time.Duration) error {
	var err error
	for i := 0; i < retries; i++ {
		if err = m.h.Remove(n); err == nil || !errors.Is(err, Busy) {
			return err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return &Error{Op: "remove", Path: n.Path(), Kind: Timeout,
				Err: fmt.Errorf("%v: %w", ctx.Err(), err)}
		case <-t.C:
		}
		backoff *= 2
	}
	if err = m.h.Remove(n); err == nil || !errors.Is(err, Busy) {
		return err
	}
	return &Error{Op: "remove", Path: n.Path(), Kind: Timeout,
		Err: fmt.Errorf("still busy after %d retries: %w", retries, err)}
}

// Exists reports whether n is present
func (m *Manager) Exists(n Node) (bool, error) {
	return Exists(m.h, n)
}

// SetWeight sets cpu.weight; the kernel accepts 1 to 10000
func (m *Manager) SetWeight(n Node, w uint64) error {
	if w < MinWeight || w > MaxWeight {
		return &Error{Op: "write", Path: n.File(cpuWeight), Kind: InvalidValue,
			Err: fmt.Errorf("weight %d not in [%d, %d]", w, MinWeight, MaxWeight)}
	}
	return m.WriteUint(n, cpuWeight, w)
}

// Weight reads cpu.weight
func (m *Manager) Weight(n Node) (uint64, error) {
	return m.ReadUint(n, cpuWeight)
}

// SetThreaded turns n into a threaded group so single threads (rather than
// whole processes) can join it. It cannot be reverted.
func (m *Manager) SetThreaded(n Node) error {
	return m.h.Write(n, cgroupType, []byte(TypeThreaded))
}

// Type reads cgroup.type
func (m *Manager) Type(n Node) (string, error) {
	b, err := m.h.Read(n, cgroupType)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// SetCPUMax sets cpu.max to quota / period in us, nil quota means no limit
func (m *Manager) SetCPUMax(n Node, quota *int64, period uint64) error {
	if period < MinPeriod || period > MaxPeriod || (quota != nil && *quota < MinPeriod) {
		return &Error{Op: "write", Path: n.File(cpuMax), Kind: InvalidValue,
			Err: fmt.Errorf("invalid bandwidth %q", cgroup2.NewCPUMax(quota, &period))}
	}
	return m.h.Write(n, cpuMax, []byte(cgroup2.NewCPUMax(quota, &period)))
}

// CPUMax reads cpu.max as raw "$MAX $PERIOD"
func (m *Manager) CPUMax(n Node) (string, error) {
	b, err := m.h.Read(n, cpuMax)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// SetCPUSet sets cpuset.cpus and, if not empty, cpuset.mems
func (m *Manager) SetCPUSet(n Node, cpus, mems string) error {
	if err := m.h.Write(n, cpusetCpus, []byte(cpus)); err != nil {
		return err
	}
	if mems == "" {
		return nil
	}
	return m.h.Write(n, cpusetMems, []byte(mems))
}

// CPUUsage reads usage_usec from cpu.stat
func (m *Manager) CPUUsage(n Node) (time.Duration, error) {
	b, err := m.h.Read(n, cpuStat)
	if err != nil {
		return 0, err
	}
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		parts := strings.Fields(s.Text())
		if len(parts) == 2 && parts[0] == "usage_usec" {
			v, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return 0, &Error{Op: "read", Path: n.File(cpuStat), Kind: InvalidValue, Err: err}
			}
			return time.Duration(v) * time.Microsecond, nil
		}
	}
	return 0, &Error{Op: "read", Path: n.File(cpuStat), Kind: NotFound, Err: errors.New("usage_usec missing")}
}

// AddProc moves the whole process pid (all its threads) into n
func (m *Manager) AddProc(n Node, pid int) error {
	return m.WriteUint(n, cgroupProcs, uint64(pid))
}

// Procs lists the process ids in n
func (m *Manager) Procs(n Node) ([]int, error) {
	return m.readIDs(n, cgroupProcs)
}

// Threads lists the thread ids in n
func (m *Manager) Threads(n Node) ([]int, error) {
	return m.readIDs(n, cgroupThreads)
}

// Evacuate moves every process of parent into parent/leaf (created if
// needed) so that parent satisfies the no internal process rule and can
// delegate controllers. Processes exiting meanwhile are skipped.
func (m *Manager) Evacuate(parent Node, leaf string) (Node, error) {
	n, err := m.Create(parent, leaf)
	if errors.Is(err, AlreadyExists) {
		n, err = parent.Child(leaf), nil
	}
	if err != nil {
		return Node{}, err
	}
	procs, err := m.Procs(parent)
	if err != nil {
		return Node{}, err
	}
	for _, pid := range procs {
		if err := m.AddProc(n, pid); err != nil && !errors.Is(err, NotFound) {
			return Node{}, err
		}
	}
	return n, nil
}

// WriteUint writes uint64 into given attribute
func (m *Manager) WriteUint(n Node, attr string, i uint64) error {
	return m.h.Write(n, attr, []byte(strconv.FormatUint(i, 10)))
}

// ReadUint read uint64 from given attribute
func (m *Manager) ReadUint(n Node, attr string) (uint64, error) {
	b, err := m.h.Read(n, attr)
	if err != nil {
		return 0, err
	}
	s, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, &Error{Op: "read", Path: n.File(attr), Kind: InvalidValue, Err: err}
	}
	return s, nil
}

func (m *Manager) readIDs(n Node, attr string) ([]int, error) {
	b, err := m.h.Read(n, attr)
	if err != nil {
		return nil, err
	}
	f := strings.Fields(string(b))
	ids := make([]int, 0, len(f))
	for _, v := range f {
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, &Error{Op: "read", Path: n.File(attr), Kind: InvalidValue, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
