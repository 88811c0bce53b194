package cgroup

import (
	"os"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup2"
)

// Mode is the cgroup layout of the host
type Mode = cgroups.CGMode

// cgroup layouts
const (
	ModeUnavailable = cgroups.Unavailable
	ModeLegacy      = cgroups.Legacy
	ModeHybrid      = cgroups.Hybrid
	ModeUnified     = cgroups.Unified
)

// DetectMode detects the cgroup layout mounted at the systemd default path
func DetectMode() Mode {
	return cgroups.Mode()
}

// ModeString returns a readable name for the layout
func ModeString(m Mode) string {
	switch m {
	case ModeLegacy:
		return "v1"
	case ModeHybrid:
		return "hybrid"
	case ModeUnified:
		return "v2"
	default:
		return "unavailable"
	}
}

// RunningInUserNS reports whether the process runs in a user namespace, in
// which case writes above the delegated subtree are refused
func RunningInUserNS() bool {
	return cgroups.RunningInUserNS()
}

// CurrentGroup returns the group of the calling process from
// /proc/self/cgroup
func CurrentGroup() (Node, error) {
	g, err := cgroup2.PidGroupPath(os.Getpid())
	if err != nil {
		return Node{}, newError("read", procSelfCgroup, err)
	}
	return NodeFromGroup(g)
}
