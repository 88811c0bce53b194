// Package cgroup drives the cgroup v2 unified hierarchy mounted by systemd
// (i.e., /sys/fs/cgroup) for thread level CPU weighting.
//
// All access to the tree goes through a Hierarchy. FS is the kernel backed
// implementation and Memory is an in-memory model of the same rules, used
// by tests and dry runs.
//
// On top of a Hierarchy:
//	Delegate   enables controllers in cgroup.subtree_control
//	Manager    creates, configures and removes groups
//	Binder     moves the calling thread into a threaded group
//
// Only the weighted cpu model is covered. cpuset is supported as far as
// pinning is concerned, memory, io and pids are only recognised by name.
package cgroup
