package cgroup

import "golang.org/x/sys/unix"

// currentTID returns the kernel id of the calling thread
func currentTID() (int, error) {
	return unix.Gettid(), nil
}
