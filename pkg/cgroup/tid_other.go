//go:build !linux

package cgroup

import "errors"

func currentTID() (int, error) {
	return 0, errors.New("thread ids are only available on linux")
}
