package cgroup

import (
	"errors"
	"runtime"
	"strconv"
)

var (
	errNotThreaded   = errors.New("group is not threaded")
	errCPUNotEnabled = errors.New("cpu controller not delegated to group")
)

// Binder moves the calling thread into threaded groups
type Binder struct {
	h Hierarchy
}

// Binding is the membership of one OS thread in a group
type Binding struct {
	Node Node
	TID  int

	h Hierarchy
}

// NewBinder creates a thread binder on h
func NewBinder(h Hierarchy) *Binder {
	return &Binder{h: h}
}

// BindCurrentThread wires the calling goroutine to its OS thread and moves
// that thread, identified by its kernel thread id, into n.
//
// The goroutine keeps the thread locked on success. When it returns without
// unlocking, the runtime terminates the thread and the kernel drops it from
// n, which is what allows n to be removed afterwards. On failure the
// goroutine is unlocked again.
func (b *Binder) BindCurrentThread(n Node) (bd *Binding, err error) {
	if err := b.check(n); err != nil {
		return nil, err
	}

	runtime.LockOSThread()
	defer func() {
		if err != nil {
			runtime.UnlockOSThread()
		}
	}()

	tid, err := currentTID()
	if err != nil {
		return nil, &Error{Op: "bind", Path: n.Path(), Kind: Unsupported, Err: err}
	}
	if err := b.h.Write(n, cgroupThreads, []byte(strconv.Itoa(tid))); err != nil {
		return nil, err
	}
	return &Binding{Node: n, TID: tid, h: b.h}, nil
}

// check verifies that n is threaded and can weight its threads
func (b *Binder) check(n Node) error {
	t, err := b.h.Read(n, cgroupType)
	if err != nil {
		return err
	}
	if string(trimNewline(t)) != TypeThreaded {
		return &Error{Op: "bind", Path: n.Path(), Kind: Unsupported, Err: errNotThreaded}
	}
	ct, err := Available(b.h, n)
	if err != nil {
		return err
	}
	if !ct.CPU {
		return &Error{Op: "bind", Path: n.Path(), Kind: Unsupported, Err: errCPUNotEnabled}
	}
	return nil
}

// Release tells hierarchies that do not observe thread exit that the bound
// thread is about to exit. The thread stays locked.
func (bd *Binding) Release() {
	if en, ok := bd.h.(ExitNotifier); ok {
		en.ThreadExited(bd.TID)
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
