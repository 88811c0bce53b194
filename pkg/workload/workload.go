// Package workload runs CPU bound tasks on the calling thread and measures
// their wall clock time.
package workload

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Func is a deterministic CPU bound task. It must not block or yield.
type Func func()

// Run executes fn on the calling thread and returns the elapsed wall time
func Run(fn Func) time.Duration {
	start := time.Now()
	fn()
	return time.Since(start)
}

// keeps the loops from being optimized away, workers publish concurrently
var (
	sink     atomic.Uint64
	hashSink atomic.Uint64
)

// Busy returns a loop incrementing a counter iterations times
func Busy(iterations uint64) Func {
	return func() {
		var x uint64
		for i := uint64(0); i < iterations; i++ {
			x += i ^ (x >> 3)
		}
		sink.Store(x)
	}
}

// Hash returns a task chaining iterations sha256 rounds, each round costs
// about a hundred busy iterations
func Hash(iterations uint64) Func {
	return func() {
		var h [sha256.Size]byte
		for i := uint64(0); i < iterations; i++ {
			h = sha256.Sum256(h[:])
		}
		hashSink.Store(binary.LittleEndian.Uint64(h[:8]))
	}
}

var builtin = map[string]func(uint64) Func{
	"busy": Busy,
	"hash": Hash,
}

// ErrUnknown is returned by Lookup for unregistered workloads
var ErrUnknown = errors.New("unknown workload")

// Lookup returns the named built-in workload
func Lookup(name string, iterations uint64) (Func, error) {
	f, ok := builtin[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknown, "%q (known: %v)", name, Names())
	}
	return f(iterations), nil
}

// Names lists the built-in workloads
func Names() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
