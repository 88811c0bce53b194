//go:build linux

// Command cgweight benchmarks cgroup v2 cpu.weight across threads: one
// thread per weight class is bound to its own threaded group and runs the
// same busy workload, lower weights are expected to finish later.
package main

import (
	"fmt"
	"os"
)

// set by -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cgweight:", err)
		os.Exit(1)
	}
}
