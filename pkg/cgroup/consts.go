package cgroup

const (
	// systemd mounted cgroups
	basePath       = "/sys/fs/cgroup"
	procSelfCgroup = "/proc/self/cgroup"

	cgroupProcs          = "cgroup.procs"
	cgroupThreads        = "cgroup.threads"
	cgroupType           = "cgroup.type"
	cgroupSubtreeControl = "cgroup.subtree_control"
	cgroupControllers    = "cgroup.controllers"

	cpuWeight  = "cpu.weight"
	cpuMax     = "cpu.max"
	cpuStat    = "cpu.stat"
	cpusetCpus = "cpuset.cpus"
	cpusetMems = "cpuset.mems"

	filePerm = 0644
	dirPerm  = 0755

	CPU              = "cpu"
	CPUSet           = "cpuset"
	IO               = "io"
	MemoryController = "memory"
	Pids             = "pids"

	// cpu.weight bounds accepted by the kernel
	MinWeight     = 1
	MaxWeight     = 10000
	DefaultWeight = 100

	// cpu.max period bounds accepted by the kernel, in us
	MinPeriod     = 1000
	MaxPeriod     = 1000000
	DefaultPeriod = 100000
)

// group types reported by cgroup.type
const (
	TypeDomain         = "domain"
	TypeDomainThreaded = "domain threaded"
	TypeDomainInvalid  = "domain invalid"
	TypeThreaded       = "threaded"
)
