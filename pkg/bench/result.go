package bench

import (
	"fmt"
	"time"
)

// WeightClass is a labelled cpu.weight; only the ratio between siblings
// matters
type WeightClass struct {
	Label  string `json:"label" yaml:"label"`
	Weight uint64 `json:"weight" yaml:"weight"`
}

// Status is the outcome of one worker
type Status int

// Worker status
const (
	StatusInvalid    Status = iota // 0 not collected
	StatusNormal                   // 1 bound and finished the workload
	StatusBindFailed               // 2 thread could not join its group
	StatusPanicked                 // 3 workload panicked
)

var statusString = []string{
	"invalid",
	"ok",
	"bind failed",
	"panicked",
}

func (s Status) String() string {
	i := int(s)
	if i >= 0 && i < len(statusString) {
		return statusString[i]
	}
	return statusString[0]
}

func (s Status) Error() string {
	return s.String()
}

// MarshalText encodes the status by name in JSON and YAML reports
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status written by MarshalText
func (s *Status) UnmarshalText(b []byte) error {
	for i, v := range statusString {
		if v == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Result is the record of one worker thread
type Result struct {
	Status        Status        `json:"status" yaml:"status"`
	Label         string        `json:"label" yaml:"label"`
	Weight        uint64        `json:"weight" yaml:"weight"`
	Group         string        `json:"group" yaml:"group"` // group the thread was bound to
	TID           int           `json:"tid" yaml:"tid"`
	Elapsed       time.Duration `json:"elapsed" yaml:"elapsed"`     // wall time of the workload
	CPUUsage      time.Duration `json:"cpuUsage" yaml:"cpuUsage"`   // usage_usec of the group
	ExpectedShare float64       `json:"expectedShare" yaml:"expectedShare"`
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"`

	// Baseline marks the unweighted thread, it is never judged
	Baseline bool `json:"baseline,omitempty" yaml:"baseline,omitempty"`
}

func (r Result) String() string {
	switch r.Status {
	case StatusNormal:
		return fmt.Sprintf("Result[%s(%d) tid=%d][%v %v]", r.Label, r.Weight, r.TID, r.Elapsed, r.CPUUsage)
	default:
		return fmt.Sprintf("Result[%s(%d)][%v(%s)]", r.Label, r.Weight, r.Status, r.Error)
	}
}

// Report is the outcome of one orchestrated run, results are in spawn order
type Report struct {
	Root          string        `json:"root" yaml:"root"`
	Results       []Result      `json:"results" yaml:"results"`
	SetUpTime     time.Duration `json:"setUpTime" yaml:"setUpTime"`
	RunningTime   time.Duration `json:"runningTime" yaml:"runningTime"`
	TeardownError string        `json:"teardownError,omitempty" yaml:"teardownError,omitempty"`
}

// Failed returns the results that did not finish normally
func (r *Report) Failed() []Result {
	var f []Result
	for _, res := range r.Results {
		if res.Status != StatusNormal {
			f = append(f, res)
		}
	}
	return f
}

// State of an Orchestrator
type State int

// Orchestrator states, in lifecycle order
const (
	Uninitialized State = iota
	HierarchyReady
	GroupsConfigured
	Running
	Collected
	TornDown
	Aborted
)

var stateString = []string{
	"uninitialized",
	"hierarchy ready",
	"groups configured",
	"running",
	"collected",
	"torn down",
	"aborted",
}

func (s State) String() string {
	i := int(s)
	if i >= 0 && i < len(stateString) {
		return stateString[i]
	}
	return "invalid"
}
