// Package config loads the harness configuration from YAML.
package config

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/criyle/cgweight/pkg/bench"
	"github.com/criyle/cgweight/pkg/cgroup"
	"github.com/criyle/cgweight/pkg/workload"
)

// Config is the harness configuration, see Default for the values used
// when a field is absent
type Config struct {
	Mountpoint  string              `yaml:"mountpoint"`
	Parent      string              `yaml:"parent"`
	Root        string              `yaml:"root"`
	RootWeight  uint64              `yaml:"rootWeight"`
	Controllers []string            `yaml:"controllers"`
	Nest        string              `yaml:"nest"`
	CPUMax      CPUMax              `yaml:"cpuMax"`
	CPUSet      CPUSet              `yaml:"cpuset"`
	Classes     []bench.WeightClass `yaml:"classes"`
	Workload    Workload            `yaml:"workload"`
	Baseline    bool                `yaml:"baseline"`
	Trials      int                 `yaml:"trials"`
	Tolerance   float64             `yaml:"tolerance"`
	Teardown    Teardown            `yaml:"teardown"`
}

// CPUMax is the bandwidth of the root group, zero quota is unlimited
type CPUMax struct {
	Quota  int64  `yaml:"quota"`
	Period uint64 `yaml:"period"`
}

// CPUSet pins the root group, empty cpus leaves it untouched
type CPUSet struct {
	CPUs string `yaml:"cpus"`
	Mems string `yaml:"mems"`
}

// Workload selects a built-in workload
type Workload struct {
	Name       string `yaml:"name"`
	Iterations uint64 `yaml:"iterations"`
}

// Teardown bounds the retries of busy group removal
type Teardown struct {
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// Default returns the configuration of the classic three thread run
func Default() *Config {
	return &Config{
		Mountpoint:  "/sys/fs/cgroup",
		Root:        "my_cgroup",
		Controllers: []string{cgroup.CPU},
		CPUMax:      CPUMax{Period: cgroup.DefaultPeriod},
		Classes: []bench.WeightClass{
			{Label: "A", Weight: 10},
			{Label: "B", Weight: 30},
			{Label: "C", Weight: 40},
		},
		Workload:  Workload{Name: "busy", Iterations: 1000000000},
		Trials:    1,
		Tolerance: 0.1,
		Teardown:  Teardown{Retries: 5, Backoff: 50 * time.Millisecond},
	}
}

// Load reads the YAML file on top of the defaults and validates it
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	c, err := Parse(b)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return c, nil
}

// Parse decodes YAML on top of the defaults and validates it; unknown keys
// are rejected
func Parse(b []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "decode")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var labelRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var err error
	if c.Root == "" || strings.Contains(c.Root, "/") {
		err = multierr.Append(err, errors.Errorf("invalid root group name %q", c.Root))
	}
	if len(c.Classes) == 0 {
		err = multierr.Append(err, errors.New("no weight class"))
	}
	seen := make(map[string]bool)
	for _, wc := range c.Classes {
		switch {
		case wc.Label == "":
			err = multierr.Append(err, errors.New("empty label"))
		case !labelRe.MatchString(wc.Label):
			err = multierr.Append(err, errors.Errorf("label %q: only [A-Za-z0-9_.-] allowed", wc.Label))
		case seen[wc.Label]:
			err = multierr.Append(err, errors.Errorf("duplicate label %q", wc.Label))
		case c.Baseline && wc.Label == bench.BaselineLabel:
			err = multierr.Append(err, errors.Errorf("label %q is taken by the baseline thread", wc.Label))
		}
		seen[wc.Label] = true
		if wc.Weight < cgroup.MinWeight || wc.Weight > cgroup.MaxWeight {
			err = multierr.Append(err, errors.Errorf("label %q: weight %d not in [%d, %d]",
				wc.Label, wc.Weight, cgroup.MinWeight, cgroup.MaxWeight))
		}
	}
	if c.RootWeight != 0 && c.RootWeight > cgroup.MaxWeight {
		err = multierr.Append(err, errors.Errorf("root weight %d not in [%d, %d]",
			c.RootWeight, cgroup.MinWeight, cgroup.MaxWeight))
	}
	ct, unknown := cgroup.NewControllers(c.Controllers...)
	if len(unknown) > 0 {
		err = multierr.Append(err, errors.Errorf("unknown controllers %v", unknown))
	}
	if !ct.CPU {
		err = multierr.Append(err, errors.New("controllers must include cpu"))
	}
	if c.CPUSet.CPUs != "" && !ct.CPUSet {
		err = multierr.Append(err, errors.New("cpuset requires the cpuset controller"))
	}
	if c.CPUMax.Period < cgroup.MinPeriod || c.CPUMax.Period > cgroup.MaxPeriod {
		err = multierr.Append(err, errors.Errorf("cpu.max period %d not in [%d, %d]",
			c.CPUMax.Period, cgroup.MinPeriod, cgroup.MaxPeriod))
	}
	if c.CPUMax.Quota < 0 || (c.CPUMax.Quota > 0 && c.CPUMax.Quota < cgroup.MinPeriod) {
		err = multierr.Append(err, errors.Errorf("cpu.max quota %d below %d", c.CPUMax.Quota, cgroup.MinPeriod))
	}
	if _, werr := workload.Lookup(c.Workload.Name, c.Workload.Iterations); werr != nil {
		err = multierr.Append(err, werr)
	}
	if c.Trials < 1 {
		err = multierr.Append(err, errors.Errorf("trials %d < 1", c.Trials))
	}
	if c.Tolerance < 0 || c.Tolerance >= 1 {
		err = multierr.Append(err, errors.Errorf("tolerance %v not in [0, 1)", c.Tolerance))
	}
	if c.Teardown.Retries < 0 || c.Teardown.Backoff < 0 {
		err = multierr.Append(err, errors.New("negative teardown retry"))
	}
	return err
}

// Options converts the configuration into orchestrator options. The home
// group is left for the caller to decide.
func (c *Config) Options() (bench.Options, error) {
	parent, err := cgroup.NewNode(c.Parent)
	if err != nil {
		return bench.Options{}, errors.Wrap(err, "parent")
	}
	ct, unknown := cgroup.NewControllers(c.Controllers...)
	if len(unknown) > 0 {
		return bench.Options{}, errors.Errorf("unknown controllers %v", unknown)
	}
	fn, err := workload.Lookup(c.Workload.Name, c.Workload.Iterations)
	if err != nil {
		return bench.Options{}, err
	}
	opt := bench.Options{
		Parent:          parent,
		Root:            c.Root,
		RootWeight:      c.RootWeight,
		Classes:         append([]bench.WeightClass(nil), c.Classes...),
		Controllers:     ct,
		Nest:            c.Nest,
		Workload:        fn,
		Baseline:        c.Baseline,
		TeardownRetries: c.Teardown.Retries,
		TeardownBackoff: c.Teardown.Backoff,
	}
	// only a non default bandwidth is written
	if c.CPUMax.Quota > 0 || c.CPUMax.Period != cgroup.DefaultPeriod {
		m := &bench.CPUMax{Period: c.CPUMax.Period}
		if c.CPUMax.Quota > 0 {
			q := c.CPUMax.Quota
			m.Quota = &q
		}
		opt.CPUMax = m
	}
	if c.CPUSet.CPUs != "" {
		opt.CPUSet = &bench.CPUSet{CPUs: c.CPUSet.CPUs, Mems: c.CPUSet.Mems}
	}
	return opt, nil
}

// ParseClass parses a "label=weight" flag value
func ParseClass(s string) (bench.WeightClass, error) {
	label, weight, ok := strings.Cut(s, "=")
	if !ok {
		return bench.WeightClass{}, errors.Errorf("class %q: want label=weight", s)
	}
	w, err := strconv.ParseUint(weight, 10, 64)
	if err != nil {
		return bench.WeightClass{}, errors.Wrapf(err, "class %q", s)
	}
	return bench.WeightClass{Label: label, Weight: w}, nil
}

// ParseCPUMax parses "$MAX $PERIOD" as written to cpu.max, $MAX may be
// "max"
func ParseCPUMax(s string) (CPUMax, error) {
	f := strings.Fields(s)
	if len(f) != 2 {
		return CPUMax{}, errors.Errorf("cpu.max %q: want \"$MAX $PERIOD\"", s)
	}
	var m CPUMax
	if f[0] != "max" {
		q, err := strconv.ParseInt(f[0], 10, 64)
		if err != nil {
			return CPUMax{}, errors.Wrapf(err, "cpu.max %q", s)
		}
		m.Quota = q
	}
	p, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return CPUMax{}, errors.Wrapf(err, "cpu.max %q", s)
	}
	m.Period = p
	return m, nil
}
