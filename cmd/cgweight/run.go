//go:build linux

package main

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/criyle/cgweight/pkg/bench"
	"github.com/criyle/cgweight/pkg/cgroup"
	"github.com/criyle/cgweight/pkg/config"
	"github.com/criyle/cgweight/pkg/report"
	"github.com/criyle/cgweight/pkg/systemd"
)

// RunArgs are the flags of the run command, they override the config file
type RunArgs struct {
	Parent      string
	Root        string
	Nest        string
	Classes     []string
	Workload    string
	Iterations  uint64
	Trials      int
	Tolerance   float64
	CPUMax      string
	CPUs        string
	Format      string
	Output      string
	MetricsFile string
	DryRun      bool
	Strict      bool
	Baseline    bool

	Scope     string
	Slice     string
	UserScope bool
}

var errViolated = errors.New("lower weight finished faster than higher weight")

// NewRunCommand runs the benchmark
func NewRunCommand(g *GlobalArgs) *cobra.Command {
	a := &RunArgs{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the weighted thread benchmark",
		Long: `Create the root group and one threaded group per weight class, run the
workload on one thread per class and report the elapsed times.

Example:
  cgweight run --class A=10 --class B=30 --class C=40 --iterations 500000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := a.apply(cmd.Flags(), cfg); err != nil {
				return err
			}
			return a.run(cmd, g, cfg)
		},
	}
	initRunFlags(cmd.Flags(), a)
	return cmd
}

func initRunFlags(flags *pflag.FlagSet, a *RunArgs) {
	flags.StringVar(&a.Parent, "parent", "", "Group the root group is created under, relative to the mountpoint")
	flags.StringVar(&a.Root, "root", "", "Name of the root group (default my_cgroup)")
	flags.StringVar(&a.Nest, "nest", "", "Evacuate the processes of the parent into this leaf before delegating")
	flags.StringArrayVar(&a.Classes, "class", nil, "Weight class as label=weight, repeatable")
	flags.StringVar(&a.Workload, "workload", "", "Workload (busy, hash)")
	flags.Uint64Var(&a.Iterations, "iterations", 0, "Workload iterations")
	flags.IntVar(&a.Trials, "trials", 0, "Number of complete runs")
	flags.Float64Var(&a.Tolerance, "tolerance", 0, "Relative tolerance of the weight order check")
	flags.StringVar(&a.CPUMax, "cpu-max", "", "cpu.max of the root group as \"$MAX $PERIOD\"")
	flags.StringVar(&a.CPUs, "cpus", "", "cpuset.cpus of the root group, enables the cpuset controller")
	flags.StringVarP(&a.Format, "format", "f", report.FormatText, "Output format (text, json, yaml)")
	flags.StringVarP(&a.Output, "output", "o", "", "Output file (default stdout)")
	flags.StringVar(&a.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile")
	flags.BoolVar(&a.DryRun, "dry-run", false, "Run against an in-memory hierarchy")
	flags.BoolVar(&a.Strict, "strict", false, "Exit non-zero when the weight order is violated")
	flags.BoolVar(&a.Baseline, "baseline", false, "Also run an unweighted thread in the root group for comparison")
	flags.StringVar(&a.Scope, "systemd-scope", "", "Run inside a new delegated systemd scope of this name")
	flags.StringVar(&a.Slice, "systemd-slice", "", "Slice of the systemd scope")
	flags.BoolVar(&a.UserScope, "systemd-user", false, "Ask the user manager for the scope")
}

// apply overrides the configuration with the flags given on the command line
func (a *RunArgs) apply(flags *pflag.FlagSet, cfg *config.Config) error {
	if flags.Changed("parent") {
		cfg.Parent = a.Parent
	}
	if flags.Changed("root") {
		cfg.Root = a.Root
	}
	if flags.Changed("nest") {
		cfg.Nest = a.Nest
	}
	if len(a.Classes) > 0 {
		cfg.Classes = cfg.Classes[:0]
		for _, s := range a.Classes {
			wc, err := config.ParseClass(s)
			if err != nil {
				return err
			}
			cfg.Classes = append(cfg.Classes, wc)
		}
	}
	if flags.Changed("workload") {
		cfg.Workload.Name = a.Workload
	}
	if flags.Changed("iterations") {
		cfg.Workload.Iterations = a.Iterations
	}
	if flags.Changed("baseline") {
		cfg.Baseline = a.Baseline
	}
	if flags.Changed("trials") {
		cfg.Trials = a.Trials
	}
	if flags.Changed("tolerance") {
		cfg.Tolerance = a.Tolerance
	}
	if flags.Changed("cpu-max") {
		m, err := config.ParseCPUMax(a.CPUMax)
		if err != nil {
			return err
		}
		cfg.CPUMax = m
	}
	if flags.Changed("cpus") {
		cfg.CPUSet.CPUs = a.CPUs
		if !hasController(cfg.Controllers, cgroup.CPUSet) {
			cfg.Controllers = append(cfg.Controllers, cgroup.CPUSet)
		}
	}
	if a.Scope != "" && a.DryRun {
		return errors.New("--systemd-scope and --dry-run cannot be used together")
	}
	return cfg.Validate()
}

func hasController(names []string, c string) bool {
	for _, n := range names {
		if n == c {
			return true
		}
	}
	return false
}

func (a *RunArgs) run(cmd *cobra.Command, g *GlobalArgs, cfg *config.Config) error {
	ctx := cmd.Context()
	log := g.log

	opt, err := cfg.Options()
	if err != nil {
		return err
	}

	var h cgroup.Hierarchy
	switch {
	case a.DryRun:
		m := cgroup.NewMemory()
		if err := prepareMemory(m, opt.Parent, opt.Controllers); err != nil {
			return err
		}
		home := cgroup.Root()
		opt.Home = &home
		h = m
		log.Info("dry run on an in-memory hierarchy")

	default:
		if err := requireUnified(cfg.Mountpoint); err != nil {
			return err
		}
		if a.Scope != "" {
			s, err := systemd.Start(ctx, systemd.Options{
				Name:        a.Scope,
				Slice:       a.Slice,
				PID:         os.Getpid(),
				User:        a.UserScope,
				Description: "cgweight benchmark",
			}, log)
			if err != nil {
				return err
			}
			defer s.Close()
			opt.Parent = s.Group
			if opt.Nest == "" {
				opt.Nest = "supervisor"
			}
		}
		h = cgroup.NewFS(cfg.Mountpoint)
	}

	reports, runErr := bench.Benchmark(ctx, cfg.Trials, func() *bench.Orchestrator {
		return bench.New(h, opt, log)
	})
	verdict := bench.Analyze(reports, cfg.Tolerance)

	if err := a.write(cmd.OutOrStdout(), reports, verdict); err != nil {
		return err
	}
	if a.MetricsFile != "" {
		m := report.NewMetrics()
		m.RegisterVersion(version)
		m.Observe(reports, verdict)
		if err := m.WriteTextfile(a.MetricsFile); err != nil {
			return errors.Wrap(err, "write metrics")
		}
	}
	if runErr != nil {
		return runErr
	}
	if !verdict.OK() {
		if a.Strict {
			return errViolated
		}
		log.Warn(errViolated)
	}
	return nil
}

func (a *RunArgs) write(stdout io.Writer, reports []*bench.Report, v bench.Verdict) error {
	if a.Output == "" {
		return report.Write(stdout, a.Format, reports, v)
	}
	f, err := os.Create(a.Output)
	if err != nil {
		return errors.Wrap(err, "output")
	}
	if err := report.Write(f, a.Format, reports, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// prepareMemory creates the parent chain in the in-memory hierarchy with
// the controllers delegated down to it
func prepareMemory(m *cgroup.Memory, parent cgroup.Node, ct *cgroup.Controllers) error {
	var chain []cgroup.Node
	for n := parent; !n.IsRoot(); n = n.Parent() {
		chain = append([]cgroup.Node{n}, chain...)
	}
	mgr := cgroup.NewManager(m)
	for _, n := range chain {
		if err := cgroup.Delegate(m, n.Parent(), ct); err != nil {
			return err
		}
		if _, err := mgr.Create(n.Parent(), n.Name()); err != nil {
			return err
		}
	}
	return nil
}

// requireUnified fails when the systemd mountpoint is not cgroup v2; other
// mountpoints are trusted
func requireUnified(mountpoint string) error {
	if mountpoint != "" && mountpoint != "/sys/fs/cgroup" {
		return nil
	}
	if m := cgroup.DetectMode(); m != cgroup.ModeUnified {
		return errors.Errorf("cgroup v2 unified hierarchy required, found %s", cgroup.ModeString(m))
	}
	return nil
}
