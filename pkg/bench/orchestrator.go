package bench

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/criyle/cgweight/pkg/cgroup"
	"github.com/criyle/cgweight/pkg/workload"
)

// GroupPrefix is prepended to the class label to name its group
const GroupPrefix = "thread_"

// BaselineLabel is the label of the thread that runs outside the subgroups
const BaselineLabel = "baseline"

var errInvalidState = errors.New("invalid state")

// CPUMax is the bandwidth limit of the root group, nil Quota means "max"
type CPUMax struct {
	Quota  *int64
	Period uint64
}

// CPUSet pins the root group onto cpus and memory nodes
type CPUSet struct {
	CPUs string
	Mems string
}

// Options configures an Orchestrator
type Options struct {
	// Parent is the existing group the root group is created under
	Parent cgroup.Node
	// Root is the name of the harness root group
	Root string
	// RootWeight is written to the root group when non zero
	RootWeight uint64

	Classes []WeightClass

	// Controllers delegated at the parent and the root group, must contain
	// cpu; nil means cpu only
	Controllers *cgroup.Controllers

	// Nest evacuates the processes of the parent into this leaf before
	// delegating
	Nest string

	CPUMax *CPUMax
	CPUSet *CPUSet

	// Home is the group the process is moved back to before teardown, nil
	// means the group of the process after nesting
	Home *cgroup.Node
	// PID is the process anchored to the root group, 0 means this process
	PID int

	Workload workload.Func
	// Baseline runs one more thread that stays in the root group, next to
	// the weighted ones
	Baseline bool

	TeardownRetries int
	TeardownBackoff time.Duration
}

// Orchestrator runs the benchmark lifecycle on a hierarchy:
// setup, configure, execute and teardown.
type Orchestrator struct {
	opt Options
	h   cgroup.Hierarchy
	mgr *cgroup.Manager
	b   *cgroup.Binder
	log logrus.FieldLogger

	state   State
	root    cgroup.Node
	groups  []cgroup.Node
	home    cgroup.Node
	created bool
	adopted bool

	setUpStart time.Time
	setUpTime  time.Duration
}

// New creates an orchestrator on h; a nil logger discards the log
func New(h cgroup.Hierarchy, opt Options, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}
	if opt.Controllers == nil {
		opt.Controllers, _ = cgroup.NewControllers(cgroup.CPU)
	}
	if opt.PID == 0 {
		opt.PID = os.Getpid()
	}
	if opt.TeardownRetries <= 0 {
		opt.TeardownRetries = 5
	}
	if opt.TeardownBackoff <= 0 {
		opt.TeardownBackoff = 50 * time.Millisecond
	}
	return &Orchestrator{
		opt:  opt,
		h:    h,
		mgr:  cgroup.NewManager(h),
		b:    cgroup.NewBinder(h),
		log:  log.WithField("group", opt.Parent.Child(opt.Root).Group()),
		root: opt.Parent.Child(opt.Root),
	}
}

// State returns the current lifecycle state
func (o *Orchestrator) State() State {
	return o.state
}

// Root returns the harness root group
func (o *Orchestrator) Root() cgroup.Node {
	return o.root
}

// Groups returns the subgroups created so far, in class order
func (o *Orchestrator) Groups() []cgroup.Node {
	return append([]cgroup.Node(nil), o.groups...)
}

func (o *Orchestrator) transit(to State) {
	o.log.WithField("state", to).Debugf("%v -> %v", o.state, to)
	o.state = to
}

func (o *Orchestrator) expect(s State) error {
	if o.state != s {
		return errors.Wrapf(errInvalidState, "%v, want %v", o.state, s)
	}
	return nil
}

// Setup removes a stale root group, delegates the controllers at the parent
// and creates the root group delegating them again for the subgroups
func (o *Orchestrator) Setup(ctx context.Context) error {
	if err := o.expect(Uninitialized); err != nil {
		return err
	}
	if err := o.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.setUpStart = time.Now()

	if err := o.mgr.DestroyTree(o.root); err != nil {
		return errors.Wrap(err, "remove stale root group")
	}

	if o.opt.Nest != "" {
		leaf, err := o.mgr.Evacuate(o.opt.Parent, o.opt.Nest)
		if err != nil {
			return errors.Wrap(err, "evacuate parent")
		}
		o.log.Debugf("evacuated %v into %v", o.opt.Parent, leaf)
	}

	if o.opt.Home != nil {
		o.home = *o.opt.Home
	} else {
		home, err := cgroup.CurrentGroup()
		if err != nil {
			return errors.Wrap(err, "detect home group")
		}
		o.home = home
	}

	if err := cgroup.Delegate(o.h, o.opt.Parent, o.opt.Controllers); err != nil {
		return errors.Wrapf(err, "delegate %v at parent", o.opt.Controllers)
	}
	if _, err := o.mgr.Create(o.opt.Parent, o.opt.Root); err != nil {
		return errors.Wrap(err, "create root group")
	}
	o.created = true
	if err := cgroup.Delegate(o.h, o.root, o.opt.Controllers); err != nil {
		return errors.Wrapf(err, "delegate %v at root group", o.opt.Controllers)
	}
	o.transit(HierarchyReady)
	return nil
}

func (o *Orchestrator) check() error {
	if !o.opt.Controllers.CPU {
		return errors.Errorf("controllers %v do not include cpu", o.opt.Controllers)
	}
	if len(o.opt.Classes) == 0 {
		return errors.New("no weight class")
	}
	if o.opt.Workload == nil {
		return errors.New("no workload")
	}
	seen := make(map[string]bool)
	if o.opt.Baseline {
		seen[BaselineLabel] = true
	}
	for _, c := range o.opt.Classes {
		if seen[c.Label] {
			return errors.Errorf("duplicate label %q", c.Label)
		}
		seen[c.Label] = true
	}
	return nil
}

// Configure applies the root group limits, creates one threaded subgroup
// per weight class and finally moves the process into the root group so
// its threads may join the subgroups
func (o *Orchestrator) Configure(ctx context.Context) error {
	if err := o.expect(HierarchyReady); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.opt.RootWeight > 0 {
		if err := o.mgr.SetWeight(o.root, o.opt.RootWeight); err != nil {
			return errors.Wrap(err, "root weight")
		}
	}
	if m := o.opt.CPUMax; m != nil {
		if err := o.mgr.SetCPUMax(o.root, m.Quota, m.Period); err != nil {
			return errors.Wrap(err, "root cpu.max")
		}
	}
	if s := o.opt.CPUSet; s != nil && s.CPUs != "" {
		if err := o.mgr.SetCPUSet(o.root, s.CPUs, s.Mems); err != nil {
			return errors.Wrap(err, "root cpuset")
		}
	}

	for _, c := range o.opt.Classes {
		n, err := o.mgr.Create(o.root, GroupPrefix+c.Label)
		if err != nil {
			return errors.Wrapf(err, "create group for %q", c.Label)
		}
		o.groups = append(o.groups, n)
		if err := o.mgr.SetThreaded(n); err != nil {
			return errors.Wrapf(err, "threaded group for %q", c.Label)
		}
		if err := o.mgr.SetWeight(n, c.Weight); err != nil {
			return errors.Wrapf(err, "weight for %q", c.Label)
		}
		o.log.WithFields(logrus.Fields{"label": c.Label, "weight": c.Weight}).Debugf("configured %v", n)
	}

	// single threads only migrate within one threaded subtree
	if err := o.mgr.AddProc(o.root, o.opt.PID); err != nil {
		return errors.Wrap(err, "move process into root group")
	}
	o.adopted = true
	o.transit(GroupsConfigured)
	return nil
}

// Execute spawns one thread per weight class, each binds itself to its
// group, waits for all others and runs the workload. It returns after all
// threads are joined, with the results in spawn order.
func (o *Orchestrator) Execute(ctx context.Context) (*Report, error) {
	if err := o.expect(GroupsConfigured); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.setUpTime = time.Since(o.setUpStart)
	o.transit(Running)

	workers := len(o.opt.Classes)
	if o.opt.Baseline {
		workers++
	}
	results := make([]Result, workers)
	var total uint64
	for _, c := range o.opt.Classes {
		total += c.Weight
	}

	var (
		ready sync.WaitGroup
		done  sync.WaitGroup
	)
	ready.Add(workers)
	done.Add(workers)
	start := time.Now()
	if o.opt.Baseline {
		r := &results[workers-1]
		*r = Result{Label: BaselineLabel, Group: o.root.Group(), Baseline: true}
		go o.baseline(r, &ready, &done)
	}
	for i, c := range o.opt.Classes {
		results[i] = Result{
			Label:         c.Label,
			Weight:        c.Weight,
			Group:         o.groups[i].Group(),
			ExpectedShare: float64(c.Weight) / float64(total),
		}
		go o.worker(o.groups[i], &results[i], &ready, &done)
	}
	done.Wait()
	running := time.Since(start)
	o.transit(Collected)

	for i, n := range o.groups {
		usage, err := o.mgr.CPUUsage(n)
		if err != nil {
			o.log.WithField("label", results[i].Label).Warnf("cpu usage: %v", err)
			continue
		}
		results[i].CPUUsage = usage
	}
	for _, r := range results {
		fields := logrus.Fields{"label": r.Label, "weight": r.Weight, "tid": r.TID, "elapsed": r.Elapsed}
		if r.Status != StatusNormal {
			o.log.WithFields(fields).Errorf("worker %v: %s", r.Status, r.Error)
			continue
		}
		o.log.WithFields(fields).Infof("finished in %v", r.Elapsed)
	}
	return &Report{
		Root:        o.root.Group(),
		Results:     results,
		SetUpTime:   o.setUpTime,
		RunningTime: running,
	}, nil
}

// worker runs on its own goroutine. A bound goroutine never unlocks its
// thread, so the thread exits with it and leaves the group.
func (o *Orchestrator) worker(n cgroup.Node, r *Result, ready, done *sync.WaitGroup) {
	defer done.Done()
	var once sync.Once
	arrive := func() { once.Do(ready.Done) }
	defer arrive()
	defer func() {
		if p := recover(); p != nil {
			r.Status = StatusPanicked
			r.Error = fmt.Sprint(p)
		}
	}()

	bd, err := o.b.BindCurrentThread(n)
	if err != nil {
		r.Status = StatusBindFailed
		r.Error = err.Error()
		return
	}
	defer bd.Release()
	r.TID = bd.TID

	arrive()
	ready.Wait()
	r.Elapsed = workload.Run(o.opt.Workload)
	r.Status = StatusNormal
}

// baseline runs the workload unbound, in the root group the process was
// moved to
func (o *Orchestrator) baseline(r *Result, ready, done *sync.WaitGroup) {
	defer done.Done()
	defer func() {
		if p := recover(); p != nil {
			r.Status = StatusPanicked
			r.Error = fmt.Sprint(p)
		}
	}()
	ready.Done()
	ready.Wait()
	r.Elapsed = workload.Run(o.opt.Workload)
	r.Status = StatusNormal
}

// Teardown moves the process home and removes the subgroups then the root
// group. Busy groups are retried with backoff, and all failures are
// returned together.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	var err error
	if o.adopted {
		if err1 := o.mgr.AddProc(o.home, o.opt.PID); err1 != nil {
			err = multierr.Append(err, errors.Wrapf(err1, "move process back to %v", o.home))
		} else {
			o.adopted = false
		}
	}
	var left []cgroup.Node
	for i := len(o.groups) - 1; i >= 0; i-- {
		if err1 := o.destroy(ctx, o.groups[i]); err1 != nil {
			err = multierr.Append(err, err1)
			left = append([]cgroup.Node{o.groups[i]}, left...)
		}
	}
	o.groups = left
	if o.created {
		if err1 := o.destroy(ctx, o.root); err1 != nil {
			err = multierr.Append(err, err1)
		} else {
			o.created = false
		}
	}
	if o.state != Aborted {
		o.transit(TornDown)
	}
	return err
}

func (o *Orchestrator) destroy(ctx context.Context, n cgroup.Node) error {
	err := o.mgr.DestroyWithRetry(ctx, n, o.opt.TeardownRetries, o.opt.TeardownBackoff)
	if err == nil || errors.Is(err, cgroup.NotFound) {
		return nil
	}
	return errors.Wrapf(err, "remove %v", n)
}

// Run executes the whole lifecycle. A failure before the workers start
// aborts the run, the hierarchy is then cleaned up best effort and the error
// is returned labelled with the phase that failed. A teardown failure is
// returned along with the report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if err := o.Setup(ctx); err != nil {
		return nil, o.abort(ctx, "setup", err)
	}
	if err := o.Configure(ctx); err != nil {
		return nil, o.abort(ctx, "configure", err)
	}
	rep, err := o.Execute(ctx)
	if err != nil {
		return nil, o.abort(ctx, "execute", err)
	}
	if err := o.Teardown(ctx); err != nil {
		rep.TeardownError = err.Error()
		return rep, errors.Wrap(err, "teardown")
	}
	return rep, nil
}

// abort cleans up even when ctx is already canceled
func (o *Orchestrator) abort(ctx context.Context, phase string, err error) error {
	o.transit(Aborted)
	o.log.Errorf("%s: %v", phase, err)
	if terr := o.Teardown(context.WithoutCancel(ctx)); terr != nil {
		o.log.Warnf("cleanup after abort: %v", terr)
	}
	return errors.Wrap(err, phase)
}
