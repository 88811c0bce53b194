package bench

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/criyle/cgweight/pkg/cgroup"
)

var classes = []WeightClass{{"A", 10}, {"B", 30}, {"C", 40}}

func options(classes []WeightClass) Options {
	home := cgroup.Root()
	return Options{
		Parent:          cgroup.Root(),
		Root:            "my_cgroup",
		Classes:         classes,
		Home:            &home,
		Workload:        func() { time.Sleep(time.Millisecond) },
		TeardownRetries: 3,
		TeardownBackoff: time.Millisecond,
	}
}

// hierarchy journal without the thread writes, which come in any order
func mutations(m *cgroup.Memory) []string {
	var out []string
	for _, j := range m.Journal() {
		if !strings.HasSuffix(strings.SplitN(j, "=", 2)[0], "cgroup.threads") {
			out = append(out, j)
		}
	}
	return out
}

func TestRun(t *testing.T) {
	m := cgroup.NewMemory()
	o := New(m, options(classes), nil)

	rep, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TornDown, o.State())
	require.Len(t, rep.Results, 3)
	assert.Equal(t, "/my_cgroup", rep.Root)

	tids := make(map[int]bool)
	for i, r := range rep.Results {
		assert.Equal(t, classes[i].Label, r.Label)
		assert.Equal(t, classes[i].Weight, r.Weight)
		assert.Equal(t, StatusNormal, r.Status, r.Error)
		assert.Equal(t, "/my_cgroup/thread_"+r.Label, r.Group)
		assert.InDelta(t, float64(r.Weight)/80, r.ExpectedShare, 1e-9)
		assert.GreaterOrEqual(t, r.Elapsed, time.Millisecond)
		assert.NotZero(t, r.TID)
		tids[r.TID] = true
	}
	assert.Len(t, tids, 3, "each class runs on its own thread")
	assert.Empty(t, rep.Failed())

	ok, err := cgroup.Exists(m, o.Root())
	require.NoError(t, err)
	assert.False(t, ok, "root group left behind")

	pid := strconv.Itoa(os.Getpid())
	want := []string{
		"write cgroup.subtree_control=+cpu",
		"create my_cgroup",
		"write my_cgroup/cgroup.subtree_control=+cpu",
		"create my_cgroup/thread_A",
		"write my_cgroup/thread_A/cgroup.type=threaded",
		"write my_cgroup/thread_A/cpu.weight=10",
		"create my_cgroup/thread_B",
		"write my_cgroup/thread_B/cgroup.type=threaded",
		"write my_cgroup/thread_B/cpu.weight=30",
		"create my_cgroup/thread_C",
		"write my_cgroup/thread_C/cgroup.type=threaded",
		"write my_cgroup/thread_C/cpu.weight=40",
		"write my_cgroup/cgroup.procs=" + pid,
		"write cgroup.procs=" + pid,
		"remove my_cgroup/thread_C",
		"remove my_cgroup/thread_B",
		"remove my_cgroup/thread_A",
		"remove my_cgroup",
	}
	if diff := cmp.Diff(want, mutations(m)); diff != "" {
		t.Errorf("hierarchy mutations (-want +got):\n%s", diff)
	}
}

func TestRunTwice(t *testing.T) {
	m := cgroup.NewMemory()
	for i := 0; i < 2; i++ {
		rep, err := New(m, options(classes), nil).Run(context.Background())
		require.NoError(t, err, "run %d", i)
		assert.Len(t, rep.Results, 3)
	}
}

func TestRunStaleRoot(t *testing.T) {
	m := cgroup.NewMemory()
	mgr := cgroup.NewManager(m)
	cpu, _ := cgroup.NewControllers(cgroup.CPU)
	require.NoError(t, cgroup.Delegate(m, cgroup.Root(), cpu))
	root, err := mgr.Create(cgroup.Root(), "my_cgroup")
	require.NoError(t, err)
	require.NoError(t, cgroup.Delegate(m, root, cpu))
	_, err = mgr.Create(root, "thread_Z")
	require.NoError(t, err)

	o := New(m, options(classes), nil)
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	names, err := m.List(cgroup.Root())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRunOptionalLimits(t *testing.T) {
	m := cgroup.NewMemory()
	opt := options(classes)
	quota := int64(50000)
	opt.CPUMax = &CPUMax{Quota: &quota, Period: 100000}
	opt.CPUSet = &CPUSet{CPUs: "0", Mems: "0"}
	opt.RootWeight = 8000
	opt.Controllers, _ = cgroup.NewControllers(cgroup.CPU, cgroup.CPUSet)

	o := New(m, opt, nil)
	ctx := context.Background()
	require.NoError(t, o.Setup(ctx))
	require.NoError(t, o.Configure(ctx))

	mgr := cgroup.NewManager(m)
	w, err := mgr.Weight(o.Root())
	require.NoError(t, err)
	assert.EqualValues(t, 8000, w)
	bw, err := mgr.CPUMax(o.Root())
	require.NoError(t, err)
	assert.Equal(t, "50000 100000", bw)
	typ, err := mgr.Type(o.Root())
	require.NoError(t, err)
	assert.Equal(t, cgroup.TypeDomainThreaded, typ)

	_, err = o.Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, o.Teardown(ctx))
	assert.Equal(t, TornDown, o.State())
}

func TestRunAbort(t *testing.T) {
	tests := []struct {
		name    string
		memory  func() *cgroup.Memory
		classes []WeightClass
		kind    cgroup.Kind
	}{
		{
			name:    "weight out of range",
			memory:  func() *cgroup.Memory { return cgroup.NewMemory() },
			classes: []WeightClass{{"A", 10}, {"B", 0}},
			kind:    cgroup.InvalidValue,
		},
		{
			name: "read only",
			memory: func() *cgroup.Memory {
				m := cgroup.NewMemory()
				m.SetReadOnly(true)
				return m
			},
			classes: classes,
			kind:    cgroup.PermissionDenied,
		},
		{
			name:    "cpu not available",
			memory:  func() *cgroup.Memory { return cgroup.NewMemory(cgroup.CPUSet) },
			classes: classes,
			kind:    cgroup.NotFound,
		},
		{
			name:    "invalid label",
			memory:  func() *cgroup.Memory { return cgroup.NewMemory() },
			classes: []WeightClass{{"a/b", 10}},
			kind:    cgroup.InvalidValue,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := tc.memory()
			o := New(m, options(tc.classes), nil)
			rep, err := o.Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.Nil(t, rep)
			assert.Equal(t, Aborted, o.State())
			ok, err := cgroup.Exists(m, o.Root())
			require.NoError(t, err)
			assert.False(t, ok, "root group left behind")
		})
	}
}

func TestRunInvalidOptions(t *testing.T) {
	m := cgroup.NewMemory()
	opt := options([]WeightClass{{"A", 10}, {"A", 20}})
	_, err := New(m, opt, nil).Run(context.Background())
	assert.Error(t, err)

	opt = options(nil)
	_, err = New(m, opt, nil).Run(context.Background())
	assert.Error(t, err)

	opt = options(classes)
	opt.Controllers, _ = cgroup.NewControllers(cgroup.CPUSet)
	_, err = New(m, opt, nil).Run(context.Background())
	assert.Error(t, err)
	assert.Empty(t, m.Journal())
}

func TestPhaseOrder(t *testing.T) {
	o := New(cgroup.NewMemory(), options(classes), nil)
	ctx := context.Background()
	assert.ErrorIs(t, o.Configure(ctx), errInvalidState)
	_, err := o.Execute(ctx)
	assert.ErrorIs(t, err, errInvalidState)
	require.NoError(t, o.Setup(ctx))
	assert.Equal(t, HierarchyReady, o.State())
	assert.ErrorIs(t, o.Setup(ctx), errInvalidState)
	require.NoError(t, o.Configure(ctx))
	assert.Equal(t, GroupsConfigured, o.State())
	assert.Len(t, o.Groups(), 3)
	require.NoError(t, o.Teardown(ctx))
	assert.Equal(t, TornDown, o.State())
}

// failBind refuses thread membership of one group
type failBind struct {
	*cgroup.Memory
	name string
}

func (f failBind) Write(n cgroup.Node, attr string, value []byte) error {
	if attr == "cgroup.threads" && n.Name() == f.name {
		return &cgroup.Error{Op: "write", Path: n.File(attr), Kind: cgroup.PermissionDenied}
	}
	return f.Memory.Write(n, attr, value)
}

// cancelOnCreate cancels the run once the named group is created
type cancelOnCreate struct {
	*cgroup.Memory
	name   string
	cancel context.CancelFunc
}

func (c cancelOnCreate) Create(n cgroup.Node) error {
	err := c.Memory.Create(n)
	if err == nil && n.Name() == c.name {
		c.cancel()
	}
	return err
}

func TestRunCanceled(t *testing.T) {
	m := cgroup.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := New(cancelOnCreate{Memory: m, name: "my_cgroup", cancel: cancel}, options(classes), nil)

	rep, err := o.Run(ctx)
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, strings.HasPrefix(err.Error(), "configure: "), err.Error())
	assert.Equal(t, Aborted, o.State())
	assert.Empty(t, o.Groups())

	ok, err := cgroup.Exists(m, o.Root())
	require.NoError(t, err)
	assert.False(t, ok, "root group left behind")

	// canceled before anything is touched
	m = cgroup.NewMemory()
	_, err = New(m, options(classes), nil).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, strings.HasPrefix(err.Error(), "setup: "), err.Error())
	assert.Empty(t, m.Journal())
}

func TestRunErrorPhase(t *testing.T) {
	m := cgroup.NewMemory()
	m.SetReadOnly(true)
	_, err := New(m, options(classes), nil).Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "setup: "), err.Error())

	// the cpu.weight of the second class is refused
	opt := options([]WeightClass{{"A", 10}, {"B", 20000}})
	_, err = New(cgroup.NewMemory(), opt, nil).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cgroup.InvalidValue)
	assert.True(t, strings.HasPrefix(err.Error(), "configure: "), err.Error())
}

func TestRunBaseline(t *testing.T) {
	m := cgroup.NewMemory()
	opt := options(classes)
	opt.Baseline = true
	var started atomic.Int32
	opt.Workload = func() {
		started.Add(1)
		time.Sleep(time.Millisecond)
	}
	rep, err := New(m, opt, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Results, 4)
	assert.EqualValues(t, 4, started.Load())

	b := rep.Results[3]
	assert.True(t, b.Baseline)
	assert.Equal(t, BaselineLabel, b.Label)
	assert.Equal(t, "/my_cgroup", b.Group)
	assert.Equal(t, StatusNormal, b.Status)
	assert.Zero(t, b.Weight)
	assert.Zero(t, b.ExpectedShare)
	for _, r := range rep.Results[:3] {
		assert.False(t, r.Baseline)
		assert.InDelta(t, float64(r.Weight)/80, r.ExpectedShare, 1e-9)
	}

	// the baseline is not judged
	b.Elapsed = 0
	rep.Results[3] = b
	assert.Len(t, Analyze([]*Report{rep}, 0.1).Pairs, 3)

	opt.Classes = []WeightClass{{BaselineLabel, 10}}
	_, err = New(cgroup.NewMemory(), opt, nil).Run(context.Background())
	assert.Error(t, err)
}

func TestWorkerIsolation(t *testing.T) {
	m := cgroup.NewMemory()
	h := failBind{Memory: m, name: "thread_B"}
	rep, err := New(h, options(classes), nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Results, 3)

	assert.Equal(t, StatusNormal, rep.Results[0].Status)
	assert.Equal(t, StatusBindFailed, rep.Results[1].Status)
	assert.Contains(t, rep.Results[1].Error, "permission denied")
	assert.Zero(t, rep.Results[1].Elapsed)
	assert.Equal(t, StatusNormal, rep.Results[2].Status)
	assert.Len(t, rep.Failed(), 1)
}

func TestWorkerPanic(t *testing.T) {
	var calls int32
	opt := options(classes)
	opt.Workload = func() {
		if atomic.AddInt32(&calls, 1) == 2 {
			panic("boom")
		}
	}
	rep, err := New(cgroup.NewMemory(), opt, nil).Run(context.Background())
	require.NoError(t, err)

	var panicked, normal int
	for _, r := range rep.Results {
		switch r.Status {
		case StatusPanicked:
			panicked++
			assert.Equal(t, "boom", r.Error)
		case StatusNormal:
			normal++
		}
	}
	assert.Equal(t, 1, panicked)
	assert.Equal(t, 2, normal)
}

func TestTeardownBusy(t *testing.T) {
	m := cgroup.NewMemory()
	o := New(m, options(classes), nil)
	ctx := context.Background()
	require.NoError(t, o.Setup(ctx))
	require.NoError(t, o.Configure(ctx))
	_, err := o.Execute(ctx)
	require.NoError(t, err)

	// a group the harness does not know about keeps thread_A busy
	_, err = cgroup.NewManager(m).Create(o.Groups()[0], "leak")
	require.NoError(t, err)

	err = o.Teardown(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, cgroup.Busy)
	assert.ErrorIs(t, err, cgroup.Timeout)
	assert.Len(t, o.Groups(), 1)

	ok, err := cgroup.Exists(m, o.Root())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunNested(t *testing.T) {
	m := cgroup.NewMemory()
	mgr := cgroup.NewManager(m)
	cpu, _ := cgroup.NewControllers(cgroup.CPU)
	require.NoError(t, cgroup.Delegate(m, cgroup.Root(), cpu))
	parent, err := mgr.Create(cgroup.Root(), "user.slice")
	require.NoError(t, err)
	require.NoError(t, mgr.AddProc(parent, 4242))

	opt := options(classes)
	opt.Parent = parent
	opt.Nest = "supervisor"
	home := parent.Child("supervisor")
	opt.Home = &home

	_, err = New(m, opt, nil).Run(context.Background())
	require.NoError(t, err)

	procs, err := mgr.Procs(home)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{4242, os.Getpid()}, procs)
	names, err := m.List(parent)
	require.NoError(t, err)
	assert.Equal(t, []string{"supervisor"}, names)
}

func TestReportUsage(t *testing.T) {
	m := cgroup.NewMemory()
	o := New(m, options(classes), nil)
	ctx := context.Background()
	require.NoError(t, o.Setup(ctx))
	require.NoError(t, o.Configure(ctx))
	for i, n := range o.Groups() {
		require.NoError(t, m.SetUsage(n, uint64(i+1)*1000))
	}
	rep, err := o.Execute(ctx)
	require.NoError(t, err)
	for i, r := range rep.Results {
		assert.Equal(t, time.Duration(i+1)*time.Millisecond, r.CPUUsage)
	}
	assert.Equal(t, Collected, o.State())
	require.NoError(t, o.Teardown(ctx))
}
