package bench

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/criyle/cgweight/pkg/cgroup"
	"github.com/criyle/cgweight/pkg/workload"
)

func requireKernel(t *testing.T) {
	t.Helper()
	// ensure root privilege when testing
	if os.Getuid() != 0 {
		t.Skip("no root privilege")
	}
	if cgroup.DetectMode() != cgroup.ModeUnified {
		t.Skip("cgroup v2 not mounted")
	}
}

func TestKernelBenchmark(t *testing.T) {
	requireKernel(t)
	h := cgroup.NewFS("")
	avail, err := cgroup.Available(h, cgroup.Root())
	require.NoError(t, err)
	if !avail.CPU {
		t.Skip("cpu controller not available")
	}

	// one cpu worth of bandwidth so the threads contend
	quota := int64(cgroup.DefaultPeriod)
	opt := Options{
		Parent:          cgroup.Root(),
		Root:            "cgweight_bench_test",
		Classes:         classes,
		CPUMax:          &CPUMax{Quota: &quota, Period: cgroup.DefaultPeriod},
		Workload:        workload.Busy(200000000),
		TeardownRetries: 8,
	}
	var last *Orchestrator
	reports, err := Benchmark(context.Background(), 3, func() *Orchestrator {
		last = New(h, opt, nil)
		return last
	})
	t.Cleanup(func() {
		cgroup.NewManager(h).DestroyTree(last.Root())
	})
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.Equal(t, TornDown, last.State())

	for _, rep := range reports {
		require.Len(t, rep.Results, len(classes))
		for _, r := range rep.Results {
			assert.Equal(t, StatusNormal, r.Status, r.Error)
			assert.NotZero(t, r.TID)
			assert.NotZero(t, r.CPUUsage)
		}
	}

	v := Analyze(reports, 0.2)
	assert.True(t, v.OK(), "%+v", v.Pairs)
	assert.Len(t, v.Pairs, 3)

	ok, err := cgroup.Exists(h, last.Root())
	require.NoError(t, err)
	assert.False(t, ok, "root group left behind")
	for _, c := range classes {
		ok, err := cgroup.Exists(h, last.Root().Child(GroupPrefix+c.Label))
		require.NoError(t, err)
		assert.False(t, ok, "group of %s left behind", c.Label)
	}
}

func TestKernelBindDomainGroup(t *testing.T) {
	requireKernel(t)
	h := cgroup.NewFS("")
	mgr := cgroup.NewManager(h)
	n, err := mgr.Create(cgroup.Root(), "cgweight_bind_test")
	require.NoError(t, err)
	t.Cleanup(func() {
		mgr.DestroyTree(n)
	})

	errc := make(chan error, 1)
	go func() {
		_, err := cgroup.NewBinder(h).BindCurrentThread(n)
		errc <- err
	}()
	err = <-errc
	assert.ErrorIs(t, err, cgroup.Unsupported)

	threads, err := mgr.Threads(n)
	require.NoError(t, err)
	assert.Empty(t, threads)
	require.NoError(t, mgr.Destroy(n))
}
