//go:build linux

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/criyle/cgweight/pkg/bench"
	"github.com/criyle/cgweight/pkg/cgroup"
	"github.com/criyle/cgweight/pkg/config"
	"github.com/criyle/cgweight/pkg/report"
)

func execute(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out, stderr bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunDry(t *testing.T) {
	metrics := filepath.Join(t.TempDir(), "cgweight.prom")
	out, err := execute("run", "--dry-run", "--log-level", "error",
		"--class", "A=10", "--class", "B=30", "--iterations", "1000", "--trials", "2",
		"--format", "json", "--metrics-file", metrics)
	require.NoError(t, err)

	var doc report.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Trials, 2)
	for _, rep := range doc.Trials {
		require.Len(t, rep.Results, 2)
		assert.Equal(t, "A", rep.Results[0].Label)
		assert.Equal(t, "/my_cgroup/thread_B", rep.Results[1].Group)
	}
	assert.Len(t, doc.Verdict.Pairs, 1)

	b, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(b), "cgweight_build_info")
}

func TestRunDryBaseline(t *testing.T) {
	out, err := execute("run", "--dry-run", "--log-level", "error", "--baseline",
		"--class", "A=10", "--class", "B=30", "--iterations", "1000", "--format", "json")
	require.NoError(t, err)

	var doc report.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Trials, 1)
	res := doc.Trials[0].Results
	require.Len(t, res, 3)
	assert.True(t, res[2].Baseline)
	assert.Equal(t, "/my_cgroup", res[2].Group)
	assert.Len(t, doc.Verdict.Pairs, 1)
}

func TestRunDryNested(t *testing.T) {
	out, err := execute("run", "--dry-run", "--log-level", "error",
		"--parent", "user.slice/app", "--nest", "leaf", "--cpus", "0",
		"--iterations", "10", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "root: /user.slice/app/my_cgroup")
}

func TestRunInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"run", "--dry-run", "--class", "A=0"},
		{"run", "--dry-run", "--class", "A"},
		{"run", "--dry-run", "--workload", "sleep"},
		{"run", "--dry-run", "--cpu-max", "max"},
		{"run", "--dry-run", "--systemd-scope", "x"},
		{"run", "--dry-run", "--format", "xml", "--iterations", "1"},
		{"run", "--log-format", "xml"},
		{"run", "--config", "/nonexistent/cgweight.yaml"},
	} {
		_, err := execute(args...)
		assert.Error(t, err, "%v", args)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute("version")
	require.NoError(t, err)
	assert.Contains(t, out, "cgweight dev")
}

func TestPrepareMemory(t *testing.T) {
	m := cgroup.NewMemory()
	parent, err := cgroup.NewNode("a/b")
	require.NoError(t, err)
	cpu, _ := cgroup.NewControllers(cgroup.CPU)
	require.NoError(t, prepareMemory(m, parent, cpu))

	avail, err := cgroup.Available(m, parent)
	require.NoError(t, err)
	assert.True(t, avail.CPU)

	// cpuset flag turns the controller on
	a := &RunArgs{}
	cmd := NewRunCommand(&GlobalArgs{})
	require.NoError(t, cmd.Flags().Parse([]string{"--cpus", "0-1"}))
	a.CPUs = "0-1"
	cfg := defaultConfig(t)
	require.NoError(t, a.apply(cmd.Flags(), cfg))
	assert.Equal(t, []string{"cpu", "cpuset"}, cfg.Controllers)
	assert.Equal(t, []bench.WeightClass{{Label: "A", Weight: 10}, {Label: "B", Weight: 30}, {Label: "C", Weight: 40}}, cfg.Classes)
}

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := (&GlobalArgs{}).loadConfig()
	require.NoError(t, err)
	return c
}
