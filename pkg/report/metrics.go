package report

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/criyle/cgweight/pkg/bench"
)

// When adding metric names, see https://prometheus.io/docs/practices/naming/#metric-names
const (
	elapsedQuery       = "cgweight_elapsed_seconds"
	cpuUsageQuery      = "cgweight_cpu_usage_seconds"
	expectedShareQuery = "cgweight_expected_share_ratio"
	failedQuery        = "cgweight_worker_failed_info"
	pairRatioQuery     = "cgweight_pair_elapsed_ratio"
	verdictQuery       = "cgweight_verdict_ok_info"
	buildInfoQuery     = "cgweight_build_info"
)

var classLabels = []string{"trial", "label", "weight"}

// Metrics holds the gauges of one benchmark in its own registry
type Metrics struct {
	Registry *prometheus.Registry

	elapsed       *prometheus.GaugeVec
	cpuUsage      *prometheus.GaugeVec
	expectedShare *prometheus.GaugeVec
	failed        *prometheus.GaugeVec
	pairRatio     *prometheus.GaugeVec
	verdict       prometheus.Gauge
	buildInfo     *prometheus.GaugeVec
}

// NewMetrics creates and registers the gauges
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		elapsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: elapsedQuery,
			Help: "Wall clock time of the workload of one weight class.",
		}, classLabels),
		cpuUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: cpuUsageQuery,
			Help: "CPU time charged to the group of one weight class (cpu.stat usage_usec).",
		}, classLabels),
		expectedShare: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: expectedShareQuery,
			Help: "Weight of the class divided by the sum of sibling weights.",
		}, classLabels),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: failedQuery,
			Help: "Is the worker of the class failed (1) or not (0)?",
		}, classLabels),
		pairRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: pairRatioQuery,
			Help: "Median elapsed of the lower weight divided by the median of the higher weight.",
		}, []string{"lower", "higher"}),
		verdict: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: verdictQuery,
			Help: "Did the lower weights finish no faster than the higher ones (1) or not (0)?",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: buildInfoQuery,
			Help: "A metric with a constant '1' value labeled version from which cgweight was built.",
		}, []string{"version"}),
	}
	m.Registry.MustRegister(m.elapsed, m.cpuUsage, m.expectedShare, m.failed,
		m.pairRatio, m.verdict, m.buildInfo)
	return m
}

// Observe records the reports and the verdict
func (m *Metrics) Observe(reports []*bench.Report, v bench.Verdict) {
	for i, rep := range reports {
		trial := strconv.Itoa(i + 1)
		for _, r := range rep.Results {
			l := []string{trial, r.Label, strconv.FormatUint(r.Weight, 10)}
			m.expectedShare.WithLabelValues(l...).Set(r.ExpectedShare)
			if r.Status != bench.StatusNormal {
				m.failed.WithLabelValues(l...).Set(1)
				continue
			}
			m.failed.WithLabelValues(l...).Set(0)
			m.elapsed.WithLabelValues(l...).Set(r.Elapsed.Seconds())
			m.cpuUsage.WithLabelValues(l...).Set(r.CPUUsage.Seconds())
		}
	}
	for _, p := range v.Pairs {
		if !p.Skipped {
			m.pairRatio.WithLabelValues(p.Lower.Label, p.Higher.Label).Set(p.Ratio)
		}
	}
	if v.OK() {
		m.verdict.Set(1)
	} else {
		m.verdict.Set(0)
	}
}

// RegisterVersion exposes the build version
func (m *Metrics) RegisterVersion(version string) {
	m.buildInfo.WithLabelValues(version).Set(1)
}

// WriteTextfile writes the metrics in the text exposition format, for the
// node exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
