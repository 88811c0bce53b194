package bench

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Benchmark runs trials complete lifecycles, each on a fresh orchestrator
// returned by newOrchestrator. It stops at the first failed trial and
// returns the reports collected so far.
func Benchmark(ctx context.Context, trials int, newOrchestrator func() *Orchestrator) ([]*Report, error) {
	reports := make([]*Report, 0, trials)
	for i := 0; i < trials; i++ {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := newOrchestrator().Run(ctx)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			return reports, errors.Wrapf(err, "trial %d", i+1)
		}
	}
	return reports, nil
}

// Pair compares a lower weight class with a higher one
type Pair struct {
	Lower  WeightClass `json:"lower" yaml:"lower"`
	Higher WeightClass `json:"higher" yaml:"higher"`

	LowerMedian  time.Duration `json:"lowerMedian" yaml:"lowerMedian"`
	HigherMedian time.Duration `json:"higherMedian" yaml:"higherMedian"`

	// Ratio is LowerMedian / HigherMedian, expected to be >= 1
	Ratio float64 `json:"ratio" yaml:"ratio"`

	// Skipped is set when a class has no successful sample
	Skipped  bool `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Violated bool `json:"violated" yaml:"violated"`
}

// Verdict is the outcome of Analyze
type Verdict struct {
	Tolerance float64 `json:"tolerance" yaml:"tolerance"`
	Trials    int     `json:"trials" yaml:"trials"`
	Pairs     []Pair  `json:"pairs" yaml:"pairs"`
}

// OK reports whether no pair violated the weight order
func (v Verdict) OK() bool {
	for _, p := range v.Pairs {
		if p.Violated {
			return false
		}
	}
	return true
}

// Analyze checks that a lower weight never finishes notably faster than a
// higher one. Every pair of classes with different weights is compared, in
// ascending weight order: the median elapsed time of the lower weight must
// be at least the median of the higher weight times (1 - tolerance).
// Classes of equal weight are not compared.
func Analyze(reports []*Report, tolerance float64) Verdict {
	samples := make(map[string][]time.Duration)
	var classes []WeightClass
	for _, rep := range reports {
		for _, r := range rep.Results {
			if r.Baseline {
				continue
			}
			if _, ok := samples[r.Label]; !ok {
				samples[r.Label] = nil
				classes = append(classes, WeightClass{Label: r.Label, Weight: r.Weight})
			}
			if r.Status == StatusNormal {
				samples[r.Label] = append(samples[r.Label], r.Elapsed)
			}
		}
	}
	sort.SliceStable(classes, func(i, j int) bool {
		return classes[i].Weight < classes[j].Weight
	})

	v := Verdict{Tolerance: tolerance, Trials: len(reports)}
	for i, lo := range classes {
		for _, hi := range classes[i+1:] {
			if lo.Weight == hi.Weight {
				continue
			}
			v.Pairs = append(v.Pairs, compare(lo, hi, samples[lo.Label], samples[hi.Label], tolerance))
		}
	}
	return v
}

func compare(lo, hi WeightClass, ls, hs []time.Duration, tolerance float64) Pair {
	p := Pair{Lower: lo, Higher: hi}
	if len(ls) == 0 || len(hs) == 0 {
		p.Skipped = true
		return p
	}
	p.LowerMedian, p.HigherMedian = median(ls), median(hs)
	if p.HigherMedian > 0 {
		p.Ratio = float64(p.LowerMedian) / float64(p.HigherMedian)
	}
	p.Violated = float64(p.LowerMedian) < float64(p.HigherMedian)*(1-tolerance)
	return p
}

func median(d []time.Duration) time.Duration {
	s := append([]time.Duration(nil), d...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
