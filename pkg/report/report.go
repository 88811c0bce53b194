// Package report presents benchmark reports as text, JSON or YAML and
// exports them as Prometheus metrics.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/criyle/cgweight/pkg/bench"
)

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Document is the structured output of a benchmark
type Document struct {
	Trials  []*bench.Report `json:"trials" yaml:"trials"`
	Verdict bench.Verdict   `json:"verdict" yaml:"verdict"`
}

// Write writes the reports and the verdict in the given format
func Write(w io.Writer, format string, reports []*bench.Report, v bench.Verdict) error {
	doc := Document{Trials: reports, Verdict: v}
	switch format {
	case FormatText, "":
		return writeText(w, doc)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
	return errors.Errorf("unknown format %q", format)
}

func writeText(w io.Writer, doc Document) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, rep := range doc.Trials {
		fmt.Fprintf(tw, "trial %d: %s (setup %v, running %v)\n", i+1, rep.Root,
			rep.SetUpTime.Round(time.Microsecond), rep.RunningTime.Round(time.Millisecond))
		fmt.Fprintln(tw, "LABEL\tWEIGHT\tSHARE\tTID\tSTATUS\tELAPSED\tCPU")
		for _, r := range rep.Results {
			status := r.Status.String()
			if r.Error != "" {
				status += ": " + r.Error
			}
			fmt.Fprintf(tw, "%s\t%d\t%.1f%%\t%d\t%s\t%v\t%v\n", r.Label, r.Weight, r.ExpectedShare*100,
				r.TID, status, r.Elapsed.Round(time.Millisecond), r.CPUUsage.Round(time.Millisecond))
		}
		if rep.TeardownError != "" {
			fmt.Fprintf(tw, "teardown: %s\n", rep.TeardownError)
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(doc.Verdict.Pairs) == 0 {
		_, err := fmt.Fprintln(w, "verdict: nothing to compare")
		return err
	}
	for _, p := range doc.Verdict.Pairs {
		var err error
		switch {
		case p.Skipped:
			_, err = fmt.Fprintf(w, "%s(%d) vs %s(%d): skipped, no successful run\n",
				p.Lower.Label, p.Lower.Weight, p.Higher.Label, p.Higher.Weight)
		default:
			mark := "ok"
			if p.Violated {
				mark = "VIOLATED"
			}
			_, err = fmt.Fprintf(w, "%s(%d) vs %s(%d): median %v / %v = %.2f %s\n",
				p.Lower.Label, p.Lower.Weight, p.Higher.Label, p.Higher.Weight,
				p.LowerMedian.Round(time.Millisecond), p.HigherMedian.Round(time.Millisecond), p.Ratio, mark)
		}
		if err != nil {
			return err
		}
	}
	result := "pass"
	if !doc.Verdict.OK() {
		result = "fail"
	}
	_, err := fmt.Fprintf(w, "verdict: %s (%d trials, tolerance %.0f%%)\n",
		result, doc.Verdict.Trials, doc.Verdict.Tolerance*100)
	return err
}
