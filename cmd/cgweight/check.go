//go:build linux

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/criyle/cgweight/pkg/cgroup"
)

// NewCheckCommand reports whether the host can run the benchmark
func NewCheckCommand(g *GlobalArgs) *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check cgroup v2 support, privileges and controllers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("parent") {
				cfg.Parent = parent
			}
			p, err := cgroup.NewNode(cfg.Parent)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()

			mode := cgroup.DetectMode()
			fmt.Fprintf(w, "cgroup mode:\t%s\n", cgroup.ModeString(mode))
			fmt.Fprintf(w, "euid:\t%d\n", os.Geteuid())
			fmt.Fprintf(w, "user namespace:\t%v\n", cgroup.RunningInUserNS())
			if cur, err := cgroup.CurrentGroup(); err == nil {
				fmt.Fprintf(w, "current group:\t%v\n", cur)
			} else {
				fmt.Fprintf(w, "current group:\t%v\n", err)
			}
			if mode != cgroup.ModeUnified {
				return errors.New("cgroup v2 unified hierarchy required")
			}

			fs := cgroup.NewFS(cfg.Mountpoint)
			avail, err := cgroup.Available(fs, p)
			if err != nil {
				return errors.Wrapf(err, "parent %v", p)
			}
			deleg, err := cgroup.Delegated(fs, p)
			if err != nil {
				return errors.Wrapf(err, "parent %v", p)
			}
			fmt.Fprintf(w, "parent:\t%v\n", p)
			fmt.Fprintf(w, "available controllers:\t%v\n", avail)
			fmt.Fprintf(w, "delegated controllers:\t%v\n", deleg)
			if !p.IsRoot() {
				if procs, err := cgroup.NewManager(fs).Procs(p); err == nil && len(procs) > 0 && len(deleg.Names()) == 0 {
					fmt.Fprintf(w, "note:\tparent holds %d processes, use --nest to delegate\n", len(procs))
				}
			}
			if !avail.CPU {
				return errors.Errorf("cpu controller not available at %v", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "Group the root group would be created under")
	return cmd
}
