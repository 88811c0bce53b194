//go:build linux

package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/criyle/cgweight/pkg/cgroup"
)

// NewCleanupCommand removes the root group left by an interrupted run
func NewCleanupCommand(g *GlobalArgs) *cobra.Command {
	var root, parent string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove a stale root group and its subgroups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("root") {
				cfg.Root = root
			}
			if cmd.Flags().Changed("parent") {
				cfg.Parent = parent
			}
			p, err := cgroup.NewNode(cfg.Parent)
			if err != nil {
				return err
			}
			n := p.Child(cfg.Root)
			mgr := cgroup.NewManager(cgroup.NewFS(cfg.Mountpoint))

			ok, err := mgr.Exists(n)
			if err != nil {
				return err
			}
			if !ok {
				g.log.WithField("group", n.Group()).Info("nothing to clean up")
				return nil
			}
			if procs, err := mgr.Procs(n); err == nil && len(procs) > 0 {
				return errors.Errorf("%v still holds processes %v", n, procs)
			}
			if err := mgr.DestroyTree(n); err != nil {
				return errors.Wrapf(err, "cleanup %v", n)
			}
			g.log.WithField("group", n.Group()).Info("removed")
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "Name of the root group (default my_cgroup)")
	cmd.Flags().StringVar(&parent, "parent", "", "Group the root group was created under")
	return cmd
}
