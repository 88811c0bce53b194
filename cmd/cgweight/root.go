//go:build linux

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/criyle/cgweight/pkg/config"
)

// GlobalArgs are the flags shared by every command
type GlobalArgs struct {
	LogLevel   string
	LogFormat  string
	ConfigFile string

	log *logrus.Logger
}

// NewRootCommand returns entrypoint command to interact with all other commands
func NewRootCommand() *cobra.Command {
	g := &GlobalArgs{}
	root := &cobra.Command{
		Use:           "cgweight",
		Short:         "Benchmark cgroup v2 cpu.weight across threads",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(g.LogLevel, g.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			g.log = l
			return nil
		},
	}
	initGlobalFlags(root.PersistentFlags(), g)

	root.AddCommand(
		NewRunCommand(g),
		NewCleanupCommand(g),
		NewCheckCommand(g),
		NewVersionCommand(),
	)
	return root
}

func initGlobalFlags(flags *pflag.FlagSet, g *GlobalArgs) {
	flags.StringVar(&g.LogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&g.LogFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVarP(&g.ConfigFile, "config", "c", "", "YAML configuration file")
}

// loadConfig loads the configuration file, or the defaults without one
func (g *GlobalArgs) loadConfig() (*config.Config, error) {
	if g.ConfigFile == "" {
		return config.Default(), nil
	}
	return config.Load(g.ConfigFile)
}
