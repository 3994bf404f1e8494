package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentflow"
	"github.com/hupe1980/agentflow/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "agentflow",
		Short:         "agentflow - multi-agent coordination and workflow engine",
		Long:          `agentflow routes messages between agents, forms teams around goals and executes workflow definitions with pause, resume and snapshot support.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newGoalCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, cfg.Validate()
}

func (o *rootOptions) system(logOut io.Writer) (*agentflow.System, *config.Config, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	sys, err := agentflow.FromConfig(cfg, logOut)
	if err != nil {
		return nil, nil, err
	}
	return sys, cfg, nil
}
