package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentflow/workflow"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [FILE...]",
		Short: "Check workflow definitions and the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var errs []error
			if root.configPath != "" {
				if _, err := root.load(); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", root.configPath, err))
				} else {
					fmt.Fprintf(out, "ok %s\n", root.configPath)
				}
			}
			for _, path := range args {
				def, err := workflow.LoadDefinitionFile(path)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				fmt.Fprintf(out, "ok %s (%s, %d steps)\n", path, def.ID, len(def.Steps))
			}
			if len(errs) == 0 && len(args) == 0 && root.configPath == "" {
				return errors.New("nothing to validate: pass workflow files or --config")
			}
			return errors.Join(errs...)
		},
	}
}
