package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/workflow"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		vars    []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Execute a workflow definition and print the final execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}
			def, err := workflow.LoadDefinitionFile(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			sys, _, err := root.system(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = sys.Shutdown(context.Background()) }()
			if err := sys.Start(ctx); err != nil {
				return err
			}
			if err := sys.Workflows.Register(ctx, def); err != nil {
				return err
			}
			exec, err := sys.Workflows.Execute(ctx, def.ID, variables)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(exec); err != nil {
				return err
			}
			if exec.Status != core.ExecutionCompleted {
				return fmt.Errorf("execution %s %s: %s", exec.ID, exec.Status, exec.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, "workflow variable as key=value; values are parsed as YAML scalars")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the execution after this long")
	return cmd
}

func parseVars(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q, want key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
