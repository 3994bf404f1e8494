package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agentflow/core"
)

func newGoalCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "goal TEXT...",
		Short: "Submit a free-text goal and wait for its outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			sys, _, err := root.system(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = sys.Shutdown(context.Background()) }()
			if err := sys.Start(ctx); err != nil {
				return err
			}

			g, u, err := sys.SubmitGoal(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out, err := sys.WaitGoal(ctx, g.ID, 0)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{"goal": g, "understanding": u, "outcome": out}); err != nil {
				return err
			}
			if out.Status != core.GoalStatusCompleted {
				return fmt.Errorf("goal %s %s: %s", g.ID, out.Status, out.Error)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up waiting after this long")
	return cmd
}
