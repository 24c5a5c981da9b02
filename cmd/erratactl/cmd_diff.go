package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZeroPathAI/openerrata/internal/lineage"
)

var diffCmd = &cobra.Command{
	Use:   "diff PREVIOUS CURRENT",
	Short: "Print the line diff an update investigation would receive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		previous, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read previous: %w", err)
		}
		current, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read current: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), lineage.BuildLineDiff(string(previous), string(current)))
		return nil
	},
}
