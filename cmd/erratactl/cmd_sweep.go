package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZeroPathAI/openerrata/internal/repository"
	"github.com/ZeroPathAI/openerrata/internal/service"
	"github.com/ZeroPathAI/openerrata/internal/worker"
)

var sweepFlags struct {
	batch int
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover PROCESSING investigations whose worker went away",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().IntVar(&sweepFlags.batch, "batch", 100, "Maximum investigations recovered per pass")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := connect(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store := repository.NewPostgresStore(db)
	selector := service.NewStaleRunSelector(store, worker.NewNotifyDispatcher(db), service.SelectorConfig{BatchSize: sweepFlags.batch})
	n, err := selector.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d investigation(s)\n", n)
	return nil
}
