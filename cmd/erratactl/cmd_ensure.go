package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZeroPathAI/openerrata/internal/repository"
	"github.com/ZeroPathAI/openerrata/internal/service"
	"github.com/ZeroPathAI/openerrata/internal/worker"
)

var ensureFlags struct {
	contentVersionID int64
	promptVersion    string
	requeueFailed    bool
	noEnqueue        bool
}

var ensureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Make sure a content version has a queued investigation",
	Args:  cobra.NoArgs,
	RunE:  runEnsure,
}

func init() {
	f := ensureCmd.Flags()
	f.Int64Var(&ensureFlags.contentVersionID, "content-version-id", 0, "Content version DB ID (required)")
	f.StringVar(&ensureFlags.promptVersion, "prompt-version", "", "Prompt version (defaults to PROMPT_VERSION)")
	f.BoolVar(&ensureFlags.requeueFailed, "requeue-failed", false, "Requeue the investigation if it FAILED")
	f.BoolVar(&ensureFlags.noEnqueue, "no-enqueue", false, "Record the investigation without notifying workers")

	_ = ensureCmd.MarkFlagRequired("content-version-id")
}

func runEnsure(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := connect(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	promptVersion := ensureFlags.promptVersion
	if promptVersion == "" {
		promptVersion = cfg.PromptVersion
	}

	coordinator := service.NewCoordinator(repository.NewPostgresStore(db), service.CoordinatorConfig{})
	res, err := coordinator.EnsureInvestigationQueued(cmd.Context(), service.EnsureRequest{
		ContentVersionID:   ensureFlags.contentVersionID,
		PromptVersion:      promptVersion,
		AllowRequeueFailed: ensureFlags.requeueFailed,
		Enqueue:            !ensureFlags.noEnqueue,
	})
	if err != nil {
		return err
	}
	if err := service.DispatchAll(cmd.Context(), worker.NewNotifyDispatcher(db), res.Events); err != nil {
		return fmt.Errorf("notify workers: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Investigation: #%d\n", res.Investigation.ID)
	fmt.Fprintf(out, "Status:        %s\n", res.Investigation.Status)
	if res.Run != nil {
		fmt.Fprintf(out, "Run:           #%d\n", res.Run.ID)
	}
	fmt.Fprintf(out, "Created:       %t\n", res.Created)
	fmt.Fprintf(out, "Enqueued:      %t\n", res.Enqueued)
	if res.Investigation.ParentInvestigationID != nil {
		fmt.Fprintf(out, "Parent:        #%d\n", *res.Investigation.ParentInvestigationID)
	}
	return nil
}
