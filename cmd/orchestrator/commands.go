package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kef2001/claude-code-ochestrator-sub002/internal/checkpointstore"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/orchestrator"
	"github.com/kef2001/claude-code-ochestrator-sub002/internal/planvalidator"
)

// planDocument is the submit/validate input file shape: either a bare JSON array
// of task specs or an object with a "tasks" key.
type planDocument struct {
	Tasks []orchestrator.TaskSpec `json:"tasks"`
}

func parsePlanFile(path string) ([]orchestrator.TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var specs []orchestrator.TaskSpec
	if err := json.Unmarshal(data, &specs); err == nil {
		return specs, nil
	}
	var doc planDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan document: %w", err)
	}
	return doc.Tasks, nil
}

func printReport(report planvalidator.Report) {
	fmt.Fprintf(os.Stderr, "plan: %s\n", report.CanExecute)
	for _, issue := range report.Issues {
		fmt.Fprintf(os.Stderr, "  [%s] %s: %s\n", issue.Severity, issue.Category, issue.Message)
	}
	for _, rec := range report.Recommendations {
		fmt.Fprintf(os.Stderr, "  recommendation: %s\n", rec)
	}
}

func newSubmitCmd(configPath, repoPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file>",
		Short: "Parse a task document and submit it to the plan validator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, workDir, err := loadConfig(*configPath, *repoPath, logger)
			if err != nil {
				return err
			}

			specs, err := parsePlanFile(args[0])
			if err != nil {
				return &exitError{code: 3, err: err}
			}

			orch, err := buildApp(cfg, workDir, logger)
			if err != nil {
				return err
			}
			defer orch.Shutdown(5 * time.Second)

			report, err := orch.Submit(cmd.Context(), specs)
			if err != nil {
				printReport(report)
				return &exitError{code: 2, err: err}
			}
			fmt.Printf("submitted %d tasks (%s)\n", len(specs), report.CanExecute)
			return nil
		},
	}
}

func newRunCmd(configPath, repoPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the main loop until no runnable tasks remain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, workDir, err := loadConfig(*configPath, *repoPath, logger)
			if err != nil {
				return err
			}

			orch, err := buildApp(cfg, workDir, logger)
			if err != nil {
				return err
			}
			defer orch.Shutdown(10 * time.Second)

			return orch.Run(cmd.Context())
		},
	}
}

func newStatusCmd(configPath, repoPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [<id>]",
		Short: "Print task status and lifecycle state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, workDir, err := loadConfig(*configPath, *repoPath, logger)
			if err != nil {
				return err
			}

			orch, err := orchestrator.New(cfg, workDir, "orchestrator", orchestrator.Options{}, logger)
			if err != nil {
				return err
			}
			defer orch.Shutdown(time.Second)

			if len(args) == 1 {
				return printTaskStatus(orch, args[0])
			}
			for _, t := range orch.Tasks().All() {
				fmt.Printf("%s\t%s\t%s\n", t.ID, t.Status, t.Title)
			}
			return nil
		},
	}
}

func printTaskStatus(orch *orchestrator.Orchestrator, id string) error {
	t, ok := orch.Tasks().Get(id)
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	fmt.Printf("id:       %s\ntitle:    %s\nstatus:   %s\npriority: %d\n", t.ID, t.Title, t.Status, t.Priority)
	if len(t.Dependencies) > 0 {
		fmt.Printf("deps:     %v\n", t.Dependencies)
	}
	if lcCtx, ok := orch.Lifecycle().Get(id); ok {
		fmt.Printf("lifecycle: %s (retries %d, worker %s)\n", lcCtx.State, lcCtx.RetryCount, lcCtx.WorkerID)
		for _, e := range lcCtx.ErrorHistory {
			fmt.Printf("  error: %s\n", e)
		}
	}
	return nil
}

func newRollbackCmd(configPath, repoPath *string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "rollback <checkpoint>",
		Short: "Restore the working tree to a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, workDir, err := loadConfig(*configPath, *repoPath, logger)
			if err != nil {
				return err
			}

			orch, err := orchestrator.New(cfg, workDir, "orchestrator", orchestrator.Options{}, logger)
			if err != nil {
				return err
			}
			defer orch.Shutdown(time.Second)

			diff, err := orch.Checkpoints().Rollback(args[0], checkpointstore.StrategyFull, nil, dryRun)
			if err != nil {
				return err
			}
			action := "restored"
			if dryRun {
				action = "would restore"
			}
			fmt.Printf("%s: %d created, %d overwritten, %d deleted\n",
				action, len(diff.ToCreate), len(diff.ToOverwrite), len(diff.ToDelete))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the diff without touching the working tree")
	return cmd
}

func newValidateCmd(configPath, repoPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Run the plan validator without persisting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, workDir, err := loadConfig(*configPath, *repoPath, logger)
			if err != nil {
				return err
			}

			specs, err := parsePlanFile(args[0])
			if err != nil {
				return &exitError{code: 3, err: err}
			}

			orch, err := orchestrator.New(cfg, workDir, "orchestrator", orchestrator.Options{}, logger)
			if err != nil {
				return err
			}
			defer orch.Shutdown(time.Second)

			report := orch.ValidatePlan(specs)
			printReport(report)
			switch report.CanExecute {
			case planvalidator.OutcomeApproved, planvalidator.OutcomeApprovedWithWarnings:
				return nil
			default:
				return &exitError{code: 2, err: fmt.Errorf("plan %s", report.CanExecute)}
			}
		},
	}
}

func newWorkersCmd(configPath, repoPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List the provisioned worker fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, workDir, err := loadConfig(*configPath, *repoPath, logger)
			if err != nil {
				return err
			}

			orch, err := buildApp(cfg, workDir, logger)
			if err != nil {
				return err
			}
			defer orch.Shutdown(time.Second)

			for _, p := range orch.Registry().All() {
				fmt.Printf("%s\tmodel=%s\ttier=%s\tstate=%s\tload=%.2f\tscore=%.2f\n",
					p.WorkerID, p.ModelID, p.MaxComplexity, p.State, p.Load(), p.PerformanceScore)
			}
			return nil
		},
	}
}
