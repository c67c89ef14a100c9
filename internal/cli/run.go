package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/brennontwilliams/loopline/internal/config"
	"github.com/brennontwilliams/loopline/internal/gitops"
	"github.com/brennontwilliams/loopline/internal/orchestrator"
	"github.com/brennontwilliams/loopline/internal/state"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(parallelCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process pending tasks one at a time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(true, nil)
	},
}

var parallelCmd = &cobra.Command{
	Use:   "parallel",
	Short: "Process pending tasks with bounded worker concurrency",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(false, nil)
	},
}

// runBatch loads config, wires the orchestrator, and drives one run to
// completion or cancellation. forceSequential overrides max_workers to 1,
// implementing the "run" subcommand's sequential contract over the same
// orchestrator used by "parallel".
func runBatch(forceSequential bool, restrictTo map[string]bool) error {
	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return err
	}
	if forceSequential {
		cfg.WorkerPool.MaxWorkers = 1
	}

	repoDir, err := resolveRepo(configPath)
	if err != nil {
		return err
	}

	mainRepo := gitops.NewRepo(repoDir, cfg.Timeouts.SubprocessCmd.Duration())
	mainRepo.EnsureIdentity()
	lock := gitops.NewRepoLock()

	st, err := state.Load(stateFilePath(repoDir, cfg))
	if err != nil {
		return err
	}
	stale := st.Reconcile()
	for _, id := range stale {
		fmt.Fprintf(os.Stderr, "resuming: %s was in-progress at last shutdown, will retry\n", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.TotalRun.Duration())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			lastExitCode = ExitCancelled
			cancel()
		case <-ctx.Done():
		}
	}()

	o := orchestrator.New(cfg, mainRepo, lock, st)
	report, err := o.Run(ctx, restrictTo)
	if perr := st.Persist(); perr != nil {
		fmt.Fprintf(os.Stderr, "Error: persisting final state: %s\n", perr)
	}
	if err != nil {
		return err
	}

	printReport(report)
	if lastExitCode == 0 {
		lastExitCode = report.ExitCode
	}
	return nil
}

func printReport(r *orchestrator.Report) {
	if len(r.StashPopFailures) > 0 {
		fmt.Println("--- stash-pop failures (manual recovery needed) ---")
		for id, msg := range r.StashPopFailures {
			fmt.Printf("  %s: %s\n", id, msg)
		}
	}
	if r.CircuitBreakerHit {
		fmt.Println("--- circuit breaker OPEN: remaining requests failed fast ---")
	}
	if len(r.BlockedByCycle) > 0 {
		fmt.Printf("blocked by dependency cycle: %v\n", r.BlockedByCycle)
	}
	fmt.Printf("completed: %d, failed: %d\n", len(r.Completed), len(r.Failed))
	for id, reason := range r.Failed {
		fmt.Printf("  FAILED %s: %s\n", id, reason)
	}
}
