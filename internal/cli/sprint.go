package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/brennontwilliams/loopline/internal/gitops"
	"github.com/brennontwilliams/loopline/internal/orchestrator"
	"github.com/brennontwilliams/loopline/internal/state"
	"github.com/spf13/cobra"
)

func init() {
	sprintCmd.AddCommand(sprintRunCmd)
	rootCmd.AddCommand(sprintCmd)
}

var sprintCmd = &cobra.Command{
	Use:   "sprint",
	Short: "Commands for fixed-membership task waves",
}

var sprintRunCmd = &cobra.Command{
	Use:   "run <wave-file>",
	Short: "Run the orchestrator restricted to a fixed set of task IDs",
	Long: `sprint run reads a wave file (one task ID per line) and restricts
processing to that set. If any member of the wave fails, every member of the
wave is recorded only in failed_issues, never in completed_issues — a wave
either lands as a whole or is retried as a whole on the next sprint run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSprint(args[0])
	},
}

func runSprint(waveFile string) error {
	ids, err := readWaveFile(waveFile)
	if err != nil {
		return err
	}
	restrictTo := make(map[string]bool, len(ids))
	for _, id := range ids {
		restrictTo[id] = true
	}

	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return err
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
	st.Reconcile()

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
	if err != nil {
		return err
	}

	if len(report.Failed) > 0 {
		st.DemoteCompletedToFailed(ids, "sprint wave failed: at least one member did not merge")
	}
	if perr := st.Persist(); perr != nil {
		fmt.Fprintf(os.Stderr, "Error: persisting final state: %s\n", perr)
	}

	printReport(report)
	if lastExitCode == 0 {
		lastExitCode = report.ExitCode
	}
	return nil
}

func readWaveFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening wave file: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading wave file: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("wave file %s contains no task IDs", path)
	}
	return ids, nil
}
