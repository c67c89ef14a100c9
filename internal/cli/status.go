package cli

import (
	"fmt"

	"github.com/brennontwilliams/loopline/internal/state"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a summary of the persisted run state",
	Long:  `status reads the state file and prints counts and details without mutating anything.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}
		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}

		st, err := state.Load(stateFilePath(repoDir, cfg))
		if err != nil {
			return err
		}
		snap := st.Snapshot()

		fmt.Printf("completed:    %d\n", len(snap.CompletedIssues))
		fmt.Printf("failed:       %d\n", len(snap.FailedIssues))
		fmt.Printf("in_progress:  %d\n", len(snap.InProgress))
		if len(snap.InProgress) > 0 {
			fmt.Printf("  %v\n", snap.InProgress)
		}
		if len(snap.FailedIssues) > 0 {
			fmt.Println("failures:")
			for id, reason := range snap.FailedIssues {
				fmt.Printf("  %s: %s\n", id, reason)
			}
		}
		if len(snap.StashPopFailures) > 0 {
			fmt.Println("stash-pop failures (manual recovery needed):")
			for id, msg := range snap.StashPopFailures {
				fmt.Printf("  %s: %s\n", id, msg)
			}
		}
		return nil
	},
}
