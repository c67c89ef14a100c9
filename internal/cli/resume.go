package cli

import "github.com/spf13/cobra"

func init() {
	rootCmd.AddCommand(resumeCmd)
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-enter a run using the existing state file",
	Long: `resume loads the persisted state file and continues processing:
issues already in completed_issues are skipped, and any issue left in
in_progress from an unclean shutdown is retried.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(false, nil)
	},
}
