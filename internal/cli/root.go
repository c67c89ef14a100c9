package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string
var jsonLogs bool
var debugLogs bool

var rootCmd = &cobra.Command{
	Use:   "loopline",
	Short: "Orchestrate parallel coding-agent workers across a batch of tasks",
	Long: `loopline discovers task files in a repository, runs a coding-agent
worker per task in an isolated git worktree, and serializes the resulting
merges back into main through a single coordinator goroutine.

Progress is persisted to a state file so a run can be cancelled and resumed
without losing completed or in-flight work.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "loopline.yaml", "path to orchestrator config file")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "enable debug-level logging")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loopline %s\n", Version)
	},
}

// lastExitCode lets a subcommand report a specific exit code (partial
// failure, cancellation) without cobra printing a spurious usage error for
// what is, from the orchestrator's point of view, a successfully completed
// run that merely didn't finish everything.
var lastExitCode int

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if lastExitCode != 0 {
			return lastExitCode
		}
		return ExitUsageError
	}
	if lastExitCode != 0 {
		return lastExitCode
	}
	return ExitSuccess
}
