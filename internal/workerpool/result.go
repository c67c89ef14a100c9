// Package workerpool is the bounded concurrent executor described in
// spec.md §4.E: creates a fresh worktree per task, runs the subprocess
// runner inside it, verifies real work was produced, detects and cleans up
// files leaked into the main repo, and hands a WorkerResult to the merge
// coordinator.
package workerpool

import "time"

// WorkerResult is produced by a worker and consumed by the merge coordinator.
type WorkerResult struct {
	IssueID      string
	BranchName   string
	WorktreePath string

	Success      bool
	ShouldClose  bool
	CloseReason  string
	FilesChanged []string

	StdoutExcerpt string
	StderrExcerpt string
	ExitCode      int
	Duration      time.Duration

	ContextHandoffEmitted bool

	FailureReason string
}
