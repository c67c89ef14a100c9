package mergecoord

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/brennontwilliams/loopline/internal/gitops"
)

const (
	mainRemote = "origin"
	mainBranch = "main"
)

// pullAndMerge implements steps 4 through 8 of the state machine: pull main
// up to date (with adaptive rebase/merge strategy switching), merge the
// worker branch in, and handle the untracked-overwrite and conflicted-merge
// side paths. Called with the repo lock already held.
func (c *Coordinator) pullAndMerge(req MergeRequest, logger zerolog.Logger) Outcome {
	issueID := req.Result.IssueID
	branch := req.Result.BranchName

	strategy, usedMergeStrategy := c.pullStrategyFor()

	if err := c.mainRepo.AssumeUnchanged(c.cfg.StateFile, true); err != nil {
		logger.Warn().Err(err).Msg("marking state file assume-unchanged")
	}
	defer func() {
		if err := c.mainRepo.AssumeUnchanged(c.cfg.StateFile, false); err != nil {
			logger.Warn().Err(err).Msg("restoring state file tracking")
		}
	}()

	pull, err := c.mainRepo.Pull(strategy, mainRemote, mainBranch)
	if err != nil {
		return Outcome{IssueID: issueID, Merged: false, FailureReason: "pulling main: " + err.Error()}
	}

	switch pull.Kind {
	case gitops.PullConflicted:
		c.mainRepo.RebaseAbort()
		escalated := c.recordProblematicCommit(pull.CommitHash)
		if escalated {
			// The same commit just conflicted twice in a row: rather than
			// fail this request too and wait for the next one to benefit,
			// retry immediately with the newly preferred (merge) strategy.
			logger.Info().Str("commit", pull.CommitHash).Msg("commit conflicted twice, escalating to merge strategy and retrying pull")
			strategy, usedMergeStrategy = gitops.StrategyMerge, true
			retry, rerr := c.mainRepo.Pull(strategy, mainRemote, mainBranch)
			if rerr != nil {
				return Outcome{IssueID: issueID, Merged: false, FailureReason: "pulling main after strategy escalation: " + rerr.Error()}
			}
			if retry.Kind == gitops.PullConflicted || retry.Kind == gitops.PullFailed {
				c.mainRepo.RebaseAbort()
				return Outcome{IssueID: issueID, Merged: false, FailureReason: fmt.Sprintf("pull still conflicted on %s after escalating to merge strategy", retry.CommitHash)}
			}
			pull = retry
			break
		}
		return Outcome{IssueID: issueID, Merged: false, FailureReason: fmt.Sprintf("pull conflicted on %s", pull.CommitHash)}
	case gitops.PullFailed:
		// This is the bug class step 2 exists for: re-check for uncommitted
		// lifecycle renames, commit them, and retry the pull exactly once.
		if cerr := c.commitPendingLifecycleMoves(); cerr != nil {
			logger.Warn().Err(cerr).Msg("retrying pending lifecycle commit after pull failure")
		}
		retry, rerr := c.mainRepo.Pull(strategy, mainRemote, mainBranch)
		if rerr != nil || retry.Kind == gitops.PullFailed || retry.Kind == gitops.PullConflicted {
			reason := pull.Reason
			if rerr != nil {
				reason = rerr.Error()
			}
			return Outcome{IssueID: issueID, Merged: false, FailureReason: "pull failed after retry: " + reason}
		}
		pull = retry
	}

	return c.mergeWithRetries(req, usedMergeStrategy, logger)
}

// pullStrategyFor returns the coordinator's currently preferred strategy.
// It starts at the configured default (normally rebase) and is permanently
// escalated to merge, for all subsequent requests, the first time a commit
// hash conflicts a second time (see recordProblematicCommit).
func (c *Coordinator) pullStrategyFor() (gitops.PullStrategy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferredStrategy, c.preferredStrategy == gitops.StrategyMerge
}

// recordProblematicCommit adds hash to the learned set and reports whether
// this call just escalated the coordinator to merge strategy. If hash was
// already known as problematic, the coordinator escalates to merge strategy
// for all future pulls rather than repeating a rebase that will fail again.
func (c *Coordinator) recordProblematicCommit(hash string) bool {
	if hash == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	escalated := false
	if c.problematicCommits[hash] && c.preferredStrategy != gitops.StrategyMerge {
		c.preferredStrategy = gitops.StrategyMerge
		escalated = true
	}
	c.problematicCommits[hash] = true
	return escalated
}

// mergeWithRetries implements steps 5 through 8: merge, with the
// backup-and-retry side path for untracked overwrites and the
// rebase-in-worktree side path for conflicts, bounded by max_merge_retries.
func (c *Coordinator) mergeWithRetries(req MergeRequest, usedMergeStrategy bool, logger zerolog.Logger) Outcome {
	issueID := req.Result.IssueID
	branch := req.Result.BranchName
	attempts := req.Attempts
	backupDir := ""

	for {
		merge, err := c.mainRepo.MergeBranch(branch)
		if err != nil && merge.Kind != gitops.MergeConflicted && merge.Kind != gitops.MergeUntrackedWouldBeOverwritten {
			return Outcome{IssueID: issueID, Merged: false, FailureReason: "merging: " + err.Error(), BackupDir: backupDir}
		}

		switch merge.Kind {
		case gitops.MergeFastForwarded, gitops.MergeMerged:
			return Outcome{IssueID: issueID, Merged: true, BackupDir: backupDir}

		case gitops.MergeUntrackedWouldBeOverwritten:
			if backupDir != "" {
				return Outcome{IssueID: issueID, Merged: false, FailureReason: "untracked paths still in the way after backup", BackupDir: backupDir}
			}
			if err := c.backupUntrackedPaths(issueID, merge.UntrackedPaths); err != nil {
				return Outcome{IssueID: issueID, Merged: false, FailureReason: "backing up untracked paths: " + err.Error()}
			}
			backupDir = filepath.Join(c.cfg.BackupRoot, issueID)
			logger.Info().Str("backup_dir", backupDir).Msg("moved conflicting untracked paths aside, retrying merge")
			continue // retry the merge exactly once with paths out of the way

		case gitops.MergeConflicted:
			if usedMergeStrategy {
				// The same conflicts would recur; skip the rebase retry
				// entirely and fail.
				c.mainRepo.MergeAbort()
				return Outcome{IssueID: issueID, Merged: false, FailureReason: "merge conflicted (no rebase retry: pull used merge strategy)", BackupDir: backupDir}
			}
			c.mainRepo.MergeAbort()

			if attempts >= c.cfg.MergeCoord.MaxMergeRetries {
				return Outcome{IssueID: issueID, Merged: false, FailureReason: "merge conflicted, exceeded max_merge_retries", BackupDir: backupDir}
			}
			attempts++
			ok, rerr := c.rebaseInWorktree(req.Result.WorktreePath, logger)
			if rerr != nil || !ok {
				reason := "rebase in worktree failed"
				if rerr != nil {
					reason = rerr.Error()
				}
				return Outcome{IssueID: issueID, Merged: false, FailureReason: reason, BackupDir: backupDir}
			}
			continue // another pass at MergeBranch
		}
	}
}

// rebaseInWorktree switches to the worker's still-present worktree, fetches
// main, and rebases onto it there. Called with the repo lock held: this
// touches the worktree, not the main index, but worktrees share the same
// object store so serialization is still required.
func (c *Coordinator) rebaseInWorktree(worktreePath string, logger zerolog.Logger) (bool, error) {
	if worktreePath == "" {
		return false, fmt.Errorf("no worktree path recorded for rebase retry")
	}
	wtRepo := gitops.NewRepo(worktreePath, c.mainRepo.CmdTimeout())
	if err := wtRepo.FetchRemote(mainRemote); err != nil {
		return false, fmt.Errorf("fetching main into worktree: %w", err)
	}
	outcome, err := wtRepo.RebaseOnto(mainRemote + "/" + mainBranch)
	if err != nil {
		return false, err
	}
	if outcome == gitops.RebaseConflicted {
		wtRepo.RebaseAbort()
		return false, nil
	}
	return true, nil
}

// backupUntrackedPaths moves each listed path to <backup_root>/<issue_id>/…
// preserving its relative path, clearing the way for the merge retry.
func (c *Coordinator) backupUntrackedPaths(issueID string, paths []string) error {
	for _, p := range paths {
		src := filepath.Join(c.mainRepo.Dir, p)
		dst := filepath.Join(c.cfg.BackupRoot, issueID, p)
		if err := moveAside(src, dst); err != nil {
			return fmt.Errorf("backing up %s: %w", p, err)
		}
	}
	return nil
}
