// Package mergecoord serializes every merge into the main repository through
// a single background goroutine draining a FIFO of MergeRequests. Sequential
// processing is deliberate: parallel merges caused recurring conflicts and
// index races in the system this is modeled on; the throughput cost is
// accepted in exchange for a main branch that never ends up in a half-merged
// state.
package mergecoord

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brennontwilliams/loopline/internal/config"
	"github.com/brennontwilliams/loopline/internal/gitops"
	"github.com/brennontwilliams/loopline/internal/logging"
	"github.com/brennontwilliams/loopline/internal/workerpool"
)

var log = logging.For("mergecoord")

// MergeRequest is one worker's completed result, admitted into the
// coordinator's FIFO for merging into main.
type MergeRequest struct {
	ID         string // uuid, for correlating log lines across retries
	Result     workerpool.WorkerResult
	Attempts   int
	AdmittedAt time.Time
}

// Outcome is delivered to the caller once a request leaves the state
// machine, whatever the terminal state.
type Outcome struct {
	IssueID          string
	Merged           bool
	FailureReason    string
	StashPopFailure  string // non-empty if PopStash conflicted
	BackupDir        string // non-empty if UntrackedWouldBeOverwritten took the backup path
}

// Coordinator owns the single background goroutine that drains the request
// FIFO. All of its mutable fields (circuit breaker counter, problematic
// commits, stash-pop failures) are touched only by that goroutine; readers
// must call the snapshot accessors, which copy under the mutex.
type Coordinator struct {
	cfg      *config.Config
	mainRepo *gitops.Repo
	lock     *gitops.RepoLock

	reqs   chan MergeRequest
	done   chan struct{}
	wg     sync.WaitGroup
	onDone func(Outcome)

	mu                 sync.Mutex
	consecutiveFails   int
	breakerOpen        bool
	problematicCommits map[string]bool
	stashPopFailures   map[string]string
	preferredStrategy  gitops.PullStrategy
	pending            int // admitted but not yet finished; see Pending
}

// New returns a Coordinator bound to mainRepo. onDone is invoked exactly once
// per admitted request, from the coordinator's own goroutine.
func New(cfg *config.Config, mainRepo *gitops.Repo, lock *gitops.RepoLock, onDone func(Outcome)) *Coordinator {
	strategy := gitops.StrategyRebase
	if cfg.MergeCoord.DefaultPullStrategy == "merge" {
		strategy = gitops.StrategyMerge
	}
	return &Coordinator{
		cfg:                cfg,
		mainRepo:           mainRepo,
		lock:               lock,
		reqs:               make(chan MergeRequest, 64),
		done:                make(chan struct{}),
		onDone:             onDone,
		problematicCommits: make(map[string]bool),
		stashPopFailures:   make(map[string]string),
		preferredStrategy:  strategy,
	}
}

// Start launches the draining goroutine. Call Stop to shut it down cleanly.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.drain()
}

// Stop signals the draining goroutine to exit once the current request (if
// any) finishes, then waits for it.
func (c *Coordinator) Stop() {
	close(c.done)
	c.wg.Wait()
}

// Enqueue admits a worker result for merging. Never blocks indefinitely: the
// internal channel is generously buffered, and callers are expected to stop
// enqueuing once Stop has been called.
func (c *Coordinator) Enqueue(result workerpool.WorkerResult) {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	c.reqs <- MergeRequest{ID: uuid.New().String(), Result: result, AdmittedAt: time.Now()}
}

// Pending reports how many admitted requests have not yet reached finish().
// The orchestrator's idle check must include this count: a worker's
// completion callback returns as soon as the request is enqueued, well
// before the coordinator's own goroutine has processed it.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// BreakerOpen reports whether the circuit breaker has tripped.
func (c *Coordinator) BreakerOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakerOpen
}

// FlushLifecycleMoves commits any lifecycle rename left staged by the most
// recent completion. Normally the next request's HealthCheck phase picks
// these up before its own pull, but the last completion of a run has no
// following request — call this once after draining so a single run leaves a
// clean working tree rather than relying on the next invocation to notice.
func (c *Coordinator) FlushLifecycleMoves() error {
	unlock := c.lock.Lock()
	defer unlock()
	return c.commitPendingLifecycleMoves()
}

// StashPopFailures returns a snapshot of the recorded stash-pop failures.
func (c *Coordinator) StashPopFailures() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.stashPopFailures))
	for k, v := range c.stashPopFailures {
		out[k] = v
	}
	return out
}

func (c *Coordinator) drain() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.reqs:
			c.process(req)
		case <-c.done:
			// Drain whatever is already buffered before exiting so no
			// admitted request is silently dropped.
			for {
				select {
				case req := <-c.reqs:
					c.process(req)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) process(req MergeRequest) {
	logger := log.With().Str("issue_id", req.Result.IssueID).Str("request_id", req.ID).Int("attempt", req.Attempts+1).Logger()

	if c.BreakerOpen() {
		logger.Warn().Msg("circuit breaker open, failing fast")
		c.finish(req, Outcome{IssueID: req.Result.IssueID, Merged: false, FailureReason: "circuit breaker open"})
		return
	}

	outcome := c.run(req)
	c.recordOutcome(outcome)
	c.finish(req, outcome)
}

func (c *Coordinator) finish(req MergeRequest, outcome Outcome) {
	// Worktree teardown happens regardless of outcome, once the request
	// leaves the state machine.
	if req.Result.WorktreePath != "" {
		unlock := c.lock.Lock()
		if err := c.mainRepo.WorktreeRemove(req.Result.WorktreePath, true); err != nil {
			log.Warn().Err(err).Str("worktree", req.Result.WorktreePath).Msg("removing worker worktree")
		}
		unlock()
	}
	if c.onDone != nil {
		c.onDone(outcome)
	}

	c.mu.Lock()
	c.pending--
	c.mu.Unlock()
}

func (c *Coordinator) recordOutcome(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.Merged {
		c.consecutiveFails = 0
	} else {
		c.consecutiveFails++
		if c.consecutiveFails >= c.cfg.MergeCoord.CircuitBreakerThresh {
			c.breakerOpen = true
		}
	}
	if o.StashPopFailure != "" {
		c.stashPopFailures[o.IssueID] = o.StashPopFailure
	}
}

// run walks one request through HealthCheck -> StashLocal -> PullMain ->
// MergeBranch -> PopStash -> PostCommit, with RebaseInWorktree and
// BackupAndRetry as side paths.
func (c *Coordinator) run(req MergeRequest) Outcome {
	issueID := req.Result.IssueID
	logger := log.With().Str("issue_id", issueID).Logger()

	unlock := c.lock.Lock()
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	// 1. HealthCheck.
	if err := c.healthCheck(); err != nil {
		return Outcome{IssueID: issueID, Merged: false, FailureReason: err.Error()}
	}

	// 2. Commit pending lifecycle moves.
	if err := c.commitPendingLifecycleMoves(); err != nil {
		logger.Warn().Err(err).Msg("committing pending lifecycle moves")
	}

	// 3. StashLocal: tracked modifications only. Untracked files stay in
	// place; any the merge would overwrite go through the backup path.
	stash, err := c.mainRepo.Stash(false, c.stashExclusionPredicate())
	if err != nil {
		return Outcome{IssueID: issueID, Merged: false, FailureReason: "stashing local changes: " + err.Error()}
	}

	outcome := c.pullAndMerge(req, logger)

	// PopStash, regardless of how pullAndMerge resolved. A nil handle
	// (nothing was stashed) pops as PopMissing.
	popOutcome, popErr := c.mainRepo.PopStash(stash)
	if popErr != nil {
		logger.Warn().Err(popErr).Msg("popping stash")
	}
	if popOutcome == gitops.PopConflicted {
		outcome.StashPopFailure = fmt.Sprintf("stash pop conflicted after merge for %s; stash entry left in stash list for manual recovery", issueID)
		logger.Warn().Msg(outcome.StashPopFailure)
	}

	return outcome
}

// healthCheck implements step 1: recover from a dirty index, one round, or
// fail this request only.
func (c *Coordinator) healthCheck() error {
	for round := 0; round < 2; round++ {
		health, err := c.mainRepo.CheckIndexHealth()
		if err != nil {
			return fmt.Errorf("checking index health: %w", err)
		}
		switch health {
		case gitops.HealthOK:
			return nil
		case gitops.HealthMergeHeadPresent:
			c.mainRepo.MergeAbort()
		case gitops.HealthRebaseInProgress:
			c.mainRepo.RebaseAbort()
			_ = c.mainRepo.ResetHard("HEAD")
		case gitops.HealthUnmergedEntries:
			_ = c.mainRepo.ResetHard("HEAD")
		}
	}
	return fmt.Errorf("index irrecoverable")
}

// commitPendingLifecycleMoves finds any staged rename from a category
// directory into completed/ and commits it. Necessary because the stash
// exclusion predicate deliberately skips these paths, so an uncommitted
// rename would otherwise block the next pull. spec.md §4.C requires
// closed-invalid moves to carry a commit message distinct from ordinary
// completions ("same move as above, with commit message tagged 'closed
// invalid'"), so the two kinds are split into separate commits; the issue
// store tags a moved file's own front matter with its destination status,
// which is the only place that distinction otherwise survives the rename.
func (c *Coordinator) commitPendingLifecycleMoves() error {
	status, err := c.mainRepo.Status()
	if err != nil {
		return err
	}
	var completed, closedInvalid []string
	for _, e := range status.Entries {
		if !isLifecyclePath(e.Path, c.cfg) {
			continue
		}
		if isClosedInvalidMove(filepath.Join(c.mainRepo.Dir, e.Path)) {
			closedInvalid = append(closedInvalid, e.Path)
		} else {
			completed = append(completed, e.Path)
		}
	}
	if len(completed) > 0 {
		if _, err := c.mainRepo.Commit(completed, c.cfg.MergeCoord.LifecycleCommitMessage); err != nil {
			return err
		}
	}
	if len(closedInvalid) > 0 {
		msg := "closed invalid: " + strings.Join(closedInvalid, ", ")
		if _, err := c.mainRepo.Commit(closedInvalid, msg); err != nil {
			return err
		}
	}
	return nil
}

// isClosedInvalidMove reports whether the file at fullPath carries a
// "status: closed_invalid" front-matter tag, as written by
// issuestore.Store.MoveToClosedInvalid. A plain content sniff is enough
// here — mergecoord deliberately has no dependency on issuestore's parser.
func isClosedInvalidMove(fullPath string) bool {
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return false
	}
	if !bytes.HasPrefix(data, []byte("---")) {
		return false
	}
	end := bytes.Index(data[3:], []byte("\n---"))
	if end == -1 {
		return false
	}
	frontMatter := data[:3+end]
	return bytes.Contains(frontMatter, []byte("status: closed_invalid"))
}

func isLifecyclePath(path string, cfg *config.Config) bool {
	// Status paths are repo-relative; task directories sit under IssuesRoot.
	if root := filepath.ToSlash(filepath.Clean(cfg.IssuesRoot)); root != "." {
		if !strings.HasPrefix(path, root+"/") {
			return false
		}
		path = strings.TrimPrefix(path, root+"/")
	}
	if strings.HasPrefix(path, "completed/") || strings.HasPrefix(path, ".completed/") {
		return true
	}
	for _, cat := range cfg.Categories {
		if strings.HasPrefix(path, cat.Directory+"/") {
			return true
		}
	}
	return false
}

// stashExclusionPredicate omits the state file, lifecycle-owned paths, and
// the worker-CLI context-state file from the stash.
func (c *Coordinator) stashExclusionPredicate() gitops.Predicate {
	stateFile := filepath.Base(c.cfg.StateFile)
	return func(path string) bool {
		if filepath.Base(path) == stateFile {
			return false
		}
		if isLifecyclePath(path, c.cfg) {
			return false
		}
		if strings.HasSuffix(path, "context-state.json") {
			return false
		}
		return true
	}
}
