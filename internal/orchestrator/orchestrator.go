// Package orchestrator is the top-level loop: discover issues, filter out
// completed and dependency-blocked work, dispatch workers bounded by
// max_workers, route completions either to the issue store's closed-invalid
// transition or the merge coordinator, persist progress, and produce a final
// report.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brennontwilliams/loopline/internal/config"
	"github.com/brennontwilliams/loopline/internal/gitops"
	"github.com/brennontwilliams/loopline/internal/issuestore"
	"github.com/brennontwilliams/loopline/internal/logging"
	"github.com/brennontwilliams/loopline/internal/mergecoord"
	"github.com/brennontwilliams/loopline/internal/queue"
	"github.com/brennontwilliams/loopline/internal/state"
	"github.com/brennontwilliams/loopline/internal/workerpool"
)

var log = logging.For("orchestrator")

// Report is the final, user-facing summary of a run.
type Report struct {
	Completed         []string
	Failed            map[string]string
	BlockedByCycle    []string
	StashPopFailures  map[string]string
	CircuitBreakerHit bool
	Timings           map[string]state.Timing
	ExitCode          int
}

// Orchestrator wires the discovery, queue, worker pool, and merge coordinator
// components into the single run loop described in spec.md §4.G.
type Orchestrator struct {
	cfg      *config.Config
	mainRepo *gitops.Repo
	lock     *gitops.RepoLock
	store    *issuestore.Store
	st       *state.Store

	q  *queue.Queue
	mc *mergecoord.Coordinator
	wp *workerpool.Pool

	wg        sync.WaitGroup
	mu        sync.Mutex
	active    int
	completed []string
	failed    map[string]string

	// byID is populated once in Run before any worker goroutine starts and
	// is read-only thereafter, so it needs no lock of its own.
	byID map[string]*issuestore.Issue
}

// New wires together a ready-to-run Orchestrator.
func New(cfg *config.Config, mainRepo *gitops.Repo, lock *gitops.RepoLock, st *state.Store) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		mainRepo: mainRepo,
		lock:     lock,
		store:    issuestore.New(cfg, mainRepo),
		st:       st,
		q:        queue.New(),
		failed:   make(map[string]string),
	}
	o.wp = workerpool.New(cfg, mainRepo, lock, cfg.WorkerPool.MaxWorkers)
	o.mc = mergecoord.New(cfg, mainRepo, lock, o.onMergeDone)
	return o
}

// Run executes the full loop and returns the final report. restrictTo, if
// non-empty, scopes discovery to that issue ID set (sprint/wave mode).
func (o *Orchestrator) Run(ctx context.Context, restrictTo map[string]bool) (*Report, error) {
	issues, err := o.store.Discover()
	if err != nil {
		return nil, fmt.Errorf("discovering issues: %w", err)
	}

	runnable, blockedCycle := o.filter(issues, restrictTo)

	byID := make(map[string]*issuestore.Issue, len(issues))
	for _, is := range issues {
		byID[is.ID] = is
	}
	o.byID = byID

	o.mc.Start()
	defer o.mc.Stop()

	// Step 2: optional P0-sequential sub-phase, max_workers=1.
	if o.cfg.WorkerPool.P0Sequential {
		var p0, rest []*issuestore.Issue
		for _, is := range runnable {
			if is.Priority == 0 {
				p0 = append(p0, is)
			} else {
				rest = append(rest, is)
			}
		}
		if len(p0) > 0 {
			if err := o.runSequentialPhase(ctx, p0); err != nil {
				return nil, err
			}
		}
		runnable = rest
	}

	for _, is := range runnable {
		o.q.Put(is.ID, is.Priority)
	}

	o.drainParallel(ctx, byID)

	if err := o.mc.FlushLifecycleMoves(); err != nil {
		log.Warn().Err(err).Msg("flushing pending lifecycle moves at end of run")
	}

	return o.buildReport(blockedCycle), nil
}

// runSequentialPhase drains p0 issues one at a time through the worker pool
// and merge coordinator before the parallel phase begins.
func (o *Orchestrator) runSequentialPhase(ctx context.Context, p0 []*issuestore.Issue) error {
	sort.SliceStable(p0, func(i, j int) bool { return p0[i].ID < p0[j].ID })
	for _, is := range p0 {
		done := make(chan struct{})
		o.st.MarkInProgress(is.ID)
		o.wp.Dispatch(ctx, is, func(r workerpool.WorkerResult) {
			o.handleWorkerResult(is, r)
			close(done)
		})
		<-done
		_ = o.st.Persist()
	}
	return nil
}

// drainParallel runs the bounded-concurrency phase until the queue, the
// workers, and the merge coordinator have all gone idle.
func (o *Orchestrator) drainParallel(ctx context.Context, byID map[string]*issuestore.Issue) {
	for {
		item, err := o.q.Get(false, 0)
		if err != nil {
			if o.allIdle() {
				return
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		is, ok := byID[item.ID]
		if !ok {
			o.q.MarkDone(item.ID)
			continue
		}

		o.mu.Lock()
		o.active++
		o.mu.Unlock()

		o.st.MarkInProgress(is.ID)
		o.wg.Add(1)
		o.wp.Dispatch(ctx, is, func(r workerpool.WorkerResult) {
			defer o.wg.Done()
			o.handleWorkerResult(is, r)
			o.mu.Lock()
			o.active--
			o.mu.Unlock()
			_ = o.st.Persist()
		})
	}
}

func (o *Orchestrator) allIdle() bool {
	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	return active == 0 && o.q.Len() == 0 && o.mc.Pending() == 0
}

// handleWorkerResult routes a completed worker result per spec.md §4.G step
// 3: should_close bypasses the merge coordinator entirely and goes straight
// to the issue store's closed-invalid transition; everything else is handed
// to F.
func (o *Orchestrator) handleWorkerResult(is *issuestore.Issue, r workerpool.WorkerResult) {
	logger := log.With().Str("issue_id", is.ID).Logger()

	if r.ShouldClose {
		reason := "closed invalid: " + r.CloseReason
		unlock := o.lock.Lock()
		err := o.store.MoveToClosedInvalid(is, r.CloseReason)
		unlock()
		if err != nil {
			logger.Error().Err(err).Msg("moving to closed-invalid")
			reason = "closed-invalid move failed: " + err.Error()
		}
		o.recordFailed(is.ID, reason)
		o.st.MarkFailed(is.ID, reason)
		o.q.MarkDone(is.ID)
		return
	}

	if !r.Success {
		logger.Warn().Str("reason", r.FailureReason).Msg("worker failed")
		o.recordFailed(is.ID, r.FailureReason)
		o.st.MarkFailed(is.ID, r.FailureReason)
		o.q.MarkFailed(is.ID)
		return
	}

	o.st.SetPhase(is.ID, "merge")
	o.mc.Enqueue(r)
}

// onMergeDone is the merge coordinator's completion callback: on success it
// finalizes the lifecycle move to completed/; on failure it records the
// failure reason. Runs on the coordinator's own goroutine.
func (o *Orchestrator) onMergeDone(oc mergecoord.Outcome) {
	logger := log.With().Str("issue_id", oc.IssueID).Logger()

	if !oc.Merged {
		logger.Warn().Str("reason", oc.FailureReason).Msg("merge failed")
		o.recordFailed(oc.IssueID, oc.FailureReason)
		o.st.MarkFailed(oc.IssueID, oc.FailureReason)
		o.q.MarkFailed(oc.IssueID)
		if oc.StashPopFailure != "" {
			o.st.RecordStashPopFailure(oc.IssueID, oc.StashPopFailure)
		}
		return
	}

	if is, ok := o.byID[oc.IssueID]; ok {
		unlock := o.lock.Lock()
		err := o.store.MoveToCompleted(is)
		unlock()
		if err != nil {
			// The merge itself already landed; a lifecycle-move failure (most
			// commonly a DestinationConflict) is reported but does not undo it.
			logger.Error().Err(err).Msg("moving merged issue into completed/")
			o.recordFailed(oc.IssueID, "merged but lifecycle move failed: "+err.Error())
		}
	}

	o.recordCompleted(oc.IssueID)
	o.st.MarkCompleted(oc.IssueID)
	o.q.MarkDone(oc.IssueID)
	if oc.StashPopFailure != "" {
		o.st.RecordStashPopFailure(oc.IssueID, oc.StashPopFailure)
	}
	if oc.BackupDir != "" {
		logger.Info().Str("backup_dir", oc.BackupDir).Msg("merge succeeded after backing up conflicting untracked paths")
	}
}

func (o *Orchestrator) recordCompleted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, id)
}

func (o *Orchestrator) recordFailed(id, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[id] = reason
}

// filter implements step 1's discovery filter: drop already-completed
// issues, drop issues blocked by an incomplete dependency, and detect cycles
// in depends_on (both sides of a cycle are reported, never guessed at).
func (o *Orchestrator) filter(issues []*issuestore.Issue, restrictTo map[string]bool) (runnable []*issuestore.Issue, blockedCycle []string) {
	byID := make(map[string]*issuestore.Issue, len(issues))
	for _, is := range issues {
		byID[is.ID] = is
	}

	cycle := detectCycles(byID)
	cycleSet := make(map[string]bool, len(cycle))
	for _, id := range cycle {
		cycleSet[id] = true
	}

	for _, is := range issues {
		if is.Status == issuestore.StatusCompleted {
			continue
		}
		if restrictTo != nil && !restrictTo[is.ID] {
			continue
		}
		if cycleSet[is.ID] {
			continue
		}
		if o.st.IsCompleted(is.ID) {
			continue
		}
		blocked := false
		for _, dep := range is.DependsOn {
			if dep == is.ID {
				continue
			}
			if depIssue, ok := byID[dep]; ok && depIssue.Status != issuestore.StatusCompleted && !o.st.IsCompleted(dep) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		runnable = append(runnable, is)
	}

	sort.SliceStable(runnable, func(i, j int) bool {
		if runnable[i].Priority != runnable[j].Priority {
			return runnable[i].Priority < runnable[j].Priority
		}
		return runnable[i].ID < runnable[j].ID
	})

	return runnable, cycle
}

// detectCycles returns every issue ID participating in a dependency cycle,
// via plain DFS coloring (white/gray/black).
func detectCycles(byID map[string]*issuestore.Issue) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var inCycle []string
	var visit func(id string, stack []string) bool

	visit = func(id string, stack []string) bool {
		color[id] = gray
		is, ok := byID[id]
		if ok {
			for _, dep := range is.DependsOn {
				if _, exists := byID[dep]; !exists {
					continue
				}
				switch color[dep] {
				case white:
					if visit(dep, append(stack, id)) {
						return true
					}
				case gray:
					inCycle = append(inCycle, append(append([]string{}, stack...), id, dep)...)
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range byID {
		if color[id] == white {
			visit(id, nil)
		}
	}

	seen := make(map[string]bool)
	var unique []string
	for _, id := range inCycle {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique
}

func (o *Orchestrator) buildReport(blockedCycle []string) *Report {
	snap := o.st.Snapshot()
	o.mu.Lock()
	failedCopy := make(map[string]string, len(o.failed))
	for k, v := range o.failed {
		failedCopy[k] = v
	}
	o.mu.Unlock()

	breakerOpen := o.mc.BreakerOpen()
	exitCode := 0
	if len(failedCopy) > 0 || breakerOpen {
		exitCode = 1
	}

	return &Report{
		Completed:         snap.CompletedIssues,
		Failed:            failedCopy,
		BlockedByCycle:    blockedCycle,
		StashPopFailures:  o.mc.StashPopFailures(),
		CircuitBreakerHit: breakerOpen,
		Timings:           snap.TimingByIssue,
		ExitCode:          exitCode,
	}
}
