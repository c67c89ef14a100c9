package orchestrator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennontwilliams/loopline/internal/config"
	"github.com/brennontwilliams/loopline/internal/gitops"
	"github.com/brennontwilliams/loopline/internal/issuestore"
	"github.com/brennontwilliams/loopline/internal/state"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := &config.Config{
		WorkerPool: config.WorkerPool{MaxWorkers: 1},
		MergeCoord: config.MergeCoord{CircuitBreakerThresh: 3, MaxMergeRetries: 3},
	}
	repo := gitops.NewRepo(t.TempDir(), 0)
	lock := gitops.NewRepoLock()
	st, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return New(cfg, repo, lock, st)
}

func issue(id string, priority int, status issuestore.Status, deps ...string) *issuestore.Issue {
	return &issuestore.Issue{ID: id, Priority: priority, Status: status, DependsOn: deps}
}

func TestFilterDropsCompletedIssues(t *testing.T) {
	o := testOrchestrator(t)
	issues := []*issuestore.Issue{
		issue("BUG-1", 1, issuestore.StatusCompleted),
		issue("BUG-2", 1, issuestore.StatusOpen),
	}
	runnable, cycle := o.filter(issues, nil)
	assert.Empty(t, cycle)
	require.Len(t, runnable, 1)
	assert.Equal(t, "BUG-2", runnable[0].ID)
}

func TestFilterDropsDependencyBlockedIssues(t *testing.T) {
	o := testOrchestrator(t)
	issues := []*issuestore.Issue{
		issue("BUG-1", 1, issuestore.StatusOpen),
		issue("BUG-2", 1, issuestore.StatusOpen, "BUG-1"),
	}
	runnable, _ := o.filter(issues, nil)
	require.Len(t, runnable, 1)
	assert.Equal(t, "BUG-1", runnable[0].ID)
}

func TestFilterAllowsIssueWhoseDependencyIsCompleted(t *testing.T) {
	o := testOrchestrator(t)
	issues := []*issuestore.Issue{
		issue("BUG-1", 1, issuestore.StatusCompleted),
		issue("BUG-2", 1, issuestore.StatusOpen, "BUG-1"),
	}
	runnable, _ := o.filter(issues, nil)
	require.Len(t, runnable, 1)
	assert.Equal(t, "BUG-2", runnable[0].ID)
}

func TestFilterOrdersByPriorityThenID(t *testing.T) {
	o := testOrchestrator(t)
	issues := []*issuestore.Issue{
		issue("BUG-2", 1, issuestore.StatusOpen),
		issue("BUG-1", 0, issuestore.StatusOpen),
		issue("BUG-3", 1, issuestore.StatusOpen),
	}
	runnable, _ := o.filter(issues, nil)
	require.Len(t, runnable, 3)
	assert.Equal(t, []string{"BUG-1", "BUG-2", "BUG-3"}, []string{runnable[0].ID, runnable[1].ID, runnable[2].ID})
}

func TestFilterRestrictToLimitsToWaveMembership(t *testing.T) {
	o := testOrchestrator(t)
	issues := []*issuestore.Issue{
		issue("BUG-1", 1, issuestore.StatusOpen),
		issue("BUG-2", 1, issuestore.StatusOpen),
	}
	runnable, _ := o.filter(issues, map[string]bool{"BUG-1": true})
	require.Len(t, runnable, 1)
	assert.Equal(t, "BUG-1", runnable[0].ID)
}

func TestFilterSkipsIssuesAlreadyCompletedInState(t *testing.T) {
	o := testOrchestrator(t)
	o.st.MarkCompleted("BUG-1")
	issues := []*issuestore.Issue{
		issue("BUG-1", 1, issuestore.StatusOpen),
		issue("BUG-2", 1, issuestore.StatusOpen),
	}
	runnable, _ := o.filter(issues, nil)
	require.Len(t, runnable, 1)
	assert.Equal(t, "BUG-2", runnable[0].ID)
}

func TestDetectCyclesNoCycle(t *testing.T) {
	byID := map[string]*issuestore.Issue{
		"BUG-1": issue("BUG-1", 1, issuestore.StatusOpen),
		"BUG-2": issue("BUG-2", 1, issuestore.StatusOpen, "BUG-1"),
		"BUG-3": issue("BUG-3", 1, issuestore.StatusOpen, "BUG-2"),
	}
	assert.Empty(t, detectCycles(byID))
}

func TestDetectCyclesDirectCycle(t *testing.T) {
	byID := map[string]*issuestore.Issue{
		"BUG-1": issue("BUG-1", 1, issuestore.StatusOpen, "BUG-2"),
		"BUG-2": issue("BUG-2", 1, issuestore.StatusOpen, "BUG-1"),
	}
	cycle := detectCycles(byID)
	assert.Contains(t, cycle, "BUG-1")
	assert.Contains(t, cycle, "BUG-2")
}

func TestDetectCyclesIndirectCycle(t *testing.T) {
	byID := map[string]*issuestore.Issue{
		"BUG-1": issue("BUG-1", 1, issuestore.StatusOpen, "BUG-3"),
		"BUG-2": issue("BUG-2", 1, issuestore.StatusOpen, "BUG-1"),
		"BUG-3": issue("BUG-3", 1, issuestore.StatusOpen, "BUG-2"),
	}
	cycle := detectCycles(byID)
	assert.ElementsMatch(t, []string{"BUG-1", "BUG-2", "BUG-3"}, cycle)
}

func TestDetectCyclesSelfDependencyIsReportedAsACycle(t *testing.T) {
	// depends_on listing the issue itself closes a cycle back on the gray
	// node that's currently being visited, so it's reported like any other
	// cycle rather than silently tolerated.
	o := testOrchestrator(t)
	issues := []*issuestore.Issue{
		issue("BUG-1", 1, issuestore.StatusOpen, "BUG-1"),
	}
	runnable, cycle := o.filter(issues, nil)
	assert.Contains(t, cycle, "BUG-1")
	assert.Empty(t, runnable)
}

func TestFilterReportsCycleParticipantsAsBlocked(t *testing.T) {
	o := testOrchestrator(t)
	issues := []*issuestore.Issue{
		issue("BUG-1", 1, issuestore.StatusOpen, "BUG-2"),
		issue("BUG-2", 1, issuestore.StatusOpen, "BUG-1"),
		issue("BUG-3", 1, issuestore.StatusOpen),
	}
	runnable, cycle := o.filter(issues, nil)
	require.Len(t, runnable, 1)
	assert.Equal(t, "BUG-3", runnable[0].ID)
	assert.ElementsMatch(t, []string{"BUG-1", "BUG-2"}, cycle)
}
