// Package state persists the orchestrator's run progress to a single JSON
// file using an atomic write-temp-then-rename replace, so a reader never
// observes a half-written file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brennontwilliams/loopline/internal/logging"
)

var log = logging.For("state")

const schemaVersion = 1

// Timing records the start/end unix timestamps (seconds, fractional) for one
// issue's processing.
type Timing struct {
	Start float64 `json:"start"`
	End   float64 `json:"end,omitempty"`
}

// State is the full persisted-run snapshot, matching the schema exactly.
type State struct {
	SchemaVersion    int               `json:"schema_version"`
	CompletedIssues  []string          `json:"completed_issues"`
	FailedIssues     map[string]string `json:"failed_issues"`
	InProgress       []string          `json:"in_progress"`
	PhaseByIssue     map[string]string `json:"phase_by_issue"`
	TimingByIssue    map[string]Timing `json:"timing_by_issue"`
	StashPopFailures map[string]string `json:"stash_pop_failures"`
}

// New returns an empty, ready-to-use State.
func New() *State {
	return &State{
		SchemaVersion:    schemaVersion,
		FailedIssues:     make(map[string]string),
		PhaseByIssue:     make(map[string]string),
		TimingByIssue:    make(map[string]Timing),
		StashPopFailures: make(map[string]string),
	}
}

// Store wraps a State with the mutex and path needed for safe concurrent
// mutation and atomic persistence. G is the only writer; other readers
// (status, resume) must tolerate the file being absent.
type Store struct {
	mu   sync.Mutex
	path string
	st   *State
}

// Load reads path if present, otherwise returns a fresh Store. Absence of the
// file is not an error — callers must be able to start a run cold.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Store{path: path, st: New()}, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	if st.FailedIssues == nil {
		st.FailedIssues = make(map[string]string)
	}
	if st.PhaseByIssue == nil {
		st.PhaseByIssue = make(map[string]string)
	}
	if st.TimingByIssue == nil {
		st.TimingByIssue = make(map[string]Timing)
	}
	if st.StashPopFailures == nil {
		st.StashPopFailures = make(map[string]string)
	}
	return &Store{path: path, st: &st}, nil
}

// Snapshot returns a deep-enough copy of the current state for read-only use
// (status reporting, resume reconciliation).
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := State{
		SchemaVersion:    s.st.SchemaVersion,
		CompletedIssues:  append([]string{}, s.st.CompletedIssues...),
		FailedIssues:     copyStrMap(s.st.FailedIssues),
		InProgress:       append([]string{}, s.st.InProgress...),
		PhaseByIssue:     copyStrMap(s.st.PhaseByIssue),
		TimingByIssue:    make(map[string]Timing, len(s.st.TimingByIssue)),
		StashPopFailures: copyStrMap(s.st.StashPopFailures),
	}
	for k, v := range s.st.TimingByIssue {
		out.TimingByIssue[k] = v
	}
	return out
}

func copyStrMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MarkInProgress records issue as started, at phase "dispatch".
func (s *Store) MarkInProgress(issueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.st.InProgress {
		if id == issueID {
			return
		}
	}
	s.st.InProgress = append(s.st.InProgress, issueID)
	s.st.PhaseByIssue[issueID] = "dispatch"
	s.st.TimingByIssue[issueID] = Timing{Start: nowSeconds()}
}

// SetPhase updates the recorded phase for an in-progress issue (e.g. "merge").
func (s *Store) SetPhase(issueID, phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.PhaseByIssue[issueID] = phase
}

// MarkCompleted moves issueID from in_progress into completed_issues.
func (s *Store) MarkCompleted(issueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeInProgressLocked(issueID)
	s.st.CompletedIssues = append(s.st.CompletedIssues, issueID)
	delete(s.st.PhaseByIssue, issueID)
	s.stampEndLocked(issueID)
}

// MarkFailed moves issueID from in_progress into failed_issues with reason.
func (s *Store) MarkFailed(issueID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeInProgressLocked(issueID)
	s.st.FailedIssues[issueID] = reason
	delete(s.st.PhaseByIssue, issueID)
	s.stampEndLocked(issueID)
}

// RecordStashPopFailure notes a recovery-needed stash-pop conflict.
func (s *Store) RecordStashPopFailure(issueID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.StashPopFailures[issueID] = message
}

func (s *Store) removeInProgressLocked(issueID string) {
	out := s.st.InProgress[:0]
	for _, id := range s.st.InProgress {
		if id != issueID {
			out = append(out, id)
		}
	}
	s.st.InProgress = out
}

func (s *Store) stampEndLocked(issueID string) {
	t := s.st.TimingByIssue[issueID]
	t.End = nowSeconds()
	s.st.TimingByIssue[issueID] = t
}

// Persist writes the current state to disk via write-temp-then-rename, so a
// concurrent reader never observes a partially-written file.
func (s *Store) Persist() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.st, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// Reconcile implements invariant 5's resume rule: any issue left in
// in_progress from a prior, non-clean shutdown is neither completed nor
// failed, so it must be retried. It is simply dropped from in_progress here;
// the caller (orchestrator) is responsible for re-enqueuing it.
func (s *Store) Reconcile() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := append([]string{}, s.st.InProgress...)
	s.st.InProgress = nil
	for _, id := range stale {
		delete(s.st.PhaseByIssue, id)
		log.Warn().Str("issue_id", id).Msg("resuming: issue was in-progress at last shutdown, will retry")
	}
	return stale
}

// DemoteCompletedToFailed moves each of issueIDs out of completed_issues and
// into failed_issues with reason, if present there. Used by sprint/wave runs:
// a wave that fails must record its members only in failed_issues, never in
// completed_issues, even if some of them individually merged successfully.
func (s *Store) DemoteCompletedToFailed(issueIDs []string, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	demote := make(map[string]bool, len(issueIDs))
	for _, id := range issueIDs {
		demote[id] = true
	}
	kept := s.st.CompletedIssues[:0]
	for _, id := range s.st.CompletedIssues {
		if demote[id] {
			s.st.FailedIssues[id] = reason
			continue
		}
		kept = append(kept, id)
	}
	s.st.CompletedIssues = kept
}

// IsCompleted reports whether issueID already appears in completed_issues.
func (s *Store) IsCompleted(issueID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.st.CompletedIssues {
		if id == issueID {
			return true
		}
	}
	return false
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
