package issuestore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brennontwilliams/loopline/internal/config"
	"github.com/brennontwilliams/loopline/internal/gitops"
	"github.com/brennontwilliams/loopline/internal/logging"
)

var log = logging.For("issuestore")

const completedDirName = "completed"

// ErrDestinationConflict is returned by lifecycle moves when the destination
// path already exists with different content than the source.
type ErrDestinationConflict struct {
	Src, Dst string
}

func (e *ErrDestinationConflict) Error() string {
	return fmt.Sprintf("destination %s already exists and differs from source %s", e.Dst, e.Src)
}

// Store discovers and relocates task files under cfg.IssuesRoot.
type Store struct {
	cfg  *config.Config
	repo *gitops.Repo
}

// New returns a Store rooted at cfg.IssuesRoot, using repo for tracked
// renames and commits.
func New(cfg *config.Config, repo *gitops.Repo) *Store {
	return &Store{cfg: cfg, repo: repo}
}

// Discover scans every configured category directory plus completed/ for
// task files matching the ID grammar. Unreadable files produce a warning and
// a partial record rather than aborting the scan.
func (s *Store) Discover() ([]*Issue, error) {
	var issues []*Issue

	for _, cat := range s.cfg.Categories {
		dir := filepath.Join(s.cfg.IssuesRoot, cat.Directory)
		found, err := s.scanDir(dir, cat.Name, StatusOpen)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // unknown/absent directories are ignored, not rejected
			}
			return nil, err
		}
		issues = append(issues, found...)
	}

	completedDir := filepath.Join(s.cfg.IssuesRoot, completedDirName)
	completed, err := s.scanDir(completedDir, "", StatusCompleted)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	issues = append(issues, completed...)

	return issues, nil
}

func (s *Store) scanDir(dir, categoryName string, status Status) ([]*Issue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var issues []*Issue
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pf, ok := ParseFilename(entry.Name())
		if !ok {
			continue // not a task file, ignore silently
		}

		path := filepath.Join(dir, entry.Name())
		issue, err := ParseFile(path)
		if err != nil {
			// Unreadable: keep a partial record built from the filename alone.
			log.Warn().Err(err).Str("path", path).Msg("unreadable task file, keeping a partial record")
			issue = &Issue{Path: path, Warning: err.Error()}
		}

		issue.ID = pf.Prefix + "-" + pf.Number
		issue.Status = status

		// Filename wins over front matter for priority.
		if pf.HasPriority {
			issue.Priority = pf.Priority
		} else if p, ok := issue.FrontMatter["priority"]; ok {
			issue.Priority = priorityFromValue(p)
		}

		if categoryName != "" {
			issue.Category = categoryName
		} else if cat := s.cfg.CategoryByPrefix(pf.Prefix); cat != nil {
			issue.Category = cat.Name
		}

		issues = append(issues, issue)
	}
	return issues, nil
}

func priorityFromValue(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case string:
		var n int
		_, _ = fmt.Sscanf(t, "P%d", &n)
		return n
	}
	return 0
}

// MoveToCompleted relocates a merged task file from its category directory
// into completed/, applying the destination-exists policy from spec.md §4.C.
func (s *Store) MoveToCompleted(issue *Issue) error {
	return s.move(issue, completedDirName, StatusCompleted, "")
}

// MoveToClosedInvalid relocates a task file into completed/ tagged as
// closed-invalid. reason is written into the moved file's own front matter
// (as close_reason) so it travels with the rename; the merge coordinator's
// lifecycle commit step reads the status tag back out to give closed-invalid
// moves a commit message distinct from ordinary completions (spec.md §4.C).
func (s *Store) MoveToClosedInvalid(issue *Issue, reason string) error {
	return s.move(issue, completedDirName, StatusClosedInvalid, reason)
}

// move stages (but does not commit) the relocation of issue's file into
// destSubdir, tagging the moved copy's front matter with status (and
// closeReason, if any) so the distinction survives the rename. Leaving the
// rename uncommitted is deliberate: the merge coordinator's stash step
// intentionally excludes lifecycle-owned paths (spec.md §4.F step 3), so an
// uncommitted rename would otherwise block the next pull. The coordinator
// commits pending lifecycle moves as its own state-machine step before
// pulling (spec.md §4.F step 2).
func (s *Store) move(issue *Issue, destSubdir string, status Status, closeReason string) error {
	dst := filepath.Join(s.cfg.IssuesRoot, destSubdir, filepath.Base(issue.Path))

	if dstData, err := os.ReadFile(dst); err == nil {
		srcData, err := os.ReadFile(issue.Path)
		if err != nil {
			return fmt.Errorf("reading source %s: %w", issue.Path, err)
		}
		if bytes.Equal(srcData, dstData) {
			// Identical content already at destination: remove the source
			// and stage the deletion; no rename needed.
			srcTracked, err := s.isTracked(issue.Path)
			if err != nil {
				return fmt.Errorf("checking tracked state of %s: %w", issue.Path, err)
			}
			if err := os.Remove(issue.Path); err != nil {
				return fmt.Errorf("removing duplicate source %s: %w", issue.Path, err)
			}
			if srcTracked {
				return s.repo.Stage([]string{issue.Path})
			}
			return nil
		}
		return &ErrDestinationConflict{Src: issue.Path, Dst: dst}
	}

	underVC, err := s.isTracked(issue.Path)
	if err != nil {
		return fmt.Errorf("checking tracked state of %s: %w", issue.Path, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}

	if err := s.repo.Mv(issue.Path, dst, underVC); err != nil {
		return fmt.Errorf("moving %s to %s: %w", issue.Path, dst, err)
	}

	if err := s.tagDestinationStatus(dst, status, closeReason); err != nil {
		return fmt.Errorf("tagging %s with status %s: %w", dst, status, err)
	}

	// The status rewrite above always changes dst's content after the mv
	// (or creates it, for a plain filesystem rename), so it always needs
	// staging — regardless of whether the source was tracked.
	if err := s.repo.Stage([]string{dst}); err != nil {
		return fmt.Errorf("staging %s: %w", dst, err)
	}
	return nil
}

// tagDestinationStatus rewrites dst's front matter in place to record its
// destination status, overwriting whatever status the file carried before
// the move (and close_reason, if the move is a closed-invalid one).
func (s *Store) tagDestinationStatus(dst string, status Status, closeReason string) error {
	parsed, err := ParseFile(dst)
	if err != nil {
		return err
	}
	fm := parsed.FrontMatter
	if fm == nil {
		fm = map[string]any{}
	}
	fm["status"] = string(status)
	if closeReason != "" {
		fm["close_reason"] = closeReason
	}
	content, err := SerializeFrontMatter(fm, parsed.Body)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(content), 0644)
}

// isTracked reports whether path is tracked by git.
func (s *Store) isTracked(path string) (bool, error) {
	rel, err := filepath.Rel(s.repo.Dir, path)
	if err != nil {
		rel = path
	}
	status, err := s.repo.Status()
	if err != nil {
		return false, err
	}
	for _, e := range status.Entries {
		if e.Path == rel {
			return true, nil
		}
	}
	for _, u := range status.Untracked {
		if u == rel {
			return false, nil
		}
	}
	// Neither modified nor untracked: assume tracked-and-clean.
	return true, nil
}
