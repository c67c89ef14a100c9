// Package issuestore discovers, parses, classifies, and relocates task
// description files under a configurable issues root, per spec.md §4.C.
package issuestore

// Status enumerates the lifecycle states a task can be in.
type Status string

const (
	StatusOpen           Status = "open"
	StatusInProgress     Status = "in_progress"
	StatusMerged         Status = "merged"
	StatusCompleted      Status = "completed"
	StatusClosedInvalid  Status = "closed_invalid"
	StatusFailed         Status = "failed"
)

// Issue is a single unit of work backed by a markdown file on disk.
type Issue struct {
	ID         string
	Category   string // category name, not prefix
	Priority   int
	Path       string
	Status     Status
	DependsOn  []string
	Title      string
	FrontMatter map[string]any
	Body       string

	// Warning is set (non-fatal) when the file was malformed in some
	// tolerated way — e.g. missing title — or could not be read at all.
	// Discovery never fails for it.
	Warning string
}
