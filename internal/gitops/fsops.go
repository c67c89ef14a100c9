package gitops

import (
	"os"
	"path/filepath"
)

// resolveGitPath joins a path returned by `git rev-parse --git-path` against
// the repo's working directory if it is not already absolute.
func (r *Repo) resolveGitPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.Dir, p)
}

// pathExists reports whether path is a non-empty string naming an existing
// file or directory.
func pathExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// plainRename moves src to dst on the filesystem (not under version control).
func plainRename(src, dst string) error {
	return os.Rename(src, dst)
}
