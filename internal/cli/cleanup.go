package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/brennontwilliams/loopline/internal/gitops"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale worker worktrees",
	Long: `cleanup lists every directory under worktree_base and force-removes each
one as a git worktree. It does not check whether a worktree is still in use
or whether its branch still exists. A directory git does not recognize as a
worktree is reported and left in place.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}
		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}

		mainRepo := gitops.NewRepo(repoDir, cfg.Timeouts.SubprocessCmd.Duration())
		lock := gitops.NewRepoLock()

		base := cfg.WorktreeBase
		if !filepath.IsAbs(base) {
			base = filepath.Join(repoDir, base)
		}
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("no worktree_base directory, nothing to clean up")
				return nil
			}
			return err
		}

		removed := 0
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(base, e.Name())
			unlock := lock.Lock()
			err := mainRepo.WorktreeRemove(path, true)
			unlock()
			if err != nil {
				fmt.Fprintf(os.Stderr, "could not remove worktree %s: %s\n", path, err)
				continue
			}
			fmt.Printf("removed stale worktree %s\n", path)
			removed++
		}
		fmt.Printf("removed %d stale worktree(s)\n", removed)
		return nil
	},
}
