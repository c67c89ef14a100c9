package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("untracked file in the way of a merge", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("loopline-backup-*")
		configPath = writeConfig(repoDir, "echo from-task > leftover.txt", "")
		writeTaskFile(repoDir, "BUG-30", "gadget")

		// An untracked file already sits where the task's own commit will
		// also create one — merging the task branch in would overwrite it.
		writeFile(filepath.Join(repoDir, "leftover.txt"), "pre-existing, never committed\n")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("backs the untracked file aside, retries, and still completes the merge", func() {
		cmd := exec.Command(binaryPath, "run", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
		Expect(string(output)).To(ContainSubstring("backup_dir"))

		merged, rerr := os.ReadFile(filepath.Join(repoDir, "leftover.txt"))
		Expect(rerr).NotTo(HaveOccurred())
		Expect(string(merged)).To(ContainSubstring("from-task"))

		backedUp, berr := os.ReadFile(filepath.Join(repoDir, ".orchestrator", "backups", "BUG-30", "leftover.txt"))
		Expect(berr).NotTo(HaveOccurred())
		Expect(string(backedUp)).To(ContainSubstring("pre-existing"))

		Expect(fileExists(filepath.Join(repoDir, "completed", "BUG-30-gadget.md"))).To(BeTrue())
	})
})
