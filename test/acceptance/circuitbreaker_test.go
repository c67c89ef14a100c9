package acceptance_test

import (
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("circuit breaker", func() {
	var tmpDir, repoDir, configPath, originDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("loopline-breaker-*")
		originDir = filepath.Join(tmpDir, "origin.git")

		// Seed shared.txt on main and push it, then simulate an upstream
		// change to the same line from a second clone — every task branch
		// below still starts from the pre-upstream-change content, so each
		// one's merge collides with it the same way.
		writeFile(filepath.Join(repoDir, "shared.txt"), "original\n")
		runGit(repoDir, "add", "shared.txt")
		runGit(repoDir, "commit", "-m", "add shared.txt")
		runGit(repoDir, "push", "origin", "main")

		editorDir := filepath.Join(tmpDir, "upstream-editor")
		runGit(tmpDir, "clone", originDir, editorDir)
		runGit(editorDir, "checkout", "main")
		writeFile(filepath.Join(editorDir, "shared.txt"), "upstream-change\n")
		runGit(editorDir, "add", "shared.txt")
		runGit(editorDir, "commit", "-m", "upstream changes shared.txt")
		runGit(editorDir, "push", "origin", "main")

		configPath = writeConfig(repoDir, "echo task-change > shared.txt", "")
		for _, id := range []string{"BUG-1", "BUG-2", "BUG-3", "BUG-4"} {
			writeTaskFile(repoDir, id, "widget")
		}
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("trips after three consecutive merge failures and fails the rest fast", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		// A run with any failed issue exits non-zero; that's expected here.
		_ = err

		out := string(output)
		Expect(out).To(ContainSubstring("circuit breaker OPEN"))
		Expect(out).To(ContainSubstring("failed: 4"))
	})
})
