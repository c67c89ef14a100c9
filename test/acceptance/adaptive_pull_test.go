package acceptance_test

import (
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("adaptive pull strategy", func() {
	var tmpDir, repoDir, originDir, configPath string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("loopline-adaptive-*")
		originDir = filepath.Join(tmpDir, "origin.git")

		// Land two commits on local main that origin doesn't have yet: one
		// adds shared.txt, the next removes it again. A rebasing pull
		// replays the first one on its own, so it collides with whatever
		// origin adds at shared.txt; a merging pull sees only the net (empty)
		// local change and goes through. Neither commit gets pushed by this
		// system, so they stay unresolved across requests until something
		// absorbs them.
		writeFile(filepath.Join(repoDir, "shared.txt"), "base\n")
		runGit(repoDir, "add", "shared.txt")
		runGit(repoDir, "commit", "-m", "local-only change to shared.txt")
		runGit(repoDir, "rm", "shared.txt")
		runGit(repoDir, "commit", "-m", "local-only removal of shared.txt")

		// Now push a conflicting change to the same line from a second
		// clone that still has origin's pre-local-change history.
		editorDir := filepath.Join(tmpDir, "upstream-editor")
		runGit(tmpDir, "clone", originDir, editorDir)
		runGit(editorDir, "checkout", "main")
		writeFile(filepath.Join(editorDir, "shared.txt"), "upstream\n")
		runGit(editorDir, "add", "shared.txt")
		runGit(editorDir, "commit", "-m", "upstream changes shared.txt")
		runGit(editorDir, "push", "origin", "main")

		// Neither task branch touches shared.txt itself, so each request's
		// own MergeBranch step is conflict-free; only a rebasing PullMain
		// collides, and it collides on the same commit both times since a
		// failed pull leaves local main exactly as diverged as it was.
		configPath = writeConfig(repoDir, "echo task-change > $(basename $PWD)-output.txt", "")
		writeTaskFile(repoDir, "BUG-20", "alpha")
		writeTaskFile(repoDir, "BUG-21", "beta")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("escalates to merge strategy after the same commit conflicts twice and recovers on resume", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		_ = err // at least one request is expected to fail on the first pass

		out := string(output)
		Expect(out).To(ContainSubstring("escalating to merge strategy"))

		// One of the two requests hit the conflict first and failed outright;
		// the other hit it second, escalated, and merged. Either way, local
		// main now has origin's commit folded in, so the failed one no
		// longer conflicts with anything on resume.
		resumeCmd := exec.Command(binaryPath, "resume", "--config", configPath)
		resumeCmd.Dir = repoDir
		resumeOut, rerr := resumeCmd.CombinedOutput()
		Expect(rerr).NotTo(HaveOccurred(), "resume output: %s", string(resumeOut))

		Expect(fileExists(filepath.Join(repoDir, "completed", "BUG-20-alpha.md"))).To(BeTrue())
		Expect(fileExists(filepath.Join(repoDir, "completed", "BUG-21-beta.md"))).To(BeTrue())
	})
})
