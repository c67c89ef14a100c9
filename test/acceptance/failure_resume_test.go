package acceptance_test

import (
	"fmt"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("a worker failure among several issues", func() {
	var tmpDir, repoDir, configPath, marker string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("loopline-failure-*")
		marker = filepath.Join(tmpDir, "BUG-40.succeeded")

		// BUG-40's agent fails the first time it's invoked and succeeds on
		// any later invocation — the marker lives outside the repo so it
		// survives whether or not a failed attempt's worktree is cleaned up.
		// Only BUG-40's worktree (its path carries the slugged ID) takes the
		// failing branch; BUG-41's agent always succeeds.
		script := fmt.Sprintf(`case $PWD in *bug-40*) if [ -f %s ]; then echo ok > out.txt; else touch %s; exit 1; fi;; *) echo ok > out.txt;; esac`, marker, marker)
		configPath = writeConfig(repoDir, script, "")
		writeTaskFile(repoDir, "BUG-40", "flaky")
		writeTaskFile(repoDir, "BUG-41", "steady")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("records the failure, keeps the rest of the run going, and lets resume retry only the failed issue", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		_ = err // BUG-40's first attempt is expected to fail, so the run exits non-zero

		out := string(output)
		Expect(out).To(ContainSubstring("BUG-40"))

		// The unrelated, always-succeeding issue still completed despite the
		// other worker's failure.
		Expect(fileExists(filepath.Join(repoDir, "completed", "BUG-41-steady.md"))).To(BeTrue())
		Expect(fileExists(filepath.Join(repoDir, "bugs", "BUG-40-flaky.md"))).To(BeTrue())
		Expect(fileExists(filepath.Join(repoDir, "completed", "BUG-40-flaky.md"))).To(BeFalse())

		resumeCmd := exec.Command(binaryPath, "resume", "--config", configPath)
		resumeCmd.Dir = repoDir
		resumeOut, rerr := resumeCmd.CombinedOutput()
		Expect(rerr).NotTo(HaveOccurred(), "resume output: %s", string(resumeOut))

		Expect(fileExists(filepath.Join(repoDir, "completed", "BUG-40-flaky.md"))).To(BeTrue())
	})
})
