package acceptance_test

import (
	"os/exec"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("parallel processing of independent tasks", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("loopline-parallel-*")
		configPath = writeConfig(repoDir, "sleep 1 && date +%s%N > output-$$.txt", "")
		writeTaskFile(repoDir, "BUG-1", "first")
		writeTaskFile(repoDir, "BUG-2", "second")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("merges both tasks into completed/ and exits cleanly", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		Expect(fileExists(filepath.Join(repoDir, "bugs", "BUG-1-first.md"))).To(BeFalse())
		Expect(fileExists(filepath.Join(repoDir, "bugs", "BUG-2-second.md"))).To(BeFalse())
		Expect(fileExists(filepath.Join(repoDir, "completed", "BUG-1-first.md"))).To(BeTrue())
		Expect(fileExists(filepath.Join(repoDir, "completed", "BUG-2-second.md"))).To(BeTrue())
	})

	It("runs both tasks concurrently rather than serially", func() {
		start := time.Now()
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		elapsed := time.Since(start)
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		// Each agent sleeps 1s; serial processing would take ~2s, parallel ~1s.
		Expect(elapsed).To(BeNumerically("<", 1800*time.Millisecond),
			"expected parallel execution to finish in <1.8s, took %s", elapsed)
	})

	It("leaves zero stash-pop failures", func() {
		cmd := exec.Command(binaryPath, "parallel", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
		Expect(string(output)).NotTo(ContainSubstring("stash-pop failures"))

		log := runGitOutput(repoDir, "log", "--format=%s", "main")
		Expect(log).NotTo(ContainSubstring("stash-pop"))
	})
})
