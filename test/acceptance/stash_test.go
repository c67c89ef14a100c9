package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("a dirty main working tree during a merge", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("loopline-stash-*")
		configPath = writeConfig(repoDir, "echo fixed > fix-output.txt", "")
		writeTaskFile(repoDir, "BUG-10", "widget")

		// An uncommitted edit unrelated to the task being merged.
		writeFile(filepath.Join(repoDir, "src", "foo.c"), "int main() { return 1; }\n")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	It("preserves the unrelated uncommitted edit across the merge", func() {
		cmd := exec.Command(binaryPath, "run", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		data, rerr := os.ReadFile(filepath.Join(repoDir, "src", "foo.c"))
		Expect(rerr).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring("return 1"))

		Expect(fileExists(filepath.Join(repoDir, "completed", "BUG-10-widget.md"))).To(BeTrue())
	})

	It("reports zero stash-pop failures for a clean pop", func() {
		cmd := exec.Command(binaryPath, "run", "--config", configPath)
		cmd.Dir = repoDir
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
		Expect(string(output)).NotTo(ContainSubstring("stash-pop failures"))
	})
})
