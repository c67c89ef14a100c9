package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var binaryPath string

func TestAcceptance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Acceptance Suite")
}

var _ = BeforeSuite(func() {
	_, thisFile, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")
	binaryPath = filepath.Join(projectRoot, "bin", "loopline-test")

	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/orchestrator")
	cmd.Dir = projectRoot
	cmd.Env = append(cmd.Environ(), "CGO_ENABLED=0")
	output, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), "failed to build binary: %s", string(output))
})

// setupTestRepo initializes a throwaway git repository with one commit on
// main, plus a bare "origin" remote tracking it — the merge coordinator
// always pulls from origin/main, so every fixture needs one even though
// nothing else ever pushes to it during a single run.
func setupTestRepo(prefix string) (string, string) {
	tmpDir, err := os.MkdirTemp("", prefix)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	repoDir := filepath.Join(tmpDir, "repo")
	runGit(tmpDir, "init", repoDir)
	runGit(repoDir, "checkout", "-b", "main")
	writeFile(filepath.Join(repoDir, "README.md"), "seed\n")
	runGit(repoDir, "add", "README.md")
	runGit(repoDir, "commit", "-m", "initial commit")

	originDir := filepath.Join(tmpDir, "origin.git")
	runGit(tmpDir, "init", "--bare", originDir)
	runGit(repoDir, "remote", "add", "origin", originDir)
	runGit(repoDir, "push", "origin", "main")

	return tmpDir, repoDir
}

// cleanupTestRepo prunes worktrees (git refuses to rmdir a repo with live
// worktree records) and removes the temporary directory.
func cleanupTestRepo(repoDir, tmpDir string) {
	exec.Command("git", "-C", repoDir, "worktree", "prune").Run()
	os.RemoveAll(tmpDir)
}

func writeConfig(repoDir, agentScript string, extra string) string {
	configPath := filepath.Join(repoDir, "loopline.yaml")
	writeFile(configPath, `
issues_root: "."

agent:
  command: "sh"
  args: ["-c", "`+agentScript+`"]

categories:
  - name: bug
    prefix: BUG
    directory: bugs
    verb: fix

worker_pool:
  max_workers: 2

timeouts:
  total_run: 30s
  issue_total: 10s
  issue_idle: 10s
  subprocess_cmd: 10s
  kill_wait: 2s

merge_coordinator:
  max_merge_retries: 1
  circuit_breaker_threshold: 3
`+extra+`
`)
	return configPath
}

func writeTaskFile(repoDir, id, slug string) string {
	path := filepath.Join(repoDir, "bugs", id+"-"+slug+".md")
	writeFile(path, "# Fix "+id+"\n\nDo the thing.\n")
	runGit(repoDir, "add", filepath.Join("bugs", id+"-"+slug+".md"))
	runGit(repoDir, "commit", "-m", "add "+id)
	return path
}

func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
}

func runGitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, string(out))
	return string(out)
}

func writeFile(path, content string) {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0755)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
	err = os.WriteFile(path, []byte(content), 0644)
	ExpectWithOffset(1, err).NotTo(HaveOccurred())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
