package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coscontrol/cosd/internal/logging"
)

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test.invalid")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func gitOut(t *testing.T, repo string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = repo
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %v: %v", args, err)
	}
	return strings.TrimSpace(string(out))
}

func TestCreateProvisionsWorktreeOnFreshBranch(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir(), logging.New("WORKTREE-TEST"))

	wt, err := m.Create("agt-001", repo, "t1", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if wt.BranchName != "cos/t1/agt-001" {
		t.Errorf("branch = %q, want cos/t1/agt-001", wt.BranchName)
	}
	if wt.BaseBranch != "main" {
		t.Errorf("base = %q, want main", wt.BaseBranch)
	}
	if _, err := os.Stat(filepath.Join(wt.WorktreePath, "README.md")); err != nil {
		t.Errorf("worktree missing checked-out files: %v", err)
	}
	if got := gitOut(t, wt.WorktreePath, "rev-parse", "--abbrev-ref", "HEAD"); got != wt.BranchName {
		t.Errorf("worktree HEAD = %q, want %q", got, wt.BranchName)
	}
}

func TestCreateWithExplicitBaseBranch(t *testing.T) {
	repo := initRepo(t)
	cmd := exec.Command("git", "branch", "develop")
	cmd.Dir = repo
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}

	m := NewManager(t.TempDir(), logging.New("WORKTREE-TEST"))
	wt, err := m.Create("agt-002", repo, "t2", CreateOptions{BaseBranch: "develop"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if wt.BaseBranch != "develop" {
		t.Errorf("base = %q, want develop", wt.BaseBranch)
	}
}

func TestCreateRejectsNonRepository(t *testing.T) {
	m := NewManager(t.TempDir(), logging.New("WORKTREE-TEST"))
	if _, err := m.Create("agt-003", t.TempDir(), "t3", CreateOptions{}); err == nil {
		t.Fatal("expected failure for a non-repository source")
	}
	if _, err := m.Create("agt-004", "", "t4", CreateOptions{}); err == nil {
		t.Fatal("expected failure for an empty source path")
	}
}

func TestRemoveWithMergeFastForwardsBase(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir(), logging.New("WORKTREE-TEST"))

	wt, err := m.Create("agt-005", repo, "t5", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// the agent commits inside its worktree
	if err := os.WriteFile(filepath.Join(wt.WorktreePath, "done.txt"), []byte("done\n"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "agent work"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = wt.WorktreePath
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}

	if err := m.Remove("agt-005", repo, wt.BranchName, RemoveOptions{Merge: true, BaseBranch: wt.BaseBranch}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// main now contains the agent's commit; the worktree and branch are gone
	if got := gitOut(t, repo, "log", "-1", "--format=%s", "main"); got != "agent work" {
		t.Errorf("main tip = %q, want the agent commit", got)
	}
	if _, err := os.Stat(wt.WorktreePath); !os.IsNotExist(err) {
		t.Errorf("worktree path still exists: %v", err)
	}
	if out := gitOut(t, repo, "branch", "--list", wt.BranchName); out != "" {
		t.Errorf("agent branch survived removal: %q", out)
	}
}

func TestRemoveWithoutMergeDiscards(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir(), logging.New("WORKTREE-TEST"))

	wt, err := m.Create("agt-006", repo, "t6", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Remove("agt-006", repo, wt.BranchName, RemoveOptions{}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := gitOut(t, repo, "log", "-1", "--format=%s", "main"); got != "initial" {
		t.Errorf("main tip = %q, want untouched initial commit", got)
	}
}

func TestCleanupOrphansSparesActiveAgents(t *testing.T) {
	repo := initRepo(t)
	dataRoot := t.TempDir()
	m := NewManager(dataRoot, logging.New("WORKTREE-TEST"))

	live, err := m.Create("agt-live", repo, "t7", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	dead, err := m.Create("agt-dead", repo, "t8", CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.CleanupOrphans(repo, map[string]bool{"agt-live": true}); err != nil {
		t.Fatalf("CleanupOrphans: %v", err)
	}

	if _, err := os.Stat(live.WorktreePath); err != nil {
		t.Errorf("active agent's worktree removed: %v", err)
	}
	if _, err := os.Stat(dead.WorktreePath); !os.IsNotExist(err) {
		t.Errorf("orphaned worktree survived: %v", err)
	}
}

func TestProvisionerRemembersBaseForMerge(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(t.TempDir(), logging.New("WORKTREE-TEST"))
	p := NewProvisioner(m)

	path, branch, err := p.Create("agt-007", repo, "t9")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if branch != "cos/t9/agt-007" {
		t.Errorf("branch = %q", branch)
	}

	if err := os.WriteFile(filepath.Join(path, "done.txt"), []byte("x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "provisioned work"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = path
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}

	if err := p.Remove("agt-007", repo, branch, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := gitOut(t, repo, "log", "-1", "--format=%s", "main"); got != "provisioned work" {
		t.Errorf("main tip = %q, want merged agent commit", got)
	}
}
