// Package git runs the git operations the worktree manager needs:
// ref inspection, worktree add/remove/prune, branch deletion, and
// fast-forward merges. Every invocation is argv-only; no command line
// ever passes through a shell.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// Git provides git operations for a repository
type Git struct {
	repoPath string
}

// New creates a Git instance for the given repository path
func New(repoPath string) *Git {
	return &Git{repoPath: repoPath}
}

// run executes a git command and returns output
func (g *Git) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.repoPath

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output)), nil
}

// CurrentBranch returns the current branch name
func (g *Git) CurrentBranch() (string, error) {
	return g.run("rev-parse", "--abbrev-ref", "HEAD")
}

// Fetch updates remote-tracking refs for origin.
func (g *Git) Fetch() error {
	_, err := g.run("fetch", "origin")
	return err
}

// DefaultBranch inspects origin/HEAD to find the remote's default
// branch (e.g. "main"), falling back to an empty string if undetermined.
func (g *Git) DefaultBranch() (string, error) {
	out, err := g.run("symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "", err
	}
	// refs/remotes/origin/HEAD -> refs/remotes/origin/main
	const prefix = "refs/remotes/origin/"
	if !strings.HasPrefix(out, prefix) {
		return "", fmt.Errorf("unexpected symbolic-ref output: %s", out)
	}
	return strings.TrimPrefix(out, prefix), nil
}

// RemoteBranchExists reports whether name exists as an origin branch.
func (g *Git) RemoteBranchExists(name string) bool {
	_, err := g.run("show-ref", "--verify", "--quiet", "refs/remotes/origin/"+name)
	return err == nil
}

// BranchExists reports whether name exists as a local or remote branch.
func (g *Git) BranchExists(name string) bool {
	_, err := g.run("show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true
	}
	_, err = g.run("show-ref", "--verify", "--quiet", "refs/remotes/origin/"+name)
	return err == nil
}

// AddWorktree creates a new worktree at path on a fresh branch named
// branch, based on baseRef.
func (g *Git) AddWorktree(path, branch, baseRef string) error {
	_, err := g.run("worktree", "add", "-b", branch, path, baseRef)
	return err
}

// RemoveWorktree force-removes the worktree at path.
func (g *Git) RemoveWorktree(path string) error {
	_, err := g.run("worktree", "remove", "--force", path)
	return err
}

// PruneWorktrees removes administrative files for worktrees whose
// directories are gone.
func (g *Git) PruneWorktrees() error {
	_, err := g.run("worktree", "prune")
	return err
}

// ListWorktrees returns the paths of all registered worktrees.
func (g *Git) ListWorktrees() ([]string, error) {
	out, err := g.run("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if p, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(name string) error {
	_, err := g.run("branch", "-D", name)
	return err
}

// FastForwardMerge fast-forwards targetBranch to include branch's
// commits. When targetBranch is currently checked out a plain
// ff-only merge updates the working copy too; otherwise the ref is
// advanced in place (git refuses ref-only updates of the checked-out
// branch).
func (g *Git) FastForwardMerge(targetBranch, branch string) error {
	current, err := g.CurrentBranch()
	if err != nil {
		return err
	}
	if current == targetBranch {
		_, err = g.run("merge", "--ff-only", branch)
		return err
	}
	_, err = g.run("fetch", ".", branch+":"+targetBranch)
	return err
}
