// Package worktree manages isolated git worktrees for agents: each
// isolated agent gets a fresh branch off origin's default branch in its
// own checkout, so concurrent agents never collide on working-copy
// edits. All git invocations go through internal/git, argv-only.
package worktree

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/coscontrol/cosd/internal/git"
	"github.com/coscontrol/cosd/internal/persistence"
)

// Worktree describes one provisioned checkout.
type Worktree struct {
	AgentID      string `json:"agentId"`
	WorktreePath string `json:"worktreePath"`
	BranchName   string `json:"branchName"`
	BaseBranch   string `json:"baseBranch"`
}

// Manager creates and removes agent worktrees under
// <dataRoot>/cos/worktrees/<agentId>.
type Manager struct {
	dataRoot string
	log      *log.Logger
}

// NewManager constructs a Manager rooted at dataRoot.
func NewManager(dataRoot string, logger *log.Logger) *Manager {
	return &Manager{dataRoot: dataRoot, log: logger}
}

func (m *Manager) worktreesDir() string {
	return filepath.Join(m.dataRoot, "cos", "worktrees")
}

func (m *Manager) pathFor(agentID string) string {
	return filepath.Join(m.worktreesDir(), agentID)
}

// BranchFor returns the branch name used for an agent's worktree.
func BranchFor(taskID, agentID string) string {
	return fmt.Sprintf("cos/%s/%s", taskID, agentID)
}

// CreateOptions tunes Create. BaseBranch, when set, overrides base
// branch detection.
type CreateOptions struct {
	BaseBranch string
}

// Create provisions a worktree for agentID off sourceRepo. The base
// branch resolves explicit option -> detected default (origin/HEAD,
// then main/master) -> current HEAD, preferring the origin ref of the
// chosen base when it exists. Failure is a structured error; the
// caller degrades to a non-isolated spawn.
func (m *Manager) Create(agentID, sourceRepo, taskID string, opts CreateOptions) (*Worktree, error) {
	if err := validateRepo(sourceRepo); err != nil {
		return nil, err
	}
	g := git.New(sourceRepo)

	if err := persistence.EnsureDir(m.worktreesDir()); err != nil {
		return nil, fmt.Errorf("ensuring worktrees directory: %w", err)
	}

	if err := g.Fetch(); err != nil {
		// offline is survivable; local refs still work
		m.log.Printf("fetch before worktree creation failed (continuing with local refs): %v", err)
	}

	base, err := m.resolveBase(g, opts.BaseBranch)
	if err != nil {
		return nil, err
	}

	baseRef := base
	if g.RemoteBranchExists(base) {
		baseRef = "origin/" + base
	}

	branch := BranchFor(taskID, agentID)
	path := m.pathFor(agentID)
	if err := g.AddWorktree(path, branch, baseRef); err != nil {
		return nil, fmt.Errorf("creating worktree for agent %s: %w", agentID, err)
	}

	return &Worktree{
		AgentID:      agentID,
		WorktreePath: path,
		BranchName:   branch,
		BaseBranch:   base,
	}, nil
}

func (m *Manager) resolveBase(g *git.Git, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if def, err := g.DefaultBranch(); err == nil && def != "" {
		return def, nil
	}
	for _, candidate := range []string{"main", "master"} {
		if g.BranchExists(candidate) {
			return candidate, nil
		}
	}
	cur, err := g.CurrentBranch()
	if err != nil {
		return "", fmt.Errorf("resolving base branch: %w", err)
	}
	return cur, nil
}

// RemoveOptions tunes Remove.
type RemoveOptions struct {
	// Merge fast-forwards the base branch by the agent's commits
	// before the worktree is removed.
	Merge bool
	// BaseBranch is the merge target; required when Merge is set.
	BaseBranch string
}

// Remove tears down agentID's worktree: optional fast-forward merge
// into the base branch, force-removal of the worktree, deletion of the
// agent branch.
func (m *Manager) Remove(agentID, sourceRepo, branchName string, opts RemoveOptions) error {
	if err := validateRepo(sourceRepo); err != nil {
		return err
	}
	g := git.New(sourceRepo)

	if opts.Merge && opts.BaseBranch != "" {
		if err := g.FastForwardMerge(opts.BaseBranch, branchName); err != nil {
			m.log.Printf("fast-forward of %s into %s failed, leaving branch for manual review: %v",
				branchName, opts.BaseBranch, err)
			// keep the branch so the commits remain reachable
			if err := g.RemoveWorktree(m.pathFor(agentID)); err != nil {
				m.log.Printf("removing worktree for agent %s: %v", agentID, err)
			}
			return g.PruneWorktrees()
		}
	}

	if err := g.RemoveWorktree(m.pathFor(agentID)); err != nil {
		m.log.Printf("removing worktree for agent %s: %v", agentID, err)
	}
	if branchName != "" {
		if err := g.DeleteBranch(branchName); err != nil {
			m.log.Printf("deleting branch %s: %v", branchName, err)
		}
	}
	return g.PruneWorktrees()
}

// CleanupOrphans removes every managed worktree whose agent id is not
// in activeAgentIDs, reconciling after a crash.
func (m *Manager) CleanupOrphans(sourceRepo string, activeAgentIDs map[string]bool) error {
	if err := validateRepo(sourceRepo); err != nil {
		return err
	}

	entries, err := os.ReadDir(m.worktreesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading worktrees directory: %w", err)
	}

	g := git.New(sourceRepo)
	for _, e := range entries {
		if !e.IsDir() || activeAgentIDs[e.Name()] {
			continue
		}
		m.log.Printf("removing orphaned worktree for agent %s", e.Name())
		if err := g.RemoveWorktree(m.pathFor(e.Name())); err != nil {
			// the directory may exist without git knowing about it
			if rmErr := os.RemoveAll(m.pathFor(e.Name())); rmErr != nil {
				m.log.Printf("removing orphaned worktree directory %s: %v", e.Name(), rmErr)
			}
		}
	}
	return g.PruneWorktrees()
}

func validateRepo(sourceRepo string) error {
	if sourceRepo == "" {
		return fmt.Errorf("source repository path is empty")
	}
	if strings.ContainsAny(sourceRepo, "\x00") {
		return fmt.Errorf("invalid source repository path")
	}
	if _, err := os.Stat(filepath.Join(sourceRepo, ".git")); err != nil {
		return fmt.Errorf("source %s is not a git repository: %w", sourceRepo, err)
	}
	return nil
}
