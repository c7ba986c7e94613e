package worktree

import "sync"

// Provisioner adapts Manager to the narrow create/remove surface the
// Agent Supervisor consumes, remembering each agent's base branch so
// a success-merge on removal knows its target.
type Provisioner struct {
	manager *Manager

	mu    sync.Mutex
	bases map[string]string
}

// NewProvisioner wraps manager.
func NewProvisioner(manager *Manager) *Provisioner {
	return &Provisioner{manager: manager, bases: map[string]string{}}
}

// Create provisions a worktree and returns its path and branch.
func (p *Provisioner) Create(agentID, sourceRepo, taskID string) (string, string, error) {
	wt, err := p.manager.Create(agentID, sourceRepo, taskID, CreateOptions{})
	if err != nil {
		return "", "", err
	}
	p.mu.Lock()
	p.bases[agentID] = wt.BaseBranch
	p.mu.Unlock()
	return wt.WorktreePath, wt.BranchName, nil
}

// Remove tears the worktree down, merging into the recorded base
// branch when merge is set.
func (p *Provisioner) Remove(agentID, sourceRepo, branchName string, merge bool) error {
	p.mu.Lock()
	base := p.bases[agentID]
	delete(p.bases, agentID)
	p.mu.Unlock()

	return p.manager.Remove(agentID, sourceRepo, branchName, RemoveOptions{
		Merge:      merge && base != "",
		BaseBranch: base,
	})
}
