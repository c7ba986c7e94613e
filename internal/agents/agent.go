// Package agents implements the agent supervisor: it owns every
// live agent, each wrapping one child process, a bounded output ring,
// timers, and the initializing -> running -> completed state machine.
package agents

import (
	"time"

	"github.com/coscontrol/cosd/internal/tasks"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
)

// Phase is the coarse activity indicator within a live agent.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseWorking      Phase = "working"
)

// OutputLine is one captured line of child stdout/stderr.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// Result records how an agent's run ended.
type Result struct {
	Success  bool    `json:"success"`
	Error    string  `json:"error,omitempty"`
	Duration float64 `json:"duration"` // milliseconds
	ExitCode int     `json:"exitCode"`
}

// Metadata carries routing and workspace context for one agent run.
type Metadata struct {
	Model           string `json:"model,omitempty"`
	ModelTier       string `json:"modelTier,omitempty"`
	ModelReason     string `json:"modelReason,omitempty"`
	TaskType        string `json:"taskType,omitempty"`
	TaskDescription string `json:"taskDescription,omitempty"`
	App             string `json:"app,omitempty"`
	WorkspacePath   string `json:"workspacePath,omitempty"`
	WorktreeBranch  string `json:"worktreeBranch,omitempty"`
	JiraTicketID    string `json:"jiraTicketId,omitempty"`
}

// Agent is the persisted record of one managed child process. While
// non-completed it is owned exclusively by the Supervisor; once
// completed it is immutable.
type Agent struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"taskId"`
	Queue       tasks.Queue  `json:"queue"`
	Status      Status       `json:"status"`
	Phase       Phase        `json:"phase"`
	PID         *int         `json:"pid"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Output      []OutputLine `json:"output,omitempty"`
	Result      *Result      `json:"result,omitempty"`
	Metadata    Metadata     `json:"metadata"`
}

// Clone returns a copy safe to hand to readers.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.PID != nil {
		pid := *a.PID
		c.PID = &pid
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	if a.Result != nil {
		r := *a.Result
		c.Result = &r
	}
	c.Output = append([]OutputLine(nil), a.Output...)
	return &c
}
