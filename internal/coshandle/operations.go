package coshandle

import (
	"time"

	"github.com/coscontrol/cosd/internal/agents"
	"github.com/coscontrol/cosd/internal/appactivity"
	"github.com/coscontrol/cosd/internal/coserr"
	"github.com/coscontrol/cosd/internal/idgen"
	"github.com/coscontrol/cosd/internal/learning"
	"github.com/coscontrol/cosd/internal/productivity"
	"github.com/coscontrol/cosd/internal/tasks"
)

// GetTasks lists a queue's tasks in order.
func (h *Handle) GetTasks(queue tasks.Queue) []*tasks.Task {
	return h.taskStore.List(queue)
}

// AddTaskInput describes a task to create. ID is optional; one is
// generated when absent.
type AddTaskInput struct {
	ID               string
	Description      string
	Priority         tasks.Priority
	Queue            tasks.Queue
	ApprovalRequired bool
	Metadata         map[string]string
	Position         tasks.Position
}

// AddTask validates and inserts a task.
func (h *Handle) AddTask(in AddTaskInput) (*tasks.Task, error) {
	if in.Description == "" {
		return nil, coserr.Newf(coserr.Validation, "addTask", "description is required")
	}
	if in.Priority == "" {
		in.Priority = tasks.PriorityMedium
	}
	if in.Queue == "" {
		in.Queue = tasks.QueueUser
	}
	if in.Position == "" {
		in.Position = tasks.PositionBottom
	}
	id := in.ID
	if id == "" {
		id = idgen.Prefixed("task", time.Now().UnixMilli())
	}
	t := &tasks.Task{
		ID:               id,
		Description:      in.Description,
		Status:           tasks.StatusPending,
		Priority:         in.Priority,
		Queue:            in.Queue,
		ApprovalRequired: in.ApprovalRequired,
		Metadata:         in.Metadata,
	}
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	if err := h.taskStore.Add(t, in.Position); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// UpdateTaskPatch is the mutable subset of a task callers may change.
type UpdateTaskPatch struct {
	Description *string
	Priority    *tasks.Priority
	Status      *tasks.Status
	Metadata    map[string]string
}

// UpdateTask applies patch to (queue, id).
func (h *Handle) UpdateTask(queue tasks.Queue, id string, patch UpdateTaskPatch) error {
	if patch.Priority != nil {
		switch *patch.Priority {
		case tasks.PriorityLow, tasks.PriorityMedium, tasks.PriorityHigh, tasks.PriorityCritical:
		default:
			return coserr.Newf(coserr.Validation, "updateTask", "invalid priority %q", *patch.Priority)
		}
	}
	return h.taskStore.Update(queue, id, func(t *tasks.Task) {
		if patch.Description != nil {
			t.Description = *patch.Description
		}
		if patch.Priority != nil {
			t.Priority = *patch.Priority
		}
		if patch.Status != nil {
			t.Status = *patch.Status
		}
		for k, v := range patch.Metadata {
			if t.Metadata == nil {
				t.Metadata = map[string]string{}
			}
			if v == "" {
				delete(t.Metadata, k)
			} else {
				t.Metadata[k] = v
			}
		}
	})
}

// DeleteTask removes (queue, id); deleting a missing task is a no-op.
func (h *Handle) DeleteTask(queue tasks.Queue, id string) error {
	return h.taskStore.Delete(queue, id)
}

// ApproveTask approves (queue, id); re-approval is a Conflict.
func (h *Handle) ApproveTask(queue tasks.Queue, id string) error {
	return h.taskStore.Approve(queue, id)
}

// ReorderTasks applies a manual ordering to queue.
func (h *Handle) ReorderTasks(queue tasks.Queue, ids []string) error {
	return h.taskStore.Reorder(queue, ids)
}

// RefreshTasks forces a re-read of both task files.
func (h *Handle) RefreshTasks() {
	h.taskStore.Refresh()
}

// GetAgents returns snapshots of live plus retained completed agents.
func (h *Handle) GetAgents() []*agents.Agent {
	return h.supervisor.List()
}

// GetAgent returns one agent snapshot.
func (h *Handle) GetAgent(id string) (*agents.Agent, error) {
	a := h.supervisor.Get(id)
	if a == nil {
		return nil, coserr.Newf(coserr.NotFound, "getAgent", "agent %q", id)
	}
	return a, nil
}

// TerminateAgent requests a graceful stop with kill escalation.
func (h *Handle) TerminateAgent(id string) error {
	return h.supervisor.Terminate(id)
}

// KillAgent force-kills immediately.
func (h *Handle) KillAgent(id string) error {
	return h.supervisor.Kill(id)
}

// DeleteAgent removes a retained completed agent.
func (h *Handle) DeleteAgent(id string) error {
	return h.supervisor.Delete(id)
}

// ClearCompleted drops all retained completed agents, returning the
// count; a second immediate call returns zero.
func (h *Handle) ClearCompleted() int {
	return h.supervisor.ClearCompleted()
}

// GetAgentStats returns aggregate supervisor statistics.
func (h *Handle) GetAgentStats() agents.Stats {
	return h.supervisor.GetStats()
}

// GetLearningStats returns the learning record for taskType.
func (h *Handle) GetLearningStats(taskType string) learning.Record {
	return h.learning.GetStats(taskType)
}

// GetSkippedTaskTypes returns the learning store's skip-list.
func (h *Handle) GetSkippedTaskTypes() []string {
	return h.learning.GetSkipped()
}

// GetProductivitySummary returns the full productivity state.
func (h *Handle) GetProductivitySummary() productivity.State {
	return h.productivity.Summary()
}

// GetProductivityInsights returns best-hour/best-day insights.
func (h *Handle) GetProductivityInsights() productivity.Insight {
	return h.productivity.Insights()
}

// GetMilestones returns the productivity milestones reached so far.
func (h *Handle) GetMilestones() []productivity.Milestone {
	return h.productivity.Milestones()
}

// GetActivityLog returns up to n of the newest activity entries.
func (h *Handle) GetActivityLog(n int) []ActivityEntry {
	return h.activity.recent(n)
}

// GetAppActivity returns the cooldown record for app.
func (h *Handle) GetAppActivity(app string) appactivity.Activity {
	return h.appActivity.Get(app)
}
