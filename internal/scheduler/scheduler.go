// Package scheduler implements the top-level control loop: on
// every tick it decides which pending task, if any, is promoted to a
// running agent, applying the admission rules — concurrency cap,
// approval, skip-list, per-app cooldown — and settles task state when
// agents complete. It also owns the periodic health check.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/coscontrol/cosd/internal/agents"
	"github.com/coscontrol/cosd/internal/appactivity"
	"github.com/coscontrol/cosd/internal/classify"
	"github.com/coscontrol/cosd/internal/config"
	"github.com/coscontrol/cosd/internal/coserr"
	"github.com/coscontrol/cosd/internal/events"
	"github.com/coscontrol/cosd/internal/learning"
	"github.com/coscontrol/cosd/internal/metrics"
	"github.com/coscontrol/cosd/internal/procmon"
	"github.com/coscontrol/cosd/internal/tasks"
)

// AgentRunner is the slice of the Agent Supervisor the scheduler
// drives. The supervisor satisfies it; tests substitute a fake.
type AgentRunner interface {
	Spawn(req agents.SpawnRequest) (string, error)
	ActiveCount() int
	ActiveTaskIDs() map[string]bool
	ZombieKills() int
	List() []*agents.Agent
}

// Options wires the scheduler's collaborators.
type Options struct {
	Config      func() config.Config
	Tasks       *tasks.Store
	Learning    *learning.Store
	AppActivity *appactivity.Store
	Runner      AgentRunner
	Bus         *events.Bus
	Classifier  classify.Classifier
	Monitor     procmon.Monitor
	Collector   *metrics.Collector
	Health      *metrics.Engine
	Logger      *log.Logger

	// SourceRepo and Isolate control workspace provisioning on spawn.
	SourceRepo string
	Isolate    bool
}

// Scheduler runs the evaluation and health-check loops.
type Scheduler struct {
	opts Options
	log  *log.Logger

	mu           sync.Mutex
	running      bool
	paused       bool
	pauseReason  string
	cancel       context.CancelFunc
	loopDone     chan struct{}
	lastZombies  int
	lastHealthAt time.Time

	forceCh chan chan struct{}
}

// New constructs a stopped Scheduler.
func New(opts Options) *Scheduler {
	if opts.Classifier == nil {
		opts.Classifier = classify.NewKeywordClassifier()
	}
	if opts.Collector == nil {
		opts.Collector = metrics.NewCollector()
	}
	if opts.Health == nil {
		opts.Health = metrics.NewEngine(metrics.DefaultThresholds())
	}
	if opts.Monitor == nil {
		opts.Monitor = procmon.WithTimeout(procmon.New())
	}
	return &Scheduler{
		opts:    opts,
		log:     opts.Logger,
		forceCh: make(chan chan struct{}, 8),
	}
}

// Start launches the evaluation and health-check loops. Starting an
// already-running scheduler is a conflict.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return coserr.Newf(coserr.Conflict, "scheduler.start", "scheduler already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.running = true
	go s.run(ctx)
	s.mu.Unlock()
	s.publishStatus()
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.loopDone
	s.mu.Unlock()

	cancel()
	<-done
	s.publishStatus()
}

// Pause suspends admission without stopping the loops.
func (s *Scheduler) Pause(reason string) {
	s.mu.Lock()
	s.paused = true
	s.pauseReason = reason
	s.mu.Unlock()
	s.log.Printf("paused: %s", reason)
	s.publishStatus()
}

// Resume lifts a pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.pauseReason = ""
	s.mu.Unlock()
	s.log.Printf("resumed")
	s.publishStatus()
}

// Status is the scheduler's externally visible state.
type Status struct {
	Running      bool   `json:"running"`
	Paused       bool   `json:"paused"`
	PauseReason  string `json:"pauseReason,omitempty"`
	ActiveAgents int    `json:"activeAgents"`
	PendingTasks int    `json:"pendingTasks"`
}

// GetStatus snapshots the current state.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	running, paused, reason := s.running, s.paused, s.pauseReason
	s.mu.Unlock()

	pending := 0
	for _, q := range []tasks.Queue{tasks.QueueUser, tasks.QueueInternal} {
		for _, t := range s.opts.Tasks.List(q) {
			if t.Status == tasks.StatusPending {
				pending++
			}
		}
	}
	return Status{
		Running:      running,
		Paused:       paused,
		PauseReason:  reason,
		ActiveAgents: s.opts.Runner.ActiveCount(),
		PendingTasks: pending,
	}
}

func (s *Scheduler) publishStatus() {
	if s.opts.Bus == nil {
		return
	}
	s.opts.Bus.Publish(events.TopicStatus, s.GetStatus())
}

// ForceEvaluate triggers one evaluation pass out of band and blocks
// until it has run. On an empty queue it has no side effects.
func (s *Scheduler) ForceEvaluate() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}
	done := make(chan struct{})
	select {
	case s.forceCh <- done:
		<-done
	default:
		// force queue full; a pass is already imminent
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.loopDone)

	cfg := s.opts.Config()
	evalTicker := time.NewTicker(time.Duration(cfg.EvaluationIntervalMs) * time.Millisecond)
	healthTicker := time.NewTicker(time.Duration(cfg.HealthCheckIntervalMs) * time.Millisecond)
	defer evalTicker.Stop()
	defer healthTicker.Stop()

	s.Evaluate()

	for {
		select {
		case <-ctx.Done():
			return
		case <-evalTicker.C:
			s.Evaluate()
		case done := <-s.forceCh:
			s.Evaluate()
			close(done)
		case <-healthTicker.C:
			s.RunHealthCheck()
		}
	}
}

// Evaluate runs one admission pass: snapshot, filter, order, spawn
// until the concurrency cap or the candidate list is exhausted.
func (s *Scheduler) Evaluate() {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	cfg := s.opts.Config()
	skipped := map[string]bool{}
	if s.opts.Learning != nil {
		for _, t := range s.opts.Learning.GetSkipped() {
			skipped[t] = true
		}
	}
	warnedSkip := map[string]bool{}
	now := time.Now()

	for s.opts.Runner.ActiveCount() < cfg.MaxConcurrentAgents {
		candidate := s.nextCandidate(skipped, warnedSkip, now)
		if candidate == nil {
			break
		}
		if !s.admit(candidate) {
			break
		}
	}

	s.publishStatus()
}

// nextCandidate returns the highest-ranked admissible pending task, or
// nil. Ordering: priority desc, queue priority (user over internal),
// manual reorder index asc, createdAt asc.
func (s *Scheduler) nextCandidate(skipped, warnedSkip map[string]bool, now time.Time) *tasks.Task {
	active := s.opts.Runner.ActiveTaskIDs()

	var candidates []*tasks.Task
	for _, q := range []tasks.Queue{tasks.QueueUser, tasks.QueueInternal} {
		for _, t := range s.opts.Tasks.Runnable(q) {
			if active[string(t.Queue)+"/"+t.ID] {
				continue
			}
			taskType := s.taskTypeOf(t)
			if skipped[taskType] {
				if !warnedSkip[taskType] {
					warnedSkip[taskType] = true
					s.log.Printf("skipping task type %q: historical success rate below threshold", taskType)
					if s.opts.Bus != nil {
						s.opts.Bus.Publish(events.TopicLog, map[string]any{
							"level":    "warn",
							"category": "skipped",
							"message":  fmt.Sprintf("task %s skipped: type %q is on the skip-list", t.ID, taskType),
						})
					}
				}
				continue
			}
			if s.opts.AppActivity != nil && !s.opts.AppActivity.CooldownExpired(t.Metadata[tasks.MetaApp], now) {
				continue
			}
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if a.Queue.RankForScheduling() != b.Queue.RankForScheduling() {
			return a.Queue.RankForScheduling() > b.Queue.RankForScheduling()
		}
		if a.ReorderIndex != b.ReorderIndex {
			return a.ReorderIndex < b.ReorderIndex
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return candidates[0]
}

// admit marks task in_progress and hands it to the supervisor. A
// spawn failure reverts the task to pending; false stops this pass.
func (s *Scheduler) admit(task *tasks.Task) bool {
	taskType := s.taskTypeOf(task)

	if err := s.opts.Tasks.Update(task.Queue, task.ID, func(t *tasks.Task) {
		t.Status = tasks.StatusInProgress
	}); err != nil {
		s.log.Printf("marking task %s in_progress: %v", task.ID, err)
		return false
	}

	agentID, err := s.opts.Runner.Spawn(agents.SpawnRequest{
		Task:       task,
		TaskType:   taskType,
		App:        task.Metadata[tasks.MetaApp],
		Isolate:    s.opts.Isolate,
		SourceRepo: s.opts.SourceRepo,
	})
	if err != nil {
		s.log.Printf("spawn for task %s failed: %v", task.ID, err)
		if revertErr := s.opts.Tasks.Update(task.Queue, task.ID, func(t *tasks.Task) {
			t.Status = tasks.StatusPending
			t.CurrentAgentID = ""
		}); revertErr != nil {
			s.log.Printf("reverting task %s to pending: %v", task.ID, revertErr)
		}
		return false
	}

	if err := s.opts.Tasks.Update(task.Queue, task.ID, func(t *tasks.Task) {
		t.CurrentAgentID = agentID
	}); err != nil {
		s.log.Printf("recording agent id on task %s: %v", task.ID, err)
	}
	return true
}

func (s *Scheduler) taskTypeOf(t *tasks.Task) string {
	if tt := t.TaskType(); tt != "" {
		return tt
	}
	return s.opts.Classifier.Classify(t.Description)
}

// HandleCompletion settles task state and app cooldowns for one
// finished agent. The supervisor invokes it (via the wiring layer)
// before agent:completed is published.
func (s *Scheduler) HandleCompletion(notice agents.CompletionNotice) {
	a := notice.Agent
	success := a.Result != nil && a.Result.Success

	status := tasks.StatusCompleted
	if !success {
		status = tasks.StatusPending
	}
	if err := s.opts.Tasks.Update(a.Queue, a.TaskID, func(t *tasks.Task) {
		t.Status = status
		t.CurrentAgentID = ""
	}); err != nil {
		// the task may have been deleted mid-run; nothing to settle
		s.log.Printf("settling task %s after agent %s: %v", a.TaskID, a.ID, err)
	}

	if s.opts.AppActivity != nil && a.Metadata.App != "" {
		multiplier := 1.0
		if s.opts.Learning != nil && a.Metadata.TaskType != "" {
			multiplier = s.opts.Learning.GetAdaptiveCooldown(a.Metadata.TaskType)
		}
		base := time.Duration(s.opts.Config().AppCooldownBaseMs) * time.Millisecond
		s.opts.AppActivity.RecordOutcome(a.Metadata.App, time.Now(), success, base, multiplier)
	}
}

// RunHealthCheck samples every live agent through the Process Monitor,
// records the samples, and publishes health:check with the snapshot
// and any issues the alert engine raises.
func (s *Scheduler) RunHealthCheck() {
	ctx := context.Background()

	for _, a := range s.opts.Runner.List() {
		if a.Status == agents.StatusCompleted {
			s.opts.Collector.Remove(a.ID)
			continue
		}
		pid := 0
		if a.PID != nil {
			pid = *a.PID
		}
		status := s.opts.Monitor.Check(ctx, pid)

		lastOutput := time.Time{}
		outputBytes := 0
		for _, line := range a.Output {
			lastOutput = line.Timestamp
			outputBytes += len(line.Line) + 1
		}
		s.opts.Collector.Record(metrics.AgentSample{
			AgentID:      a.ID,
			TaskID:       a.TaskID,
			CPUPercent:   status.CPUPercent,
			RSSMB:        status.RSSMB,
			OutputBytes:  outputBytes,
			LastOutputAt: lastOutput,
		})
	}

	snapshot := s.opts.Collector.TakeSnapshot()
	issues := s.opts.Health.CheckAgents(snapshot.Agents)

	s.mu.Lock()
	zombies := s.opts.Runner.ZombieKills()
	delta := zombies - s.lastZombies
	s.lastZombies = zombies
	s.lastHealthAt = time.Now()
	s.mu.Unlock()

	if issue := s.opts.Health.CheckZombieKills(delta); issue != nil {
		issues = append(issues, *issue)
	}
	if s.opts.Learning != nil {
		if issue := s.opts.Health.CheckSkipList(s.opts.Learning.GetSkipped()); issue != nil {
			issues = append(issues, *issue)
		}
	}

	if s.opts.Bus != nil {
		s.opts.Bus.Publish(events.TopicHealthCheck, map[string]any{
			"metrics": snapshot,
			"issues":  issues,
		})
	}
	if len(issues) > 0 {
		s.log.Printf("health check raised %d issue(s)", len(issues))
	}
}
