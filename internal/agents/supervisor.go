package agents

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coscontrol/cosd/internal/config"
	"github.com/coscontrol/cosd/internal/coserr"
	"github.com/coscontrol/cosd/internal/events"
	"github.com/coscontrol/cosd/internal/idgen"
	"github.com/coscontrol/cosd/internal/learning"
	"github.com/coscontrol/cosd/internal/persistence"
	"github.com/coscontrol/cosd/internal/procmon"
	"github.com/coscontrol/cosd/internal/productivity"
	"github.com/coscontrol/cosd/internal/tasks"
)

const (
	// runningGraceWindow promotes initializing -> running even if the
	// child never writes a line.
	runningGraceWindow = 2 * time.Second

	// zombieThreshold is the number of consecutive inactive samples
	// before a running agent is force-killed as a zombie.
	zombieThreshold = 2

	// retainCompleted bounds how many completed agents stay in memory;
	// older ones live only in the daily shard files.
	retainCompleted = 200

	// stderrTailLines is how many trailing stderr lines are folded into
	// the error message of a crashed agent.
	stderrTailLines = 5
)

// monitorInterval is how often each agent's coordinator samples the
// Process Monitor; a variable so tests can tighten the loop.
var monitorInterval = 5 * time.Second

// Isolator provisions and tears down isolated workspaces for agents.
// internal/worktree provides the git-backed implementation.
type Isolator interface {
	Create(agentID, sourceRepo, taskID string) (workspacePath, branchName string, err error)
	Remove(agentID, sourceRepo, branchName string, merge bool) error
}

// Router picks a model and tier for an agent run. The default policy
// routes critical work and heavy task types to the heavy tier,
// cosmetic types to the light tier, and everything else to medium.
type Router interface {
	Route(taskType string, priority tasks.Priority) (model string, tier config.Tier, reason string)
}

// TierRouter is the default Router over a config.Routing table.
type TierRouter struct {
	Routing config.Routing
}

// Route implements Router.
func (r TierRouter) Route(taskType string, priority tasks.Priority) (string, config.Tier, string) {
	if priority == tasks.PriorityCritical {
		return r.Routing.Model(config.TierHeavy), config.TierHeavy, "critical priority"
	}
	for _, t := range r.Routing.HeavyTypes {
		if t == taskType {
			return r.Routing.Model(config.TierHeavy), config.TierHeavy, "heavy task type " + taskType
		}
	}
	for _, t := range r.Routing.LightTypes {
		if t == taskType {
			return r.Routing.Model(config.TierLight), config.TierLight, "light task type " + taskType
		}
	}
	return r.Routing.Model(config.TierMedium), config.TierMedium, "default tier"
}

// SpawnRequest asks the Supervisor to run one task.
type SpawnRequest struct {
	Task       *tasks.Task
	TaskType   string
	App        string
	Isolate    bool
	SourceRepo string
}

// CompletionNotice is handed to the OnCompleted hook before
// agent:completed is published, so the scheduler can settle task state
// and cooldowns in order.
type CompletionNotice struct {
	Agent *Agent
}

// Options wires the Supervisor's collaborators. Bus and Logger are
// required; everything else degrades gracefully when nil.
type Options struct {
	DataRoot     string
	Bus          *events.Bus
	Logger       *log.Logger
	Monitor      procmon.Monitor
	Learning     *learning.Store
	Productivity *productivity.Store
	Isolator     Isolator
	Router       Router
	Config       func() config.Config
	OnCompleted  func(CompletionNotice)
}

// Supervisor owns the map of running agents. All mutation of a
// non-completed Agent happens on its coordinator goroutine; the
// Supervisor's lock only guards the maps and snapshot reads.
type Supervisor struct {
	opts Options
	log  *log.Logger

	mu        sync.RWMutex
	live      map[string]*supervised
	completed []*Agent
	zombies   int

	wg sync.WaitGroup
}

type supEventKind int

const (
	evLine supEventKind = iota
	evRunningTimeout
	evMonitor
	evTerminate
	evKill
	evExited
)

type supEvent struct {
	kind     supEventKind
	stream   string
	line     string
	status   procmon.Status
	reason   string
	exitCode int
	exitErr  error
}

type supervised struct {
	agent *Agent
	ring  *outputRing
	cmd   *exec.Cmd

	inbox chan supEvent
	done  chan struct{}

	// coordinator-local state
	zombieScore  int
	pendingError string
	stderrTail   []string
	isolated     bool
	branch       string
	sourceRepo   string
}

// NewSupervisor constructs a Supervisor. It does not start anything;
// agents are created one at a time through Spawn.
func NewSupervisor(opts Options) *Supervisor {
	if opts.Config == nil {
		def := config.Default()
		opts.Config = func() config.Config { return def }
	}
	if opts.Monitor == nil {
		opts.Monitor = procmon.WithTimeout(procmon.New())
	}
	if opts.Router == nil {
		opts.Router = TierRouter{Routing: config.DefaultRouting()}
	}
	return &Supervisor{
		opts: opts,
		log:  opts.Logger,
		live: map[string]*supervised{},
	}
}

func (s *Supervisor) agentsDir() string {
	return filepath.Join(s.opts.DataRoot, "cos", "agents")
}

func (s *Supervisor) livePath() string {
	return filepath.Join(s.agentsDir(), "live.json")
}

func (s *Supervisor) shardPath(day time.Time) string {
	return filepath.Join(s.agentsDir(), day.Format("2006-01-02")+".json")
}

func (s *Supervisor) outputLogPath(agentID string) string {
	return filepath.Join(s.agentsDir(), "output", agentID+".jsonl")
}

func (s *Supervisor) promptPath(agentID string) string {
	return filepath.Join(s.agentsDir(), "prompts", agentID+".md")
}

// ActiveCount returns the number of non-completed agents.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// ActiveTaskIDs returns the (queue, taskId) pairs of all non-completed
// agents, keyed "queue/taskId".
func (s *Supervisor) ActiveTaskIDs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.live))
	for _, sa := range s.live {
		out[string(sa.agent.Queue)+"/"+sa.agent.TaskID] = true
	}
	return out
}

// ActiveAgentIDs returns the ids of all non-completed agents, for
// reconciliation against on-disk artifacts like managed worktrees.
func (s *Supervisor) ActiveAgentIDs() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.live))
	for id := range s.live {
		out[id] = true
	}
	return out
}

// ZombieKills returns the total zombies force-killed since start.
func (s *Supervisor) ZombieKills() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zombies
}

// Spawn launches one agent for req.Task, returning its id. It enforces
// the concurrency cap and is intended to be called only by the
// Scheduler.
func (s *Supervisor) Spawn(req SpawnRequest) (string, error) {
	if req.Task == nil {
		return "", coserr.Newf(coserr.Validation, "agents.spawn", "nil task")
	}
	cfg := s.opts.Config()

	s.mu.Lock()
	if len(s.live) >= cfg.MaxConcurrentAgents {
		s.mu.Unlock()
		return "", coserr.Newf(coserr.Conflict, "agents.spawn", "concurrency cap %d reached", cfg.MaxConcurrentAgents)
	}

	now := time.Now()
	id := idgen.Prefixed("agt", now.UnixMilli())
	model, tier, reason := s.opts.Router.Route(req.TaskType, req.Task.Priority)

	agent := &Agent{
		ID:        id,
		TaskID:    req.Task.ID,
		Queue:     req.Task.Queue,
		Status:    StatusInitializing,
		Phase:     PhaseInitializing,
		StartedAt: now,
		Metadata: Metadata{
			Model:           model,
			ModelTier:       string(tier),
			ModelReason:     reason,
			TaskType:        req.TaskType,
			TaskDescription: req.Task.Description,
			App:             req.App,
			JiraTicketID:    req.Task.Metadata["jiraTicketId"],
		},
	}

	sa := &supervised{
		agent:      agent,
		ring:       newOutputRing(cfg.OutputBufferBytes),
		inbox:      make(chan supEvent, 256),
		done:       make(chan struct{}),
		sourceRepo: req.SourceRepo,
	}
	s.live[id] = sa
	s.mu.Unlock()

	if s.opts.Learning != nil && req.TaskType != "" {
		s.opts.Learning.OnAttempt(req.TaskType, model, string(tier))
	}

	workspace := req.SourceRepo
	if req.Isolate && s.opts.Isolator != nil {
		path, branch, err := s.opts.Isolator.Create(id, req.SourceRepo, req.Task.ID)
		if err != nil {
			s.log.Printf("worktree creation failed for agent %s, spawning without isolation: %v", id, err)
		} else {
			workspace = path
			sa.isolated = true
			sa.branch = branch
			agent.Metadata.WorktreeBranch = branch
		}
	}
	if workspace == "" {
		workspace, _ = os.Getwd()
	}
	agent.Metadata.WorkspacePath = workspace

	promptPath := s.promptPath(id)
	if err := s.writePrompt(promptPath, req.Task); err != nil {
		s.log.Printf("writing prompt for agent %s: %v", id, err)
	}

	argv := cfg.ExpandCommand(promptPath, workspace, model)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workspace
	sa.cmd = cmd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return id, s.failSpawn(sa, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return id, s.failSpawn(sa, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return id, s.failSpawn(sa, fmt.Errorf("exec: %w", err))
	}

	pid := cmd.Process.Pid
	agent.PID = &pid
	s.persistLive()

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readStream(sa, "stdout", stdout, &readers)
	go s.readStream(sa, "stderr", stderr, &readers)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		readers.Wait()
		err := cmd.Wait()
		code := exitCodeOf(cmd, err)
		sa.inbox <- supEvent{kind: evExited, exitCode: code, exitErr: err}
	}()

	s.wg.Add(1)
	go s.monitorLoop(sa, pid)

	s.wg.Add(1)
	go s.coordinate(sa)

	time.AfterFunc(runningGraceWindow, func() {
		select {
		case sa.inbox <- supEvent{kind: evRunningTimeout}:
		case <-sa.done:
		}
	})

	return id, nil
}

func (s *Supervisor) writePrompt(path string, task *tasks.Task) error {
	if err := persistence.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	var body string
	body = "# Task " + task.ID + "\n\n" + task.Description + "\n"
	if ctx := task.Metadata[tasks.MetaContext]; ctx != "" {
		body += "\n## Context\n\n" + ctx + "\n"
	}
	return os.WriteFile(path, []byte(body), 0644)
}

// failSpawn finalizes an agent whose child never started: a completed
// record with success=false, error="spawn_failed", no retry.
func (s *Supervisor) failSpawn(sa *supervised, cause error) error {
	s.log.Printf("spawn failed for agent %s: %v", sa.agent.ID, cause)
	sa.pendingError = "spawn_failed"
	s.finalize(sa, -1, cause)
	return coserr.New(coserr.ChildProcess, "agents.spawn", cause)
}

func (s *Supervisor) readStream(sa *supervised, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sa.inbox <- supEvent{kind: evLine, stream: stream, line: scanner.Text()}
	}
}

func (s *Supervisor) monitorLoop(sa *supervised, pid int) {
	defer s.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sa.done:
			return
		case <-ticker.C:
			status := s.opts.Monitor.Check(context.Background(), pid)
			select {
			case sa.inbox <- supEvent{kind: evMonitor, status: status}:
			case <-sa.done:
				return
			}
		}
	}
}

// coordinate is the single receiver that advances one agent's state
// machine; it is the only goroutine that mutates sa.agent after Spawn
// returns.
func (s *Supervisor) coordinate(sa *supervised) {
	defer s.wg.Done()
	var graceTimer *time.Timer
	cfg := s.opts.Config()

	for ev := range sa.inbox {
		switch ev.kind {
		case evLine:
			if sa.agent.Status == StatusInitializing {
				s.markRunning(sa)
			}
			s.handleLine(sa, ev.stream, ev.line)

		case evRunningTimeout:
			if sa.agent.Status == StatusInitializing {
				s.markRunning(sa)
			}

		case evMonitor:
			s.handleMonitor(sa, ev.status, cfg)

		case evTerminate:
			if sa.pendingError == "" {
				sa.pendingError = "terminated"
			}
			s.log.Printf("terminating agent %s: %s", sa.agent.ID, ev.reason)
			terminateProcess(sa.cmd)
			grace := time.Duration(cfg.GracefulTerminateMs) * time.Millisecond
			graceTimer = time.AfterFunc(grace, func() {
				select {
				case sa.inbox <- supEvent{kind: evKill, reason: "grace period elapsed"}:
				case <-sa.done:
				}
			})

		case evKill:
			if sa.pendingError == "" {
				sa.pendingError = "killed"
			}
			s.log.Printf("force-killing agent %s: %s", sa.agent.ID, ev.reason)
			killProcess(sa.cmd)

		case evExited:
			if graceTimer != nil {
				graceTimer.Stop()
			}
			s.finalize(sa, ev.exitCode, ev.exitErr)
			return
		}
	}
}

func (s *Supervisor) markRunning(sa *supervised) {
	s.mu.Lock()
	sa.agent.Status = StatusRunning
	sa.agent.Phase = PhaseWorking
	s.mu.Unlock()
	s.persistLive()
	s.publish(events.TopicAgentSpawned, s.spawnedPayload(sa.agent))
}

func (s *Supervisor) spawnedPayload(a *Agent) map[string]any {
	pid := 0
	if a.PID != nil {
		pid = *a.PID
	}
	return map[string]any{
		"agentId":  a.ID,
		"taskId":   a.TaskID,
		"queue":    a.Queue,
		"pid":      pid,
		"model":    a.Metadata.Model,
		"tier":     a.Metadata.ModelTier,
		"taskType": a.Metadata.TaskType,
	}
}

func (s *Supervisor) handleLine(sa *supervised, stream, line string) {
	now := time.Now()
	sa.ring.Append(now, line)
	if stream == "stderr" {
		sa.stderrTail = append(sa.stderrTail, line)
		if len(sa.stderrTail) > stderrTailLines {
			sa.stderrTail = sa.stderrTail[len(sa.stderrTail)-stderrTailLines:]
		}
	}
	if err := persistence.AppendJSONL(s.outputLogPath(sa.agent.ID), OutputLine{Timestamp: now, Line: line}); err != nil {
		s.log.Printf("appending output log for agent %s: %v", sa.agent.ID, err)
	}
	s.publish(events.TopicAgentOutput, map[string]any{
		"agentId": sa.agent.ID,
		"taskId":  sa.agent.TaskID,
		"stream":  stream,
		"line":    line,
	})
}

func (s *Supervisor) handleMonitor(sa *supervised, status procmon.Status, cfg config.Config) {
	if !status.Active {
		sa.zombieScore++
		if sa.zombieScore >= zombieThreshold && sa.pendingError == "" {
			sa.pendingError = "zombie"
			s.log.Printf("agent %s looks like a zombie (pid gone, handle open), force-killing", sa.agent.ID)
			killProcess(sa.cmd)
			s.mu.Lock()
			s.zombies++
			s.mu.Unlock()
			s.publish(events.TopicHealthCheck, map[string]any{
				"issues": []map[string]any{{
					"category": "agent",
					"type":     "warning",
					"severity": "warning",
					"message":  fmt.Sprintf("agent %s force-killed as zombie (task %s)", sa.agent.ID, sa.agent.TaskID),
				}},
			})
		}
		return
	}
	sa.zombieScore = 0

	if cfg.MaxProcessMemoryMb > 0 && status.RSSMB > float64(cfg.MaxProcessMemoryMb) && sa.pendingError == "" {
		sa.pendingError = fmt.Sprintf("memory limit exceeded (%.0fMB > %dMB)", status.RSSMB, cfg.MaxProcessMemoryMb)
		s.log.Printf("agent %s over memory limit (%.0fMB), force-killing", sa.agent.ID, status.RSSMB)
		killProcess(sa.cmd)
	}
}

// finalize settles an exited agent: result, record persistence,
// worktree cleanup, learning and productivity updates, then the
// agent:completed event — strictly in that order.
func (s *Supervisor) finalize(sa *supervised, exitCode int, exitErr error) {
	now := time.Now()
	a := sa.agent

	// an agent that dies before reaching running still gets its
	// spawned event, so every id's sequence reads spawned -> completed
	if a.Status == StatusInitializing {
		s.publish(events.TopicAgentSpawned, s.spawnedPayload(a))
	}

	duration := float64(now.Sub(a.StartedAt).Milliseconds())
	success := exitCode == 0 && sa.pendingError == ""
	errMsg := sa.pendingError
	if !success && errMsg == "" {
		errMsg = fmt.Sprintf("exit code %d", exitCode)
		if len(sa.stderrTail) > 0 {
			errMsg += ": " + sa.stderrTail[len(sa.stderrTail)-1]
		}
	}

	s.mu.Lock()
	a.Status = StatusCompleted
	a.CompletedAt = &now
	a.Output = sa.ring.Lines()
	a.Result = &Result{
		Success:  success,
		Error:    errMsg,
		Duration: duration,
		ExitCode: exitCode,
	}
	delete(s.live, a.ID)
	s.completed = append(s.completed, a)
	if len(s.completed) > retainCompleted {
		s.completed = s.completed[len(s.completed)-retainCompleted:]
	}
	s.mu.Unlock()
	close(sa.done)

	s.persistLive()
	s.archiveCompleted(a)

	if sa.isolated && s.opts.Isolator != nil {
		if err := s.opts.Isolator.Remove(a.ID, sa.sourceRepo, sa.branch, success); err != nil {
			s.log.Printf("worktree cleanup for agent %s: %v", a.ID, err)
		}
	}

	if s.opts.Learning != nil && a.Metadata.TaskType != "" {
		s.opts.Learning.OnComplete(a.Metadata.TaskType, learning.CompleteInput{
			Success:       success,
			DurationMs:    duration,
			ErrorCategory: categorizeError(errMsg),
			ModelTier:     a.Metadata.ModelTier,
		})
	}
	if s.opts.Productivity != nil {
		s.opts.Productivity.OnTaskCompleted(productivity.CompletionInput{
			Success:     success,
			DurationMs:  duration,
			CompletedAt: now,
		})
	}
	if s.opts.OnCompleted != nil {
		s.opts.OnCompleted(CompletionNotice{Agent: a.Clone()})
	}

	s.publish(events.TopicAgentCompleted, map[string]any{
		"agentId":  a.ID,
		"taskId":   a.TaskID,
		"queue":    a.Queue,
		"success":  success,
		"error":    errMsg,
		"duration": duration,
		"exitCode": exitCode,
	})
}

// categorizeError maps a result error string to a coarse learning
// category.
func categorizeError(errMsg string) string {
	switch {
	case errMsg == "":
		return ""
	case errMsg == "zombie":
		return "zombie"
	case errMsg == "terminated" || errMsg == "killed":
		return "terminated"
	case errMsg == "spawn_failed":
		return "spawn"
	default:
		return "exit"
	}
}

func (s *Supervisor) publish(topic events.Topic, payload any) {
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(topic, payload)
	}
}

// persistLive write-throughs the current non-completed agent records.
func (s *Supervisor) persistLive() {
	s.mu.RLock()
	records := make([]*Agent, 0, len(s.live))
	for _, sa := range s.live {
		records = append(records, sa.agent.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	if err := persistence.WriteJSON(s.livePath(), records); err != nil {
		s.log.Printf("persisting live agents: %v", err)
	}
}

// archiveCompleted appends a to its completion day's shard file.
func (s *Supervisor) archiveCompleted(a *Agent) {
	path := s.shardPath(*a.CompletedAt)
	shard := persistence.ReadJSON(path, []*Agent{}, func(f string, args ...any) { s.log.Printf(f, args...) })
	shard = append(shard, a)
	if err := persistence.WriteJSON(path, shard); err != nil {
		s.log.Printf("archiving completed agent %s: %v", a.ID, err)
	}
}

// Terminate asks agent id to stop gracefully; after the configured
// grace period it escalates to a force-kill.
func (s *Supervisor) Terminate(id string) error {
	return s.signalAgent(id, supEvent{kind: evTerminate, reason: "terminate requested"})
}

// Kill force-kills agent id immediately.
func (s *Supervisor) Kill(id string) error {
	return s.signalAgent(id, supEvent{kind: evKill, reason: "kill requested"})
}

func (s *Supervisor) signalAgent(id string, ev supEvent) error {
	s.mu.RLock()
	sa, ok := s.live[id]
	s.mu.RUnlock()
	if !ok {
		return coserr.Newf(coserr.NotFound, "agents", "agent %q is not running", id)
	}
	select {
	case sa.inbox <- ev:
		return nil
	case <-sa.done:
		return coserr.Newf(coserr.NotFound, "agents", "agent %q already completed", id)
	}
}

// Get returns a snapshot of agent id, live or retained-completed.
func (s *Supervisor) Get(id string) *Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sa, ok := s.live[id]; ok {
		snap := sa.agent.Clone()
		snap.Output = sa.ring.Lines()
		return snap
	}
	for _, a := range s.completed {
		if a.ID == id {
			return a.Clone()
		}
	}
	return nil
}

// List returns snapshots of every live agent plus the retained
// completed tail, newest completed last.
func (s *Supervisor) List() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Agent, 0, len(s.live)+len(s.completed))
	for _, sa := range s.live {
		snap := sa.agent.Clone()
		snap.Output = sa.ring.Lines()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	for _, a := range s.completed {
		out = append(out, a.Clone())
	}
	return out
}

// Delete removes a retained completed agent from memory. Running
// agents cannot be deleted.
func (s *Supervisor) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; ok {
		return coserr.Newf(coserr.Conflict, "agents.delete", "agent %q is still running", id)
	}
	for i, a := range s.completed {
		if a.ID == id {
			s.completed = append(s.completed[:i], s.completed[i+1:]...)
			return nil
		}
	}
	return coserr.Newf(coserr.NotFound, "agents.delete", "agent %q", id)
}

// ClearCompleted drops every retained completed agent from memory and
// returns how many were dropped. Disk shards are untouched. Running it
// twice deletes zero the second time.
func (s *Supervisor) ClearCompleted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.completed)
	s.completed = nil
	return n
}

// Stats aggregates outcomes over the retained completed agents.
type Stats struct {
	Active      int     `json:"active"`
	Completed   int     `json:"completed"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	ZombieKills int     `json:"zombieKills"`
	AvgDuration float64 `json:"avgDurationMs"`
}

// GetStats returns aggregate supervisor statistics.
func (s *Supervisor) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Active: len(s.live), Completed: len(s.completed), ZombieKills: s.zombies}
	var totalDuration float64
	for _, a := range s.completed {
		if a.Result == nil {
			continue
		}
		if a.Result.Success {
			st.Succeeded++
		} else {
			st.Failed++
		}
		totalDuration += a.Result.Duration
	}
	if n := st.Succeeded + st.Failed; n > 0 {
		st.AvgDuration = totalDuration / float64(n)
	}
	return st
}

// Shutdown terminates every live agent, waits up to drain for them to
// settle, then force-kills stragglers and waits for the coordinators
// to finish.
func (s *Supervisor) Shutdown(drain time.Duration) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.Terminate(id); err != nil {
			s.log.Printf("shutdown terminate %s: %v", id, err)
		}
	}

	deadline := time.After(drain)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if s.ActiveCount() == 0 {
			break
		}
		select {
		case <-deadline:
			s.mu.RLock()
			for id, sa := range s.live {
				s.log.Printf("shutdown: force-killing straggler %s", id)
				killProcess(sa.cmd)
			}
			s.mu.RUnlock()
			// give the kills a moment to propagate through Wait
			for i := 0; i < 50 && s.ActiveCount() > 0; i++ {
				time.Sleep(100 * time.Millisecond)
			}
			s.wg.Wait()
			return
		case <-tick.C:
		}
	}
	s.wg.Wait()
}
