package scheduler

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coscontrol/cosd/internal/agents"
	"github.com/coscontrol/cosd/internal/appactivity"
	"github.com/coscontrol/cosd/internal/config"
	"github.com/coscontrol/cosd/internal/events"
	"github.com/coscontrol/cosd/internal/learning"
	"github.com/coscontrol/cosd/internal/logging"
	"github.com/coscontrol/cosd/internal/tasks"
)

// fakeRunner satisfies AgentRunner without real child processes.
type fakeRunner struct {
	mu      sync.Mutex
	nextID  int
	active  map[string]string // agentID -> queue/taskID
	spawned []agents.SpawnRequest
	zombies int
	failAll bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{active: map[string]string{}}
}

func (f *fakeRunner) Spawn(req agents.SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", fmt.Errorf("spawn_failed: synthetic")
	}
	f.nextID++
	id := fmt.Sprintf("agt-%03d", f.nextID)
	f.active[id] = string(req.Task.Queue) + "/" + req.Task.ID
	f.spawned = append(f.spawned, req)
	return id, nil
}

func (f *fakeRunner) ActiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *fakeRunner) ActiveTaskIDs() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]bool{}
	for _, key := range f.active {
		out[key] = true
	}
	return out
}

func (f *fakeRunner) ZombieKills() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zombies
}

func (f *fakeRunner) List() []*agents.Agent {
	return nil
}

func (f *fakeRunner) finish(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, agentID)
}

func (f *fakeRunner) spawnedTaskIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spawned))
	for i, req := range f.spawned {
		out[i] = req.Task.ID
	}
	return out
}

type fixture struct {
	sched    *Scheduler
	runner   *fakeRunner
	tasks    *tasks.Store
	learning *learning.Store
	apps     *appactivity.Store
	bus      *events.Bus
	cfg      *config.Config
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.MaxConcurrentAgents = maxConcurrent
	cfg.AppCooldownBaseMs = 60_000

	taskStore, err := tasks.New(
		filepath.Join(dir, "user.tasks"),
		filepath.Join(dir, "internal.tasks"),
		logging.New("TASKS-TEST"), nil,
	)
	if err != nil {
		t.Fatalf("tasks.New: %v", err)
	}
	t.Cleanup(taskStore.Close)

	learningStore := learning.New(filepath.Join(dir, "learning.json"), logging.New("LEARNING-TEST"))
	t.Cleanup(learningStore.Close)
	apps := appactivity.New(filepath.Join(dir, "app-activity.json"), logging.New("APPS-TEST"))

	runner := newFakeRunner()
	bus := events.NewBus(nil, nil)

	fx := &fixture{
		runner:   runner,
		tasks:    taskStore,
		learning: learningStore,
		apps:     apps,
		bus:      bus,
		cfg:      &cfg,
	}
	fx.sched = New(Options{
		Config:      func() config.Config { return *fx.cfg },
		Tasks:       taskStore,
		Learning:    learningStore,
		AppActivity: apps,
		Runner:      runner,
		Bus:         bus,
		Logger:      logging.New("SCHEDULER-TEST"),
	})
	// Evaluate directly in tests; the loop is exercised separately
	fx.sched.running = true
	return fx
}

func (fx *fixture) addTask(t *testing.T, id string, priority tasks.Priority, meta map[string]string) {
	t.Helper()
	task := &tasks.Task{
		ID:          id,
		Description: "work on " + id,
		Status:      tasks.StatusPending,
		Priority:    priority,
		Queue:       tasks.QueueUser,
		Metadata:    meta,
	}
	if err := fx.tasks.Add(task, tasks.PositionBottom); err != nil {
		t.Fatalf("Add %s: %v", id, err)
	}
}

func TestEvaluateSpawnsUpToCap(t *testing.T) {
	fx := newFixture(t, 2)
	fx.addTask(t, "t1", tasks.PriorityHigh, nil)
	fx.addTask(t, "t2", tasks.PriorityHigh, nil)
	fx.addTask(t, "t3", tasks.PriorityLow, nil)

	fx.sched.Evaluate()

	if got := fx.runner.spawnedTaskIDs(); len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Fatalf("spawned = %v, want [t1 t2]", got)
	}
	if fx.tasks.Get(tasks.QueueUser, "t3").Status != tasks.StatusPending {
		t.Fatal("t3 should remain pending at the cap")
	}
	for _, id := range []string{"t1", "t2"} {
		task := fx.tasks.Get(tasks.QueueUser, id)
		if task.Status != tasks.StatusInProgress || task.CurrentAgentID == "" {
			t.Fatalf("task %s = %+v, want in_progress with agent id", id, task)
		}
	}

	// a completion frees a slot; the next pass picks up t3
	fx.runner.finish("agt-001")
	fx.sched.Evaluate()
	if got := fx.runner.spawnedTaskIDs(); len(got) != 3 || got[2] != "t3" {
		t.Fatalf("spawned after free slot = %v, want t3 appended", got)
	}
}

func TestZeroCapSpawnsNothing(t *testing.T) {
	fx := newFixture(t, 0)
	fx.addTask(t, "t1", tasks.PriorityCritical, nil)

	fx.sched.Evaluate()

	if got := fx.runner.spawnedTaskIDs(); len(got) != 0 {
		t.Fatalf("spawned = %v with cap 0", got)
	}
}

func TestEvaluateRespectsPriorityAndQueueOrder(t *testing.T) {
	fx := newFixture(t, 1)

	internal := &tasks.Task{
		ID: "int1", Description: "internal work", Status: tasks.StatusPending,
		Priority: tasks.PriorityHigh, Queue: tasks.QueueInternal,
	}
	if err := fx.tasks.Add(internal, tasks.PositionBottom); err != nil {
		t.Fatalf("Add: %v", err)
	}
	fx.addTask(t, "usr1", tasks.PriorityHigh, nil)

	fx.sched.Evaluate()

	// same priority: the user queue outranks internal
	if got := fx.runner.spawnedTaskIDs(); len(got) != 1 || got[0] != "usr1" {
		t.Fatalf("spawned = %v, want [usr1]", got)
	}
}

func TestEvaluateSkipsUnapprovedTasks(t *testing.T) {
	fx := newFixture(t, 1)
	task := &tasks.Task{
		ID: "t1", Description: "needs sign-off", Status: tasks.StatusPending,
		Priority: tasks.PriorityHigh, Queue: tasks.QueueUser, ApprovalRequired: true,
	}
	if err := fx.tasks.Add(task, tasks.PositionBottom); err != nil {
		t.Fatalf("Add: %v", err)
	}

	fx.sched.Evaluate()
	if got := fx.runner.spawnedTaskIDs(); len(got) != 0 {
		t.Fatalf("unapproved task spawned: %v", got)
	}

	if err := fx.tasks.Approve(tasks.QueueUser, "t1"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	fx.sched.Evaluate()
	if got := fx.runner.spawnedTaskIDs(); len(got) != 1 {
		t.Fatalf("approved task not spawned: %v", got)
	}
}

func TestEvaluateHonorsSkipList(t *testing.T) {
	fx := newFixture(t, 1)

	// five failures put "security" on the skip-list
	for i := 0; i < 5; i++ {
		fx.learning.OnComplete("security", learning.CompleteInput{Success: false, DurationMs: 100})
	}
	fx.addTask(t, "sec1", tasks.PriorityHigh, map[string]string{tasks.MetaTaskType: "security"})

	var warnLogs []map[string]any
	fx.bus.Subscribe(events.TopicLog, func(e events.Event) {
		if payload, ok := e.Payload.(map[string]any); ok {
			warnLogs = append(warnLogs, payload)
		}
	})

	fx.sched.Evaluate()

	if got := fx.runner.spawnedTaskIDs(); len(got) != 0 {
		t.Fatalf("skip-listed task spawned: %v", got)
	}
	if fx.tasks.Get(tasks.QueueUser, "sec1").Status != tasks.StatusPending {
		t.Fatal("skip-listed task left pending state")
	}
	if len(warnLogs) != 1 {
		t.Fatalf("got %d skip warnings in one cycle, want 1", len(warnLogs))
	}
	if warnLogs[0]["level"] != "warn" || warnLogs[0]["category"] != "skipped" {
		t.Fatalf("warning payload = %v", warnLogs[0])
	}

	// a second cycle warns again (once per evaluation cycle)
	fx.sched.Evaluate()
	if len(warnLogs) != 2 {
		t.Fatalf("got %d warnings after two cycles, want 2", len(warnLogs))
	}
}

func TestEvaluateHonorsAppCooldown(t *testing.T) {
	fx := newFixture(t, 1)
	fx.apps.RecordOutcome("webapp", time.Now(), false, time.Hour, 1)
	fx.addTask(t, "t1", tasks.PriorityHigh, map[string]string{tasks.MetaApp: "webapp"})

	fx.sched.Evaluate()
	if got := fx.runner.spawnedTaskIDs(); len(got) != 0 {
		t.Fatalf("cooled-down app task spawned: %v", got)
	}

	// other apps are unaffected
	fx.addTask(t, "t2", tasks.PriorityLow, map[string]string{tasks.MetaApp: "otherapp"})
	fx.sched.Evaluate()
	if got := fx.runner.spawnedTaskIDs(); len(got) != 1 || got[0] != "t2" {
		t.Fatalf("spawned = %v, want [t2]", got)
	}
}

func TestEvaluateSkipsTasksWithLiveAgents(t *testing.T) {
	fx := newFixture(t, 2)
	fx.addTask(t, "t1", tasks.PriorityHigh, nil)

	fx.sched.Evaluate()
	fx.sched.Evaluate()

	if got := fx.runner.spawnedTaskIDs(); len(got) != 1 {
		t.Fatalf("task with a live agent respawned: %v", got)
	}
}

func TestSpawnFailureRevertsTask(t *testing.T) {
	fx := newFixture(t, 1)
	fx.runner.failAll = true
	fx.addTask(t, "t1", tasks.PriorityHigh, nil)

	fx.sched.Evaluate()

	task := fx.tasks.Get(tasks.QueueUser, "t1")
	if task.Status != tasks.StatusPending || task.CurrentAgentID != "" {
		t.Fatalf("task after spawn failure = %+v, want reverted to pending", task)
	}
}

func TestPausedSchedulerAdmitsNothing(t *testing.T) {
	fx := newFixture(t, 1)
	fx.addTask(t, "t1", tasks.PriorityHigh, nil)

	fx.sched.Pause("maintenance")
	fx.sched.Evaluate()
	if got := fx.runner.spawnedTaskIDs(); len(got) != 0 {
		t.Fatalf("paused scheduler spawned: %v", got)
	}

	fx.sched.Resume()
	fx.sched.Evaluate()
	if got := fx.runner.spawnedTaskIDs(); len(got) != 1 {
		t.Fatalf("resumed scheduler did not spawn: %v", got)
	}
}

func TestHandleCompletionSettlesTaskAndCooldown(t *testing.T) {
	fx := newFixture(t, 1)
	fx.addTask(t, "t1", tasks.PriorityHigh, map[string]string{tasks.MetaApp: "webapp"})
	fx.sched.Evaluate()

	agentID := fx.tasks.Get(tasks.QueueUser, "t1").CurrentAgentID
	fx.runner.finish(agentID)

	// a success completes the task and leaves no cooldown
	fx.sched.HandleCompletion(agents.CompletionNotice{Agent: &agents.Agent{
		ID: agentID, TaskID: "t1", Queue: tasks.QueueUser,
		Status:   agents.StatusCompleted,
		Result:   &agents.Result{Success: true, Duration: 2000},
		Metadata: agents.Metadata{App: "webapp", TaskType: "feature"},
	}})

	task := fx.tasks.Get(tasks.QueueUser, "t1")
	if task.Status != tasks.StatusCompleted || task.CurrentAgentID != "" {
		t.Fatalf("task after success = %+v", task)
	}
	if !fx.apps.CooldownExpired("webapp", time.Now()) {
		t.Fatal("success left the app in cooldown")
	}
}

func TestHandleCompletionFailureRevertsAndCoolsDown(t *testing.T) {
	fx := newFixture(t, 1)
	fx.addTask(t, "t1", tasks.PriorityHigh, map[string]string{tasks.MetaApp: "webapp"})
	fx.sched.Evaluate()
	agentID := fx.tasks.Get(tasks.QueueUser, "t1").CurrentAgentID
	fx.runner.finish(agentID)

	fx.sched.HandleCompletion(agents.CompletionNotice{Agent: &agents.Agent{
		ID: agentID, TaskID: "t1", Queue: tasks.QueueUser,
		Status:   agents.StatusCompleted,
		Result:   &agents.Result{Success: false, Error: "exit code 1", Duration: 500},
		Metadata: agents.Metadata{App: "webapp", TaskType: "feature"},
	}})

	task := fx.tasks.Get(tasks.QueueUser, "t1")
	if task.Status != tasks.StatusPending || task.CurrentAgentID != "" {
		t.Fatalf("task after failure = %+v, want pending", task)
	}
	if fx.apps.CooldownExpired("webapp", time.Now()) {
		t.Fatal("failure did not put the app in cooldown")
	}
}

func TestForceEvaluateOnEmptyQueueHasNoSideEffects(t *testing.T) {
	fx := newFixture(t, 1)
	fx.sched.Evaluate()
	if got := fx.runner.spawnedTaskIDs(); len(got) != 0 {
		t.Fatalf("empty queue spawned: %v", got)
	}
	if fx.runner.ActiveCount() != 0 {
		t.Fatalf("active count = %d", fx.runner.ActiveCount())
	}
}

func TestStartStopLifecycle(t *testing.T) {
	fx := newFixture(t, 1)
	fx.sched.running = false

	if err := fx.sched.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.sched.Start(); err == nil {
		t.Fatal("second Start should conflict")
	}
	if !fx.sched.GetStatus().Running {
		t.Fatal("status not running after Start")
	}
	fx.sched.Stop()
	if fx.sched.GetStatus().Running {
		t.Fatal("status still running after Stop")
	}
}
