package agents

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coscontrol/cosd/internal/config"
	"github.com/coscontrol/cosd/internal/coserr"
	"github.com/coscontrol/cosd/internal/events"
	"github.com/coscontrol/cosd/internal/learning"
	"github.com/coscontrol/cosd/internal/logging"
	"github.com/coscontrol/cosd/internal/procmon"
	"github.com/coscontrol/cosd/internal/productivity"
	"github.com/coscontrol/cosd/internal/tasks"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests drive /bin/sh children")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

// eventLog records every bus event in arrival order.
type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) record(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) topics() []events.Topic {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Topic, len(l.events))
	for i, e := range l.events {
		out[i] = e.Topic
	}
	return out
}

type supFixture struct {
	sup *Supervisor
	bus *events.Bus
	log *eventLog
}

func newFixture(t *testing.T, script string, maxConcurrent int, mutate func(*Options)) *supFixture {
	t.Helper()
	requireSh(t)

	cfg := config.Default()
	cfg.DefaultAgentCommand = []string{"/bin/sh", "-c", script}
	cfg.MaxConcurrentAgents = maxConcurrent
	cfg.GracefulTerminateMs = 500

	bus := events.NewBus(nil, nil)
	lg := &eventLog{}
	bus.Subscribe(events.TopicAll, lg.record)

	opts := Options{
		DataRoot: t.TempDir(),
		Bus:      bus,
		Logger:   logging.New("AGENTS-TEST"),
		Config:   func() config.Config { return cfg },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &supFixture{sup: NewSupervisor(opts), bus: bus, log: lg}
}

func pendingTask(id, desc string) *tasks.Task {
	return &tasks.Task{
		ID:          id,
		Description: desc,
		Status:      tasks.StatusPending,
		Priority:    tasks.PriorityLow,
		Queue:       tasks.QueueUser,
		Metadata:    map[string]string{},
	}
}

func waitCompleted(t *testing.T, sup *Supervisor, id string, timeout time.Duration) *Agent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a := sup.Get(id); a != nil && a.Status == StatusCompleted {
			return a
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("agent %s did not complete within %s", id, timeout)
	return nil
}

func TestSpawnHappyPath(t *testing.T) {
	dir := t.TempDir()
	learningStore := learning.New(filepath.Join(dir, "learning.json"), logging.New("LEARNING-TEST"))
	defer learningStore.Close()
	productivityStore := productivity.New(filepath.Join(dir, "productivity.json"), logging.New("PRODUCTIVITY-TEST"))
	defer productivityStore.Close()

	var completionOrder []string
	fx := newFixture(t, "echo hello", 1, func(o *Options) {
		o.Learning = learningStore
		o.Productivity = productivityStore
		o.OnCompleted = func(CompletionNotice) {
			completionOrder = append(completionOrder, "hook")
		}
	})
	// learning must be visible before agent:completed reaches subscribers
	fx.bus.Subscribe(events.TopicAgentCompleted, func(events.Event) {
		r := learningStore.GetStats("documentation")
		if r.Completed == 1 {
			completionOrder = append(completionOrder, "learning-applied")
		}
	})

	completedCh, unsubscribe := fx.bus.SubscribeChan(events.TopicAgentCompleted)
	defer unsubscribe()

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "Fix typo in readme"), TaskType: "documentation"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-completedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("agent:completed never arrived")
	}
	a := waitCompleted(t, fx.sup, id, time.Second)
	if a.Result == nil || !a.Result.Success || a.Result.ExitCode != 0 {
		t.Fatalf("result = %+v", a.Result)
	}
	if len(a.Output) != 1 || a.Output[0].Line != "hello" {
		t.Fatalf("output = %v", a.Output)
	}
	if a.CompletedAt == nil || a.CompletedAt.Before(a.StartedAt) {
		t.Fatalf("completedAt %v before startedAt %v", a.CompletedAt, a.StartedAt)
	}

	// event sequence: spawned, output*, completed — nothing after completed
	var seq []events.Topic
	for _, topic := range fx.log.topics() {
		switch topic {
		case events.TopicAgentSpawned, events.TopicAgentOutput, events.TopicAgentCompleted:
			seq = append(seq, topic)
		}
	}
	want := []events.Topic{events.TopicAgentSpawned, events.TopicAgentOutput, events.TopicAgentCompleted}
	if len(seq) != len(want) {
		t.Fatalf("event sequence = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("event sequence = %v, want %v", seq, want)
		}
	}

	r := learningStore.GetStats("documentation")
	if r.Attempts != 1 || r.Completed != 1 || r.SuccessRate() != 1.0 {
		t.Fatalf("learning record = %+v", r)
	}
	if len(completionOrder) == 0 || completionOrder[0] != "hook" {
		t.Fatalf("completion hook/event order = %v", completionOrder)
	}

	// completed record is archived to the daily shard
	shard := fx.sup.shardPath(*a.CompletedAt)
	if _, err := os.Stat(shard); err != nil {
		t.Fatalf("daily shard missing: %v", err)
	}
}

func TestNonZeroExitRecordsFailure(t *testing.T) {
	fx := newFixture(t, "echo oops >&2; exit 3", 1, nil)

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "doomed work")})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	a := waitCompleted(t, fx.sup, id, 5*time.Second)
	if a.Result.Success {
		t.Fatal("failed child recorded as success")
	}
	if a.Result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", a.Result.ExitCode)
	}
	if !strings.Contains(a.Result.Error, "exit code 3") || !strings.Contains(a.Result.Error, "oops") {
		t.Fatalf("error = %q, want exit code plus stderr tail", a.Result.Error)
	}
}

func TestConcurrencyCapRefusesSpawn(t *testing.T) {
	fx := newFixture(t, "sleep 5", 1, nil)

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "long running")})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() {
		fx.sup.Kill(id)
		waitCompleted(t, fx.sup, id, 5*time.Second)
	}()

	if _, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t2", "over cap")}); !coserr.Is(err, coserr.Conflict) {
		t.Fatalf("over-cap spawn error = %v, want Conflict", err)
	}
	if fx.sup.ActiveCount() != 1 {
		t.Fatalf("active count = %d, want 1", fx.sup.ActiveCount())
	}
}

func TestTerminateEscalatesAndRecordsTerminated(t *testing.T) {
	fx := newFixture(t, "sleep 10", 1, nil)

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "stuck work")})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// give the child a moment to exist
	time.Sleep(100 * time.Millisecond)

	if err := fx.sup.Terminate(id); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	a := waitCompleted(t, fx.sup, id, 5*time.Second)
	if a.Result.Success || a.Result.Error != "terminated" {
		t.Fatalf("result = %+v, want terminated failure", a.Result)
	}
	// sh dies on SIGTERM; the exit code is the signal number
	if a.Result.ExitCode != 15 {
		t.Fatalf("exit code = %d, want 15 (SIGTERM)", a.Result.ExitCode)
	}
}

func TestKillIsImmediate(t *testing.T) {
	fx := newFixture(t, "sleep 10", 1, nil)

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "stuck work")})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := fx.sup.Kill(id); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	a := waitCompleted(t, fx.sup, id, 5*time.Second)
	if a.Result.Success || a.Result.Error != "killed" {
		t.Fatalf("result = %+v, want killed failure", a.Result)
	}
	if a.Result.ExitCode != 9 {
		t.Fatalf("exit code = %d, want 9 (SIGKILL)", a.Result.ExitCode)
	}
}

func TestSpawnFailureRecordsSpawnFailed(t *testing.T) {
	fx := newFixture(t, "", 1, nil)
	// point the template at a binary that cannot exist
	cfg := config.Default()
	cfg.DefaultAgentCommand = []string{"/nonexistent/cosd-test-binary"}
	cfg.MaxConcurrentAgents = 1
	fx.sup.opts.Config = func() config.Config { return cfg }

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "never starts")})
	if !coserr.Is(err, coserr.ChildProcess) {
		t.Fatalf("spawn error = %v, want ChildProcess", err)
	}

	a := fx.sup.Get(id)
	if a == nil || a.Status != StatusCompleted {
		t.Fatalf("agent record = %+v, want completed", a)
	}
	if a.Result.Success || a.Result.Error != "spawn_failed" {
		t.Fatalf("result = %+v, want spawn_failed", a.Result)
	}
	if fx.sup.ActiveCount() != 0 {
		t.Fatalf("active count = %d after spawn failure", fx.sup.ActiveCount())
	}
}

type inactiveMonitor struct{}

func (inactiveMonitor) Check(_ context.Context, pid int) procmon.Status {
	return procmon.Status{Active: false, PID: pid}
}

func TestZombieDetectionForceKills(t *testing.T) {
	old := monitorInterval
	monitorInterval = 50 * time.Millisecond
	defer func() { monitorInterval = old }()

	fx := newFixture(t, "sleep 10", 1, func(o *Options) {
		o.Monitor = inactiveMonitor{}
	})

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "will be zombified")})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	a := waitCompleted(t, fx.sup, id, 5*time.Second)
	if a.Result.Success || a.Result.Error != "zombie" {
		t.Fatalf("result = %+v, want zombie failure", a.Result)
	}
	if fx.sup.ZombieKills() != 1 {
		t.Fatalf("zombie kills = %d, want 1", fx.sup.ZombieKills())
	}

	// a health:check warning with category "agent" was raised
	foundWarning := false
	fx.log.mu.Lock()
	for _, e := range fx.log.events {
		if e.Topic != events.TopicHealthCheck {
			continue
		}
		payload, ok := e.Payload.(map[string]any)
		if !ok {
			continue
		}
		if issues, ok := payload["issues"].([]map[string]any); ok {
			for _, issue := range issues {
				if issue["category"] == "agent" && issue["severity"] == "warning" {
					foundWarning = true
				}
			}
		}
	}
	fx.log.mu.Unlock()
	if !foundWarning {
		t.Fatal("zombie kill did not raise a health:check agent warning")
	}
}

func TestClearCompletedIsIdempotent(t *testing.T) {
	fx := newFixture(t, "true", 1, nil)

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "quick")})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitCompleted(t, fx.sup, id, 5*time.Second)

	if n := fx.sup.ClearCompleted(); n != 1 {
		t.Fatalf("first ClearCompleted = %d, want 1", n)
	}
	if n := fx.sup.ClearCompleted(); n != 0 {
		t.Fatalf("second ClearCompleted = %d, want 0", n)
	}
}

func TestDeleteRefusesRunningAgent(t *testing.T) {
	fx := newFixture(t, "sleep 5", 1, nil)

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "busy")})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := fx.sup.Delete(id); !coserr.Is(err, coserr.Conflict) {
		t.Fatalf("deleting running agent error = %v, want Conflict", err)
	}

	fx.sup.Kill(id)
	waitCompleted(t, fx.sup, id, 5*time.Second)
	if err := fx.sup.Delete(id); err != nil {
		t.Fatalf("deleting completed agent: %v", err)
	}
	if err := fx.sup.Delete(id); !coserr.Is(err, coserr.NotFound) {
		t.Fatalf("double delete error = %v, want NotFound", err)
	}
}

func TestShutdownDrainsRunningAgents(t *testing.T) {
	fx := newFixture(t, "sleep 10", 2, nil)

	id, err := fx.sup.Spawn(SpawnRequest{Task: pendingTask("t1", "running at shutdown")})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	fx.sup.Shutdown(3 * time.Second)

	if fx.sup.ActiveCount() != 0 {
		t.Fatalf("active count after shutdown = %d", fx.sup.ActiveCount())
	}
	a := fx.sup.Get(id)
	if a == nil || a.Result == nil || a.Result.Success {
		t.Fatalf("terminated agent record = %+v", a)
	}
	if a.Result.Error != "terminated" && a.Result.Error != "killed" {
		t.Fatalf("shutdown result error = %q", a.Result.Error)
	}
}

func TestRouterDefaults(t *testing.T) {
	r := TierRouter{Routing: config.DefaultRouting()}

	cases := []struct {
		taskType string
		priority tasks.Priority
		wantTier config.Tier
	}{
		{"documentation", tasks.PriorityLow, config.TierMedium},
		{"architecture", tasks.PriorityLow, config.TierHeavy},
		{"database", tasks.PriorityMedium, config.TierHeavy},
		{"typo", tasks.PriorityLow, config.TierLight},
		{"formatting", tasks.PriorityLow, config.TierLight},
		{"bugfix", tasks.PriorityCritical, config.TierHeavy},
	}
	for _, c := range cases {
		_, tier, _ := r.Route(c.taskType, c.priority)
		if tier != c.wantTier {
			t.Errorf("Route(%q, %q) tier = %q, want %q", c.taskType, c.priority, tier, c.wantTier)
		}
	}
}
