// Package coshandle wires every component into one long-lived Handle
// exposing the supervisor's control surface: lifecycle, task and agent
// operations, evaluation and health-check triggers, and event
// subscription. The Handle is constructed once per process and
// injected where needed; nothing here is a package-level global.
package coshandle

import (
	"log"
	"path/filepath"
	"time"

	"github.com/coscontrol/cosd/internal/agents"
	"github.com/coscontrol/cosd/internal/appactivity"
	"github.com/coscontrol/cosd/internal/classify"
	"github.com/coscontrol/cosd/internal/config"
	"github.com/coscontrol/cosd/internal/coserr"
	"github.com/coscontrol/cosd/internal/events"
	"github.com/coscontrol/cosd/internal/learning"
	"github.com/coscontrol/cosd/internal/logging"
	"github.com/coscontrol/cosd/internal/nats"
	"github.com/coscontrol/cosd/internal/persistence"
	"github.com/coscontrol/cosd/internal/procmon"
	"github.com/coscontrol/cosd/internal/productivity"
	"github.com/coscontrol/cosd/internal/scheduler"
	"github.com/coscontrol/cosd/internal/tasks"
	"github.com/coscontrol/cosd/internal/worktree"
)

// Options configures Handle construction.
type Options struct {
	DataRoot   string
	SourceRepo string
	Isolate    bool

	// DisableNATS skips the embedded event-mirror server; in-process
	// subscribers still work.
	DisableNATS bool

	// DisableEventStore skips the SQLite event backlog.
	DisableEventStore bool
}

// Handle owns the wired component graph.
type Handle struct {
	opts Options
	cfg  config.Config
	log  *log.Logger

	bus          *events.Bus
	eventStore   *events.SQLiteStore
	natsServer   *nats.EmbeddedServer
	natsClient   *nats.Client
	taskStore    *tasks.Store
	learning     *learning.Store
	productivity *productivity.Store
	appActivity  *appactivity.Store
	worktrees    *worktree.Manager
	supervisor   *agents.Supervisor
	sched        *scheduler.Scheduler
	activity     *activityLog
}

// New builds the full component graph. Optional pieces (NATS mirror,
// event backlog, worktree isolation) degrade with a warning instead of
// failing construction; a broken task store or config is fatal.
func New(opts Options) (*Handle, error) {
	h := &Handle{opts: opts, log: logging.New("HANDLE")}

	cosDir := filepath.Join(opts.DataRoot, "cos")
	if err := persistence.EnsureDir(cosDir); err != nil {
		return nil, err
	}

	h.cfg = config.Load(opts.DataRoot, func(f string, a ...any) { h.log.Printf(f, a...) })
	if err := h.cfg.Validate(); err != nil {
		return nil, coserr.New(coserr.Validation, "config", err)
	}
	// write the resolved config back so the operator sees the
	// effective option set, defaults included
	if err := config.Save(opts.DataRoot, h.cfg); err != nil {
		h.log.Printf("persisting resolved config: %v", err)
	}

	routing, err := config.LoadRouting(filepath.Join(cosDir, "routing.yaml"))
	if err != nil {
		return nil, coserr.New(coserr.Validation, "routing", err)
	}

	// event backlog + mirror feed the bus
	var store events.Store
	if !opts.DisableEventStore {
		sqlStore, err := events.OpenSQLiteStore(filepath.Join(cosDir, "events.db"))
		if err != nil {
			h.log.Printf("event backlog unavailable: %v", err)
		} else {
			h.eventStore = sqlStore
			store = sqlStore
		}
	}

	var mirror events.Mirror
	if !opts.DisableNATS {
		server, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{Port: h.cfg.NATSPort})
		if err == nil {
			err = server.Start()
		}
		if err != nil {
			h.log.Printf("embedded nats server unavailable, external subscribers disabled: %v", err)
		} else {
			h.natsServer = server
			client, err := nats.NewClient(server.URL())
			if err != nil {
				h.log.Printf("nats client connect: %v", err)
				server.Shutdown()
				h.natsServer = nil
			} else {
				h.natsClient = client
				mirror = events.NewNATSMirror(client, logging.New("EVENTS"))
			}
		}
	}

	h.bus = events.NewBus(store, mirror)
	h.activity = newActivityLog(filepath.Join(cosDir, "activity.json"), h.log)
	h.activity.attach(h.bus)

	userPath := h.cfg.UserTasksPath
	if !filepath.IsAbs(userPath) {
		userPath = filepath.Join(opts.DataRoot, userPath)
	}
	internalPath := h.cfg.InternalTasksPath
	if !filepath.IsAbs(internalPath) {
		internalPath = filepath.Join(opts.DataRoot, internalPath)
	}
	h.taskStore, err = tasks.New(userPath, internalPath, logging.New("TASKS"), func(q tasks.Queue) {
		topic := events.TopicTasksUserChanged
		if q == tasks.QueueInternal {
			topic = events.TopicTasksInternal
		}
		h.bus.Publish(topic, map[string]any{"queue": q})
	})
	if err != nil {
		return nil, coserr.New(coserr.IO, "tasks", err)
	}

	h.learning = learning.New(filepath.Join(cosDir, "learning.json"), logging.New("LEARNING"))
	h.productivity = productivity.New(filepath.Join(cosDir, "productivity.json"), logging.New("PRODUCTIVITY"))
	h.appActivity = appactivity.New(filepath.Join(cosDir, "app-activity.json"), logging.New("APPS"))
	h.worktrees = worktree.NewManager(opts.DataRoot, logging.New("WORKTREE"))

	monitor := procmon.WithTimeout(procmon.New())

	var isolator agents.Isolator
	if opts.Isolate && opts.SourceRepo != "" {
		isolator = worktree.NewProvisioner(h.worktrees)
	}

	cfgFn := func() config.Config { return h.cfg }
	h.supervisor = agents.NewSupervisor(agents.Options{
		DataRoot:     opts.DataRoot,
		Bus:          h.bus,
		Logger:       logging.New("AGENTS"),
		Monitor:      monitor,
		Learning:     h.learning,
		Productivity: h.productivity,
		Isolator:     isolator,
		Router:       agents.TierRouter{Routing: routing},
		Config:       cfgFn,
		OnCompleted: func(n agents.CompletionNotice) {
			// sched is assigned below, before any agent can spawn
			if h.sched != nil {
				h.sched.HandleCompletion(n)
			}
		},
	})

	h.sched = scheduler.New(scheduler.Options{
		Config:      cfgFn,
		Tasks:       h.taskStore,
		Learning:    h.learning,
		AppActivity: h.appActivity,
		Runner:      h.supervisor,
		Bus:         h.bus,
		Classifier:  classify.NewKeywordClassifier(),
		Monitor:     monitor,
		Logger:      logging.New("SCHEDULER"),
		SourceRepo:  opts.SourceRepo,
		Isolate:     opts.Isolate,
	})

	h.recoverStaleAgents()
	h.cleanupOrphanWorktrees()

	if h.cfg.AutoStart {
		if err := h.Start(); err != nil {
			h.log.Printf("autostart: %v", err)
		}
	}
	return h, nil
}

// recoverStaleAgents reconciles live.json left behind by a crash:
// every record still claiming to run without a live PID is finalized
// as a zombie and archived.
func (h *Handle) recoverStaleAgents() {
	livePath := filepath.Join(h.opts.DataRoot, "cos", "agents", "live.json")
	stale := persistence.ReadJSON(livePath, []*agents.Agent{}, func(f string, a ...any) { h.log.Printf(f, a...) })
	if len(stale) == 0 {
		return
	}

	now := time.Now()
	for _, a := range stale {
		h.log.Printf("recovering stale agent %s (task %s) from previous run", a.ID, a.TaskID)
		a.Status = agents.StatusCompleted
		a.CompletedAt = &now
		a.Result = &agents.Result{
			Success:  false,
			Error:    "zombie",
			Duration: float64(now.Sub(a.StartedAt).Milliseconds()),
			ExitCode: -1,
		}
		shardPath := filepath.Join(h.opts.DataRoot, "cos", "agents", now.Format("2006-01-02")+".json")
		shard := persistence.ReadJSON(shardPath, []*agents.Agent{}, nil)
		shard = append(shard, a)
		if err := persistence.WriteJSON(shardPath, shard); err != nil {
			h.log.Printf("archiving stale agent %s: %v", a.ID, err)
		}

		// the task the stale agent held goes back to pending
		if err := h.taskStore.Update(a.Queue, a.TaskID, func(t *tasks.Task) {
			t.Status = tasks.StatusPending
			t.CurrentAgentID = ""
		}); err != nil && !coserr.Is(err, coserr.NotFound) {
			h.log.Printf("releasing task %s from stale agent: %v", a.TaskID, err)
		}
	}
	if err := persistence.WriteJSON(livePath, []*agents.Agent{}); err != nil {
		h.log.Printf("clearing live agent records: %v", err)
	}
}

func (h *Handle) cleanupOrphanWorktrees() {
	if h.opts.SourceRepo == "" {
		return
	}
	if err := h.worktrees.CleanupOrphans(h.opts.SourceRepo, h.supervisor.ActiveAgentIDs()); err != nil {
		h.log.Printf("orphan worktree cleanup: %v", err)
	}
}

// Config returns the effective configuration.
func (h *Handle) Config() config.Config { return h.cfg }

// Bus exposes the event bus for in-process listeners.
func (h *Handle) Bus() *events.Bus { return h.bus }

// Start begins scheduling.
func (h *Handle) Start() error { return h.sched.Start() }

// Stop halts scheduling; running agents are left alone.
func (h *Handle) Stop() { h.sched.Stop() }

// Pause suspends admission, keeping the loops alive.
func (h *Handle) Pause(reason string) { h.sched.Pause(reason) }

// Resume lifts a pause.
func (h *Handle) Resume() { h.sched.Resume() }

// Status reports scheduler state and counts.
func (h *Handle) Status() scheduler.Status { return h.sched.GetStatus() }

// ForceEvaluate triggers an immediate admission pass.
func (h *Handle) ForceEvaluate() { h.sched.ForceEvaluate() }

// RunHealthCheck triggers an immediate health check.
func (h *Handle) RunHealthCheck() { h.sched.RunHealthCheck() }

// Subscribe returns a pull stream of bus events for topic (or
// events.TopicAll) plus its unsubscribe function.
func (h *Handle) Subscribe(topic events.Topic) (<-chan events.Event, func()) {
	return h.bus.SubscribeChan(topic)
}

// Close shuts the whole graph down: scheduling stops, agents get a
// graceful drain window, stores flush, transports close.
func (h *Handle) Close() {
	h.sched.Stop() // emits the final status{running:false}
	h.supervisor.Shutdown(time.Duration(h.cfg.ShutdownDrainMs) * time.Millisecond)
	h.taskStore.Close()
	h.learning.Close()
	h.productivity.Close()
	if h.natsClient != nil {
		h.natsClient.Close()
	}
	if h.natsServer != nil {
		h.natsServer.Shutdown()
	}
	if h.eventStore != nil {
		if err := h.eventStore.Close(); err != nil {
			h.log.Printf("closing event store: %v", err)
		}
	}
}
