// Package learning implements the learning store: incremental
// per-task-type statistics used to pick models, detect task types not
// worth attempting, and scale cooldowns after failures.
package learning

import (
	"log"
	"math"
	"sort"
	"sync"

	"github.com/coscontrol/cosd/internal/persistence"
)

// durationWindowCapacity bounds the sorted deque used for p80.
const durationWindowCapacity = 50

// minFinishedForSkipList is the minimum number of finished runs
// (successes plus failures) before a task type becomes eligible for
// the skip-list; below it there is not enough signal to refuse work.
const minFinishedForSkipList = 5

// skipListFailureThreshold is the success-rate ceiling under which a
// task type with enough samples is recommended against.
const skipListFailureThreshold = 0.30

// Record holds the learning statistics for one task type.
type Record struct {
	TaskType        string         `json:"taskType"`
	Attempts        int            `json:"attempts"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	AvgDurationMs   float64        `json:"avgDurationMs"`
	P80DurationMs   float64        `json:"p80DurationMs"`
	ErrorCategories map[string]int `json:"errorCategories,omitempty"`
	ModelTierStats  map[string]int `json:"modelTierStats,omitempty"`
	durations       []float64      // bounded deque, most-recent-last
	recentOutcomes  []bool         // bounded recent success/fail density for cooldown
}

// SuccessRate returns Completed/(Completed+Failed), or 0 with no outcomes yet.
func (r *Record) SuccessRate() float64 {
	total := r.Completed + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Completed) / float64(total)
}

func (r *Record) clone() *Record {
	c := *r
	c.ErrorCategories = cloneCounts(r.ErrorCategories)
	c.ModelTierStats = cloneCounts(r.ModelTierStats)
	c.durations = append([]float64(nil), r.durations...)
	c.recentOutcomes = append([]bool(nil), r.recentOutcomes...)
	return &c
}

func cloneCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CompleteInput describes the outcome of one agent's run, as reported
// by the Agent Supervisor on completion.
type CompleteInput struct {
	Success       bool
	DurationMs    float64
	ErrorCategory string
	ModelTier     string
}

type message struct {
	attempt  *attemptMsg
	complete *completeMsg
}

type attemptMsg struct {
	taskType  string
	model     string
	modelTier string
}

type completeMsg struct {
	taskType string
	input    CompleteInput
	done     chan struct{}
}

// Store is the serial updater for learning records: all mutation flows
// through a single goroutine reading from a bounded channel; queries
// take a lock briefly to copy state out.
type Store struct {
	path    string
	log     *log.Logger
	mu      sync.RWMutex
	records map[string]*Record

	inbox chan message
	done  chan struct{}
}

// New constructs a Store, loading any existing persisted records from
// path (falling back to empty on missing/malformed data).
func New(path string, logger *log.Logger) *Store {
	persisted := persistence.ReadJSON(path, map[string]*Record{}, func(f string, a ...any) {
		logger.Printf(f, a...)
	})
	for _, r := range persisted {
		if r.ErrorCategories == nil {
			r.ErrorCategories = map[string]int{}
		}
		if r.ModelTierStats == nil {
			r.ModelTierStats = map[string]int{}
		}
	}

	s := &Store{
		path:    path,
		log:     logger,
		records: persisted,
		inbox:   make(chan message, 256),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Close stops the updater goroutine.
func (s *Store) Close() {
	close(s.inbox)
	<-s.done
}

func (s *Store) run() {
	defer close(s.done)
	for msg := range s.inbox {
		switch {
		case msg.attempt != nil:
			s.applyAttempt(msg.attempt)
		case msg.complete != nil:
			s.applyComplete(msg.complete)
			close(msg.complete.done)
		}
	}
}

// OnAttempt records that an agent is about to attempt taskType.
func (s *Store) OnAttempt(taskType, model, modelTier string) {
	s.inbox <- message{attempt: &attemptMsg{taskType: taskType, model: model, modelTier: modelTier}}
}

// OnComplete records an agent's outcome for taskType and blocks until
// the update has been applied, so callers that must sequence this
// before emitting agent:completed can rely on the record being
// visible to subsequent queries.
func (s *Store) OnComplete(taskType string, input CompleteInput) {
	done := make(chan struct{})
	s.inbox <- message{complete: &completeMsg{taskType: taskType, input: input, done: done}}
	<-done
}

func (s *Store) applyAttempt(m *attemptMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(m.taskType)
	r.Attempts++
	if m.modelTier != "" {
		r.ModelTierStats[m.modelTier]++
	}
	s.persistLocked()
}

func (s *Store) applyComplete(m *completeMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(m.taskType)

	if m.input.Success {
		r.Completed++
	} else {
		r.Failed++
		if m.input.ErrorCategory != "" {
			r.ErrorCategories[m.input.ErrorCategory]++
		}
	}

	r.recentOutcomes = append(r.recentOutcomes, m.input.Success)
	if len(r.recentOutcomes) > durationWindowCapacity {
		r.recentOutcomes = r.recentOutcomes[len(r.recentOutcomes)-durationWindowCapacity:]
	}

	r.durations = append(r.durations, m.input.DurationMs)
	if len(r.durations) > durationWindowCapacity {
		r.durations = r.durations[len(r.durations)-durationWindowCapacity:]
	}
	r.AvgDurationMs = mean(r.durations)
	r.P80DurationMs = percentile80(r.durations)

	s.persistLocked()
}

// recordLocked returns the Record for taskType, creating it if absent.
// Callers must hold s.mu.
func (s *Store) recordLocked(taskType string) *Record {
	r, ok := s.records[taskType]
	if !ok {
		r = &Record{
			TaskType:        taskType,
			ErrorCategories: map[string]int{},
			ModelTierStats:  map[string]int{},
		}
		s.records[taskType] = r
	}
	return r
}

func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	if err := persistence.WriteJSON(s.path, s.records); err != nil {
		s.log.Printf("failed to persist learning store: %v", err)
	}
}

// GetStats returns a copy of the record for taskType, or a zero-valued
// Record if none has been observed yet.
func (s *Store) GetStats(taskType string) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[taskType]; ok {
		return *r.clone()
	}
	return Record{TaskType: taskType}
}

// GetAllDurations returns every task type's current duration window,
// keyed by task type, primarily for diagnostics/tests.
func (s *Store) GetAllDurations() map[string][]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]float64, len(s.records))
	for t, r := range s.records {
		out[t] = append([]float64(nil), r.durations...)
	}
	return out
}

// GetSkipped returns task types the store recommends against
// attempting: at least five finished runs with a success rate under
// the threshold.
func (s *Store) GetSkipped() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var skipped []string
	for t, r := range s.records {
		if r.Completed+r.Failed >= minFinishedForSkipList && r.SuccessRate() < skipListFailureThreshold {
			skipped = append(skipped, t)
		}
	}
	sort.Strings(skipped)
	return skipped
}

// GetAdaptiveCooldown returns a multiplier in [1, 8], increasing with
// the density of recent failures for taskType.
func (s *Store) GetAdaptiveCooldown(taskType string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[taskType]
	if !ok || len(r.recentOutcomes) == 0 {
		return 1
	}

	failures := 0
	for _, ok := range r.recentOutcomes {
		if !ok {
			failures++
		}
	}
	density := float64(failures) / float64(len(r.recentOutcomes))
	multiplier := 1 + density*7
	if multiplier < 1 {
		return 1
	}
	if multiplier > 8 {
		return 8
	}
	return multiplier
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile80 sorts a copy of xs and returns the value at index
// ceil(0.8*len)-1, falling back to the mean when fewer than 5 samples
// are available.
func percentile80(xs []float64) float64 {
	if len(xs) < 5 {
		return mean(xs)
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.8*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
