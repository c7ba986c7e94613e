// internal/tasks/store.go
package tasks

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coscontrol/cosd/internal/coserr"
)

// watchDebounce coalesces bursts of filesystem events (editors often
// write-then-rename, firing several events for one logical change)
// into a single re-read.
const watchDebounce = 300 * time.Millisecond

// Store is the task store: two file-backed queues held in memory,
// re-parsed on start, on Refresh, and on a debounced
// filesystem-watch trigger. Every mutating operation re-serializes its
// queue to disk immediately; readers get a cloned snapshot and never
// observe store-owned state.
type Store struct {
	log    *log.Logger
	paths  map[Queue]string
	notify func(Queue)

	mu      sync.RWMutex
	queues  map[Queue][]*Task
	watcher *fsnotify.Watcher
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Store for the given queue file paths and performs
// an initial read of both. A missing file yields an empty queue, not
// an error. onChange, if non-nil, is called
// with the queue whenever a reload or mutation changes its contents —
// the wiring layer uses it to publish tasks:<queue>:changed on the
// event bus.
func New(userPath, internalPath string, logger *log.Logger, onChange func(Queue)) (*Store, error) {
	s := &Store{
		log:     logger,
		paths:   map[Queue]string{QueueUser: userPath, QueueInternal: internalPath},
		notify:  onChange,
		queues:  map[Queue][]*Task{},
		closeCh: make(chan struct{}),
	}

	for q := range s.paths {
		s.reloadLocked(q)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("file watcher unavailable, falling back to refresh-only mode: %v", err)
		return s, nil
	}
	s.watcher = watcher
	for _, p := range s.paths {
		dir := filepath.Dir(p)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Printf("ensuring task directory %s: %v", dir, err)
			continue
		}
		if err := watcher.Add(dir); err != nil {
			logger.Printf("watching %s: %v", dir, err)
		}
	}
	s.wg.Add(1)
	go s.watchLoop()

	return s, nil
}

// Close stops the filesystem watcher.
func (s *Store) Close() {
	close(s.closeCh)
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.wg.Wait()
}

func (s *Store) watchLoop() {
	defer s.wg.Done()

	var timer *time.Timer
	pending := map[Queue]bool{}
	var mu sync.Mutex

	fire := func() {
		mu.Lock()
		due := pending
		pending = map[Queue]bool{}
		mu.Unlock()
		for q := range due {
			s.mu.Lock()
			changed := s.reloadLocked(q)
			s.mu.Unlock()
			if changed && s.notify != nil {
				s.notify(q)
			}
		}
	}

	for {
		select {
		case <-s.closeCh:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			q := s.queueForPath(ev.Name)
			if q == "" {
				continue
			}
			mu.Lock()
			pending[q] = true
			mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, fire)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Printf("task file watcher error: %v", err)
		}
	}
}

func (s *Store) queueForPath(name string) Queue {
	for q, p := range s.paths {
		if filepath.Clean(name) == filepath.Clean(p) {
			return q
		}
	}
	return ""
}

// reloadLocked re-reads queue's file from disk. On read or parse
// failure it logs a warning and keeps the last good snapshot.
// Callers must hold s.mu. Returns whether the
// in-memory list actually changed.
func (s *Store) reloadLocked(q Queue) bool {
	path := s.paths[q]
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Printf("reading task file %s: %v", path, err)
		}
		if _, ok := s.queues[q]; !ok {
			s.queues[q] = nil
		}
		return false
	}

	tasks, err := Parse(data, q)
	if err != nil {
		s.log.Printf("parsing task file %s: %v, keeping last good snapshot", path, err)
		return false
	}

	if tasksEqual(s.queues[q], tasks) {
		return false
	}
	s.queues[q] = tasks
	return true
}

func tasksEqual(a, b []*Task) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Status != b[i].Status ||
			a[i].Approved != b[i].Approved || a[i].UpdatedAt != b[i].UpdatedAt {
			return false
		}
	}
	return true
}

// Refresh forces an immediate re-read of both queue files, publishing
// a change notification for any queue whose contents differ.
func (s *Store) Refresh() {
	for _, q := range []Queue{QueueUser, QueueInternal} {
		s.mu.Lock()
		changed := s.reloadLocked(q)
		s.mu.Unlock()
		if changed && s.notify != nil {
			s.notify(q)
		}
	}
}

// List returns a cloned snapshot of queue's tasks, in ReorderIndex order.
func (s *Store) List(q Queue) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.queues[q])
}

func cloneAll(in []*Task) []*Task {
	out := make([]*Task, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}

// Get returns a clone of the task with id in queue q, or nil.
func (s *Store) Get(q Queue, id string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.queues[q] {
		if t.ID == id {
			return t.Clone()
		}
	}
	return nil
}

// Position selects where Add places a new task within its queue.
type Position string

const (
	PositionTop    Position = "top"
	PositionBottom Position = "bottom"
)

// Add inserts task into its queue at position, persists, and notifies.
// Returns coserr-Validation if a task with the same ID already exists
// in that queue; the same ID may exist in the other queue.
func (s *Store) Add(task *Task, position Position) error {
	if err := task.Validate(); err != nil {
		return coserr.New(coserr.Validation, "tasks.add", err)
	}

	s.mu.Lock()
	existing := s.queues[task.Queue]
	for _, t := range existing {
		if t.ID == task.ID {
			s.mu.Unlock()
			return coserr.Newf(coserr.Conflict, "tasks.add", "task %q already exists in queue %q", task.ID, task.Queue)
		}
	}

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	var updated []*Task
	if position == PositionTop {
		updated = append([]*Task{task}, existing...)
	} else {
		updated = append(append([]*Task{}, existing...), task)
	}
	for i, t := range updated {
		t.ReorderIndex = i
	}
	s.queues[task.Queue] = updated
	err := s.persistLocked(task.Queue)
	s.mu.Unlock()

	if err == nil && s.notify != nil {
		s.notify(task.Queue)
	}
	return err
}

// Update applies patch to the task id in queue q and persists.
// Returns an error if the task does not exist.
func (s *Store) Update(q Queue, id string, patch func(*Task)) error {
	s.mu.Lock()
	tasks := s.queues[q]
	var target *Task
	for _, t := range tasks {
		if t.ID == id {
			target = t
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return coserr.Newf(coserr.NotFound, "tasks", "task %q in queue %q", id, q)
	}
	patch(target)
	target.UpdatedAt = time.Now()
	err := s.persistLocked(q)
	s.mu.Unlock()

	if err == nil && s.notify != nil {
		s.notify(q)
	}
	return err
}

// Delete removes the task id from queue q. A no-op (no error) if the
// task is not present.
func (s *Store) Delete(q Queue, id string) error {
	s.mu.Lock()
	tasks := s.queues[q]
	out := make([]*Task, 0, len(tasks))
	found := false
	for _, t := range tasks {
		if t.ID == id {
			found = true
			continue
		}
		out = append(out, t)
	}
	if !found {
		s.mu.Unlock()
		return nil
	}
	for i, t := range out {
		t.ReorderIndex = i
	}
	s.queues[q] = out
	err := s.persistLocked(q)
	s.mu.Unlock()

	if err == nil && s.notify != nil {
		s.notify(q)
	}
	return err
}

// Reorder accepts a permutation of queue q's current id set: ids in
// the given order are placed first, by that order; any current ids
// not named retain their relative order appended at the end. IDs
// named that are not present are ignored.
func (s *Store) Reorder(q Queue, ids []string) error {
	s.mu.Lock()
	tasks := s.queues[q]
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	seen := make(map[string]bool, len(ids))
	ordered := make([]*Task, 0, len(tasks))
	for _, id := range ids {
		if t, ok := byID[id]; ok && !seen[id] {
			ordered = append(ordered, t)
			seen[id] = true
		}
	}
	for _, t := range tasks {
		if !seen[t.ID] {
			ordered = append(ordered, t)
		}
	}
	for i, t := range ordered {
		t.ReorderIndex = i
	}
	s.queues[q] = ordered
	err := s.persistLocked(q)
	s.mu.Unlock()

	if err == nil && s.notify != nil {
		s.notify(q)
	}
	return err
}

// Approve marks task id in queue q as approved. Returns a conflict
// error if the task does not require approval or is already approved;
// a second approval fails rather than silently succeeding again.
func (s *Store) Approve(q Queue, id string) error {
	s.mu.Lock()
	tasks := s.queues[q]
	var target *Task
	for _, t := range tasks {
		if t.ID == id {
			target = t
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return coserr.Newf(coserr.NotFound, "tasks", "task %q in queue %q", id, q)
	}
	if !target.ApprovalRequired {
		s.mu.Unlock()
		return coserr.Newf(coserr.Conflict, "tasks.approve", "task %q does not require approval", id)
	}
	if target.Approved {
		s.mu.Unlock()
		return coserr.Newf(coserr.Conflict, "tasks.approve", "task %q already approved", id)
	}
	target.Approved = true
	target.UpdatedAt = time.Now()
	err := s.persistLocked(q)
	s.mu.Unlock()

	if err == nil && s.notify != nil {
		s.notify(q)
	}
	return err
}

// persistLocked serializes queue q back to its file. Callers must hold s.mu.
func (s *Store) persistLocked(q Queue) error {
	path := s.paths[q]
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ensuring task directory: %w", err)
	}
	tmp := path + ".tmp"
	data := Serialize(s.queues[q])
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing task file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming task file into place: %w", err)
	}
	return nil
}

// Runnable returns every task in queue q that is eligible for
// admission purely on its own fields (Runnable()), sorted by the
// scheduling order: priority desc, queue priority desc, reorder
// index asc, createdAt asc. Concurrency, skip-list, and
// cooldown filtering happen in the Scheduler, which has no business
// being a method on the Task Store.
func (s *Store) Runnable(q Queue) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Task
	for _, t := range s.queues[q] {
		if t.Runnable() {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].ReorderIndex < out[j].ReorderIndex
	})
	return out
}
