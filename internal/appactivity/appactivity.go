// Package appactivity tracks per-app cooldown state so the Scheduler
// can avoid repeatedly spawning agents against an app that is failing.
package appactivity

import (
	"log"
	"sync"
	"time"

	"github.com/coscontrol/cosd/internal/persistence"
)

// Activity is the cooldown bookkeeping for a single app.
type Activity struct {
	LastReviewAt  time.Time `json:"lastReviewAt"`
	CooldownUntil time.Time `json:"cooldownUntil"`
	Attempts      int       `json:"attempts"`
	Successes     int       `json:"successes"`
}

// Store is the serial updater for per-app activity records.
type Store struct {
	path string
	log  *log.Logger
	mu   sync.Mutex
	apps map[string]*Activity
}

// New constructs a Store, loading persisted state from path if present.
func New(path string, logger *log.Logger) *Store {
	loaded := persistence.ReadJSON(path, map[string]*Activity{}, func(f string, a ...any) { logger.Printf(f, a...) })
	return &Store{path: path, log: logger, apps: loaded}
}

// CooldownExpired reports whether app is currently eligible for a new
// spawn: either it has no recorded activity, or its cooldown has
// elapsed.
func (s *Store) CooldownExpired(app string, now time.Time) bool {
	if app == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[app]
	if !ok {
		return true
	}
	return !now.Before(a.CooldownUntil)
}

// RecordOutcome updates app's attempt/success counters and, on
// failure, sets a cooldown of baseCooldown*multiplier from now;
// success clears any standing cooldown.
func (s *Store) RecordOutcome(app string, now time.Time, success bool, baseCooldown time.Duration, multiplier float64) {
	if app == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.apps[app]
	if !ok {
		a = &Activity{}
		s.apps[app] = a
	}
	a.LastReviewAt = now
	a.Attempts++
	if success {
		a.Successes++
		a.CooldownUntil = time.Time{}
	} else {
		cooldown := time.Duration(float64(baseCooldown) * multiplier)
		a.CooldownUntil = now.Add(cooldown)
	}
	s.persistLocked()
}

// Get returns a copy of app's activity record, or a zero value if
// nothing has been recorded yet.
func (s *Store) Get(app string) Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.apps[app]; ok {
		return *a
	}
	return Activity{}
}

func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	if err := persistence.WriteJSON(s.path, s.apps); err != nil {
		s.log.Printf("failed to persist app-activity store: %v", err)
	}
}
