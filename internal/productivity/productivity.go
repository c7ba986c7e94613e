// Package productivity implements the productivity store:
// incremental hourly/weekday counters, daily+weekly streaks, and
// milestone/trend queries over completed agent runs.
package productivity

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coscontrol/cosd/internal/persistence"
)

const dailyHistoryRetentionDays = 90

// minSamplesForInsight is the minimum task count an hour/day bucket
// needs before it is considered for "best hour/day" insights.
const minSamplesForInsight = 3

// maxRetainedMilestones bounds the recorded milestone history.
const maxRetainedMilestones = 100

// Thresholds at which completions and streaks become milestones.
var (
	taskMilestones   = []int{10, 25, 50, 100, 250, 500, 1000}
	streakMilestones = []int{3, 7, 14, 30, 60, 90}
)

// Streaks tracks consecutive-activity runs, daily and ISO-weekly.
type Streaks struct {
	CurrentDaily   int    `json:"currentDaily"`
	LongestDaily   int    `json:"longestDaily"`
	CurrentWeekly  int    `json:"currentWeekly"`
	LongestWeekly  int    `json:"longestWeekly"`
	LastActiveDate string `json:"lastActiveDate,omitempty"` // YYYY-MM-DD
	LastActiveWeek string `json:"lastActiveWeek,omitempty"` // YYYY-Wnn
}

// Bucket aggregates outcomes for one hour-of-day or day-of-week slot.
type Bucket struct {
	Tasks         int     `json:"tasks"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	TotalDuration float64 `json:"totalDuration"`
	AvgDuration   float64 `json:"avgDuration"`
	SuccessRate   float64 `json:"successRate"`
}

func (b *Bucket) record(success bool, durationMs float64) {
	b.Tasks++
	b.TotalDuration += durationMs
	if success {
		b.Successes++
	} else {
		b.Failures++
	}
	b.AvgDuration = b.TotalDuration / float64(b.Tasks)
	b.SuccessRate = float64(b.Successes) / float64(b.Tasks)
}

// DayRecord is one dailyHistory entry, keyed by ISO date.
type DayRecord struct {
	Date      string `json:"date"`
	Tasks     int    `json:"tasks"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
}

// Milestone records a notable threshold crossing: a cumulative task
// count or a daily-streak length.
type Milestone struct {
	Kind      string    `json:"kind"` // "tasks" | "dailyStreak"
	Threshold int       `json:"threshold"`
	ReachedAt time.Time `json:"reachedAt"`
}

// State is the full persisted productivity model.
type State struct {
	Streaks        Streaks               `json:"streaks"`
	HourlyPatterns [24]Bucket            `json:"hourlyPatterns"`
	DailyPatterns  [7]Bucket             `json:"dailyPatterns"`
	DailyHistory   map[string]*DayRecord `json:"dailyHistory"`
	TotalTasks     int                   `json:"totalTasks"`
	Milestones     []Milestone           `json:"milestones,omitempty"`
}

func newState() *State {
	return &State{DailyHistory: map[string]*DayRecord{}}
}

// CompletionInput describes one agent's completion for the purposes of
// productivity accounting.
type CompletionInput struct {
	Success     bool
	DurationMs  float64
	CompletedAt time.Time
}

type completeMsg struct {
	input CompletionInput
	done  chan struct{}
}

// Store is the serial updater for productivity state.
type Store struct {
	path  string
	log   *log.Logger
	mu    sync.RWMutex
	state *State

	inbox chan completeMsg
	done  chan struct{}
}

// New constructs a Store, loading persisted state from path if present.
func New(path string, logger *log.Logger) *Store {
	def := newState()
	loaded := persistence.ReadJSON(path, def, func(f string, a ...any) { logger.Printf(f, a...) })
	if loaded.DailyHistory == nil {
		loaded.DailyHistory = map[string]*DayRecord{}
	}

	s := &Store{
		path:  path,
		log:   logger,
		state: loaded,
		inbox: make(chan completeMsg, 256),
		done:  make(chan struct{}),
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
		s.apply(msg.input)
		close(msg.done)
	}
}

// OnTaskCompleted records a completion and blocks until applied, for
// the same ordering reason as learning.Store.OnComplete.
func (s *Store) OnTaskCompleted(input CompletionInput) {
	done := make(chan struct{})
	s.inbox <- completeMsg{input: input, done: done}
	<-done
}

func (s *Store) apply(in CompletionInput) {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := in.CompletedAt.Format("2006-01-02")
	weekID := isoWeekID(in.CompletedAt)
	hour := in.CompletedAt.Hour()
	weekday := int(in.CompletedAt.Weekday())

	s.state.HourlyPatterns[hour].record(in.Success, in.DurationMs)
	s.state.DailyPatterns[weekday].record(in.Success, in.DurationMs)

	day, ok := s.state.DailyHistory[date]
	if !ok {
		day = &DayRecord{Date: date}
		s.state.DailyHistory[date] = day
	}
	day.Tasks++
	if in.Success {
		day.Successes++
	} else {
		day.Failures++
	}

	prevStreak := s.state.Streaks.CurrentDaily
	updateDailyStreak(&s.state.Streaks, date)
	updateWeeklyStreak(&s.state.Streaks, weekID)

	s.state.TotalTasks++
	s.detectMilestonesLocked(prevStreak, in.CompletedAt)

	s.pruneHistoryLocked(in.CompletedAt)
	s.persistLocked()
}

// detectMilestonesLocked records any threshold the latest completion
// just crossed: cumulative total or daily streak length. Exact-equality
// checks keep each milestone firing once. Callers must hold s.mu.
func (s *Store) detectMilestonesLocked(prevStreak int, at time.Time) {
	for _, th := range taskMilestones {
		if s.state.TotalTasks == th {
			s.addMilestoneLocked("tasks", th, at)
		}
	}
	cur := s.state.Streaks.CurrentDaily
	if cur > prevStreak {
		for _, th := range streakMilestones {
			if cur == th {
				s.addMilestoneLocked("dailyStreak", th, at)
			}
		}
	}
}

func (s *Store) addMilestoneLocked(kind string, threshold int, at time.Time) {
	s.state.Milestones = append(s.state.Milestones, Milestone{
		Kind:      kind,
		Threshold: threshold,
		ReachedAt: at,
	})
	if len(s.state.Milestones) > maxRetainedMilestones {
		s.state.Milestones = s.state.Milestones[len(s.state.Milestones)-maxRetainedMilestones:]
	}
	s.log.Printf("milestone reached: %s %d", kind, threshold)
}

// Milestones returns the recorded milestone history, oldest first.
func (s *Store) Milestones() []Milestone {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Milestone(nil), s.state.Milestones...)
}

// updateDailyStreak: same day is a
// no-op, the following day increments, any other gap resets to 1.
func updateDailyStreak(s *Streaks, date string) {
	switch {
	case s.LastActiveDate == date:
		// no change
	case s.LastActiveDate != "" && isNextDay(s.LastActiveDate, date):
		s.CurrentDaily++
	default:
		s.CurrentDaily = 1
	}
	if s.CurrentDaily > s.LongestDaily {
		s.LongestDaily = s.CurrentDaily
	}
	s.LastActiveDate = date
}

func updateWeeklyStreak(s *Streaks, weekID string) {
	switch {
	case s.LastActiveWeek == weekID:
	case s.LastActiveWeek != "" && isNextISOWeek(s.LastActiveWeek, weekID):
		s.CurrentWeekly++
	default:
		s.CurrentWeekly = 1
	}
	if s.CurrentWeekly > s.LongestWeekly {
		s.LongestWeekly = s.CurrentWeekly
	}
	s.LastActiveWeek = weekID
}

func isNextDay(prev, cur string) bool {
	p, err1 := time.Parse("2006-01-02", prev)
	c, err2 := time.Parse("2006-01-02", cur)
	if err1 != nil || err2 != nil {
		return false
	}
	return p.AddDate(0, 0, 1).Equal(c)
}

// isoWeekID formats t as "YYYY-Wnn" using the ISO-8601 week definition
// (the year is the one containing the Thursday of t's week).
func isoWeekID(t time.Time) string {
	year, week := t.ISOWeek()
	return isoWeekFormat(year, week)
}

func isoWeekFormat(year, week int) string {
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// isNextISOWeek reports whether cur is the ISO week immediately
// following prev, handling the 52/53 -> 01 year rollover by walking
// forward from the last day of prev's week.
func isNextISOWeek(prev, cur string) bool {
	py, pw, ok := parseISOWeekID(prev)
	if !ok {
		return false
	}
	// Advance 7 days from any day known to be inside ISO week pw of
	// year py; the Monday of that week works.
	monday := isoWeekMonday(py, pw)
	nextMonday := monday.AddDate(0, 0, 7)
	return isoWeekID(nextMonday) == cur
}

func parseISOWeekID(id string) (year, week int, ok bool) {
	if len(id) != 8 || id[4] != '-' || id[5] != 'W' {
		return 0, 0, false
	}
	y, err := strconv.Atoi(id[0:4])
	if err != nil {
		return 0, 0, false
	}
	w, err := strconv.Atoi(id[6:8])
	if err != nil {
		return 0, 0, false
	}
	return y, w, true
}

// isoWeekMonday returns the Monday of ISO week `week` in ISO year `year`.
func isoWeekMonday(year, week int) time.Time {
	// Jan 4th is always in week 1 of its ISO year.
	jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
	// Monday of week 1.
	offset := int(jan4.Weekday())
	if offset == 0 {
		offset = 7
	}
	week1Monday := jan4.AddDate(0, 0, -(offset - 1))
	return week1Monday.AddDate(0, 0, (week-1)*7)
}

func (s *Store) pruneHistoryLocked(now time.Time) {
	cutoff := now.AddDate(0, 0, -dailyHistoryRetentionDays)
	for date := range s.state.DailyHistory {
		d, err := time.Parse("2006-01-02", date)
		if err != nil || d.Before(cutoff) || d.After(now) {
			delete(s.state.DailyHistory, date)
		}
	}
}

func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	if err := persistence.WriteJSON(s.path, s.state); err != nil {
		s.log.Printf("failed to persist productivity store: %v", err)
	}
}

// Summary returns a copy of the full productivity state.
func (s *Store) Summary() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

func cloneState(s *State) State {
	out := *s
	out.DailyHistory = make(map[string]*DayRecord, len(s.DailyHistory))
	for k, v := range s.DailyHistory {
		cp := *v
		out.DailyHistory[k] = &cp
	}
	out.Milestones = append([]Milestone(nil), s.Milestones...)
	return out
}

// Insight names the best-performing hour/day bucket by success rate,
// subject to a minimum sample size.
type Insight struct {
	BestHour *int
	BestDay  *int
}

// Insights finds the best hour-of-day and day-of-week by success rate
// among buckets with at least minSamplesForInsight tasks.
func (s *Store) Insights() Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ins Insight
	bestHourRate := -1.0
	for h := 0; h < 24; h++ {
		b := s.state.HourlyPatterns[h]
		if b.Tasks >= minSamplesForInsight && b.SuccessRate > bestHourRate {
			hh := h
			ins.BestHour = &hh
			bestHourRate = b.SuccessRate
		}
	}
	bestDayRate := -1.0
	for d := 0; d < 7; d++ {
		b := s.state.DailyPatterns[d]
		if b.Tasks >= minSamplesForInsight && b.SuccessRate > bestDayRate {
			dd := d
			ins.BestDay = &dd
			bestDayRate = b.SuccessRate
		}
	}
	return ins
}

// Trend classifies a metric's 7-day rolling delta.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Trends computes rolling-window volume/success trends comparing the
// most recent `days` window against the `days` window before it.
func (s *Store) Trends(days int) (volume Trend, success Trend) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dates := make([]string, 0, len(s.state.DailyHistory))
	for d := range s.state.DailyHistory {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	if len(dates) == 0 {
		return TrendStable, TrendStable
	}

	recentTasks, recentSuccessRate := windowStats(s.state.DailyHistory, dates, len(dates)-days, len(dates))
	priorTasks, priorSuccessRate := windowStats(s.state.DailyHistory, dates, len(dates)-2*days, len(dates)-days)

	return classifyDelta(float64(recentTasks), float64(priorTasks)),
		classifyDelta(recentSuccessRate, priorSuccessRate)
}

func windowStats(history map[string]*DayRecord, dates []string, from, to int) (tasks int, successRate float64) {
	if from < 0 {
		from = 0
	}
	if to > len(dates) {
		to = len(dates)
	}
	if from >= to {
		return 0, 0
	}
	var successes int
	for _, d := range dates[from:to] {
		rec := history[d]
		tasks += rec.Tasks
		successes += rec.Successes
	}
	if tasks == 0 {
		return 0, 0
	}
	return tasks, float64(successes) / float64(tasks)
}

func classifyDelta(recent, prior float64) Trend {
	if prior == 0 {
		if recent == 0 {
			return TrendStable
		}
		return TrendIncreasing
	}
	delta := (recent - prior) / prior
	switch {
	case delta > 0.1:
		return TrendIncreasing
	case delta < -0.1:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
