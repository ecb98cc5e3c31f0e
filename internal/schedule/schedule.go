// Package schedule fires recurring backups from cron expressions.
package schedule

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr is an accepted schedule: standard five-field
// cron, an optional leading seconds field, or a descriptor such as
// "@daily" or "@every 6h".
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return errors.New("empty schedule")
	}
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// RunFunc starts one run and returns a channel closed when the run is over.
// A nil channel means the run already finished.
type RunFunc func() (done <-chan struct{}, err error)

// Entry is one scheduled task. A tick is skipped while the previous run of
// the same entry is still in progress.
type Entry struct {
	Name     string
	Schedule string
	Run      RunFunc

	running atomic.Bool
	skipped atomic.Int64
	runs    atomic.Int64
}

// Skipped reports how many ticks were dropped because a run was in progress.
func (e *Entry) Skipped() int64 { return e.skipped.Load() }

// Runs reports how many runs were started.
func (e *Entry) Runs() int64 { return e.runs.Load() }

type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*Entry
	started bool
	logger  *slog.Logger
}

// New returns a scheduler evaluating expressions in loc (time.Local when nil).
func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithParser(parser)),
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// Add registers e. Names must be unique.
func (s *Scheduler) Add(e *Entry) error {
	if e.Name == "" {
		return errors.New("schedule entry requires a name")
	}
	if e.Run == nil {
		return fmt.Errorf("schedule entry %s requires a run function", e.Name)
	}
	if err := Validate(e.Schedule); err != nil {
		return fmt.Errorf("schedule entry %s: %w", e.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Name]; ok {
		return fmt.Errorf("schedule entry %s already exists", e.Name)
	}
	if _, err := s.cron.AddFunc(e.Schedule, func() { s.fire(e) }); err != nil {
		return fmt.Errorf("schedule entry %s: %w", e.Name, err)
	}
	s.entries[e.Name] = e
	return nil
}

func (s *Scheduler) fire(e *Entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.logger.Warn("scheduled run skipped, previous still running", "entry", e.Name)
		return
	}
	done, err := e.Run()
	if err != nil {
		e.running.Store(false)
		s.logger.Error("scheduled run failed to start", "entry", e.Name, "error", err)
		return
	}
	e.runs.Add(1)
	s.logger.Info("scheduled run started", "entry", e.Name)
	if done == nil {
		e.running.Store(false)
		return
	}
	go func() {
		<-done
		e.running.Store(false)
	}()
}

// Trigger fires e immediately, honouring the overlap rule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule entry %s not found", name)
	}
	s.fire(e)
	return nil
}

// Next reports the next activation time of the named entry.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	sched, err := parser.Parse(e.Schedule)
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(time.Now().In(s.cron.Location())), true
}

// Start begins firing entries. It is a no-op when already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop stops firing. Runs already started are left alone.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	<-s.cron.Stop().Done()
}
