package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrSnakeDoc/ghrelay/internal/logger"
)

// Task is a unit of background work run on a fixed interval.
type Task struct {
	Name     string
	Interval time.Duration
	// Immediate runs the task once at start instead of waiting an interval.
	Immediate bool
	Run       func(ctx context.Context) error
}

// Scheduler owns background tasks for the lifetime of a context.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	wg      sync.WaitGroup
	started bool
	runs    map[string]int
}

func New() *Scheduler {
	return &Scheduler{runs: make(map[string]int)}
}

// Every registers fn to run every interval. Tasks added after Start are
// rejected.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) error {
	return s.Add(Task{Name: name, Interval: interval, Run: fn})
}

func (s *Scheduler) Add(t Task) error {
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive, got %s", t.Name, t.Interval)
	}
	if t.Run == nil {
		return fmt.Errorf("task %s: nil func", t.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("task %s: scheduler already started", t.Name)
	}
	s.tasks = append(s.tasks, t)
	return nil
}

// Start launches one goroutine per task. They stop when ctx is done; use
// Wait to block until they have returned.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	logger.Debug("scheduler: started %d tasks", len(s.tasks))
}

func (s *Scheduler) Wait() { s.wg.Wait() }

// Runs returns how many times the named task has completed.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name]
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	if t.Immediate {
		s.runOnce(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("scheduler: %s stopped", t.Name)
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.LogError("scheduler: %s panicked: %v", t.Name, r)
		}
	}()

	if err := t.Run(ctx); err != nil {
		logger.Warn("scheduler: %s failed: %v", t.Name, err)
	} else {
		logger.Debug("scheduler: %s done in %s", t.Name, time.Since(start).Truncate(time.Millisecond))
	}

	s.mu.Lock()
	s.runs[t.Name]++
	s.mu.Unlock()
}
