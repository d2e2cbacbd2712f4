// Package sched runs named maintenance tasks on cron schedules: cache
// sweeps, periodic status reporting and similar housekeeping.
package sched

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/luoshen/wxbridge/pkg/logger"
)

type TaskFunc func() error

type task struct {
	name       string
	expr       string
	fn         TaskFunc
	lastMinute time.Time
	lastStatus string
	lastError  string
	lastRunAt  time.Time
}

type TaskStatus struct {
	Name       string `json:"name"`
	Expr       string `json:"expr"`
	LastStatus string `json:"last_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	LastRunAt  int64  `json:"last_run_at,omitempty"`
}

type Scheduler struct {
	gronx    *gronx.Gronx
	tasks    []*task
	running  bool
	stopChan chan struct{}
	mu       sync.Mutex

	nowFunc func() time.Time
}

func New() *Scheduler {
	return &Scheduler{
		gronx:   gronx.New(),
		nowFunc: time.Now,
	}
}

// Add registers a task under a cron expression. Expressions are validated
// up front; registration order is execution order within a tick.
func (s *Scheduler) Add(name, expr string, fn TaskFunc) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q for task %s", expr, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{name: name, expr: expr, fn: fn})
	return nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	go s.runLoop(s.stopChan)

	logger.InfoCF("sched", "Scheduler started", map[string]interface{}{
		"tasks": len(s.tasks),
	})
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
	logger.InfoC("sched", "Scheduler stopped")
}

func (s *Scheduler) runLoop(stopChan chan struct{}) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			s.checkTasks()
		}
	}
}

// checkTasks fires every task whose expression matches the current
// minute, at most once per minute, executing outside the lock.
func (s *Scheduler) checkTasks() {
	now := s.nowFunc()
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if t.lastMinute.Equal(minute) {
			continue
		}
		ok, err := s.gronx.IsDue(t.expr, now)
		if err != nil {
			logger.WarnCF("sched", "Schedule check failed", map[string]interface{}{
				"task":  t.name,
				"error": err.Error(),
			})
			continue
		}
		if ok {
			t.lastMinute = minute
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.execute(t, now)
	}
}

func (s *Scheduler) execute(t *task, now time.Time) {
	err := t.fn()

	s.mu.Lock()
	t.lastRunAt = now
	if err != nil {
		t.lastStatus = "error"
		t.lastError = err.Error()
	} else {
		t.lastStatus = "ok"
		t.lastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		logger.WarnCF("sched", "Task failed", map[string]interface{}{
			"task":  t.name,
			"error": err.Error(),
		})
	} else {
		logger.DebugCF("sched", "Task completed", map[string]interface{}{
			"task": t.name,
		})
	}
}

func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := TaskStatus{
			Name:       t.name,
			Expr:       t.expr,
			LastStatus: t.lastStatus,
			LastError:  t.lastError,
		}
		if !t.lastRunAt.IsZero() {
			st.LastRunAt = t.lastRunAt.Unix()
		}
		out = append(out, st)
	}
	return out
}

// SweepDir deletes regular files under dir older than maxAge. A missing
// directory is not an error; it just has nothing to sweep.
func SweepDir(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
