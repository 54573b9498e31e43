// Package maintenance runs the periodic sweeps of the engines (typing
// expiry, unread cache eviction, rate-limit pruning and ban expiry) on a
// cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/4xmen/goftogoo/internal/logger"
	"github.com/4xmen/goftogoo/internal/timeutil"
)

// Task is one sweep. It returns how many items it touched.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweep adapts an infallible sweep such as presence.Engine.Sweep.
func Sweep(name string, f func() int) Task {
	return Task{Name: name, Run: func(context.Context) (int, error) { return f(), nil }}
}

type Scheduler struct {
	tasks []Task
	clock timeutil.Clock
	log   *zap.Logger

	mu   sync.Mutex
	runs int
	wg   sync.WaitGroup
}

func New(clock timeutil.Clock, log *zap.Logger, tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, clock: timeutil.OrReal(clock), log: logger.OrNop(log)}
}

// RunOnce runs every task in order. A failing task is logged and does not
// stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, t := range s.tasks {
		start := time.Now()
		n, err := t.Run(ctx)
		if err != nil {
			s.log.Error("maintenance_task_failed", zap.String("task", t.Name), zap.Error(err))
			continue
		}
		s.log.Debug("maintenance_task_done", zap.String("task", t.Name), zap.Int("count", n), zap.Duration("took", time.Since(start)))
	}
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
}

// Runs reports how many times the task list has run.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Start validates expr and runs the tasks at every tick of it until the
// returned cancel func is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context, expr string) (func(), error) {
	if expr == "" {
		expr = "* * * * *"
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid maintenance cron expression: %s", expr)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx, expr)
	s.log.Info("maintenance_scheduler_started", zap.String("cron", expr), zap.Int("tasks", len(s.tasks)))
	return func() {
		cancel()
		s.wg.Wait()
	}, nil
}

func (s *Scheduler) loop(ctx context.Context, expr string) {
	defer s.wg.Done()
	for {
		now := s.clock.Now().UTC()
		next, err := gronx.NextTickAfter(expr, now, false)
		wait := next.Sub(now)
		if err != nil {
			s.log.Error("maintenance_nexttick_failed", zap.String("cron", expr), zap.Error(err))
			wait = 30 * time.Second
		}

		tick := make(chan struct{})
		t := s.clock.AfterFunc(wait, func() { close(tick) })
		select {
		case <-tick:
			if err == nil {
				s.RunOnce(ctx)
			}
		case <-ctx.Done():
			t.Stop()
			s.log.Info("maintenance_scheduler_stopping")
			return
		}
	}
}
