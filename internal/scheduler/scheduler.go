// Package scheduler fires keeper cycles on a cron schedule and guarantees that two
// cycles never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/crossyield-keeper/internal/model"
)

// ErrCycleRunning is returned by TriggerNow while another cycle is active
var ErrCycleRunning = errors.New("a cycle is already running")

// Handler runs one cycle for a trigger
type Handler interface {
	Handle(ctx context.Context, trig model.Trigger) (model.CycleResult, error)
}

// ResultFunc receives every finished cycle
type ResultFunc func(result model.CycleResult, err error)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a five or six field cron expression, or a descriptor such as @hourly
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// Scheduler runs cycles one at a time
type Scheduler struct {
	schedule cron.Schedule
	handler  Handler
	logger   logrus.FieldLogger
	now      func() time.Time

	running  sync.Mutex
	onResult ResultFunc
	onReject func(reason string)
}

// New creates a scheduler from a cron expression
func New(expr string, handler Handler, logger logrus.FieldLogger) (*Scheduler, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	return NewWithSchedule(schedule, handler, logger), nil
}

// NewWithSchedule creates a scheduler from a parsed schedule
func NewWithSchedule(schedule cron.Schedule, handler Handler, logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		schedule: schedule,
		handler:  handler,
		logger:   logger,
		now:      time.Now,
	}
}

// OnResult registers a callback for finished cycles
func (s *Scheduler) OnResult(fn ResultFunc) *Scheduler {
	s.onResult = fn
	return s
}

// OnReject registers a callback for triggers that could not start a cycle
func (s *Scheduler) OnReject(fn func(reason string)) *Scheduler {
	s.onReject = fn
	return s
}

// Next returns the next activation after t
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run fires cycles until ctx is cancelled. Activations that pass while a cycle is still
// running are dropped, not queued.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.schedule.Next(s.now())
		if next.IsZero() {
			return fmt.Errorf("schedule has no future activation")
		}
		s.logger.WithField("next_run", next.UTC().Format(time.RFC3339)).Debug("Waiting for next cycle")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := s.fire(ctx, model.Trigger{ScheduledTime: next, Source: "cron"}); errors.Is(err, ErrCycleRunning) {
			s.logger.WithField("scheduled_at", next.UTC().Format(time.RFC3339)).Warn("Previous cycle still running, skipping activation")
		}
	}
}

// TriggerNow runs a cycle immediately unless one is already running
func (s *Scheduler) TriggerNow(ctx context.Context, source string) (model.CycleResult, error) {
	return s.fire(ctx, model.Trigger{ScheduledTime: s.now(), Source: source})
}

// Start runs a cycle in the background. It fails immediately with ErrCycleRunning
// instead of waiting for the active cycle.
func (s *Scheduler) Start(ctx context.Context, source string) error {
	if !s.acquire() {
		return ErrCycleRunning
	}
	trig := model.Trigger{ScheduledTime: s.now(), Source: source}
	go func() {
		defer s.running.Unlock()
		_, _ = s.execute(ctx, trig)
	}()
	return nil
}

func (s *Scheduler) acquire() bool {
	if s.running.TryLock() {
		return true
	}
	if s.onReject != nil {
		s.onReject("cycle_running")
	}
	return false
}

func (s *Scheduler) fire(ctx context.Context, trig model.Trigger) (model.CycleResult, error) {
	if !s.acquire() {
		return model.CycleResult{}, ErrCycleRunning
	}
	defer s.running.Unlock()
	return s.execute(ctx, trig)
}

func (s *Scheduler) execute(ctx context.Context, trig model.Trigger) (model.CycleResult, error) {
	result, err := s.handler.Handle(ctx, trig)
	if err != nil {
		s.logger.WithError(err).WithField("trigger", trig.Source).Error("Cycle failed")
	}
	if s.onResult != nil {
		s.onResult(result, err)
	}
	return result, err
}
