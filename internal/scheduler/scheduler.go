// Package scheduler fires the import engine on the quarterly cadence.
// It is purely a timer: all work is delegated to the engine, and the
// engine's single-flight guard protects against overlap.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sba-tools/hubzone-cli/internal/importer"
)

// Trigger is the subset of the engine the scheduler needs.
type Trigger interface {
	Trigger(ctx context.Context, trigger importer.TriggerType, actor string, opts importer.Options) (*importer.ImportExecution, error)
}

// NextQuarterlyFire returns the next quarterly boundary strictly after
// now: midnight UTC on the first day of January, April, July, or October.
func NextQuarterlyFire(now time.Time) time.Time {
	now = now.UTC()
	year := now.Year()
	for _, m := range []time.Month{time.January, time.April, time.July, time.October} {
		fire := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
		if fire.After(now) {
			return fire
		}
	}
	return time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
}

// Status describes the scheduler for operator queries.
type Status struct {
	Running   bool       `json:"running"`
	NextFire  time.Time  `json:"next_fire"`
	LastFire  *time.Time `json:"last_fire,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Scheduler drives quarterly executions. One Run loop at a time.
type Scheduler struct {
	engine Trigger
	opts   importer.Options
	log    *zap.Logger

	mu       sync.Mutex
	running  bool
	lastFire *time.Time
	lastErr  string
}

// New creates a Scheduler that triggers the engine with the given run
// options (typically the zero value: full national run).
func New(engine Trigger, opts importer.Options) *Scheduler {
	return &Scheduler{
		engine: engine,
		opts:   opts,
		log:    zap.L().With(zap.String("component", "scheduler")),
	}
}

// Run blocks, firing at each quarterly boundary until ctx is cancelled.
// A fire that collides with an already-running execution is skipped and
// logged, never queued.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return eris.New("scheduler: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		next := NextQuarterlyFire(time.Now())
		s.log.Info("next quarterly fire scheduled", zap.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		s.fire(ctx)
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	s.lastFire = &now
	s.mu.Unlock()

	exec, err := s.engine.Trigger(ctx, importer.TriggerScheduled, "scheduler", s.opts)
	if err != nil {
		var are *importer.AlreadyRunningError
		if eris.As(err, &are) {
			s.log.Warn("quarterly fire skipped, execution in progress",
				zap.String("running_id", are.RunningID.String()),
			)
		} else {
			s.log.Error("quarterly fire failed to trigger", zap.Error(err))
		}
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()
	s.log.Info("quarterly execution finished",
		zap.String("execution_id", exec.ID.String()),
		zap.String("status", string(exec.Status)),
	)
}

// Status reports the scheduler's state and next fire time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:   s.running,
		NextFire:  NextQuarterlyFire(time.Now()),
		LastFire:  s.lastFire,
		LastError: s.lastErr,
	}
}
