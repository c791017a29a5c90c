package shared

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRestartDelay is how long a panicked task waits before it restarts.
const DefaultRestartDelay = 5 * time.Second

// Supervisor runs background tasks and restarts any task that panics. A task
// that returns normally is not restarted.
type Supervisor struct {
	logger       *zap.Logger
	restartDelay time.Duration
	wg           sync.WaitGroup

	// OnRestart, when set, is called with the task name before each restart.
	OnRestart func(task string)
}

func NewSupervisor(logger *zap.Logger, restartDelay time.Duration) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	return &Supervisor{
		logger:       logger,
		restartDelay: restartDelay,
	}
}

// Go starts task in its own goroutine under supervision until ctx is done.
func (s *Supervisor) Go(ctx context.Context, name string, task func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			err := s.runOnce(ctx, task)
			if err == nil || ctx.Err() != nil {
				return
			}

			s.logger.Error("Background task crashed, restarting",
				zap.String("task", name),
				zap.Duration("restart_delay", s.restartDelay),
				zap.Error(err))
			if s.OnRestart != nil {
				s.OnRestart(name)
			}

			timer := time.NewTimer(s.restartDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}()
}

// Wait blocks until every supervised task has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) runOnce(ctx context.Context, task func(ctx context.Context)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	task(ctx)
	return nil
}
