// Package maintenance runs the periodic range-upkeep cycle for serial
// repositories. Each registered repository gets its own recurring job that
// invokes CheckRanges, so a slow directory on one number space never delays
// renewal on another.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reugn/go-quartz/job"
	quartzlogger "github.com/reugn/go-quartz/logger"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"

	"github.com/jmcleod/seriatim/allocator"
)

const defaultInterval = 30 * time.Second

// Scheduler drives CheckRanges on a fixed interval for every registered
// repository.
type Scheduler struct {
	mu       sync.Mutex
	quartz   quartz.Scheduler
	logger   *zap.Logger
	interval time.Duration
	repos    []*allocator.Repository
	started  bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithInterval overrides the default 30s maintenance interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewScheduler creates a maintenance scheduler for the given repositories.
func NewScheduler(repos []*allocator.Repository, opts ...Option) (*Scheduler, error) {
	qs, err := quartz.NewStdScheduler(quartz.WithLogger(quartzlogger.NewSimpleLogger(nil, quartzlogger.LevelOff)))
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	s := &Scheduler{
		quartz:   qs,
		logger:   zap.NewNop(),
		interval: defaultInterval,
		repos:    repos,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start schedules one recurring job per repository and starts the scheduler.
// The first cycle fires after one interval, not immediately; callers wanting
// an eager pass run CheckRanges themselves before Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	for _, repo := range s.repos {
		repo := repo
		j := job.NewFunctionJob[bool](func(ctx context.Context) (bool, error) {
			if err := repo.CheckRanges(ctx); err != nil {
				s.logger.Warn("range maintenance cycle interrupted",
					zap.String("space", repo.Name()), zap.Error(err))
				return false, err
			}
			return true, nil
		})
		detail := quartz.NewJobDetail(j, quartz.NewJobKey("check-ranges-"+repo.Name()))
		if err := s.quartz.ScheduleJob(detail, quartz.NewSimpleTrigger(s.interval)); err != nil {
			return fmt.Errorf("scheduling maintenance for %s: %w", repo.Name(), err)
		}
	}

	s.quartz.Start(ctx)
	s.started = true
	s.logger.Info("range maintenance started",
		zap.Duration("interval", s.interval), zap.Int("spaces", len(s.repos)))
	return nil
}

// Stop clears pending jobs and waits for in-flight cycles to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	_ = s.quartz.Clear()
	s.quartz.Stop()
	s.quartz.Wait(ctx)
	s.started = false
	s.logger.Info("range maintenance stopped")
}
