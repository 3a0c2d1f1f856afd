package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/leadsync/internal/connection"
	"github.com/matheus3301/leadsync/internal/status"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SessionLister lists the managed sessions.
type SessionLister interface {
	List() []connection.Record
}

// Runner is the follow-up operation a schedule fires.
type Runner interface {
	Followup(ctx context.Context, id string, targets []int) (Result, error)
}

// Scheduler runs follow-ups with the default targets for every connected
// session on a cron schedule.
type Scheduler struct {
	spec     string
	sessions SessionLister
	runner   Runner
	logger   *zap.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler returns a scheduler for spec, a standard five-field cron
// expression. An empty spec disables it.
func NewScheduler(spec string, sessions SessionLister, runner Runner, logger *zap.Logger) *Scheduler {
	return &Scheduler{spec: spec, sessions: sessions, runner: runner, logger: logger}
}

// Start registers the job and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		s.logger.Info("follow-up schedule disabled")
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("follow-up schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("follow-up schedule started", zap.String("spec", s.spec))
	return nil
}

// Stop stops the loop and waits for a running job, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("follow-up schedule stop timed out")
	}
}

// RunOnce runs a follow-up for every connected session.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	ran := 0
	for _, rec := range s.sessions.List() {
		if rec.Status != status.Connected {
			continue
		}
		ran++
		res, err := s.runner.Followup(ctx, rec.ID, nil)
		if err != nil {
			s.logger.Warn("scheduled follow-up failed", zap.String("session", rec.ID), zap.Error(err))
			continue
		}
		s.logger.Info("scheduled follow-up done", zap.String("session", rec.ID), zap.Int("sent", res.Total))
	}
	s.logger.Debug("follow-up schedule tick", zap.Int("sessions", ran), zap.Duration("took", time.Since(start)))
}
