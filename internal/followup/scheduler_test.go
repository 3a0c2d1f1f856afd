package followup

import (
	"context"
	"slices"
	"testing"

	"github.com/matheus3301/leadsync/internal/connection"
	"github.com/matheus3301/leadsync/internal/status"
	"go.uber.org/zap"
)

type staticLister []connection.Record

func (l staticLister) List() []connection.Record { return l }

type recordingRunner struct {
	ids []string
}

func (r *recordingRunner) Followup(_ context.Context, id string, targets []int) (Result, error) {
	r.ids = append(r.ids, id)
	return Result{Message: "Follow-ups sent"}, nil
}

func TestRunOnceOnlyConnectedSessions(t *testing.T) {
	lister := staticLister{
		{ID: "a", Status: status.Connected},
		{ID: "b", Status: status.AwaitingCode},
		{ID: "c", Status: status.Connected},
		{ID: "d", Status: status.Disconnected},
	}
	runner := &recordingRunner{}
	s := NewScheduler("@daily", lister, runner, zap.NewNop())

	s.RunOnce(context.Background())

	if !slices.Equal(runner.ids, []string{"a", "c"}) {
		t.Errorf("ran for %v, want [a c]", runner.ids)
	}
}

func TestSchedulerDisabledWithEmptySpec(t *testing.T) {
	s := NewScheduler("", staticLister{}, &recordingRunner{}, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler("every tuesday", staticLister{}, &recordingRunner{}, zap.NewNop())
	if err := s.Start(); err == nil {
		s.Stop(context.Background())
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler("0 9 * * *", staticLister{}, &recordingRunner{}, zap.NewNop())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Stop(context.Background())
}
