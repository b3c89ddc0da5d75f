package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nanobot-ai/nanobot/internal/agent"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/errs"
)

// maxIdleSleep bounds the sleeper so newly added jobs are noticed even
// without an explicit wake.
const maxIdleSleep = 5 * time.Minute

// nextRun computes the next fire time for a schedule after `after`.
func nextRun(s Schedule, after time.Time) (time.Time, error) {
	switch {
	case s.Cron != "":
		if !gronx.New().IsValid(s.Cron) {
			return time.Time{}, fmt.Errorf("invalid cron expression %q", s.Cron)
		}
		next, err := gronx.NextTickAfter(s.Cron, after, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("evaluate cron expression %q: %w", s.Cron, err)
		}
		return next, nil
	case s.IntervalSeconds > 0:
		return after.Add(time.Duration(s.IntervalSeconds) * time.Second), nil
	case s.At != nil:
		if s.At.Before(after) {
			return time.Time{}, fmt.Errorf("one-shot time %s is in the past", s.At.Format(time.RFC3339))
		}
		return *s.At, nil
	default:
		return time.Time{}, fmt.Errorf("schedule has no cron, interval, or at")
	}
}

// Service drives the job store: one sleeper goroutine selects the earliest
// next_run across enabled jobs and fires it. reminder jobs bypass the
// agent loop; task jobs run through ProcessDirect.
type Service struct {
	store *Store
	loop  *agent.Loop
	bus   *bus.Bus

	wake chan struct{}
	done chan struct{}
}

// NewService wires the service.
func NewService(store *Store, loop *agent.Loop, b *bus.Bus) *Service {
	return &Service{
		store: store,
		loop:  loop,
		bus:   b,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Store exposes the job store for the CLI surface.
func (s *Service) Store() *Store { return s.store }

// Add persists a job and wakes the sleeper.
func (s *Service) Add(job Job) (*Job, error) {
	j, err := s.store.Add(job)
	if err != nil {
		return nil, err
	}
	if j.ScheduleError != "" {
		slog.Warn("cron job has a schedule error and will not run",
			"job", j.Name, "id", j.ID, "error", j.ScheduleError)
	}
	s.poke()
	return j, nil
}

// Remove deletes a job and wakes the sleeper.
func (s *Service) Remove(id string) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	s.poke()
	return nil
}

// SetEnabled toggles a job and wakes the sleeper.
func (s *Service) SetEnabled(id string, enabled bool) error {
	if err := s.store.SetEnabled(id, enabled); err != nil {
		return err
	}
	s.poke()
	return nil
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sleeps until the earliest next_run, fires it, and repeats, until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)
	for {
		sleep := maxIdleSleep
		job, ok := s.store.earliest()
		if ok {
			until := time.Until(*job.NextRun)
			if until < 0 {
				until = 0
			}
			if until < sleep {
				sleep = until
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		if !ok {
			continue
		}
		// Re-check: the job may have been removed or rescheduled while we
		// slept.
		current, stillOk := s.store.earliest()
		if !stillOk || current.ID != job.ID || current.NextRun.After(time.Now()) {
			continue
		}

		firedAt := time.Now()
		s.store.markFired(current.ID, firedAt)
		// Fire off the sleeper's goroutine so a long-running task job does
		// not delay other due jobs.
		go s.fire(ctx, current)
	}
}

// Wait blocks until Run has exited.
func (s *Service) Wait() { <-s.done }

func (s *Service) fire(ctx context.Context, job *Job) {
	slog.Info("cron job firing", "job", job.Name, "id", job.ID, "kind", job.Kind)

	switch job.Kind {
	case KindReminder:
		if job.TargetChannel == "" || job.TargetChatID == "" {
			slog.Warn("reminder job has no delivery target", "id", job.ID)
			return
		}
		if err := s.bus.PublishOutbound(ctx, bus.OutboundMessage{
			Channel:  job.TargetChannel,
			ChatID:   job.TargetChatID,
			Content:  job.Message,
			Metadata: map[string]string{"type": "reminder", "cron_job": job.ID},
		}); err != nil {
			slog.Warn("reminder delivery failed", "id", job.ID, "error", err)
		}

	case KindTask:
		reply, err := s.loop.ProcessDirect(ctx, agent.DirectRequest{
			SessionKey: "cron:" + job.ID,
			Message:    job.Message,
			Channel:    "cron",
			ChatID:     job.ID,
		})
		if err != nil {
			if !errs.Is(err, errs.Transient) {
				slog.Error("cron task failed", "id", job.ID, "error", err)
			}
			return
		}
		if job.Deliver && job.TargetChannel != "" && job.TargetChatID != "" && reply != "" {
			if err := s.bus.PublishOutbound(ctx, bus.OutboundMessage{
				Channel:  job.TargetChannel,
				ChatID:   job.TargetChatID,
				Content:  reply,
				Metadata: map[string]string{"cron_job": job.ID},
			}); err != nil {
				slog.Warn("cron task delivery failed", "id", job.ID, "error", err)
			}
		}
	}
}
