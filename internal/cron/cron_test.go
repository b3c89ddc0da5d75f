package cron

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

func newTestCronStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "cron", "jobs.record"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// The job file parses successfully after any sequence of add/remove/enable.
func TestJobFileValidAfterMutations(t *testing.T) {
	s := newTestCronStore(t)

	var ids []string
	for _, name := range []string{"one", "two", "three"} {
		j, err := s.Add(Job{Name: name, Kind: KindReminder, Schedule: Schedule{IntervalSeconds: 60},
			Message: "hi", TargetChannel: "telegram", TargetChatID: "1"})
		if err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
		ids = append(ids, j.ID)
		assertParses(t, s.path, len(ids))
	}

	if err := s.SetEnabled(ids[0], false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	assertParses(t, s.path, 3)

	if err := s.Remove(ids[1]); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	assertParses(t, s.path, 2)
}

func assertParses(t *testing.T, path string, wantJobs int) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read job file: %v", err)
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		t.Fatalf("job file does not parse: %v", err)
	}
	if len(jobs) != wantJobs {
		t.Fatalf("job file has %d jobs, want %d", len(jobs), wantJobs)
	}
}

// Reloading the file reproduces the persisted state (the atomic-replace
// write never leaves a half-written file behind).
func TestReloadRoundTrip(t *testing.T) {
	s := newTestCronStore(t)
	if _, err := s.Add(Job{Name: "n", Kind: KindTask, Schedule: Schedule{IntervalSeconds: 30}, Message: "m"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2, err := NewStore(s.path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	jobs := s2.List()
	if len(jobs) != 1 || jobs[0].Name != "n" {
		t.Fatalf("reloaded jobs = %+v", jobs)
	}
	if jobs[0].NextRun == nil {
		t.Error("next_run not persisted")
	}
}

// A corrupt job file is renamed aside, not silently destroyed.
func TestCorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.record")
	if err := os.WriteFile(path, []byte("{{{ not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("corrupt file must not kill the store: %v", err)
	}
	if len(s.List()) != 0 {
		t.Error("store should start empty after moving the corrupt file aside")
	}

	entries, _ := os.ReadDir(dir)
	asideFound := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt-") {
			asideFound = true
		}
	}
	if !asideFound {
		t.Error("corrupt file was not renamed aside")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt file still in place")
	}
}

// A bad cron expression marks the job schedule_error instead of dropping it.
func TestBadCronExpressionMarked(t *testing.T) {
	s := newTestCronStore(t)
	j, err := s.Add(Job{Name: "bad", Kind: KindTask, Schedule: Schedule{Cron: "not a cron"}, Message: "m"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if j.ScheduleError == "" {
		t.Error("schedule_error not set")
	}
	if j.Enabled {
		t.Error("job with schedule error must not be enabled")
	}
	// Still listed.
	if len(s.List()) != 1 {
		t.Error("job was dropped")
	}
}

func TestNextRunKinds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	next, err := nextRun(Schedule{IntervalSeconds: 90}, now)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	if want := now.Add(90 * time.Second); !next.Equal(want) {
		t.Errorf("interval next = %v, want %v", next, want)
	}

	at := now.Add(time.Hour)
	next, err = nextRun(Schedule{At: &at}, now)
	if err != nil {
		t.Fatalf("at: %v", err)
	}
	if !next.Equal(at) {
		t.Errorf("at next = %v, want %v", next, at)
	}

	past := now.Add(-time.Hour)
	if _, err := nextRun(Schedule{At: &past}, now); err == nil {
		t.Error("past one-shot should error")
	}

	next, err = nextRun(Schedule{Cron: "0 9 * * *"}, now)
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if next.Hour() != 9 || !next.After(now) {
		t.Errorf("cron next = %v", next)
	}

	if _, err := nextRun(Schedule{}, now); err == nil {
		t.Error("empty schedule should error")
	}
}

// A reminder job bypasses the agent loop: it lands on the outbound queue
// directly.
func TestReminderPublishesDirectly(t *testing.T) {
	s := newTestCronStore(t)
	b := bus.New(bus.DefaultConfig())
	svc := NewService(s, nil, b)

	at := time.Now().Add(50 * time.Millisecond)
	if _, err := svc.Add(Job{Name: "r", Kind: KindReminder, Schedule: Schedule{At: &at},
		Message: "wake up", TargetChannel: "telegram", TargetChatID: "42"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	readCtx, readCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer readCancel()
	msg, ok := b.ConsumeOutbound(readCtx)
	if !ok {
		t.Fatal("reminder never delivered")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.Content != "wake up" {
		t.Errorf("reminder = %+v", msg)
	}

	// One-shot jobs disable themselves after firing.
	deadline := time.After(2 * time.Second)
	for {
		if !s.List()[0].Enabled {
			break
		}
		select {
		case <-deadline:
			t.Fatal("one-shot job still enabled")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	svc.Wait()
}
