// Package cron implements the persistent timed-job scheduler: a single
// atomically-replaced job record file and one sleeper goroutine firing the
// earliest next_run across enabled jobs.
package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/errs"
)

// Job kinds.
const (
	KindTask     = "task"     // runs through AgentLoop.ProcessDirect
	KindReminder = "reminder" // published straight to the outbound queue
)

// Schedule is one of: a cron expression, a fixed interval, or a one-shot
// absolute time. Exactly one field is set.
type Schedule struct {
	Cron            string     `json:"cron,omitempty"`
	IntervalSeconds int64      `json:"interval_seconds,omitempty"`
	At              *time.Time `json:"at,omitempty"`
}

// Job is one scheduled entry.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Schedule Schedule `json:"schedule"`
	Message  string   `json:"message"`

	Deliver       bool   `json:"deliver,omitempty"`
	TargetChannel string `json:"target_channel,omitempty"`
	TargetChatID  string `json:"target_chat_id,omitempty"`

	Enabled bool       `json:"enabled"`
	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *time.Time `json:"last_run,omitempty"`

	// ScheduleError is set when the job's cron expression cannot be
	// evaluated; the job stays visible instead of being silently dropped.
	ScheduleError string `json:"schedule_error,omitempty"`
}

// Store persists the job set as a single record file, written atomically
// under a file lock. A corrupt file is renamed aside, never overwritten.
type Store struct {
	path string
	lk   *flock.Flock

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewStore loads (or initializes) the job file at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.New(errs.Fatal, "cron.NewStore", err)
	}
	s := &Store{
		path: path,
		lk:   flock.New(path + ".lock"),
		jobs: make(map[string]*Job),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// reload reads the record file. A parse failure renames the corrupt file
// aside and starts from an empty set, warning the user — the job store is
// never lost to a parsing error mid-flight.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.External, "cron.reload", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		// Never lose the store to a parsing error: move the corrupt file
		// aside, warn, and continue with an empty set.
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			return errs.New(errs.Fatal, "cron.reload", fmt.Errorf("corrupt job file and rename failed: %v / %v", err, renameErr))
		}
		slog.Warn("cron job file is corrupt; moved aside and starting empty",
			"moved_to", aside, "error", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]*Job, len(jobs))
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

// save writes the full job set atomically (temp + rename) under the file
// lock. Two processes serialize here; the losing writer sees the winner's
// state on its next reload.
func (s *Store) save() error {
	if err := s.lk.Lock(); err != nil {
		return errs.New(errs.Resource, "cron.save", err)
	}
	defer s.lk.Unlock()

	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return errs.New(errs.Fatal, "cron.save", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "jobs-*.tmp")
	if err != nil {
		return errs.New(errs.External, "cron.save", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.New(errs.External, "cron.save", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.New(errs.External, "cron.save", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.New(errs.External, "cron.save", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errs.New(errs.External, "cron.save", err)
	}
	return nil
}

// Add validates the schedule, computes the first next_run, and persists.
func (s *Store) Add(job Job) (*Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	switch job.Kind {
	case KindTask, KindReminder:
	default:
		return nil, errs.New(errs.Validation, "cron.Add", fmt.Errorf("unknown job kind %q", job.Kind))
	}
	job.Enabled = true

	next, err := nextRun(job.Schedule, time.Now())
	if err != nil {
		job.ScheduleError = err.Error()
		job.Enabled = false
	} else {
		job.NextRun = &next
	}

	s.mu.Lock()
	s.jobs[job.ID] = &job
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Remove deletes a job and persists.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return errs.New(errs.Validation, "cron.Remove", fmt.Errorf("no such job %q", id))
	}
	delete(s.jobs, id)
	s.mu.Unlock()
	return s.save()
}

// SetEnabled toggles a job and persists. Re-enabling recomputes next_run.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.Validation, "cron.SetEnabled", fmt.Errorf("no such job %q", id))
	}
	j.Enabled = enabled
	if enabled && j.ScheduleError == "" {
		if next, err := nextRun(j.Schedule, time.Now()); err == nil {
			j.NextRun = &next
		}
	}
	s.mu.Unlock()
	return s.save()
}

// List returns a sorted snapshot of all jobs.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// markFired records a run and computes the following next_run. One-shot
// (at) jobs are disabled after firing.
func (s *Store) markFired(id string, at time.Time) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		j.LastRun = &at
		if j.Schedule.At != nil {
			j.Enabled = false
			j.NextRun = nil
		} else if next, err := nextRun(j.Schedule, at); err == nil {
			j.NextRun = &next
		} else {
			j.ScheduleError = err.Error()
			j.Enabled = false
		}
	}
	s.mu.Unlock()
	if ok {
		if err := s.save(); err != nil {
			// The in-memory view stays authoritative until the next
			// successful save.
			_ = err
		}
	}
}

// earliest returns the enabled job with the soonest next_run.
func (s *Store) earliest() (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Job
	for _, j := range s.jobs {
		if !j.Enabled || j.NextRun == nil {
			continue
		}
		if best == nil || j.NextRun.Before(*best.NextRun) {
			best = j
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}
