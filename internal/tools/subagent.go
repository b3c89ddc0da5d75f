// Package tools additionally implements the SubagentManager: a bounded pool
// of background agent loops spawned by the "spawn" tool.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/errs"
	"github.com/nanobot-ai/nanobot/internal/providers"
)

// Status values for a SubagentTask.
const (
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// SubagentConfig tunes the manager's limits and defaults.
type SubagentConfig struct {
	MaxConcurrent       int           // maxConcurrentSubagents, default 8
	MaxIterations        int           // subagentMaxIterations, default 15
	Timeout             time.Duration // subagentTimeoutSeconds, default 900s
	ResultMaxChars      int           // subagentResultMaxChars, default 32KiB
	Model               string        // model override (empty = inherit from parent provider)
}

// DefaultSubagentConfig matches the core's stated defaults.
func DefaultSubagentConfig() SubagentConfig {
	return SubagentConfig{
		MaxConcurrent:  8,
		MaxIterations:  15,
		Timeout:        900 * time.Second,
		ResultMaxChars: 32 * 1024,
	}
}

// Origin identifies where a subagent result should be delivered and under
// which parent session it should be announced.
type Origin struct {
	Channel        string
	ChatID         string
	ParentSession  string
}

// SubagentTask tracks one spawned background agent run.
type SubagentTask struct {
	ID        string
	Label     string
	Prompt    string
	Origin    Origin
	StartedAt time.Time
	Status    string
	Result    string

	cancel context.CancelFunc
}

// SubagentManager is the bounded pool of background agent loops. Spawn
// refuses once the running count reaches MaxConcurrent.
type SubagentManager struct {
	mu    sync.RWMutex
	tasks map[string]*SubagentTask

	cfg      SubagentConfig
	provider providers.Provider
	model    string
	busV     *bus.Bus
	newTools func() *Registry // builds a fresh tool registry without spawn/subagent tools
}

// NewSubagentManager wires the manager to the shared provider (subagents use
// the same retry/fallback policy as the main loop, not a no-fallback
// variant) and bus.
func NewSubagentManager(provider providers.Provider, model string, b *bus.Bus, newTools func() *Registry, cfg SubagentConfig) *SubagentManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 900 * time.Second
	}
	if cfg.ResultMaxChars <= 0 {
		cfg.ResultMaxChars = 32 * 1024
	}
	return &SubagentManager{
		tasks:    make(map[string]*SubagentTask),
		cfg:      cfg,
		provider: provider,
		model:    model,
		busV:     b,
		newTools: newTools,
	}
}

func (sm *SubagentManager) runningCount() int {
	n := 0
	for _, t := range sm.tasks {
		if t.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Spawn starts a new subagent task, refusing with a Resource error when the
// running count is already at MaxConcurrent.
func (sm *SubagentManager) Spawn(ctx context.Context, prompt, label string, origin Origin) (string, error) {
	sm.mu.Lock()
	if sm.runningCount() >= sm.cfg.MaxConcurrent {
		sm.mu.Unlock()
		return "", errs.New(errs.Resource, "tools.Spawn", fmt.Errorf("busy: %d/%d subagents running", sm.runningCount(), sm.cfg.MaxConcurrent))
	}
	id := uuid.NewString()
	if label == "" {
		label = prompt
		if len(label) > 50 {
			label = label[:50] + "..."
		}
	}
	taskCtx, cancel := context.WithTimeout(context.Background(), sm.cfg.Timeout)
	task := &SubagentTask{
		ID:        id,
		Label:     label,
		Prompt:    prompt,
		Origin:    origin,
		StartedAt: time.Now(),
		Status:    StatusRunning,
		cancel:    cancel,
	}
	sm.tasks[id] = task
	sm.mu.Unlock()

	slog.Info("subagent spawned", "id", id, "label", label)
	go sm.run(taskCtx, task)

	return fmt.Sprintf("spawned subagent %q (id=%s)", label, id), nil
}

// List returns a snapshot of all known tasks.
func (sm *SubagentManager) List() []SubagentTask {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]SubagentTask, 0, len(sm.tasks))
	for _, t := range sm.tasks {
		out = append(out, *t)
	}
	return out
}

// Cancel requests cancellation of a running task.
func (sm *SubagentManager) Cancel(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	t, ok := sm.tasks[id]
	if !ok {
		return errs.New(errs.Validation, "tools.Cancel", fmt.Errorf("no such subagent %q", id))
	}
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// Shutdown cancels every running task; used by the core's stop() sequence.
func (sm *SubagentManager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, t := range sm.tasks {
		if t.Status == StatusRunning && t.cancel != nil {
			t.cancel()
		}
	}
}

// progressInterval is how often a running subagent announces progress to
// its origin chat.
const progressInterval = 60 * time.Second

func (sm *SubagentManager) run(ctx context.Context, task *SubagentTask) {
	defer task.cancel()

	stopProgress := make(chan struct{})
	if sm.busV != nil && task.Origin.Channel != "" && task.Origin.ChatID != "" {
		go func() {
			ticker := time.NewTicker(progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = sm.busV.PublishOutbound(ctx, bus.OutboundMessage{
						Channel:  task.Origin.Channel,
						ChatID:   task.Origin.ChatID,
						Content:  fmt.Sprintf("Still working on %q (%s elapsed)", task.Label, time.Since(task.StartedAt).Round(time.Second)),
						Metadata: map[string]string{"type": "status", "subagent_id": task.ID},
					})
				case <-stopProgress:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	iterations, finalContent, status := sm.executeTask(ctx, task)
	close(stopProgress)

	sm.mu.Lock()
	task.Status = status
	task.Result = finalContent
	sm.mu.Unlock()

	truncated, wasTruncated := truncateResult(finalContent, sm.cfg.ResultMaxChars)

	if sm.busV != nil && task.Origin.ParentSession != "" {
		note := truncated
		if wasTruncated {
			note += "\n\n[truncated]"
		}
		content := fmt.Sprintf("Subagent %q finished (%s, %d iterations):\n%s", task.Label, status, iterations, note)
		_ = sm.busV.PublishInbound(context.Background(), bus.InboundMessage{
			ID:       uuid.NewString(),
			Channel:  "system",
			ChatID:   task.Origin.ChatID,
			SenderID: "subagent:" + task.ID,
			Role:     bus.RoleSystem,
			Content:  content,
			Metadata: map[string]string{
				"session_key":    task.Origin.ParentSession,
				"subagent_id":    task.ID,
				"origin_channel": task.Origin.Channel,
			},
			Trusted: true,
			At:      time.Now().UTC(),
		})
	}
}

// truncateResult caps s to max chars, reporting whether truncation occurred.
func truncateResult(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	return s[:max], true
}
