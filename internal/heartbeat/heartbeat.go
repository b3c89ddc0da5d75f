// Package heartbeat wakes the agent on a timer (and on file edits) to work
// through the unchecked items in the workspace HEARTBEAT.md.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nanobot-ai/nanobot/internal/agent"
)

// OKSentinel is the reply a model gives when the heartbeat list needs no
// action; it is treated as a no-op.
const OKSentinel = "HEARTBEAT_OK"

const instruction = "Read the heartbeat task list below and work through any " +
	"unchecked items using your tools, checking them off in the file as you " +
	"complete them. If nothing needs doing, reply with exactly " + OKSentinel + ".\n\n"

// Service reads HEARTBEAT.md on every tick and invokes ProcessDirect when
// it contains unchecked task lines.
type Service struct {
	path     string
	interval time.Duration
	loop     *agent.Loop

	done chan struct{}
}

// NewService wires the service. interval <= 0 uses the 30-minute default.
func NewService(path string, interval time.Duration, loop *agent.Loop) *Service {
	if interval <= 0 {
		interval = 1800 * time.Second
	}
	return &Service{path: path, interval: interval, loop: loop, done: make(chan struct{})}
}

// Run ticks until ctx is cancelled. A file watcher supplements the ticker
// so edits to HEARTBEAT.md trigger a prompt check instead of waiting out
// the interval; watcher failure degrades to ticker-only operation.
func (s *Service) Run(ctx context.Context) {
	defer close(s.done)

	var watchCh chan struct{}
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		// Watch the directory: editors replace files by rename, which a
		// file-level watch would lose.
		if err := watcher.Add(filepath.Dir(s.path)); err == nil {
			watchCh = make(chan struct{}, 1)
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						if filepath.Base(ev.Name) == filepath.Base(s.path) &&
							ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
							select {
							case watchCh <- struct{}{}:
							default:
							}
						}
					case _, ok := <-watcher.Errors:
						if !ok {
							return
						}
					case <-ctx.Done():
						return
					}
				}
			}()
		}
	} else {
		slog.Warn("heartbeat: file watcher unavailable, ticker only", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-watchCh:
			// Debounce editor write bursts.
			time.Sleep(500 * time.Millisecond)
		}
		s.tick(ctx)
	}
}

// Wait blocks until Run has exited.
func (s *Service) Wait() { <-s.done }

func (s *Service) tick(ctx context.Context) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("heartbeat: cannot read task file", "path", s.path, "error", err)
		}
		return
	}
	if !HasUncheckedTask(string(data)) {
		return
	}

	reply, err := s.loop.ProcessDirect(ctx, agent.DirectRequest{
		SessionKey: "heartbeat",
		Message:    instruction + string(data),
		Channel:    "heartbeat",
		ChatID:     "heartbeat",
	})
	if err != nil {
		slog.Warn("heartbeat run failed", "error", err)
		return
	}
	if strings.Contains(reply, OKSentinel) {
		return
	}
	slog.Info("heartbeat run completed", "reply", firstLine(reply))
}

// HasUncheckedTask reports whether text contains an unchecked markdown
// task line ("- [ ]").
func HasUncheckedTask(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- [ ]") || strings.HasPrefix(trimmed, "* [ ]") {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
