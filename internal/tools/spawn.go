package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NewSpawnTool exposes the SubagentManager as a tool: the LLM spawns a
// background task that reports back as a system message when it finishes.
func NewSpawnTool(sm *SubagentManager) *Tool {
	return &Tool{
		Name:        "spawn",
		Description: "Spawn a background subagent to work on a task. It reports its result back to this chat when done.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"task":  map[string]interface{}{"type": "string", "description": "What the subagent should do."},
				"label": map[string]interface{}{"type": "string", "description": "Short label for progress updates."},
			},
			"required": []interface{}{"task"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			task, _ := args["task"].(string)
			label, _ := args["label"].(string)
			origin := OriginFromContext(ctx)

			ack, err := sm.Spawn(ctx, task, label, origin)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			return AsyncResult(ack), nil
		},
	}
}

// NewSubagentListTool reports the current subagent tasks.
func NewSubagentListTool(sm *SubagentManager) *Tool {
	return &Tool{
		Name:        "subagent_list",
		Description: "List background subagent tasks and their status.",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			tasks := sm.List()
			if len(tasks) == 0 {
				return NewResult("no subagent tasks"), nil
			}
			var sb strings.Builder
			for _, t := range tasks {
				fmt.Fprintf(&sb, "%s  %-9s  %q  started %s\n",
					t.ID, t.Status, t.Label, t.StartedAt.Format(time.RFC3339))
			}
			return NewResult(sb.String()), nil
		},
	}
}

// NewSubagentCancelTool cancels a running subagent by id.
func NewSubagentCancelTool(sm *SubagentManager) *Tool {
	return &Tool{
		Name:        "subagent_cancel",
		Description: "Cancel a running background subagent by its id.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"id"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			id, _ := args["id"].(string)
			if err := sm.Cancel(id); err != nil {
				return ErrorResult(err.Error()), nil
			}
			return NewResult("cancelled " + id), nil
		},
	}
}

type originCtxKey struct{}

// WithOrigin stamps the spawning message's origin onto ctx so the spawn
// tool can route progress and results back to the right chat.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originCtxKey{}, o)
}

// OriginFromContext returns the origin stamped by WithOrigin, or zero.
func OriginFromContext(ctx context.Context) Origin {
	o, _ := ctx.Value(originCtxKey{}).(Origin)
	return o
}
