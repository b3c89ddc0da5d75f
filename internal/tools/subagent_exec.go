package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nanobot-ai/nanobot/internal/providers"
)

// executeTask runs a subagent's own bounded LLM tool loop, separate from
// (but structurally identical to) the main AgentLoop's tool loop — it
// shares the same retry/fallback provider rather than a no-fallback
// variant. Returns the iteration count, the final content, and a terminal
// status.
func (sm *SubagentManager) executeTask(ctx context.Context, task *SubagentTask) (int, string, string) {
	toolsReg := sm.newTools()

	model := sm.model
	if sm.cfg.Model != "" {
		model = sm.cfg.Model
	}

	messages := []providers.Message{
		{Role: "system", Content: subagentSystemPrompt(task.Label)},
		{Role: "user", Content: task.Prompt},
	}

	iteration := 0
	for iteration < sm.cfg.MaxIterations {
		iteration++

		if ctx.Err() != nil {
			return iteration, "cancelled before completion", StatusCancelled
		}

		resp, err := sm.provider.Chat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    toolsReg.ProviderDefs(),
			Model:    model,
			Options:  map[string]interface{}{"max_tokens": 4096, "temperature": 0.5},
		})
		if err != nil {
			if ctx.Err() != nil {
				return iteration, "cancelled before completion", StatusCancelled
			}
			slog.Warn("subagent LLM error", "id", task.ID, "iteration", iteration, "error", err)
			return iteration, fmt.Sprintf("LLM error at iteration %d: %v", iteration, err), StatusFailed
		}

		if len(resp.ToolCalls) == 0 {
			return iteration, resp.Content, StatusDone
		}

		messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		calls := make([]Call, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = Call{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}
		}
		for _, br := range toolsReg.ExecuteBatch(ctx, calls) {
			messages = append(messages, providers.Message{Role: "tool", Content: br.Result.ForLLM, ToolCallID: br.Call.ID})
		}
	}

	return iteration, "max iterations reached without a final answer", StatusDone
}

func subagentSystemPrompt(label string) string {
	return fmt.Sprintf("You are a background subagent working on task %q. "+
		"Use the available tools to complete it, then reply with a final answer and no further tool calls.", label)
}
