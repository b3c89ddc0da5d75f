package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/memory"
)

// scopeFromArgs resolves the optional "scope" argument, defaulting to the
// calling session's scope.
func scopeFromArgs(ctx context.Context, args map[string]interface{}) memory.Scope {
	scope, _ := args["scope"].(string)
	switch scope {
	case "global":
		return memory.GlobalScope()
	case "user":
		if o := OriginFromContext(ctx); o.ChatID != "" {
			return memory.UserScope(o.ChatID)
		}
		return memory.GlobalScope()
	default:
		if o := OriginFromContext(ctx); o.ParentSession != "" {
			return memory.SessionScope(o.ParentSession)
		}
		return memory.GlobalScope()
	}
}

// NewMemoryAppendTool writes a note to today's memory file for a scope.
func NewMemoryAppendTool(idx *memory.Index) *Tool {
	return &Tool{
		Name:        "memory_append",
		Description: "Save a note to memory. Use for facts and preferences worth remembering across conversations.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"text":  map[string]interface{}{"type": "string"},
				"scope": map[string]interface{}{"type": "string", "enum": []interface{}{"session", "user", "global"}},
			},
			"required": []interface{}{"text"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			text, _ := args["text"].(string)
			if strings.TrimSpace(text) == "" {
				return ErrorResult("text is empty"), nil
			}
			scope := scopeFromArgs(ctx, args)
			if err := idx.AppendToday(scope, text); err != nil {
				return ErrorResult(err.Error()), nil
			}
			return NewResult(fmt.Sprintf("noted (%s)", scope)), nil
		},
	}
}

// NewMemorySearchTool retrieves the top memory chunks for a query.
func NewMemorySearchTool(idx *memory.Index) *Tool {
	return &Tool{
		Name:        "memory_search",
		Description: "Search saved memory notes for a query.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
				"scope": map[string]interface{}{"type": "string", "enum": []interface{}{"session", "user", "global"}},
			},
			"required": []interface{}{"query"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			query, _ := args["query"].(string)
			scope := scopeFromArgs(ctx, args)
			chunks, err := idx.Retrieve(scope, query, 5)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			if len(chunks) == 0 {
				return NewResult("no matching notes"), nil
			}
			var sb strings.Builder
			for _, c := range chunks {
				fmt.Fprintf(&sb, "- [%s] %s\n", c.TS.Format("2006-01-02"), c.Text)
			}
			return NewResult(sb.String()), nil
		},
	}
}
