package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Individual tool implementations are out of scope for the kernel (they are
// external collaborators the registry merely hosts); these two are kept
// only to exercise Registry end to end against something real.

// NewReadFileTool builds a cacheable read_file tool restricted to workspace.
func NewReadFileTool(workspace string) *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read the contents of a workspace file.",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"path"},
		},
		Cacheable:  true,
		MaxRetries: 1,
		Execute: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			rel, _ := args["path"].(string)
			full := filepath.Join(workspace, filepath.Clean("/"+rel))
			if !strings.HasPrefix(full, filepath.Clean(workspace)+string(filepath.Separator)) && full != filepath.Clean(workspace) {
				return ErrorResult("path escapes workspace"), nil
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			return NewResult(string(data)), nil
		},
	}
}

// NewEchoTool is a trivial non-cacheable tool useful for tests exercising
// the parallel-batch and ordering guarantees.
func NewEchoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Echo the given text back.",
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"text"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			text, _ := args["text"].(string)
			return NewResult(text), nil
		},
	}
}
