package tools

import (
	"context"

	"github.com/nanobot-ai/nanobot/internal/skills"
)

// NewSkillTool loads a skill's full instructions on demand; the system
// prompt carries only the name/description summary.
func NewSkillTool(reg *skills.Registry) *Tool {
	return &Tool{
		Name:        "skill",
		Description: "Load the full instructions of a named skill.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"name"},
		},
		Cacheable: true,
		Execute: func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			name, _ := args["name"].(string)
			body, err := reg.Load(name)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			return NewResult(body), nil
		},
	}
}
