package tools

import "github.com/nanobot-ai/nanobot/internal/providers"

// Result is what a tool execution hands back to the agent loop. ForLLM is
// the only content channel: delivery to the user happens through the
// loop's reply, never from inside a tool.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content fed back into the tool loop
	IsError bool   `json:"is_error"` // the call failed; content is the error text
	Async   bool   `json:"async"`    // work continues in the background (spawn)
	Err     error  `json:"-"`        // underlying cause, for logs only

	// Usage holds token usage from tools that make internal LLM calls.
	// When set, the agent loop records these on the tool span for tracing.
	Usage    *providers.Usage `json:"-"`
	Provider string           `json:"-"` // provider name (for tool span metadata)
	Model    string           `json:"-"` // model used (for tool span metadata)
}

// NewResult wraps successful tool output.
func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

// ErrorResult wraps a failure as content the loop can show the model.
func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// AsyncResult acknowledges work that will report back later as a system
// message (the spawn tool).
func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}
