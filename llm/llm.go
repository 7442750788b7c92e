// Package llm provides the text generators a weather client uses to answer the sampling
// requests of an MCP server.
package llm

import "context"

// Generator produces a completion for a system prompt and a user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string, maxTokens int) (Completion, error)
}

// Completion is the text a Generator produced, with the model that produced it.
type Completion struct {
	Text       string
	Model      string
	StopReason string
	Usage      TokenUsage
}

// TokenUsage counts the tokens spent by one or more completions.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add returns the sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}
