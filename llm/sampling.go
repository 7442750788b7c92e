package llm

import (
	"context"
	"errors"
	"log/slog"

	"github.com/david-santos/mcp-weather"
)

// SamplingHandler answers sampling requests with a Generator. The system prompt of the
// request and the text of its first user message are passed to the generator.
type SamplingHandler struct {
	generator Generator
	logger    *slog.Logger
}

// SamplingOption represents the options for the SamplingHandler.
type SamplingOption func(*SamplingHandler)

var errNoUserText = errors.New("sampling request has no user text message")

// NewSamplingHandler creates a handler generating its answers with generator.
func NewSamplingHandler(generator Generator, options ...SamplingOption) SamplingHandler {
	h := SamplingHandler{
		generator: generator,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(&h)
	}
	return h
}

// WithSamplingLogger sets the logger for the SamplingHandler.
func WithSamplingLogger(logger *slog.Logger) SamplingOption {
	return func(h *SamplingHandler) {
		h.logger = logger.With(
			slog.String("package", "llm"),
			slog.String("component", "sampling"),
		)
	}
}

// CreateSampleMessage implements mcp.SamplingHandler.
func (h SamplingHandler) CreateSampleMessage(ctx context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	h.logger.Info("MCP SAMPLING",
		slog.String("systemPrompt", params.SystemPrompt),
		slog.Int("messages", len(params.Messages)),
		slog.Int("maxTokens", params.MaxTokens))

	user, ok := firstUserText(params.Messages)
	if !ok {
		return mcp.SamplingResult{}, &mcp.JSONRPCError{
			Code:    -32602,
			Message: "Invalid params",
			Data:    map[string]any{"error": errNoUserText.Error()},
		}
	}

	completion, err := h.generator.Generate(ctx, params.SystemPrompt, user, params.MaxTokens)
	if err != nil {
		h.logger.Error("failed to generate completion", slog.String("err", err.Error()))
		return mcp.SamplingResult{}, err
	}

	h.logger.Debug("generated completion",
		slog.String("model", completion.Model),
		slog.Int("totalTokens", completion.Usage.TotalTokens))

	return mcp.SamplingResult{
		Role:       mcp.RoleAssistant,
		Content:    mcp.TextContent(completion.Text),
		Model:      completion.Model,
		StopReason: completion.StopReason,
	}, nil
}

func firstUserText(messages []mcp.SamplingMessage) (string, bool) {
	for _, m := range messages {
		if m.Role == mcp.RoleUser && m.Content.Type == mcp.ContentTypeText {
			return m.Content.Text, true
		}
	}
	return "", false
}
