// Package everything provides demo tools exercising every client-facing feature of the
// protocol: structured results, progress notifications, log notifications and sampling.
// They are meant for testing MCP clients rather than for production use.
package everything

import (
	"log/slog"
	"time"

	"github.com/david-santos/mcp-weather"
)

// Server serves the echo, add, longRunningOperation and sampleLLM tools.
type Server struct {
	logger *slog.Logger

	// secondUnit is the real duration of one second of a longRunningOperation.
	secondUnit time.Duration
}

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

// NewServer creates a demo tool server.
func NewServer(options ...ServerOption) Server {
	s := Server{
		logger:     slog.Default(),
		secondUnit: time.Second,
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithLogger sets the logger for the Server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "everything"),
		)
	}
}

// WithSecondUnit scales the durations of longRunningOperation, so a test can run a
// ten second operation in ten milliseconds.
func WithSecondUnit(unit time.Duration) ServerOption {
	return func(s *Server) {
		s.secondUnit = unit
	}
}

// Tools returns the descriptors of every demo tool.
func (s Server) Tools() []mcp.Tool {
	return append([]mcp.Tool(nil), toolList...)
}

// Register adds every demo tool to registry.
func (s Server) Register(registry *mcp.ToolRegistry) error {
	handlers := map[string]mcp.ToolHandlerFunc{
		EchoToolName:                 s.callEcho,
		AddToolName:                  s.callAdd,
		LongRunningOperationToolName: s.callLongRunningOperation,
		SampleLLMToolName:            s.callSampleLLM,
	}
	for _, tool := range toolList {
		if err := registry.Register(tool, handlers[tool.Name]); err != nil {
			return err
		}
	}
	return nil
}
