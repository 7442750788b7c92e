package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/david-santos/mcp-weather"
)

// Server exposes the getWeatherForecast tool. A call fetches the current conditions from
// its Forecaster and, when the client supports sampling, asks the client's language model
// for a poem about them. Progress and log notifications are sent to the client along the
// way.
type Server struct {
	forecaster Forecaster
	logger     *slog.Logger
}

// ServerOption represents the options for the Server.
type ServerOption func(*Server)

// NewServer creates a weather server reading forecasts from forecaster.
func NewServer(forecaster Forecaster, options ...ServerOption) Server {
	s := Server{
		forecaster: forecaster,
		logger:     slog.Default(),
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
			slog.String("package", "weather"),
		)
	}
}

// Tool returns the getWeatherForecast descriptor.
func (s Server) Tool() mcp.Tool {
	return forecastTool
}

// Register adds the forecast tool to registry.
func (s Server) Register(registry *mcp.ToolRegistry) error {
	return registry.Register(s.Tool(), s)
}

// CallTool implements mcp.ToolHandler.
func (s Server) CallTool(ctx context.Context, ex *mcp.Exchange, arguments json.RawMessage) (mcp.CallToolResult, error) {
	var args ForecastArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	s.sendLog(ctx, ex, fmt.Sprintf("Call %s Tool with latitude: %s and longitude: %s",
		ToolName, args.Latitude, args.Longitude))

	s.sendProgress(ctx, ex, 0.0, "Retrieving weather forecast")

	conditions, err := s.forecaster.Forecast(ctx, args.Latitude, args.Longitude)
	if err != nil {
		s.logger.Error("failed to retrieve forecast",
			slog.String("latitude", args.Latitude),
			slog.String("longitude", args.Longitude),
			slog.String("err", err.Error()))
		return mcp.CallToolResult{}, err
	}

	forecast := formatForecast(conditions)

	poem, err := s.poem(ctx, ex, forecast)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	s.sendProgress(ctx, ex, 1.0, "Task completed")

	return mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent(forecast + "Weather Poem: " + poem + "\n")},
	}, nil
}

// poem asks the client for a poem about forecast. It returns the placeholder text when
// the client cannot sample.
func (s Server) poem(ctx context.Context, ex *mcp.Exchange, forecast string) (string, error) {
	if !ex.SamplingSupported() {
		return noSamplingPoem, nil
	}

	s.sendProgress(ctx, ex, 0.5, "Start sampling")

	res, err := ex.RequestSampling(ctx, mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{
			{Role: mcp.RoleUser, Content: mcp.TextContent(poemPromptPrefix + forecast)},
		},
		ModelPreferences: mcp.ModelPreferences{Hints: []mcp.ModelHint{{Name: poemModelHint}}},
		SystemPrompt:     poetSystemPrompt,
		MaxTokens:        poemMaxTokens,
	})
	if errors.Is(err, mcp.ErrSamplingUnsupported) {
		return noSamplingPoem, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to sample poem: %w", err)
	}
	return res.Content.Text, nil
}

func (s Server) sendLog(ctx context.Context, ex *mcp.Exchange, msg string) {
	if err := ex.SendLog(ctx, mcp.LogLevelDebug, msg); err != nil {
		s.logger.Warn("failed to send log notification", slog.String("err", err.Error()))
	}
}

func (s Server) sendProgress(ctx context.Context, ex *mcp.Exchange, progress float64, msg string) {
	if err := ex.SendProgress(ctx, progress, 1.0, msg); err != nil {
		s.logger.Warn("failed to send progress notification",
			slog.Float64("progress", progress),
			slog.String("err", err.Error()))
	}
}

func formatForecast(c Conditions) string {
	return fmt.Sprintf(forecastTemplate,
		formatFloat(c.Temperature),
		formatFloat(c.ApparentTemperature),
		c.CloudCover,
		formatFloat(c.WindSpeed),
		formatFloat(c.WindGusts),
		c.PrecipitationProbability,
		c.IsDay)
}

// formatFloat prints whole numbers with a trailing ".0", so 18 reads "18.0".
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return s
	}
	return s + ".0"
}
