package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/david-santos/mcp-weather"
)

func (s Server) callEcho(ctx context.Context, ex *mcp.Exchange, arguments json.RawMessage) (mcp.CallToolResult, error) {
	s.log(ctx, ex, EchoToolName)

	var args EchoArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	return mcp.CallToolResult{
		Content:           []mcp.Content{mcp.TextContent("Echo: " + args.Message)},
		StructuredContent: arguments,
	}, nil
}

func (s Server) callAdd(ctx context.Context, ex *mcp.Exchange, arguments json.RawMessage) (mcp.CallToolResult, error) {
	s.log(ctx, ex, AddToolName)

	var args AddArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent(fmt.Sprintf("The sum of %s and %s is %s",
			formatFloat(args.A), formatFloat(args.B), formatFloat(args.A+args.B)))},
	}, nil
}

func (s Server) callLongRunningOperation(
	ctx context.Context,
	ex *mcp.Exchange,
	arguments json.RawMessage,
) (mcp.CallToolResult, error) {
	s.log(ctx, ex, LongRunningOperationToolName)

	args := LongRunningOperationArgs{Duration: defaultDuration, Steps: defaultSteps}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	if args.Steps <= 0 || args.Duration < 0 {
		return mcp.CallToolResult{}, fmt.Errorf("invalid operation: %d steps over %s seconds",
			args.Steps, formatFloat(args.Duration))
	}

	stepDuration := time.Duration(args.Duration / float64(args.Steps) * float64(s.secondUnit))
	timer := time.NewTimer(stepDuration)
	defer timer.Stop()

	for i := 1; i <= args.Steps; i++ {
		select {
		case <-ctx.Done():
			return mcp.CallToolResult{}, context.Cause(ctx)
		case <-timer.C:
		}
		timer.Reset(stepDuration)

		if err := ex.SendProgress(ctx, float64(i), float64(args.Steps), ""); err != nil {
			s.logger.Warn("failed to send progress notification",
				slog.Int("step", i),
				slog.String("err", err.Error()))
		}
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent(fmt.Sprintf(
			"Long running operation completed. Duration: %s seconds, Steps: %d",
			formatFloat(args.Duration), args.Steps))},
	}, nil
}

func (s Server) callSampleLLM(ctx context.Context, ex *mcp.Exchange, arguments json.RawMessage) (mcp.CallToolResult, error) {
	s.log(ctx, ex, SampleLLMToolName)

	args := SampleLLMArgs{MaxTokens: defaultMaxTokens}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	res, err := ex.RequestSampling(ctx, mcp.SamplingParams{
		Messages: []mcp.SamplingMessage{
			{Role: mcp.RoleUser, Content: mcp.TextContent("Resource sampleLLM context: " + args.Prompt)},
		},
		ModelPreferences: mcp.ModelPreferences{
			CostPriority:         1,
			SpeedPriority:        2,
			IntelligencePriority: 3,
		},
		SystemPrompt: samplingSystemPrompt,
		MaxTokens:    args.MaxTokens,
	})
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to request sampling: %w", err)
	}

	return mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent("LLM sampling result: " + res.Content.Text)},
	}, nil
}

func (s Server) log(ctx context.Context, ex *mcp.Exchange, toolName string) {
	type logData struct {
		Message string `json:"message"`
	}
	if err := ex.SendLog(ctx, mcp.LogLevelDebug, logData{Message: "CallTool: " + toolName}); err != nil {
		s.logger.Warn("failed to send log notification", slog.String("err", err.Error()))
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
