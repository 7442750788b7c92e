// Package weatherclient implements the weather-client command. It connects to a weather
// server, answers its sampling requests with Azure OpenAI and prints the forecast.
package weatherclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/david-santos/mcp-weather"
	"github.com/david-santos/mcp-weather/internal/config"
	"github.com/david-santos/mcp-weather/internal/telemetry"
	"github.com/david-santos/mcp-weather/llm"
	"github.com/david-santos/mcp-weather/servers/weather"
)

// Config holds weather-client configuration.
type Config struct {
	AzureEndpoint     string `env:"AZURE_OPENAI_ENDPOINT"`
	AzureKey          string `env:"AZURE_OPENAI_KEY"`
	AzureDeploymentID string `env:"AZURE_OPENAI_DEPLOYMENT_ID"`

	// ServerURL selects the SSE transport. ServerCommand is started otherwise.
	ServerURL     string `env:"MCP_WEATHER_SERVER_URL"`
	ServerCommand string `env:"MCP_WEATHER_SERVER_COMMAND" envDefault:"weather-server"`

	Latitude  string          `env:"MCP_WEATHER_LATITUDE"    envDefault:"38.6875"`
	Longitude string          `env:"MCP_WEATHER_LONGITUDE"   envDefault:"-9.3125"`
	Timeout   time.Duration   `env:"MCP_WEATHER_TIMEOUT"     envDefault:"2m"`
	LogLevel  config.LogLevel `env:"MCP_WEATHER_LOG_LEVEL"   envDefault:"info"`
	Telemetry telemetry.Config
}

const (
	serviceName    = "weather-client"
	serviceVersion = "1.0.0"
)

// ErrToolFailed is returned when the server reports the forecast call as failed.
var ErrToolFailed = errors.New("weather tool failed")

// NewCommand returns the weather-client command. Flags default to the environment.
func NewCommand() (*cobra.Command, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Ask a weather server for the current forecast",
		Long: `The weather-client command calls getWeatherForecast on a weather server and prints
the forecast. When AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_KEY and AZURE_OPENAI_DEPLOYMENT_ID
are set, the server's sampling requests are answered by that deployment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "SSE endpoint of the weather server")
	cmd.Flags().StringVar(&cfg.ServerCommand, "server-command", cfg.ServerCommand, "command starting a stdio weather server")
	cmd.Flags().StringVar(&cfg.Latitude, "latitude", cfg.Latitude, "latitude of the location")
	cmd.Flags().StringVar(&cfg.Longitude, "longitude", cfg.Longitude, "longitude of the location")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "time limit for the forecast call")

	return cmd, nil
}

// Run connects to the configured server, calls getWeatherForecast and writes the result
// text to stdout.
func Run(ctx context.Context, cfg Config, stdout, stderr io.Writer) error {
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel.SlogLevel()}))

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, serviceVersion, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to flush traces", slog.String("err", err.Error()))
		}
	}()

	options := []mcp.ClientOption{
		mcp.WithClientLogger(logger),
		mcp.WithClientTracer(otel.Tracer(serviceName)),
		mcp.WithProgressListener(progressLogger(logger)),
		mcp.WithLogReceiver(logReceiver(logger)),
	}

	if cfg.AzureEndpoint != "" || cfg.AzureKey != "" || cfg.AzureDeploymentID != "" {
		gen, err := llm.NewAzureOpenAI(cfg.AzureEndpoint, cfg.AzureKey, cfg.AzureDeploymentID, nil)
		if err != nil {
			return err
		}
		handler := llm.NewSamplingHandler(gen, llm.WithSamplingLogger(logger))
		options = append(options, mcp.WithSamplingHandler(handler))
		defer func() {
			usage := gen.TokenUsage()
			logger.Info("token usage",
				slog.Int("prompt", usage.PromptTokens),
				slog.Int("completion", usage.CompletionTokens),
				slog.Int("total", usage.TotalTokens))
		}()
	} else {
		logger.Warn("Azure OpenAI is not configured, sampling is disabled")
	}

	transport, err := newTransport(ctx, cfg, stderr, logger)
	if err != nil {
		return err
	}

	cli := mcp.NewClient(mcp.Info{Name: serviceName, Version: serviceVersion}, transport, options...)

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if err := cli.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to weather server: %w", err)
	}
	defer func() {
		if err := cli.Close(); err != nil {
			logger.Warn("failed to close client", slog.String("err", err.Error()))
		}
	}()

	server := cli.ServerInfo()
	logger.Info("connected", slog.String("server", server.Name), slog.String("version", server.Version),
		slog.String("protocolVersion", cli.ProtocolVersion()))

	args, err := json.Marshal(weather.ForecastArgs{Latitude: cfg.Latitude, Longitude: cfg.Longitude})
	if err != nil {
		return fmt.Errorf("failed to marshal forecast arguments: %w", err)
	}

	res, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      weather.ToolName,
		Arguments: args,
		Meta:      mcp.ParamsMeta{ProgressToken: mcp.MustString(fmt.Sprintf("token-%d", rand.Int64()))},
	})
	if err != nil {
		return err
	}

	text := resultText(res)
	if res.IsError {
		return fmt.Errorf("%w: %s", ErrToolFailed, text)
	}

	if _, err := io.WriteString(stdout, text); err != nil {
		return fmt.Errorf("failed to write forecast: %w", err)
	}
	return nil
}

func newTransport(ctx context.Context, cfg Config, stderr io.Writer, logger *slog.Logger) (mcp.ClientTransport, error) {
	if cfg.ServerURL != "" {
		return mcp.NewSSEClient(cfg.ServerURL, nil, mcp.WithSSEClientLogger(logger)), nil
	}

	fields := strings.Fields(cfg.ServerCommand)
	if len(fields) == 0 {
		return nil, errors.New("either a server URL or a server command is required")
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stderr = stderr
	return mcp.NewCommandTransport(cmd, mcp.WithStdIOLogger(logger)), nil
}

func progressLogger(logger *slog.Logger) mcp.ProgressListener {
	return mcp.ProgressListenerFunc(func(params mcp.ProgressParams) {
		logger.Info("MCP PROGRESS",
			slog.String("token", string(params.ProgressToken)),
			slog.Float64("progress", params.Progress),
			slog.Float64("total", params.Total),
			slog.String("message", params.Message))
	})
}

func logReceiver(logger *slog.Logger) mcp.LogReceiver {
	return mcp.LogReceiverFunc(func(params mcp.LogParams) {
		logger.Info("MCP LOGGING",
			slog.String("level", params.Level.String()),
			slog.String("logger", params.Logger),
			slog.String("data", string(params.Data)))
	})
}

func resultText(res mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if c.Type == mcp.ContentTypeText {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}
