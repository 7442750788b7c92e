// Package weatherserver implements the weather-server command, which serves the
// getWeatherForecast tool over stdio or SSE.
package weatherserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/david-santos/mcp-weather"
	"github.com/david-santos/mcp-weather/internal/config"
	"github.com/david-santos/mcp-weather/internal/telemetry"
	"github.com/david-santos/mcp-weather/servers/everything"
	"github.com/david-santos/mcp-weather/servers/weather"
)

// Config holds weather-server configuration.
type Config struct {
	Transport   string          `env:"MCP_WEATHER_TRANSPORT"     envDefault:"stdio"`
	HTTPAddr    string          `env:"MCP_WEATHER_HTTP_ADDR"     envDefault:"localhost:8080"`
	ForecastURL string          `env:"MCP_WEATHER_FORECAST_URL"  envDefault:"https://api.open-meteo.com/v1/forecast"`
	LogLevel    config.LogLevel `env:"MCP_WEATHER_LOG_LEVEL"     envDefault:"info"`

	// Everything also serves the demo tools of the everything package.
	Everything bool `env:"MCP_WEATHER_EVERYTHING"`

	Telemetry telemetry.Config
}

const (
	serviceName    = "weather-server"
	serviceVersion = "1.0.0"

	transportStdio = "stdio"
	transportSSE   = "sse"

	sseEndpointPath     = "/sse"
	messageEndpointPath = "/message"

	shutdownTimeout = 10 * time.Second
)

// NewCommand returns the weather-server command. Flags default to the environment.
func NewCommand() (*cobra.Command, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Serve the getWeatherForecast MCP tool",
		Long: `The weather-server command exposes the getWeatherForecast tool to MCP clients.
It reads requests from stdin and writes responses to stdout, or serves them over SSE
when --transport=sse. Logs are written to stderr.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&cfg.Transport, "transport", cfg.Transport, "transport to serve on (stdio or sse)")
	cmd.Flags().StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "listen address for the sse transport")
	cmd.Flags().StringVar(&cfg.ForecastURL, "forecast-url", cfg.ForecastURL, "Open-Meteo forecast endpoint")
	cmd.Flags().BoolVar(&cfg.Everything, "everything", cfg.Everything, "also serve the echo, add, longRunningOperation and sampleLLM demo tools")

	return cmd, nil
}

// Run serves the weather tool until ctx is done or, for stdio, until stdin is closed.
func Run(ctx context.Context, cfg Config, stdin io.Reader, stdout, stderr io.Writer) error {
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

	registry := mcp.NewToolRegistry()
	forecaster := weather.NewOpenMeteo(weather.WithForecastURL(cfg.ForecastURL))
	if err := weather.NewServer(forecaster, weather.WithLogger(logger)).Register(registry); err != nil {
		return fmt.Errorf("failed to register weather tool: %w", err)
	}
	if cfg.Everything {
		if err := everything.NewServer(everything.WithLogger(logger)).Register(registry); err != nil {
			return fmt.Errorf("failed to register demo tools: %w", err)
		}
	}

	info := mcp.Info{Name: serviceName, Version: serviceVersion}
	options := []mcp.ServerOption{
		mcp.WithToolRegistry(registry),
		mcp.WithInstructions("Call getWeatherForecast with a latitude and a longitude to get the current weather."),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, _ mcp.Info) {
			logger.Info("client connected", slog.String("sessionID", id))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}

	switch cfg.Transport {
	case transportStdio:
		transport := mcp.NewStdIO(stdin, stdout, mcp.WithStdIOLogger(logger))
		return serveStdIO(ctx, mcp.NewServer(info, transport, options...), logger)
	case transportSSE:
		return serveSSE(ctx, cfg.HTTPAddr, info, options, logger)
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func serveStdIO(ctx context.Context, srv mcp.Server, logger *slog.Logger) error {
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	logger.Info("serving on stdio")

	select {
	case <-ctx.Done():
	case <-served:
	}

	return shutdown(srv)
}

func serveSSE(ctx context.Context, addr string, info mcp.Info, options []mcp.ServerOption, logger *slog.Logger) error {
	transport := mcp.NewSSEServer(messageEndpointPath, mcp.WithSSEServerLogger(logger))
	srv := mcp.NewServer(info, transport, options...)

	mux := http.NewServeMux()
	mux.Handle(sseEndpointPath, transport.HandleSSE())
	mux.Handle(messageEndpointPath, transport.HandleMessage())
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go srv.Serve()

	listenErrs := make(chan error, 1)
	go func() {
		logger.Info("serving on sse", slog.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrs <- err
		}
		close(listenErrs)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-listenErrs:
	}

	// Stopping the sessions first lets the open event streams end.
	if err := shutdown(srv); err != nil {
		logger.Error("failed to shutdown MCP server", slog.String("err", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	if listenErr != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, listenErr)
	}
	return nil
}

func shutdown(srv mcp.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
