// Package main runs the weather-server command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/david-santos/mcp-weather/internal/config"

	weatherservercmd "github.com/david-santos/mcp-weather/internal/cmd/weatherserver"
)

func main() {
	cmd, err := weatherservercmd.NewCommand()
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		config.Exitf("Error: %v", err)
	}
}
