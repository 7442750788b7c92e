// Package main runs the weather-client command.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/david-santos/mcp-weather/internal/config"

	weatherclientcmd "github.com/david-santos/mcp-weather/internal/cmd/weatherclient"
)

func main() {
	cmd, err := weatherclientcmd.NewCommand()
	if err != nil {
		config.Exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		config.Exitf("Error: %v", err)
	}
}
