// Package config loads the weather binaries' settings from the environment.
package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"

	"github.com/david-santos/mcp-weather"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LogLevel is a log level read from the environment by name, such as "debug" or "warn".
type LogLevel struct {
	mcp.LogLevel
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LogLevel) UnmarshalText(text []byte) error {
	lvl, err := mcp.ParseLogLevel(string(text))
	if err != nil {
		return err
	}
	l.LogLevel = lvl
	return nil
}

// SlogLevel maps the level onto the closest slog level.
func (l LogLevel) SlogLevel() slog.Level {
	switch {
	case l.LogLevel <= mcp.LogLevelDebug:
		return slog.LevelDebug
	case l.LogLevel <= mcp.LogLevelNotice:
		return slog.LevelInfo
	case l.LogLevel == mcp.LogLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
