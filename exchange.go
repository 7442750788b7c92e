package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Exchange is handed to a ToolHandler for the lifetime of one invocation. It carries the
// capabilities negotiated with the client and sends callbacks to it: log and progress
// notifications, and sampling requests.
type Exchange struct {
	sess  *serverSession
	token MustString
}

// ClientCapabilities returns the capabilities the client advertised during initialize.
func (e *Exchange) ClientCapabilities() ClientCapabilities {
	caps, _ := e.sess.client()
	return caps
}

// ClientInfo returns the client's name and version.
func (e *Exchange) ClientInfo() Info {
	_, info := e.sess.client()
	return info
}

// SamplingSupported reports whether the client advertised the sampling capability.
func (e *Exchange) SamplingSupported() bool {
	return e.ClientCapabilities().Sampling != nil
}

// ProgressToken returns the token supplied by the caller, empty when it opted out.
func (e *Exchange) ProgressToken() MustString {
	return e.token
}

// SendLog emits a log notification to the client. data is encoded as JSON, so a plain
// string is sent as a JSON string. Messages below the level the client selected with
// logging/setLevel are dropped.
func (e *Exchange) SendLog(ctx context.Context, level LogLevel, data any) error {
	if !e.sess.logEnabled(level) {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal log data: %w", err)
	}
	return e.sess.peer.notify(ctx, methodNotificationsMessage, LogParams{
		Level:  level,
		Logger: e.sess.serverInfo.Name,
		Data:   raw,
	})
}

// SendProgress emits a progress notification carrying the invocation's progress token.
// It does nothing when the caller supplied no token.
func (e *Exchange) SendProgress(ctx context.Context, progress, total float64, message string) error {
	if e.token == "" {
		return nil
	}
	return e.sess.peer.notify(ctx, methodNotificationsProgress, ProgressParams{
		ProgressToken: e.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// RequestSampling asks the client to generate a message and waits for the answer.
// It returns ErrSamplingUnsupported, without sending anything, when the client did not
// advertise sampling.
func (e *Exchange) RequestSampling(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	if !e.SamplingSupported() {
		return SamplingResult{}, ErrSamplingUnsupported
	}

	raw, err := e.sess.peer.request(ctx, MethodSamplingCreateMessage, params)
	if err != nil {
		return SamplingResult{}, fmt.Errorf("failed to request sampling: %w", err)
	}

	var result SamplingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		e.sess.logger.Warn("invalid sampling result", slog.String("err", err.Error()))
		return SamplingResult{}, fmt.Errorf("failed to unmarshal sampling result: %w", err)
	}
	return result, nil
}
