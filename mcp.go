package mcp

import (
	"context"
	"encoding/json"
	"iter"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport. The implementations should not
	// stop the Sessions it produced, the caller already does that before calling this method.
	// The caller is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession connects to the server and returns the Session once it is ready to
	// carry messages in both directions.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
// Messages sent through one Session are delivered to the peer in send order.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party.
	// An envelope that cannot be decoded is yielded as a zero JSONRPCMessage, whose
	// Kind is MessageKindInvalid. The implementations should exit the iteration if the
	// session is closed or the underlying connection is lost.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method once.
	Stop()
}

// ToolHandler executes a tool invocation. The Exchange is bound to the invocation and
// is only valid until the handler returns.
//
// Returning a *JSONRPCError sends it to the client as the error response, any other
// error is reported as a CallToolResult with IsError set.
type ToolHandler interface {
	CallTool(ctx context.Context, ex *Exchange, arguments json.RawMessage) (CallToolResult, error)
}

// ToolHandlerFunc adapts a function to the ToolHandler interface.
type ToolHandlerFunc func(ctx context.Context, ex *Exchange, arguments json.RawMessage) (CallToolResult, error)

// SamplingHandler answers the server's sampling requests. The server invocation that asked
// for the sample stays suspended until CreateSampleMessage returns.
type SamplingHandler interface {
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// SamplingHandlerFunc adapts a function to the SamplingHandler interface.
type SamplingHandlerFunc func(ctx context.Context, params SamplingParams) (SamplingResult, error)

// ProgressListener receives progress notifications. It is called from the client's
// dispatch loop in wire order, so it should return quickly.
type ProgressListener interface {
	OnProgress(params ProgressParams)
}

// ProgressListenerFunc adapts a function to the ProgressListener interface.
type ProgressListenerFunc func(params ProgressParams)

// LogReceiver receives log notifications. It is called from the client's dispatch loop
// in wire order, so it should return quickly.
type LogReceiver interface {
	OnLog(params LogParams)
}

// LogReceiverFunc adapts a function to the LogReceiver interface.
type LogReceiverFunc func(params LogParams)

// CallTool calls f(ctx, ex, arguments).
func (f ToolHandlerFunc) CallTool(ctx context.Context, ex *Exchange, arguments json.RawMessage) (CallToolResult, error) {
	return f(ctx, ex, arguments)
}

// CreateSampleMessage calls f(ctx, params).
func (f SamplingHandlerFunc) CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	return f(ctx, params)
}

// OnProgress calls f(params).
func (f ProgressListenerFunc) OnProgress(params ProgressParams) { f(params) }

// OnLog calls f(params).
func (f LogReceiverFunc) OnLog(params LogParams) { f(params) }
