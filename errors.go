package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeFailed is returned by Connect when the transport closed, or the peer
	// answered with an error or malformed envelope, before capability negotiation completed.
	ErrHandshakeFailed = errors.New("mcp: handshake failed")

	// ErrToolNotFound is returned when a tool name cannot be resolved.
	ErrToolNotFound = errors.New("mcp: tool not found")

	// ErrDuplicateTool is returned when registering a tool whose name is already taken.
	ErrDuplicateTool = errors.New("mcp: duplicate tool")

	// ErrSamplingUnsupported is returned by Exchange.RequestSampling when the client did not
	// advertise the sampling capability. Nothing is sent over the wire in that case.
	ErrSamplingUnsupported = errors.New("mcp: client does not support sampling")

	// ErrTimeout is returned when a request deadline elapses before its response arrives.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrClosed is returned for requests still outstanding when their session is closed.
	ErrClosed = errors.New("mcp: session closed")

	// ErrTransport is returned when the underlying transport fails or ends.
	ErrTransport = errors.New("mcp: transport failure")

	// ErrRemote matches every JSONRPCError returned by the peer.
	ErrRemote = errors.New("mcp: remote error")

	// ErrNotConnected is returned by Client methods called before Connect succeeded.
	ErrNotConnected = errors.New("mcp: client not connected")

	errInvalidJSON       = errors.New("invalid json")
	errMalformedEnvelope = fmt.Errorf("received malformed envelope: %w", errInvalidJSON)
)

// Is reports whether the remote error matches target. Every JSONRPCError is an ErrRemote,
// and a method-not-found code also matches ErrToolNotFound.
func (j JSONRPCError) Is(target error) bool {
	switch target {
	case ErrRemote:
		return true
	case ErrToolNotFound:
		return j.Code == jsonRPCMethodNotFoundCode && j.Message == errMsgToolNotFound
	}
	return false
}
