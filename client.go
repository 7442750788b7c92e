package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client connects to a server through a ClientTransport, negotiates capabilities and calls
// the server's tools. It answers the server's sampling requests with the SamplingHandler
// and forwards progress and log notifications to the registered listeners.
//
// A Client is used for a single connection: Connect once, Close when done.
type Client struct {
	info      Info
	transport ClientTransport

	samplingHandler  SamplingHandler
	progressListener ProgressListener
	logReceiver      LogReceiver

	sendTimeout    time.Duration
	requestTimeout time.Duration

	logger *slog.Logger
	tracer trace.Tracer

	mu              sync.Mutex
	session         Session
	peer            *peer
	connected       bool
	closed          bool
	serverInfo      Info
	serverCaps      ServerCapabilities
	protocolVersion string
	instructions    string
	inflight        map[MustString]context.CancelFunc

	listenClosed chan struct{}
	closeOnce    sync.Once
}

var defaultClientSendTimeout = 30 * time.Second

const tracerName = "github.com/david-santos/mcp-weather"

// NewClient creates a client identified as info. Nothing is sent until Connect is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:         info,
		transport:    transport,
		logger:       slog.Default(),
		inflight:     make(map[MustString]context.CancelFunc),
		listenClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.sendTimeout == 0 {
		c.sendTimeout = defaultClientSendTimeout
	}

	return c
}

// WithSamplingHandler sets the handler answering the server's sampling requests. The client
// only advertises the sampling capability when a handler is set.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithProgressListener sets the listener receiving progress notifications.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the receiver of the server's log notifications.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientSendTimeout sets the timeout for writing a single message to the server.
func WithClientSendTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.sendTimeout = timeout
	}
}

// WithClientRequestTimeout bounds every request whose context carries no deadline.
// Requests that exceed it fail with ErrTimeout.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "client"),
		)
	}
}

// WithClientTracer sets the tracer used for tool call spans. The global tracer provider is
// used by default.
func WithClientTracer(tracer trace.Tracer) ClientOption {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// Connect starts a session and negotiates capabilities with the server. Every failure
// before the negotiation completes is reported as ErrHandshakeFailed, and leaves the
// client closed. A client that was closed cannot connect again.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.checkConnectable(); err != nil {
		return err
	}

	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to start session: %w", ErrHandshakeFailed, err)
	}

	p := newPeer(sess, c.logger, c.sendTimeout, c.requestTimeout)

	c.mu.Lock()
	if err := c.connectableLocked(); err != nil {
		// Closed, or connected by another goroutine, while the session was starting.
		c.mu.Unlock()
		sess.Stop()
		return err
	}
	c.session = sess
	c.peer = p
	c.mu.Unlock()

	go c.listen(sess, p)

	caps := ClientCapabilities{}
	if c.samplingHandler != nil {
		caps.Sampling = &SamplingCapability{}
	}

	raw, err := p.request(ctx, methodInitialize, initializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    caps,
		ClientInfo:      c.info,
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.Close()
		return fmt.Errorf("%w: failed to unmarshal initialize result: %w", ErrHandshakeFailed, err)
	}
	if !slices.Contains(supportedProtocolVersions, result.ProtocolVersion) {
		c.Close()
		return fmt.Errorf("%w: %s %q", ErrHandshakeFailed, errMsgUnsupportedProtocolVersion, result.ProtocolVersion)
	}

	if err := p.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		c.Close()
		return fmt.Errorf("%w: failed to send initialized notification: %w", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.instructions = result.Instructions
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected to server",
		slog.String("server", result.ServerInfo.Name),
		slog.String("protocolVersion", result.ProtocolVersion))

	return nil
}

// ServerInfo returns the server's name and version.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// Instructions returns the usage instructions sent by the server, if any.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// ListTools lists the tools the server exposes to this session.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	p, err := c.connectedPeer()
	if err != nil {
		return ListToolsResult{}, err
	}

	raw, err := p.request(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to list tools: %w", err)
	}

	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to unmarshal tools list: %w", err)
	}
	return result, nil
}

// CallTool invokes a tool and waits for its result. Set params.Meta.ProgressToken to
// receive the tool's progress notifications.
//
// The call fails with ErrTimeout when ctx or the client's request timeout expires, with a
// *JSONRPCError matching ErrRemote when the server answered with an error (ErrToolNotFound
// for unknown tools), with ErrClosed when the client is closed meanwhile and with
// ErrTransport when the connection is lost.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	p, err := c.connectedPeer()
	if err != nil {
		return CallToolResult{}, err
	}

	ctx, span := c.tracer.Start(ctx, "mcp.client.tools/call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("mcp.tool.name", params.Name)))
	defer span.End()

	raw, err := p.request(ctx, MethodToolsCall, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CallToolResult{}, fmt.Errorf("failed to call tool %s: %w", params.Name, err)
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}
	if result.IsError {
		span.SetStatus(codes.Error, "tool reported an error")
	}
	return result, nil
}

// SetLogLevel asks the server to only send log notifications at level or above.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	p, err := c.connectedPeer()
	if err != nil {
		return err
	}
	if _, err := p.request(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level}); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}
	return nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	p, err := c.connectedPeer()
	if err != nil {
		return err
	}
	if _, err := p.request(ctx, methodPing, nil); err != nil {
		return fmt.Errorf("failed to ping server: %w", err)
	}
	return nil
}

// Notify sends a notification to the server. It does not wait for any reply.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	p, err := c.connectedPeer()
	if err != nil {
		return err
	}
	if err := p.notify(ctx, method, params); err != nil {
		return fmt.Errorf("failed to send %s notification: %w", method, err)
	}
	return nil
}

// Close stops the session. Calls still waiting for a response fail with ErrClosed.
// It is safe to call Close more than once, and a closed client cannot Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	sess, p := c.session, c.peer
	c.mu.Unlock()

	if p == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		p.shutdown(ErrClosed)
		sess.Stop()
		<-c.listenClosed
	})
	return nil
}

func (c *Client) checkConnectable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectableLocked()
}

func (c *Client) connectableLocked() error {
	if c.closed {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, ErrClosed)
	}
	if c.session != nil {
		return fmt.Errorf("%w: client already connected", ErrHandshakeFailed)
	}
	return nil
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) connectedPeer() (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peer == nil || !c.connected {
		if c.peer != nil {
			select {
			case <-c.peer.done:
				return nil, c.peer.closeErr
			default:
			}
		}
		return nil, ErrNotConnected
	}
	return c.peer, nil
}

func (c *Client) listen(sess Session, p *peer) {
	defer close(c.listenClosed)

	for msg := range sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion || msg.Kind() == MessageKindInvalid {
			if !c.isConnected() {
				// A malformed envelope during the handshake is fatal to the session.
				c.logger.Error("received malformed envelope before negotiation completed")
				p.shutdown(errMalformedEnvelope)
				break
			}
			c.logger.Warn("received invalid envelope", slog.Any("message", msg))
			continue
		}

		switch msg.Kind() {
		case MessageKindResponse:
			p.resolve(msg)
		case MessageKindNotification:
			c.handleNotification(msg)
		case MessageKindRequest:
			c.handleRequest(p, msg)
		}
	}

	p.shutdown(ErrTransport)

	c.mu.Lock()
	for id, cancel := range c.inflight {
		cancel()
		delete(c.inflight, id)
	}
	c.mu.Unlock()
}

// handleNotification runs the listeners inline, so they observe notifications in the
// order the server sent them.
func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsProgress:
		if c.progressListener == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("invalid progress notification", slog.String("err", err.Error()))
			return
		}
		c.progressListener.OnProgress(params)
	case methodNotificationsMessage:
		if c.logReceiver == nil {
			return
		}
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("invalid log notification", slog.String("err", err.Error()))
			return
		}
		c.logReceiver.OnLog(params)
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("invalid cancellation", slog.String("err", err.Error()))
			return
		}
		c.mu.Lock()
		cancel, ok := c.inflight[params.RequestID]
		c.mu.Unlock()
		if ok {
			cancel()
		}
	default:
		c.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (c *Client) handleRequest(p *peer, msg JSONRPCMessage) {
	switch msg.Method {
	case methodPing:
		go c.reply(p, msg.ID, struct{}{})
	case MethodSamplingCreateMessage:
		if c.samplingHandler == nil {
			go c.replyError(p, msg.ID, jsonRPCMethodNotFoundCode, errMsgMethodNotFound,
				map[string]any{"method": msg.Method})
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.inflight[msg.ID] = cancel
		c.mu.Unlock()
		go c.handleSampling(ctx, p, msg)
	default:
		go c.replyError(p, msg.ID, jsonRPCMethodNotFoundCode, errMsgMethodNotFound,
			map[string]any{"method": msg.Method})
	}
}

func (c *Client) handleSampling(ctx context.Context, p *peer, msg JSONRPCMessage) {
	defer func() {
		c.mu.Lock()
		cancel := c.inflight[msg.ID]
		delete(c.inflight, msg.ID)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	var params SamplingParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.replyError(p, msg.ID, jsonRPCInvalidParamsCode, errMsgInvalidParams, map[string]any{"error": err.Error()})
		return
	}

	result, err := c.samplingHandler.CreateSampleMessage(ctx, params)
	if ctx.Err() != nil {
		c.logger.Info("sampling request cancelled", slog.String("id", string(msg.ID)))
		return
	}
	if err != nil {
		c.logger.Warn("sampling handler failed", slog.String("err", err.Error()))
		var rpcErr *JSONRPCError
		if errors.As(err, &rpcErr) {
			c.replyError(p, msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
		c.replyError(p, msg.ID, jsonRPCInternalErrorCode, errMsgInternalError, map[string]any{"error": err.Error()})
		return
	}
	if result.Role == "" {
		result.Role = RoleAssistant
	}

	c.reply(p, msg.ID, result)
}

func (c *Client) reply(p *peer, msgID MustString, result any) {
	if err := p.respond(context.Background(), msgID, result); err != nil {
		c.logger.Warn("failed to send response", slog.String("id", string(msgID)), slog.String("err", err.Error()))
	}
}

func (c *Client) replyError(p *peer, msgID MustString, code int, message string, data map[string]any) {
	if err := p.respondError(context.Background(), msgID, code, message, data); err != nil {
		c.logger.Warn("failed to send error response", slog.String("id", string(msgID)), slog.String("err", err.Error()))
	}
}
