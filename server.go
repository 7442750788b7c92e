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

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server hosts tools for the clients connected through its ServerTransport. Every client
// gets its own session: capability negotiation, correlation of the server's own requests
// (ping, sampling) and concurrent execution of the tools the client calls.
type Server struct {
	info         Info
	instructions string
	transport    ServerTransport
	registry     *ToolRegistry

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger
	tracer trace.Tracer

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup
	done              chan struct{}
}

type serverSession struct {
	session     Session
	stopSession func()
	peer        *peer
	logger      *slog.Logger
	tracer      trace.Tracer

	serverInfo   Info
	capabilities ServerCapabilities
	instructions string
	registry     *ToolRegistry

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int

	mu              sync.Mutex
	state           sessionState
	clientCaps      ClientCapabilities
	clientInfo      Info
	protocolVersion string
	tools           toolSnapshot
	logLevel        LogLevel
	inflight        map[MustString]context.CancelCauseFunc
}

type sessionState int

const (
	sessionStateNew sessionState = iota
	sessionStateInitializing
	sessionStateReady
)

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errRequestCancelled = errors.New("request cancelled by client")
)

// NewServer creates a new server answering as info over transport.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.registry == nil {
		s.registry = NewToolRegistry()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	return s
}

// WithToolRegistry makes the server resolve tools from registry instead of a private one.
func WithToolRegistry(registry *ToolRegistry) ServerOption {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithInstructions sets the instructions returned to clients on initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval sets how often the server pings each client.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout sets how long the server waits for a ping response.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets how many consecutive pings may fail before the
// session is closed.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout sets the timeout for writing a single message to a client.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets a callback invoked with the session ID of each new client.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets a callback invoked when a client session ends.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// WithServerTracer sets the tracer used for tool execution spans. The global tracer
// provider is used by default.
func WithServerTracer(tracer trace.Tracer) ServerOption {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// RegisterTool adds a tool to the server's registry. Sessions already initialized keep
// the tool set they negotiated.
func (s Server) RegisterTool(tool Tool, handler ToolHandler) error {
	return s.registry.Register(tool, handler)
}

// Serve accepts client sessions from the transport and serves them until the transport
// stops yielding sessions.
//
// Serve blocks until the server is shut down or the transport ends.
func (s Server) Serve() {
	for sess := range s.transport.Sessions() {
		ss := &serverSession{
			session:              sess,
			stopSession:          sync.OnceFunc(sess.Stop),
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			tracer:               s.tracer,
			serverInfo:           s.info,
			capabilities:         ServerCapabilities{Tools: &ToolsCapability{}, Logging: &LoggingCapability{}},
			instructions:         s.instructions,
			registry:             s.registry,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			inflight:             make(map[MustString]context.CancelCauseFunc),
		}
		ss.peer = newPeer(sess, ss.logger, s.sendTimeout, 0)

		s.sessionsWaitGroup.Add(1)

		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(sess.ID(), s.info)
			}

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(sess.ID())
			}
		}()
	}
	s.sessionsWaitGroup.Wait()
}

// Shutdown stops every session and then the transport. It returns an error if the
// context is done before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	close(s.done)

	sessionsClosed := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsClosed)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsClosed:
	}

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}
	return nil
}

func (s *serverSession) start(done <-chan struct{}) {
	// Every tool invocation derives from this context, so they are all cancelled when the
	// session ends.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	loopClosed := make(chan struct{})
	pingClosed := make(chan struct{})

	go func() {
		defer close(pingClosed)
		s.ping(done, loopClosed)
	}()

	// This loop breaks when the session is stopped or the connection is lost.
	for msg := range s.session.Messages() {
		s.handleMessage(baseCtx, msg)
	}

	close(loopClosed)
	baseCancel()
	s.peer.shutdown(ErrTransport)
	<-pingClosed
	s.stopSession()
}

func (s *serverSession) handleMessage(ctx context.Context, msg JSONRPCMessage) {
	if msg.JSONRPC != JSONRPCVersion {
		s.logger.Info("failed to handle message", slog.Any("message", msg), slog.String("err", errInvalidJSON.Error()))
		return
	}

	switch msg.Kind() {
	case MessageKindResponse:
		s.peer.resolve(msg)
	case MessageKindNotification:
		s.handleNotification(msg)
	case MessageKindRequest:
		s.handleRequest(ctx, msg)
	default:
		s.logger.Info("received invalid envelope", slog.Any("message", msg))
		if msg.ID != "" {
			go s.replyError(msg.ID, jsonRPCInvalidRequestCode, errMsgInvalidJSON, nil)
		}
	}
}

func (s *serverSession) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsInitialized:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != sessionStateInitializing {
			s.logger.Warn("received initialized notification out of order")
			return
		}
		s.state = sessionStateReady
		s.logger.Info("session initialized",
			slog.String("client", s.clientInfo.Name),
			slog.Bool("sampling", s.clientCaps.Sampling != nil))
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Warn("invalid cancellation", slog.String("err", err.Error()))
			return
		}
		s.mu.Lock()
		cancel, ok := s.inflight[params.RequestID]
		s.mu.Unlock()
		if ok {
			cancel(errRequestCancelled)
		}
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *serverSession) handleRequest(ctx context.Context, msg JSONRPCMessage) {
	switch msg.Method {
	case methodPing:
		go s.reply(msg.ID, struct{}{})
		return
	case methodInitialize:
		s.handleInitialize(msg)
		return
	}

	s.mu.Lock()
	ready := s.state == sessionStateReady
	s.mu.Unlock()
	if !ready {
		go s.replyError(msg.ID, jsonRPCInvalidRequestCode, errMsgNotInitialized, nil)
		return
	}

	switch msg.Method {
	case MethodToolsList:
		s.mu.Lock()
		tools := s.tools.list()
		s.mu.Unlock()
		go s.reply(msg.ID, ListToolsResult{Tools: tools})
	case MethodToolsCall:
		var params CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			go s.replyError(msg.ID, jsonRPCInvalidParamsCode, errMsgInvalidParams,
				map[string]any{"error": err.Error()})
			return
		}
		callCtx, cancel := context.WithCancelCause(ctx)
		s.mu.Lock()
		s.inflight[msg.ID] = cancel
		s.mu.Unlock()
		go s.callTool(callCtx, msg.ID, params)
	case MethodLoggingSetLevel:
		var params SetLogLevelParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			go s.replyError(msg.ID, jsonRPCInvalidParamsCode, errMsgInvalidParams,
				map[string]any{"error": err.Error()})
			return
		}
		s.mu.Lock()
		s.logLevel = params.Level
		s.mu.Unlock()
		go s.reply(msg.ID, struct{}{})
	default:
		go s.replyError(msg.ID, jsonRPCMethodNotFoundCode, errMsgMethodNotFound,
			map[string]any{"method": msg.Method})
	}
}

// handleInitialize records the negotiated state synchronously, so requests that follow on
// the wire observe it, and sends the answer asynchronously.
func (s *serverSession) handleInitialize(msg JSONRPCMessage) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		go s.replyError(msg.ID, jsonRPCInvalidParamsCode, errMsgInvalidParams, map[string]any{"error": err.Error()})
		return
	}

	version := params.ProtocolVersion
	if !slices.Contains(supportedProtocolVersions, version) {
		s.logger.Info("client requested unsupported protocol version, proposing latest",
			slog.String("requested", version))
		version = LatestProtocolVersion
	}

	s.mu.Lock()
	if s.state != sessionStateNew {
		s.mu.Unlock()
		go s.replyError(msg.ID, jsonRPCInvalidRequestCode, errMsgAlreadyInitialized, nil)
		return
	}
	s.state = sessionStateInitializing
	s.clientCaps = params.Capabilities
	s.clientInfo = params.ClientInfo
	s.protocolVersion = version
	s.tools = s.registry.snapshot()
	s.mu.Unlock()

	go s.reply(msg.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    s.capabilities,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	})
}

func (s *serverSession) callTool(ctx context.Context, msgID MustString, params CallToolParams) {
	defer func() {
		s.mu.Lock()
		cancel := s.inflight[msgID]
		delete(s.inflight, msgID)
		s.mu.Unlock()
		if cancel != nil {
			cancel(context.Canceled)
		}
	}()

	ctx, span := s.tracer.Start(ctx, "mcp.server.tools/call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("mcp.tool.name", params.Name)))
	defer span.End()

	s.mu.Lock()
	rt, err := s.tools.resolve(params.Name)
	s.mu.Unlock()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.replyError(msgID, jsonRPCMethodNotFoundCode, errMsgToolNotFound, map[string]any{"name": params.Name})
		return
	}

	if err := rt.validate(ctx, params.Arguments); err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.replyError(msgID, jsonRPCInvalidParamsCode, errMsgInvalidParams, map[string]any{"error": err.Error()})
		return
	}

	ex := &Exchange{sess: s, token: params.Meta.ProgressToken}
	result, err := s.runTool(ctx, rt.handler, ex, params.Arguments)

	if errors.Is(context.Cause(ctx), errRequestCancelled) {
		s.logger.Info("tool call cancelled by client", slog.String("tool", params.Name))
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		// Only an error the handler returns as is becomes a protocol error. Wrapped ones,
		// such as a failed sampling request, are reported in the result.
		if rpcErr, ok := err.(*JSONRPCError); ok {
			s.replyError(msgID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
		s.logger.Info("tool returned error", slog.String("tool", params.Name), slog.String("err", err.Error()))
		result = CallToolResult{Content: []Content{TextContent(err.Error())}, IsError: true}
	}
	if result.Content == nil {
		result.Content = []Content{}
	}

	s.reply(msgID, result)
}

func (s *serverSession) runTool(
	ctx context.Context,
	handler ToolHandler,
	ex *Exchange,
	arguments json.RawMessage,
) (result CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked", slog.Any("panic", r))
			err = &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: errMsgInternalError}
		}
	}()
	return handler.CallTool(ctx, ex, arguments)
}

func (s *serverSession) reply(msgID MustString, result any) {
	if err := s.peer.respond(context.Background(), msgID, result); err != nil {
		s.logger.Warn("failed to send response", slog.String("id", string(msgID)), slog.String("err", err.Error()))
	}
}

func (s *serverSession) replyError(msgID MustString, code int, message string, data map[string]any) {
	if err := s.peer.respondError(context.Background(), msgID, code, message, data); err != nil {
		s.logger.Warn("failed to send error response", slog.String("id", string(msgID)), slog.String("err", err.Error()))
	}
}

// ping checks the client's liveness and stops the session once more than
// pingTimeoutThreshold consecutive pings failed, or when the server shuts down.
func (s *serverSession) ping(done <-chan struct{}, loopClosed <-chan struct{}) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0

	for {
		select {
		case <-done:
			s.stopSession()
			return
		case <-loopClosed:
			return
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)
		_, err := s.peer.request(ctx, methodPing, nil)
		cancel()

		if err == nil {
			failedPings = 0
			continue
		}

		s.logger.Warn("failed to ping client", slog.String("err", err.Error()))
		failedPings++
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			s.stopSession()
			return
		}
	}
}

func (s *serverSession) client() (ClientCapabilities, Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps, s.clientInfo
}

func (s *serverSession) logEnabled(level LogLevel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return level >= s.logLevel
}
