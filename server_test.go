package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/david-santos/mcp-weather"
)

type coordinatesArgs struct {
	Latitude  string `json:"latitude" jsonschema:"description=The location latitude"`
	Longitude string `json:"longitude" jsonschema:"description=The location longitude"`
}

func startServer(t *testing.T, registry *mcp.ToolRegistry) *rawPeer {
	t.Helper()

	client, serverTransport := newRawPeer(t)
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, serverTransport,
		mcp.WithToolRegistry(registry),
		mcp.WithServerPingInterval(time.Hour))
	go srv.Serve()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
	})

	return client
}

func initializeRaw(t *testing.T, client *rawPeer) {
	t.Helper()

	client.send(t, mcp.JSONRPCMessage{
		ID:     "init-1",
		Method: "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"raw","version":"0"}}`),
	})
	res := client.next(t)
	if res.Error != nil {
		t.Fatalf("initialize failed: %v", res.Error)
	}
	client.send(t, mcp.JSONRPCMessage{Method: "notifications/initialized"})
}

func TestServerRejectsRequestsBeforeInitialization(t *testing.T) {
	client := startServer(t, mcp.NewToolRegistry())

	client.send(t, mcp.JSONRPCMessage{ID: "1", Method: mcp.MethodToolsList})

	res := client.next(t)
	if res.ID != "1" {
		t.Fatalf("expected response to request 1, got %s", res.ID)
	}
	if res.Error == nil || res.Error.Code != -32600 {
		t.Errorf("expected invalid request error, got %+v", res.Error)
	}
}

func TestServerAnswersPingBeforeInitialization(t *testing.T) {
	client := startServer(t, mcp.NewToolRegistry())

	client.send(t, mcp.JSONRPCMessage{ID: "ping-1", Method: "ping"})

	res := client.next(t)
	if res.ID != "ping-1" || res.Error != nil {
		t.Errorf("expected ping result, got %+v", res)
	}
}

func TestServerRejectsSecondInitialize(t *testing.T) {
	client := startServer(t, mcp.NewToolRegistry())
	initializeRaw(t, client)

	client.send(t, mcp.JSONRPCMessage{
		ID:     "init-2",
		Method: "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2025-03-26","capabilities":{"sampling":{}},"clientInfo":{"name":"raw","version":"0"}}`),
	})

	res := client.next(t)
	if res.Error == nil {
		t.Fatal("expected second initialize to fail")
	}
	if res.Error.Code != -32600 {
		t.Errorf("expected code -32600, got %d", res.Error.Code)
	}
}

func TestServerNegotiatesProtocolVersion(t *testing.T) {
	type testCase struct {
		name      string
		requested string
		want      string
	}

	testCases := []testCase{
		{name: "latest", requested: "2025-03-26", want: "2025-03-26"},
		{name: "previous", requested: "2024-11-05", want: "2024-11-05"},
		{name: "unknown falls back to latest", requested: "1999-01-01", want: "2025-03-26"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := startServer(t, mcp.NewToolRegistry())

			client.send(t, mcp.JSONRPCMessage{
				ID:     "init",
				Method: "initialize",
				Params: json.RawMessage(`{"protocolVersion":"` + tc.requested +
					`","capabilities":{},"clientInfo":{"name":"raw","version":"0"}}`),
			})

			res := client.next(t)
			var result struct {
				ProtocolVersion string `json:"protocolVersion"`
				Capabilities    struct {
					Tools   *struct{} `json:"tools"`
					Logging *struct{} `json:"logging"`
				} `json:"capabilities"`
			}
			if err := json.Unmarshal(res.Result, &result); err != nil {
				t.Fatalf("failed to unmarshal initialize result: %v", err)
			}
			if result.ProtocolVersion != tc.want {
				t.Errorf("expected protocol version %s, got %s", tc.want, result.ProtocolVersion)
			}
			if result.Capabilities.Tools == nil || result.Capabilities.Logging == nil {
				t.Error("expected tools and logging capabilities")
			}
		})
	}
}

func TestServerUnknownMethod(t *testing.T) {
	client := startServer(t, mcp.NewToolRegistry())
	initializeRaw(t, client)

	client.send(t, mcp.JSONRPCMessage{ID: "2", Method: "prompts/list"})

	res := client.next(t)
	if res.Error == nil || res.Error.Code != -32601 {
		t.Errorf("expected method not found, got %+v", res.Error)
	}
}

func TestCallToolErrors(t *testing.T) {
	registry := mcp.NewToolRegistry()
	mustRegister(t, registry, mcp.Tool{
		Name:        "forecast",
		InputSchema: mcp.MustReflectInputSchema[coordinatesArgs](),
	}, func(_ context.Context, _ *mcp.Exchange, _ json.RawMessage) (mcp.CallToolResult, error) {
		return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("sunny")}}, nil
	})
	mustRegister(t, registry, mcp.Tool{Name: "failing"},
		func(_ context.Context, _ *mcp.Exchange, _ json.RawMessage) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, errors.New("upstream unavailable")
		})
	mustRegister(t, registry, mcp.Tool{Name: "rejecting"},
		func(_ context.Context, _ *mcp.Exchange, _ json.RawMessage) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, &mcp.JSONRPCError{Code: -32000, Message: "quota exceeded"}
		})
	mustRegister(t, registry, mcp.Tool{Name: "panicking"},
		func(_ context.Context, _ *mcp.Exchange, _ json.RawMessage) (mcp.CallToolResult, error) {
			panic("boom")
		})

	cli, _ := setupPair(t, registry)
	ctx := testContext(t)

	type testCase struct {
		name      string
		params    mcp.CallToolParams
		wantErr   error
		wantCode  int
		wantText  string
		wantIsErr bool
	}

	testCases := []testCase{
		{
			name:     "valid arguments",
			params:   mcp.CallToolParams{Name: "forecast", Arguments: json.RawMessage(`{"latitude":"1","longitude":"2"}`)},
			wantText: "sunny",
		},
		{
			name:     "unknown tool",
			params:   mcp.CallToolParams{Name: "missing"},
			wantErr:  mcp.ErrToolNotFound,
			wantCode: -32601,
		},
		{
			name:     "missing required argument",
			params:   mcp.CallToolParams{Name: "forecast", Arguments: json.RawMessage(`{"latitude":"1"}`)},
			wantErr:  mcp.ErrRemote,
			wantCode: -32602,
		},
		{
			name:     "unexpected argument",
			params:   mcp.CallToolParams{Name: "forecast", Arguments: json.RawMessage(`{"latitude":"1","longitude":"2","x":1}`)},
			wantErr:  mcp.ErrRemote,
			wantCode: -32602,
		},
		{
			name:      "handler error",
			params:    mcp.CallToolParams{Name: "failing"},
			wantText:  "upstream unavailable",
			wantIsErr: true,
		},
		{
			name:     "handler json-rpc error",
			params:   mcp.CallToolParams{Name: "rejecting"},
			wantErr:  mcp.ErrRemote,
			wantCode: -32000,
		},
		{
			name:     "handler panic",
			params:   mcp.CallToolParams{Name: "panicking"},
			wantErr:  mcp.ErrRemote,
			wantCode: -32603,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := cli.CallTool(ctx, tc.params)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				var rpcErr *mcp.JSONRPCError
				if !errors.As(err, &rpcErr) {
					t.Fatalf("expected *JSONRPCError, got %T", err)
				}
				if rpcErr.Code != tc.wantCode {
					t.Errorf("expected code %d, got %d", tc.wantCode, rpcErr.Code)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.IsError != tc.wantIsErr {
				t.Errorf("expected IsError %v, got %v", tc.wantIsErr, res.IsError)
			}
			if len(res.Content) != 1 || res.Content[0].Text != tc.wantText {
				t.Errorf("expected text %q, got %+v", tc.wantText, res.Content)
			}
		})
	}

	// The session survives every failure above.
	if err := cli.Ping(ctx); err != nil {
		t.Errorf("expected session to stay alive, ping failed: %v", err)
	}
}

func TestToolsRegisteredAfterHandshakeAreNotVisible(t *testing.T) {
	registry := mcp.NewToolRegistry()
	mustRegister(t, registry, mcp.Tool{Name: "early"},
		func(_ context.Context, _ *mcp.Exchange, _ json.RawMessage) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, nil
		})

	first, _ := setupPair(t, registry)
	ctx := testContext(t)

	mustRegister(t, registry, mcp.Tool{Name: "late"},
		func(_ context.Context, _ *mcp.Exchange, _ json.RawMessage) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, nil
		})

	tools, err := first.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "early" {
		t.Errorf("expected only the early tool, got %+v", tools.Tools)
	}
	if _, err := first.CallTool(ctx, mcp.CallToolParams{Name: "late"}); !errors.Is(err, mcp.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}

	second, _ := setupPair(t, registry)
	tools, err = second.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools.Tools) != 2 {
		t.Errorf("expected 2 tools after a new handshake, got %+v", tools.Tools)
	}
}

func TestConcurrentToolCallsDoNotBlockEachOther(t *testing.T) {
	release := make(chan struct{})

	registry := mcp.NewToolRegistry()
	mustRegister(t, registry, mcp.Tool{Name: "slow"},
		func(ctx context.Context, _ *mcp.Exchange, _ json.RawMessage) (mcp.CallToolResult, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("slow")}}, nil
		})
	mustRegister(t, registry, mcp.Tool{Name: "fast"},
		func(_ context.Context, _ *mcp.Exchange, _ json.RawMessage) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("fast")}}, nil
		})

	cli, _ := setupPair(t, registry)
	ctx := testContext(t)

	slowDone := make(chan error, 1)
	go func() {
		_, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "slow"})
		slowDone <- err
	}()

	res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "fast"})
	if err != nil {
		t.Fatalf("failed to call fast tool: %v", err)
	}
	if res.Content[0].Text != "fast" {
		t.Errorf("expected fast result, got %+v", res.Content)
	}

	close(release)
	if err := <-slowDone; err != nil {
		t.Errorf("slow call failed: %v", err)
	}
}

func TestCancelledCallCancelsHandler(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan error, 1)

	registry := mcp.NewToolRegistry()
	mustRegister(t, registry, mcp.Tool{Name: "block"},
		func(ctx context.Context, _ *mcp.Exchange, _ json.RawMessage) (mcp.CallToolResult, error) {
			close(started)
			<-ctx.Done()
			cancelled <- context.Cause(ctx)
			return mcp.CallToolResult{}, ctx.Err()
		})

	cli, _ := setupPair(t, registry)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "block"})
		errs <- err
	}()

	<-started
	cancel()

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	select {
	case cause := <-cancelled:
		if cause == nil || !strings.Contains(cause.Error(), "cancelled by client") {
			t.Errorf("expected client cancellation cause, got %v", cause)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not cancelled")
	}
}

func TestServerPingsClient(t *testing.T) {
	client, serverTransport := newRawPeer(t)

	disconnected := make(chan string, 1)
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, serverTransport,
		mcp.WithServerPingInterval(20*time.Millisecond),
		mcp.WithServerPingTimeout(20*time.Millisecond),
		mcp.WithServerPingTimeoutThreshold(1),
		mcp.WithServerOnClientDisconnected(func(id string) { disconnected <- id }))
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	ping := client.next(t)
	if ping.Method != "ping" {
		t.Fatalf("expected ping, got %s", ping.Method)
	}

	// Never answering makes the server give up on the session.
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("expected server to close the unresponsive session")
	}
}
