package everything_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/david-santos/mcp-weather"
	"github.com/david-santos/mcp-weather/servers/everything"
)

type progressRecorder struct {
	lock   sync.Mutex
	events []mcp.ProgressParams
}

func (p *progressRecorder) OnProgress(params mcp.ProgressParams) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.events = append(p.events, params)
}

func (p *progressRecorder) received() []mcp.ProgressParams {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]mcp.ProgressParams(nil), p.events...)
}

type logRecorder struct {
	lock sync.Mutex
	logs []mcp.LogParams
}

func (l *logRecorder) OnLog(params mcp.LogParams) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.logs = append(l.logs, params)
}

func (l *logRecorder) received() []mcp.LogParams {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]mcp.LogParams(nil), l.logs...)
}

func setupEverything(t *testing.T, clientOptions ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	registry := mcp.NewToolRegistry()
	if err := everything.NewServer(everything.WithSecondUnit(time.Millisecond)).Register(registry); err != nil {
		t.Fatalf("failed to register tools: %v", err)
	}

	srv := mcp.NewServer(mcp.Info{Name: "everything", Version: "1.0"}, mcp.NewStdIO(serverReader, serverWriter),
		mcp.WithToolRegistry(registry),
		mcp.WithServerPingInterval(time.Hour))
	go srv.Serve()

	cli := mcp.NewClient(mcp.Info{Name: "everything-client", Version: "1.0"},
		mcp.NewStdIO(clientReader, clientWriter), clientOptions...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		_ = cli.Close()
		_ = clientReader.Close()
		_ = serverReader.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
	})

	return cli
}

func callTool(t *testing.T, cli *mcp.Client, params mcp.CallToolParams) mcp.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := cli.CallTool(ctx, params)
	if err != nil {
		t.Fatalf("failed to call %s: %v", params.Name, err)
	}
	return res
}

func TestListTools(t *testing.T) {
	cli := setupEverything(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	want := []string{"add", "echo", "longRunningOperation", "sampleLLM"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("expected tools %v, got %v", want, names)
	}
}

func TestCallTools(t *testing.T) {
	type testCase struct {
		name      string
		tool      string
		arguments string
		wantText  string
	}

	testCases := []testCase{
		{
			name:      "echo",
			tool:      everything.EchoToolName,
			arguments: `{"message":"hello"}`,
			wantText:  "Echo: hello",
		},
		{
			name:      "add",
			tool:      everything.AddToolName,
			arguments: `{"a":1.5,"b":2}`,
			wantText:  "The sum of 1.5 and 2 is 3.5",
		},
		{
			name:      "long running operation with defaults",
			tool:      everything.LongRunningOperationToolName,
			arguments: `{}`,
			wantText:  "Long running operation completed. Duration: 10 seconds, Steps: 5",
		},
	}

	cli := setupEverything(t)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := callTool(t, cli, mcp.CallToolParams{Name: tc.tool, Arguments: json.RawMessage(tc.arguments)})
			if res.IsError {
				t.Fatalf("unexpected tool error: %+v", res.Content)
			}
			if len(res.Content) != 1 || res.Content[0].Text != tc.wantText {
				t.Errorf("expected %q, got %+v", tc.wantText, res.Content)
			}
		})
	}
}

func TestEchoReturnsArgumentsAsStructuredContent(t *testing.T) {
	cli := setupEverything(t)

	args := `{"message":"héllo ☃"}`
	res := callTool(t, cli, mcp.CallToolParams{Name: everything.EchoToolName, Arguments: json.RawMessage(args)})

	if string(res.StructuredContent) != args {
		t.Errorf("expected structured content %s, got %s", args, res.StructuredContent)
	}
}

func TestLongRunningOperationReportsProgress(t *testing.T) {
	progress := &progressRecorder{}
	logs := &logRecorder{}
	cli := setupEverything(t, mcp.WithProgressListener(progress), mcp.WithLogReceiver(logs))

	res := callTool(t, cli, mcp.CallToolParams{
		Name:      everything.LongRunningOperationToolName,
		Arguments: json.RawMessage(`{"duration":3,"steps":3}`),
		Meta:      mcp.ParamsMeta{ProgressToken: "op-1"},
	})
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}

	events := progress.received()
	if len(events) != 3 {
		t.Fatalf("expected 3 progress events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.ProgressToken != "op-1" {
			t.Errorf("expected token op-1, got %s", ev.ProgressToken)
		}
		if ev.Progress != float64(i+1) || ev.Total != 3 {
			t.Errorf("expected progress %d/3, got %v/%v", i+1, ev.Progress, ev.Total)
		}
	}

	received := logs.received()
	if len(received) != 1 {
		t.Fatalf("expected 1 log notification, got %d", len(received))
	}
	if received[0].Level != mcp.LogLevelDebug {
		t.Errorf("expected debug level, got %s", received[0].Level)
	}
	if !strings.Contains(string(received[0].Data), "CallTool: longRunningOperation") {
		t.Errorf("unexpected log data: %s", received[0].Data)
	}
}

func TestLongRunningOperationRejectsZeroSteps(t *testing.T) {
	cli := setupEverything(t)

	res := callTool(t, cli, mcp.CallToolParams{
		Name:      everything.LongRunningOperationToolName,
		Arguments: json.RawMessage(`{"duration":1,"steps":0}`),
	})
	if !res.IsError {
		t.Errorf("expected a tool error, got %+v", res)
	}
}

func TestSampleLLM(t *testing.T) {
	t.Run("with sampling", func(t *testing.T) {
		var got mcp.SamplingParams
		sampler := mcp.SamplingHandlerFunc(func(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
			got = params
			return mcp.SamplingResult{Role: mcp.RoleAssistant, Content: mcp.TextContent("42")}, nil
		})
		cli := setupEverything(t, mcp.WithSamplingHandler(sampler))

		res := callTool(t, cli, mcp.CallToolParams{
			Name:      everything.SampleLLMToolName,
			Arguments: json.RawMessage(`{"prompt":"meaning of life"}`),
		})

		if res.IsError || res.Content[0].Text != "LLM sampling result: 42" {
			t.Fatalf("unexpected result: %+v", res)
		}
		if got.MaxTokens != 100 {
			t.Errorf("expected default max tokens 100, got %d", got.MaxTokens)
		}
		if got.SystemPrompt != "You are a helpful assistant." {
			t.Errorf("unexpected system prompt: %q", got.SystemPrompt)
		}
		if len(got.Messages) != 1 || got.Messages[0].Content.Text != "Resource sampleLLM context: meaning of life" {
			t.Errorf("unexpected messages: %+v", got.Messages)
		}
	})

	t.Run("without sampling", func(t *testing.T) {
		cli := setupEverything(t)

		res := callTool(t, cli, mcp.CallToolParams{
			Name:      everything.SampleLLMToolName,
			Arguments: json.RawMessage(`{"prompt":"meaning of life"}`),
		})
		if !res.IsError {
			t.Errorf("expected a tool error, got %+v", res)
		}
	})
}

func TestRegisterTwiceFails(t *testing.T) {
	registry := mcp.NewToolRegistry()
	srv := everything.NewServer()

	if err := srv.Register(registry); err != nil {
		t.Fatalf("failed to register tools: %v", err)
	}
	if err := srv.Register(registry); !errors.Is(err, mcp.ErrDuplicateTool) {
		t.Errorf("expected ErrDuplicateTool, got %v", err)
	}
}
