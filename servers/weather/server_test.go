package weather_test

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
	"github.com/david-santos/mcp-weather/servers/weather"
)

type progressRecorder struct {
	lock   sync.Mutex
	events []mcp.ProgressParams
}

type logRecorder struct {
	lock sync.Mutex
	logs []mcp.LogParams
}

type poet struct {
	lock   sync.Mutex
	params []mcp.SamplingParams
	err    error
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

func (p *poet) CreateSampleMessage(_ context.Context, params mcp.SamplingParams) (mcp.SamplingResult, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.params = append(p.params, params)
	if p.err != nil {
		return mcp.SamplingResult{}, p.err
	}
	return mcp.SamplingResult{
		Role:    mcp.RoleAssistant,
		Content: mcp.TextContent("Shall I compare thee to a cloudy day?"),
		Model:   "test-model",
	}, nil
}

func (p *poet) requests() []mcp.SamplingParams {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]mcp.SamplingParams(nil), p.params...)
}

func setupWeather(t *testing.T, forecaster weather.Forecaster, clientOptions ...mcp.ClientOption) *mcp.Client {
	t.Helper()

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	registry := mcp.NewToolRegistry()
	if err := weather.NewServer(forecaster).Register(registry); err != nil {
		t.Fatalf("failed to register weather tool: %v", err)
	}

	srv := mcp.NewServer(mcp.Info{Name: "weather", Version: "1.0"}, mcp.NewStdIO(serverReader, serverWriter),
		mcp.WithToolRegistry(registry),
		mcp.WithServerPingInterval(time.Hour))
	go srv.Serve()

	cli := mcp.NewClient(mcp.Info{Name: "weather-client", Version: "1.0"},
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

func callForecast(t *testing.T, cli *mcp.Client) mcp.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      weather.ToolName,
		Arguments: json.RawMessage(`{"latitude":"38.6875","longitude":"-9.3125"}`),
		Meta:      mcp.ParamsMeta{ProgressToken: "tok-1"},
	})
	if err != nil {
		t.Fatalf("failed to call %s: %v", weather.ToolName, err)
	}
	return res
}

func TestGetWeatherForecast(t *testing.T) {
	type testCase struct {
		name         string
		withSampling bool
		wantProgress []float64
		wantPoem     string
	}

	testCases := []testCase{
		{
			name:         "with sampling",
			withSampling: true,
			wantProgress: []float64{0.0, 0.5, 1.0},
			wantPoem:     "Shall I compare thee to a cloudy day?",
		},
		{
			name:         "without sampling",
			wantProgress: []float64{0.0, 1.0},
			wantPoem:     "MCP client doesn't provide sampling capability.",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			api, _ := newForecastAPI(t, 200, openMeteoResponse)
			forecaster := weather.NewOpenMeteo(weather.WithForecastURL(api.URL), weather.WithHTTPClient(api.Client()))

			progress := &progressRecorder{}
			logs := &logRecorder{}
			sampler := &poet{}
			options := []mcp.ClientOption{mcp.WithProgressListener(progress), mcp.WithLogReceiver(logs)}
			if tc.withSampling {
				options = append(options, mcp.WithSamplingHandler(sampler))
			}

			cli := setupWeather(t, forecaster, options...)
			res := callForecast(t, cli)

			if res.IsError {
				t.Fatalf("unexpected tool error: %+v", res.Content)
			}
			want := "Forecast:\n" +
				"  - Temperature is 15.3 degrees Celsius.\n" +
				"  - Apparent temperature (feels like) is 13.9 degrees Celsius.\n" +
				"  - Total cloud cover 62 percent.\n" +
				"  - Wind speed 10 meters above ground is 18.4 km/h with gusts at 34.2 km/h.\n" +
				"  - Precipitation probability is 20 percent.\n" +
				"  - Is day: true.\n" +
				"Weather Poem: " + tc.wantPoem + "\n"
			if len(res.Content) != 1 || res.Content[0].Text != want {
				t.Errorf("unexpected result:\n%+v\nwant:\n%s", res.Content, want)
			}

			events := progress.received()
			if len(events) != len(tc.wantProgress) {
				t.Fatalf("expected %d progress notifications, got %+v", len(tc.wantProgress), events)
			}
			for i, ev := range events {
				if ev.ProgressToken != "tok-1" {
					t.Errorf("expected token tok-1, got %s", ev.ProgressToken)
				}
				if ev.Progress != tc.wantProgress[i] {
					t.Errorf("expected progress %v at %d, got %v", tc.wantProgress[i], i, ev.Progress)
				}
				if ev.Total != 1.0 {
					t.Errorf("expected total 1.0, got %v", ev.Total)
				}
			}

			received := logs.received()
			if len(received) != 1 {
				t.Fatalf("expected 1 log notification, got %+v", received)
			}
			if received[0].Level != mcp.LogLevelDebug {
				t.Errorf("expected debug level, got %v", received[0].Level)
			}
			var data string
			if err := json.Unmarshal(received[0].Data, &data); err != nil {
				t.Fatalf("failed to unmarshal log data: %v", err)
			}
			if !strings.Contains(data, "38.6875") || !strings.Contains(data, "-9.3125") {
				t.Errorf("expected log to reference the coordinates, got %q", data)
			}

			if !tc.withSampling {
				return
			}
			reqs := sampler.requests()
			if len(reqs) != 1 {
				t.Fatalf("expected 1 sampling request, got %d", len(reqs))
			}
			req := reqs[0]
			if req.SystemPrompt != "You are a poet!" || req.MaxTokens != 256 {
				t.Errorf("unexpected sampling request: %+v", req)
			}
			if len(req.ModelPreferences.Hints) != 1 || req.ModelPreferences.Hints[0].Name != "ollama" {
				t.Errorf("expected ollama hint, got %+v", req.ModelPreferences.Hints)
			}
			if len(req.Messages) != 1 || req.Messages[0].Role != mcp.RoleUser ||
				!strings.HasPrefix(req.Messages[0].Content.Text, "Write an epic poem") ||
				!strings.Contains(req.Messages[0].Content.Text, "Temperature is 15.3 degrees Celsius.") {
				t.Errorf("unexpected sampling prompt: %+v", req.Messages)
			}
		})
	}
}

func TestGetWeatherForecastWithoutProgressToken(t *testing.T) {
	api, _ := newForecastAPI(t, 200, openMeteoResponse)
	forecaster := weather.NewOpenMeteo(weather.WithForecastURL(api.URL), weather.WithHTTPClient(api.Client()))

	progress := &progressRecorder{}
	cli := setupWeather(t, forecaster, mcp.WithProgressListener(progress))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      weather.ToolName,
		Arguments: json.RawMessage(`{"latitude":"38.6875","longitude":"-9.3125"}`),
	})
	if err != nil || res.IsError {
		t.Fatalf("unexpected failure: %v %+v", err, res)
	}
	if got := progress.received(); len(got) != 0 {
		t.Errorf("expected no progress notifications, got %+v", got)
	}
}

func TestGetWeatherForecastFailures(t *testing.T) {
	t.Run("forecast API down", func(t *testing.T) {
		api, _ := newForecastAPI(t, 503, `unavailable`)
		forecaster := weather.NewOpenMeteo(weather.WithForecastURL(api.URL), weather.WithHTTPClient(api.Client()))

		res := callForecast(t, setupWeather(t, forecaster))
		if !res.IsError {
			t.Fatalf("expected a tool error, got %+v", res)
		}
		if !strings.Contains(res.Content[0].Text, "503") {
			t.Errorf("expected the status in the error, got %q", res.Content[0].Text)
		}
	})

	t.Run("sampling fails", func(t *testing.T) {
		api, _ := newForecastAPI(t, 200, openMeteoResponse)
		forecaster := weather.NewOpenMeteo(weather.WithForecastURL(api.URL), weather.WithHTTPClient(api.Client()))

		sampler := &poet{err: errors.New("model overloaded")}
		res := callForecast(t, setupWeather(t, forecaster, mcp.WithSamplingHandler(sampler)))
		if !res.IsError {
			t.Fatalf("expected a tool error, got %+v", res)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		api, _ := newForecastAPI(t, 200, openMeteoResponse)
		forecaster := weather.NewOpenMeteo(weather.WithForecastURL(api.URL), weather.WithHTTPClient(api.Client()))
		cli := setupWeather(t, forecaster)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := cli.CallTool(ctx, mcp.CallToolParams{
			Name:      weather.ToolName,
			Arguments: json.RawMessage(`{"latitude":38.6875,"longitude":"-9.3125"}`),
		})
		if !errors.Is(err, mcp.ErrRemote) {
			t.Errorf("expected a remote validation error, got %v", err)
		}
	})
}

type fixedForecaster weather.Conditions

func (f fixedForecaster) Forecast(context.Context, string, string) (weather.Conditions, error) {
	return weather.Conditions(f), nil
}

func TestGetWeatherForecastNumberFormat(t *testing.T) {
	type testCase struct {
		name       string
		conditions weather.Conditions
		want       []string
	}

	testCases := []testCase{
		{
			name:       "whole numbers keep a decimal",
			conditions: weather.Conditions{Temperature: 18, ApparentTemperature: -2, WindSpeed: 0, WindGusts: 40, CloudCover: 100},
			want: []string{
				"Temperature is 18.0 degrees Celsius.",
				"Apparent temperature (feels like) is -2.0 degrees Celsius.",
				"Wind speed 10 meters above ground is 0.0 km/h with gusts at 40.0 km/h.",
				"Total cloud cover 100 percent.",
			},
		},
		{
			name:       "fractions are printed as is",
			conditions: weather.Conditions{Temperature: 18.25, ApparentTemperature: 0.5, WindSpeed: 7.1, WindGusts: 12.75, IsDay: true},
			want: []string{
				"Temperature is 18.25 degrees Celsius.",
				"Apparent temperature (feels like) is 0.5 degrees Celsius.",
				"Wind speed 10 meters above ground is 7.1 km/h with gusts at 12.75 km/h.",
				"Is day: true.",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := callForecast(t, setupWeather(t, fixedForecaster(tc.conditions)))
			if res.IsError || len(res.Content) != 1 {
				t.Fatalf("unexpected result: %+v", res)
			}
			for _, want := range tc.want {
				if !strings.Contains(res.Content[0].Text, want) {
					t.Errorf("expected %q in the forecast, got:\n%s", want, res.Content[0].Text)
				}
			}
		})
	}
}
