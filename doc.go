// Package mcp implements the session layer of the Model Context Protocol (MCP): a server
// exposes tools to a client over one bidirectional JSON-RPC 2.0 session, and while a tool
// runs it can call back into the client's language model (sampling), stream progress
// notifications and emit log notifications.
//
// A server registers tools and serves them over a ServerTransport:
//
//	srv := mcp.NewServer(mcp.Info{Name: "weather", Version: "1.0.0"}, mcp.NewStdIO(os.Stdin, os.Stdout))
//	err := srv.RegisterTool(tool, mcp.ToolHandlerFunc(func(ctx context.Context, ex *mcp.Exchange,
//		args json.RawMessage) (mcp.CallToolResult, error) {
//		_ = ex.SendProgress(ctx, 0, 1, "starting")
//		...
//	}))
//	go srv.Serve()
//
// A client connects through a ClientTransport, installs its bindings and calls tools:
//
//	cli := mcp.NewClient(info, mcp.NewCommandTransport(exec.Command("weather-server")),
//		mcp.WithSamplingHandler(sampler),
//		mcp.WithProgressListener(progress),
//		mcp.WithLogReceiver(logs))
//	if err := cli.Connect(ctx); err != nil { ... }
//	defer cli.Close()
//	res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "getWeatherForecast", Arguments: args})
//
// The client advertises sampling only when a SamplingHandler is installed. Tools check it
// through Exchange.RequestSampling, which fails with ErrSamplingUnsupported without
// sending anything when the capability was not negotiated.
//
// Two transports are provided: StdIO (with CommandTransport to spawn the server as a
// subprocess) and SSEServer/SSEClient over HTTP.
package mcp
