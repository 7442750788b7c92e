package weather

import "github.com/david-santos/mcp-weather"

// ForecastArgs is the arguments for the getWeatherForecast tool.
type ForecastArgs struct {
	Latitude  string `json:"latitude" jsonschema:"description=The location latitude"`
	Longitude string `json:"longitude" jsonschema:"description=The location longitude"`
}

// ToolName is the name the forecast tool is registered under.
const ToolName = "getWeatherForecast"

var forecastTool = mcp.Tool{
	Name:        ToolName,
	Description: "Get the weather forecast for a specific location",
	InputSchema: mcp.MustReflectInputSchema[ForecastArgs](),
}

const (
	noSamplingPoem = "MCP client doesn't provide sampling capability."

	poetSystemPrompt = "You are a poet!"
	poemModelHint    = "ollama"
	poemMaxTokens    = 256

	forecastTemplate = `Forecast:
  - Temperature is %s degrees Celsius.
  - Apparent temperature (feels like) is %s degrees Celsius.
  - Total cloud cover %d percent.
  - Wind speed 10 meters above ground is %s km/h with gusts at %s km/h.
  - Precipitation probability is %d percent.
  - Is day: %s.
`
	poemPromptPrefix = "Write an epic poem about the following forecast using a Shakespearean style.\n"
)
