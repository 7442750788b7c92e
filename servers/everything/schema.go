package everything

import "github.com/david-santos/mcp-weather"

// Tool names served by Server.
const (
	EchoToolName                 = "echo"
	AddToolName                  = "add"
	LongRunningOperationToolName = "longRunningOperation"
	SampleLLMToolName            = "sampleLLM"
)

// EchoArgs is the arguments for the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"description=Message to echo"`
}

// AddArgs is the arguments for the add tool.
type AddArgs struct {
	A float64 `json:"a" jsonschema:"description=First number"`
	B float64 `json:"b" jsonschema:"description=Second number"`
}

// LongRunningOperationArgs is the arguments for the longRunningOperation tool.
type LongRunningOperationArgs struct {
	Duration float64 `json:"duration,omitempty" jsonschema:"description=Duration of the operation in seconds,default=10"`
	Steps    int     `json:"steps,omitempty" jsonschema:"description=Number of steps in the operation,default=5"`
}

// SampleLLMArgs is the arguments for the sampleLLM tool.
type SampleLLMArgs struct {
	Prompt    string `json:"prompt" jsonschema:"description=The prompt to send to the LLM"`
	MaxTokens int    `json:"maxTokens,omitempty" jsonschema:"description=Maximum number of tokens to generate,default=100"`
}

const (
	defaultDuration  = 10
	defaultSteps     = 5
	defaultMaxTokens = 100

	samplingSystemPrompt = "You are a helpful assistant."
)

var toolList = []mcp.Tool{
	{
		Name:        EchoToolName,
		Description: "Echoes back the input",
		InputSchema: mcp.MustReflectInputSchema[EchoArgs](),
	},
	{
		Name:        AddToolName,
		Description: "Adds two numbers",
		InputSchema: mcp.MustReflectInputSchema[AddArgs](),
	},
	{
		Name:        LongRunningOperationToolName,
		Description: "Demonstrates a long running operation with progress updates",
		InputSchema: mcp.MustReflectInputSchema[LongRunningOperationArgs](),
	},
	{
		Name:        SampleLLMToolName,
		Description: "Samples from an LLM using MCP's sampling feature",
		InputSchema: mcp.MustReflectInputSchema[SampleLLMArgs](),
	},
}
