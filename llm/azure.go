package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/ai/azopenai"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
)

// AzureOpenAI is a Generator backed by an Azure OpenAI chat deployment.
type AzureOpenAI struct {
	client       *azopenai.Client
	deploymentID string

	mu    sync.Mutex
	usage TokenUsage
}

// ErrNoCompletion is returned when the deployment answered without any choice.
var ErrNoCompletion = errors.New("no completion received from LLM")

// NewAzureOpenAI creates a generator for the deploymentID deployment at endpoint. options
// may be nil.
func NewAzureOpenAI(endpoint, apiKey, deploymentID string, options *azopenai.ClientOptions) (*AzureOpenAI, error) {
	if endpoint == "" || apiKey == "" || deploymentID == "" {
		return nil, errors.New("endpoint, api key and deployment ID are required")
	}

	keyCredential := azcore.NewKeyCredential(apiKey)
	client, err := azopenai.NewClientWithKeyCredential(endpoint, keyCredential, options)
	if err != nil {
		return nil, fmt.Errorf("error creating Azure OpenAI client: %w", err)
	}
	return &AzureOpenAI{
		client:       client,
		deploymentID: deploymentID,
	}, nil
}

// Generate implements Generator. A zero maxTokens leaves the limit to the deployment.
func (a *AzureOpenAI) Generate(ctx context.Context, system, user string, maxTokens int) (Completion, error) {
	messages := make([]azopenai.ChatRequestMessageClassification, 0, 2)
	if system != "" {
		messages = append(messages, &azopenai.ChatRequestSystemMessage{
			Content: azopenai.NewChatRequestSystemMessageContent(system),
		})
	}
	messages = append(messages, &azopenai.ChatRequestUserMessage{
		Content: azopenai.NewChatRequestUserMessageContent(user),
	})

	opts := azopenai.ChatCompletionsOptions{
		DeploymentName: to.Ptr(a.deploymentID),
		Messages:       messages,
	}
	if maxTokens > 0 {
		opts.MaxTokens = to.Ptr(int32(maxTokens))
	}

	resp, err := a.client.GetChatCompletions(ctx, opts, nil)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to get chat completion: %w", err)
	}

	usage := a.recordUsage(resp.Usage)

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Content == nil {
		return Completion{}, ErrNoCompletion
	}

	choice := resp.Choices[0]
	c := Completion{
		Text:  *choice.Message.Content,
		Usage: usage,
	}
	if resp.Model != nil {
		c.Model = *resp.Model
	}
	if choice.FinishReason != nil {
		c.StopReason = string(*choice.FinishReason)
	}
	return c, nil
}

// TokenUsage returns the tokens spent by every completion so far.
func (a *AzureOpenAI) TokenUsage() TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

func (a *AzureOpenAI) recordUsage(u *azopenai.CompletionsUsage) TokenUsage {
	if u == nil {
		return TokenUsage{}
	}
	usage := TokenUsage{
		PromptTokens:     int(deref(u.PromptTokens)),
		CompletionTokens: int(deref(u.CompletionTokens)),
		TotalTokens:      int(deref(u.TotalTokens)),
	}

	a.mu.Lock()
	a.usage = a.usage.Add(usage)
	a.mu.Unlock()

	return usage
}

func deref(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
