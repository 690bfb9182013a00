package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIDriver talks to OpenAI or any OpenAI-compatible endpoint (vLLM,
// Workers AI, LiteLLM) configured through Binding.Endpoint.
type OpenAIDriver struct {
	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewOpenAIDriver creates the openai driver.
func NewOpenAIDriver() *OpenAIDriver {
	return &OpenAIDriver{clients: make(map[string]*openai.Client)}
}

func (d *OpenAIDriver) Kind() string { return "openai" }

func (d *OpenAIDriver) client(b Binding) *openai.Client {
	key := b.Endpoint + "|" + b.APIKey
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok {
		return c
	}
	cfg := openai.DefaultConfig(b.APIKey)
	if b.Endpoint != "" {
		cfg.BaseURL = b.Endpoint
	}
	c := openai.NewClientWithConfig(cfg)
	d.clients[key] = c
	return c
}

func (d *OpenAIDriver) Complete(ctx context.Context, b Binding, req CompletionRequest) (*Completion, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := d.client(b).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: no choices returned")
	}
	return &Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// HealthCheck lists the endpoint's models.
func (d *OpenAIDriver) HealthCheck(ctx context.Context, b Binding) error {
	if _, err := d.client(b).ListModels(ctx); err != nil {
		return fmt.Errorf("openai: list models: %w", err)
	}
	return nil
}
