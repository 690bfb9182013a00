package generation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicDriver talks to the Anthropic Messages API.
type AnthropicDriver struct {
	mu      sync.Mutex
	clients map[string]sdk.Client
}

// NewAnthropicDriver creates the anthropic driver.
func NewAnthropicDriver() *AnthropicDriver {
	return &AnthropicDriver{clients: make(map[string]sdk.Client)}
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

func (d *AnthropicDriver) client(b Binding) (sdk.Client, error) {
	if b.APIKey == "" {
		return sdk.Client{}, fmt.Errorf("anthropic: api key not configured for tier %s", b.Tier)
	}
	key := b.Endpoint + "|" + b.APIKey
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[key]; ok {
		return c, nil
	}
	opts := []option.RequestOption{option.WithAPIKey(b.APIKey)}
	if b.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(b.Endpoint))
	}
	c := sdk.NewClient(opts...)
	d.clients[key] = c
	return c, nil
}

func (d *AnthropicDriver) Complete(ctx context.Context, b Binding, req CompletionRequest) (*Completion, error) {
	client, err := d.client(b)
	if err != nil {
		return nil, err
	}

	msgs := make([]sdk.MessageParam, len(req.Messages))
	for i, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			msgs[i] = sdk.NewAssistantMessage(block)
		} else {
			msgs[i] = sdk.NewUserMessage(block)
		}
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    msgs,
		Temperature: sdk.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: create message: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Completion{
		Text:         text.String(),
		Model:        string(msg.Model),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// HealthCheck sends a 1-token request.
func (d *AnthropicDriver) HealthCheck(ctx context.Context, b Binding) error {
	_, err := d.Complete(ctx, b, CompletionRequest{
		Model:     b.Model,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}
