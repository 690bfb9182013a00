package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaDriver runs local models through Ollama via langchaingo.
type OllamaDriver struct {
	httpClient *http.Client
}

// NewOllamaDriver creates the ollama driver.
func NewOllamaDriver() *OllamaDriver {
	return &OllamaDriver{httpClient: http.DefaultClient}
}

func (d *OllamaDriver) Kind() string { return "ollama" }

func (d *OllamaDriver) endpoint(b Binding) string {
	if b.Endpoint != "" {
		return strings.TrimRight(b.Endpoint, "/")
	}
	return defaultOllamaURL
}

func (d *OllamaDriver) Complete(ctx context.Context, b Binding, req CompletionRequest) (*Completion, error) {
	llm, err := ollama.New(
		ollama.WithModel(req.Model),
		ollama.WithServerURL(d.endpoint(b)),
		ollama.WithHTTPClient(d.httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("ollama: create client: %w", err)
	}

	msgs := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, m.Content))
	}

	resp, err := llm.GenerateContent(ctx, msgs,
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(req.MaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("ollama: generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("ollama: no choices returned")
	}
	choice := resp.Choices[0]
	return &Completion{
		Text:         choice.Content,
		Model:        req.Model,
		InputTokens:  infoInt(choice.GenerationInfo, "PromptTokens"),
		OutputTokens: infoInt(choice.GenerationInfo, "CompletionTokens"),
	}, nil
}

// HealthCheck calls /api/tags.
func (d *OllamaDriver) HealthCheck(ctx context.Context, b Binding) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint(b)+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	return nil
}

func infoInt(info map[string]any, key string) int64 {
	switch v := info[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
