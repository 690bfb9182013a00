// Package ragas is a client for the RAGAS evaluation sidecar. The control
// plane uses its faithfulness metric as the NLI scorer for validation L2.
package ragas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultEndpoint is the default RAGAS sidecar URL.
const DefaultEndpoint = "http://localhost:8400"

// MetricFaithfulness is the RAGAS metric used for entailment.
const MetricFaithfulness = "faithfulness"

// Client communicates with the RAGAS sidecar.
type Client struct {
	endpoint string
	client   *http.Client
}

// NewClient creates a RAGAS client. An empty endpoint selects DefaultEndpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// EvalRequest matches the sidecar's request schema.
type EvalRequest struct {
	Question    string   `json:"question"`
	Answer      string   `json:"answer"`
	Contexts    []string `json:"contexts"`
	GroundTruth string   `json:"ground_truth,omitempty"`
	Metrics     []string `json:"metrics,omitempty"`
}

// EvalResponse matches the sidecar's response schema.
type EvalResponse struct {
	Scores  map[string]float64 `json:"scores"`
	Details map[string]any     `json:"details,omitempty"`
}

// Evaluate sends an evaluation request to the sidecar.
func (c *Client) Evaluate(ctx context.Context, req EvalRequest) (*EvalResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("RAGAS sidecar returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result EvalResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}

// Entailment scores how faithful hypothesis is to premise. It implements
// contracts.NLIScorer.
func (c *Client) Entailment(ctx context.Context, premise, hypothesis string) (float64, error) {
	res, err := c.Evaluate(ctx, EvalRequest{
		Answer:   hypothesis,
		Contexts: []string{premise},
		Metrics:  []string{MetricFaithfulness},
	})
	if err != nil {
		return 0, err
	}
	score, ok := res.Scores[MetricFaithfulness]
	if !ok {
		return 0, fmt.Errorf("RAGAS sidecar returned no %s score", MetricFaithfulness)
	}
	switch {
	case score < 0:
		score = 0
	case score > 1:
		score = 1
	}
	return score, nil
}

// HealthCheck verifies the sidecar is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("RAGAS sidecar unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("RAGAS sidecar unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
