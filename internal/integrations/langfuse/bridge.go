// Package langfuse exports control-plane traces to Langfuse.
//
// The Bridge plays two roles:
//
//  1. Tracer: every span the controller opens (request, generate, validate)
//     becomes a Langfuse observation. Generation attempts are exported as
//     generations with token usage, validation runs as spans with the
//     faithfulness score attached.
//
//  2. OutcomeSink: every finished request becomes a Langfuse trace carrying
//     the final status, tiers, warnings and provenance root.
//
// Events are buffered and pushed in batches to /api/public/ingestion, either
// by Run on an interval or by an explicit Flush. The bridge is optional and
// is enabled when a base URL and public key are configured.
package langfuse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// ── LangFuse Ingestion Format ────────────────────────────────

// LangFuseTrace represents a trace in LangFuse format.
type LangFuseTrace struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Input     interface{}            `json:"input,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	UserID    string                 `json:"userId,omitempty"`
	Release   string                 `json:"release,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// LangFuseObservation is a span or generation. Generation-only fields are
// omitted for spans.
type LangFuseObservation struct {
	ID                  string                 `json:"id"`
	TraceID             string                 `json:"traceId"`
	ParentObservationID string                 `json:"parentObservationId,omitempty"`
	Name                string                 `json:"name"`
	Model               string                 `json:"model,omitempty"`
	Input               interface{}            `json:"input,omitempty"`
	Output              interface{}            `json:"output,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	Usage               *LangFuseUsage         `json:"usage,omitempty"`
	Level               string                 `json:"level,omitempty"` // DEBUG, DEFAULT, WARNING, ERROR
	StatusMessage       string                 `json:"statusMessage,omitempty"`
	StartTime           time.Time              `json:"startTime"`
	EndTime             *time.Time             `json:"endTime,omitempty"`
}

// LangFuseUsage tracks token usage in LangFuse format.
type LangFuseUsage struct {
	Input     int64   `json:"input,omitempty"`
	Output    int64   `json:"output,omitempty"`
	Total     int64   `json:"total,omitempty"`
	Unit      string  `json:"unit,omitempty"` // "TOKENS"
	TotalCost float64 `json:"totalCost,omitempty"`
}

// LangFuseScore attaches a numeric evaluation to a trace or observation.
type LangFuseScore struct {
	ID            string  `json:"id"`
	TraceID       string  `json:"traceId"`
	ObservationID string  `json:"observationId,omitempty"`
	Name          string  `json:"name"`
	Value         float64 `json:"value"`
	Comment       string  `json:"comment,omitempty"`
}

// IngestionEvent is one event in a LangFuse batch ingestion request.
type IngestionEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // "trace-create", "span-create", "generation-create", "score-create"
	Timestamp time.Time   `json:"timestamp"`
	Body      interface{} `json:"body"`
}

// IngestionBatch is the request body for LangFuse's /api/public/ingestion endpoint.
type IngestionBatch struct {
	Batch    []IngestionEvent       `json:"batch"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ── Bridge ───────────────────────────────────────────────────

// Config configures the exporter.
type Config struct {
	BaseURL       string
	PublicKey     string
	SecretKey     string
	Release       string
	FlushInterval time.Duration
	// BatchSize triggers an early flush when this many events are pending.
	BatchSize int
	// MaxPending drops the oldest events beyond this bound.
	MaxPending int
}

// Bridge buffers control-plane events and pushes them to LangFuse.
type Bridge struct {
	cfg    Config
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	pending []IngestionEvent
	kick    chan struct{}
}

// NewBridge creates a LangFuse bridge.
func NewBridge(cfg Config) *Bridge {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10 * cfg.BatchSize
	}
	if cfg.Release == "" {
		cfg.Release = "datamind"
	}
	return &Bridge{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		now:    time.Now,
		kick:   make(chan struct{}, 1),
	}
}

// Pending returns the number of buffered events.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) enqueue(events ...IngestionEvent) {
	b.mu.Lock()
	b.pending = append(b.pending, events...)
	if over := len(b.pending) - b.cfg.MaxPending; over > 0 {
		b.pending = b.pending[over:]
		log.Warn().Int("dropped", over).Msg("LangFuse buffer full, dropping oldest events")
	}
	full := len(b.pending) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *Bridge) event(typ string, body interface{}) IngestionEvent {
	return IngestionEvent{ID: uuid.New().String(), Type: typ, Timestamp: b.now().UTC(), Body: body}
}

// ── Tracer ───────────────────────────────────────────────────

type spanKey struct{}

type span struct {
	id      string
	traceID string
	parent  string
	name    string
	start   time.Time
}

func (s *span) Name() string { return s.name }

// StartSpan opens an observation. The trace id is the request id carried by
// ctx; spans nest under the innermost open bridge span.
func (b *Bridge) StartSpan(ctx context.Context, name string) (context.Context, contracts.Span) {
	s := &span{id: uuid.New().String(), name: name, start: b.now().UTC()}
	if parent, ok := ctx.Value(spanKey{}).(*span); ok {
		s.traceID, s.parent = parent.traceID, parent.id
	}
	if id := contracts.RequestID(ctx); id != "" {
		s.traceID = id
	}
	if s.traceID == "" {
		s.traceID = uuid.New().String()
	}
	return context.WithValue(ctx, spanKey{}, s), s
}

// EndSpan buffers the finished observation.
func (b *Bridge) EndSpan(cs contracts.Span, m contracts.SpanMetrics) {
	s, ok := cs.(*span)
	if !ok {
		return
	}
	end := b.now().UTC()
	obs := LangFuseObservation{
		ID:                  s.id,
		TraceID:             s.traceID,
		ParentObservationID: s.parent,
		Name:                s.name,
		Metadata: map[string]interface{}{
			"tier":       m.Tier,
			"attempt":    m.Attempt,
			"status":     m.Status,
			"latency_ms": m.LatencyMs,
		},
		Level:     "DEFAULT",
		StartTime: s.start,
		EndTime:   &end,
	}
	if m.Err != nil {
		obs.Level = "ERROR"
		obs.StatusMessage = m.Err.Error()
	}

	typ := "span-create"
	if s.name == "generate" {
		typ = "generation-create"
		obs.Usage = &LangFuseUsage{
			Input:  m.TokensIn,
			Output: m.TokensOut,
			Total:  m.TokensIn + m.TokensOut,
			Unit:   "TOKENS",
		}
	}
	events := []IngestionEvent{b.event(typ, obs)}
	if m.Score != nil {
		events = append(events, b.event("score-create", LangFuseScore{
			ID:            uuid.New().String(),
			TraceID:       s.traceID,
			ObservationID: s.id,
			Name:          "faithfulness",
			Value:         *m.Score,
		}))
	}
	b.enqueue(events...)
}

// ── OutcomeSink ──────────────────────────────────────────────

// RecordOutcome buffers a trace for a finished request. It never blocks on
// the network.
func (b *Bridge) RecordOutcome(_ context.Context, o *models.Outcome) error {
	b.enqueue(b.event("trace-create", b.convertOutcome(o)))
	return nil
}

func (b *Bridge) convertOutcome(o *models.Outcome) LangFuseTrace {
	tags := []string{"datamind", string(o.Status), o.FinalTier.String()}
	if o.Escalated {
		tags = append(tags, "escalated")
	}

	meta := map[string]interface{}{
		"routed_tier": o.Route.Tier.String(),
		"final_tier":  o.FinalTier.String(),
		"intent":      o.Route.Intent,
		"complexity":  o.Route.Complexity,
		"sensitivity": o.Route.Sensitivity.Level,
		"attempts":    len(o.Trace),
		"escalated":   o.Escalated,
		"duration_ms": o.DurationMs,
	}
	if len(o.Warnings) > 0 {
		meta["warnings"] = o.Warnings
	}
	if o.Provenance != nil {
		meta["merkle_root"] = o.Provenance.MerkleRoot
		meta["anchor_degraded"] = o.Provenance.AnchorDegraded
	}
	if o.Confidence != nil {
		meta["confidence"] = o.Confidence.Point
	}

	var output interface{} = map[string]interface{}{"message": o.Message}
	if o.Response != nil {
		output = map[string]interface{}{"text": o.Response.Text, "model": o.Response.Model}
	}

	return LangFuseTrace{
		ID:        o.RequestID,
		Name:      "request",
		Input:     map[string]interface{}{"route": o.Route.Rationale},
		Output:    output,
		Metadata:  meta,
		Tags:      tags,
		UserID:    o.TenantID,
		Release:   b.cfg.Release,
		Timestamp: o.CompletedAt,
	}
}

// ── Export ───────────────────────────────────────────────────

// Run flushes pending events every FlushInterval, or earlier when a batch
// fills up, until ctx ends. It flushes once more on exit.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := b.Flush(flushCtx); err != nil {
				log.Warn().Err(err).Msg("Final LangFuse flush failed")
			}
			cancel()
			return
		case <-ticker.C:
		case <-b.kick:
		}
		if err := b.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("LangFuse flush failed")
		}
	}
}

// Flush pushes every pending event in batches. Events of a failed batch are
// dropped.
func (b *Bridge) Flush(ctx context.Context) error {
	b.mu.Lock()
	events := b.pending
	b.pending = nil
	b.mu.Unlock()

	for start := 0; start < len(events); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(events))
		batch := IngestionBatch{
			Batch:    events[start:end],
			Metadata: map[string]interface{}{"source": "datamind", "batch_size": end - start},
		}
		if err := b.push(ctx, batch); err != nil {
			return fmt.Errorf("dropped %d events: %w", len(events)-start, err)
		}
	}
	return nil
}

func (b *Bridge) push(ctx context.Context, batch IngestionBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal langfuse batch: %w", err)
	}

	url := fmt.Sprintf("%s/api/public/ingestion", b.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build langfuse request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(b.cfg.PublicKey, b.cfg.SecretKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("langfuse push failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("langfuse returned HTTP %d", resp.StatusCode)
	}

	log.Debug().Int("events", len(batch.Batch)).Msg("Events exported to LangFuse")
	return nil
}
