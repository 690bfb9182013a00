// Package notify posts finished-request events to webhook channels.
//
// The Service is an outcome sink: RecordOutcome enqueues without blocking the
// request path and Run delivers queued events to every subscribed channel.
// Deliveries are signed with HMAC-SHA256 when the channel has a secret.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/datamind/control-plane/pkg/models"
)

// ── Event types ─────────────────────────────────────────────

const (
	EventAccepted       = "outcome.accepted"
	EventScopeViolation = "outcome.scope_violation"
	EventTierExhausted  = "outcome.tier_exhausted"
	EventTimeout        = "outcome.timeout"
	EventEscalated      = "outcome.escalated"
)

// Event is the webhook payload.
type Event struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"request_id"`
	Tenant     string    `json:"tenant"`
	Status     string    `json:"status"`
	FinalTier  string    `json:"final_tier"`
	Attempts   int       `json:"attempts"`
	Escalated  bool      `json:"escalated"`
	MerkleRoot string    `json:"merkle_root,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventsFor maps an outcome to its events. An escalated outcome also emits
// EventEscalated.
func EventsFor(o *models.Outcome) []Event {
	base := Event{
		Type:      "outcome." + string(o.Status),
		RequestID: o.RequestID,
		Tenant:    o.TenantID,
		Status:    string(o.Status),
		FinalTier: o.FinalTier.String(),
		Attempts:  len(o.Trace),
		Escalated: o.Escalated,
		Message:   o.Message,
		Timestamp: o.CompletedAt.UTC(),
	}
	if o.Provenance != nil {
		base.MerkleRoot = o.Provenance.MerkleRoot
	}
	if base.Timestamp.IsZero() {
		base.Timestamp = time.Now().UTC()
	}
	events := []Event{base}
	if o.Escalated {
		esc := base
		esc.Type = EventEscalated
		events = append(events, esc)
	}
	return events
}

// Channel is one webhook subscription.
type Channel struct {
	Name   string
	URL    string
	Secret string
	// Events filters by type; empty or "*" means all events.
	Events []string
}

func (c *Channel) subscribes(eventType string) bool {
	if len(c.Events) == 0 {
		return true
	}
	for _, e := range c.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Result reports one delivery.
type Result struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Driver delivers an event to a channel.
type Driver interface {
	Send(ctx context.Context, ch *Channel, ev Event) error
}

// ── Service ──────────────────────────────────────────────────

// Options tunes delivery.
type Options struct {
	QueueSize int
	Retries   uint64
	Backoff   time.Duration
	Timeout   time.Duration
}

// Service queues outcome events and dispatches them to channels.
type Service struct {
	channels []Channel
	driver   Driver
	queue    chan Event
	dropped  atomic.Int64
}

// NewService creates a notifier with the built-in webhook driver.
func NewService(channels []Channel, opts Options) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Retries == 0 {
		opts.Retries = 2
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Service{
		channels: channels,
		driver: &WebhookDriver{
			client:  &http.Client{Timeout: opts.Timeout},
			retries: opts.Retries,
			backoff: opts.Backoff,
		},
		queue: make(chan Event, opts.QueueSize),
	}
}

// WithDriver replaces the delivery driver.
func (s *Service) WithDriver(d Driver) *Service {
	s.driver = d
	return s
}

// RecordOutcome enqueues the outcome's events. A full queue drops them.
func (s *Service) RecordOutcome(_ context.Context, o *models.Outcome) error {
	for _, ev := range EventsFor(o) {
		select {
		case s.queue <- ev:
		default:
			s.dropped.Add(1)
			log.Warn().Str("request_id", o.RequestID).Str("event", ev.Type).Msg("Notification queue full, event dropped")
		}
	}
	return nil
}

// Dropped is the number of events lost to a full queue.
func (s *Service) Dropped() int64 { return s.dropped.Load() }

// Run delivers queued events until ctx is cancelled, then drains what is left
// with a short grace period.
func (s *Service) Run(ctx context.Context) {
	log.Info().Int("channels", len(s.channels)).Msg("Notifier started")
	for {
		select {
		case ev := <-s.queue:
			s.Dispatch(ctx, ev)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-s.queue:
					s.Dispatch(drainCtx, ev)
				default:
					log.Info().Msg("Notifier stopped")
					return
				}
			}
		}
	}
}

// Dispatch sends ev to every subscribed channel concurrently.
func (s *Service) Dispatch(ctx context.Context, ev Event) []Result {
	var targets []*Channel
	for i := range s.channels {
		if s.channels[i].subscribes(ev.Type) {
			targets = append(targets, &s.channels[i])
		}
	}
	results := make([]Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range targets {
		g.Go(func() error {
			r := Result{Channel: ch.Name, Event: ev.Type, Success: true}
			if err := s.driver.Send(gctx, ch, ev); err != nil {
				r.Success = false
				r.Error = err.Error()
				log.Warn().Err(err).Str("channel", ch.Name).Str("event", ev.Type).Msg("Notification failed")
			} else {
				log.Debug().Str("channel", ch.Name).Str("event", ev.Type).Str("request_id", ev.RequestID).Msg("Notification dispatched")
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ── Webhook driver ───────────────────────────────────────────

// WebhookDriver POSTs the event as JSON, retrying network errors and 5xx
// responses.
type WebhookDriver struct {
	client  *http.Client
	retries uint64
	backoff time.Duration
}

// Sign returns the X-DataMind-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDriver) Send(ctx context.Context, ch *Channel, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	backoff := retry.WithMaxRetries(d.retries, retry.NewExponential(d.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "DataMind-Webhook/1.0")
		req.Header.Set("X-DataMind-Event", ev.Type)
		req.Header.Set("X-DataMind-Tenant", ev.Tenant)
		if ch.Secret != "" {
			req.Header.Set("X-DataMind-Signature", Sign(ch.Secret, body))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, ch.URL))
		default:
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, ch.URL)
		}
	})
}
