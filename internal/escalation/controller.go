// Package escalation drives one request through generation and validation,
// regenerating at the current tier and escalating to the next tier when the
// response keeps failing.
//
// The controller is an explicit state machine:
//
//	Initial → Generating → Validating → {Accept | Regenerate | Escalate | Terminate}
//
// Attempts at a tier are capped by Config.MaxRegenerate, a request escalates
// at most once, and the request deadline ends the loop regardless of the
// attempts left.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/datamind/control-plane/internal/generation"
	"github.com/datamind/control-plane/internal/validation"
	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// State is a controller state.
type State string

const (
	StateInitial    State = "initial"
	StateGenerating State = "generating"
	StateValidating State = "validating"
	StateAccept     State = "accept"
	StateRegenerate State = "regenerate"
	StateEscalate   State = "escalate"
	StateTerminate  State = "terminate"
)

// Messages returned to the caller on terminal failures.
const (
	MessageTierExhausted = "No inference tier produced a response that passed validation."
	MessageTimeout       = "The request deadline expired before a validated response was produced."
)

// AttemptState is the per-request retry bookkeeping. It is owned by a single
// Handle call and never shared.
type AttemptState struct {
	State     State
	Tier      models.InferenceTier
	Attempts  int
	Total     int
	Escalated bool
	// Instruction carries the last regeneration reason into the next prompt.
	Instruction string
}

// Config bounds the control loop.
type Config struct {
	// MaxRegenerate is the number of attempts allowed at one tier.
	MaxRegenerate int
	// DeadlineMultiplier scales the routed tier's latency budget into the
	// request deadline when the caller did not set one.
	DeadlineMultiplier float64
	MinDeadline        time.Duration
	MaxDeadline        time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxRegenerate:      3,
		DeadlineMultiplier: 4,
		MinDeadline:        2 * time.Second,
		MaxDeadline:        5 * time.Minute,
	}
}

// Validator runs the validation pipeline.
// Default implementation: internal/validation.Pipeline
type Validator interface {
	Validate(ctx context.Context, in validation.Input) (*validation.Report, error)
}

// Provenancer seals an accepted response.
// Default implementation: internal/provenance.Service
type Provenancer interface {
	Record(ctx context.Context, resp *models.LLMResponse) (*models.ProvenanceRecord, error)
}

// OutcomeSink receives every finished request.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, o *models.Outcome) error
}

// Deps are the controller's collaborators. Retriever, Provenance, Tracer,
// ModelFor and Budget are optional.
type Deps struct {
	Router     contracts.TierRouter
	Retriever  contracts.Retriever
	Generator  contracts.Generator
	Validator  Validator
	Provenance Provenancer
	Tracer     contracts.Tracer
	Sinks      []OutcomeSink

	// ModelFor picks the model for an escalated tier.
	ModelFor func(models.InferenceTier, models.IntentLabel) string
	// Budget returns a tier's latency budget.
	Budget func(models.InferenceTier) time.Duration
}

// Controller runs the escalation state machine. It holds no per-request
// state and is safe for concurrent use.
type Controller struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New creates a controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Router == nil || deps.Generator == nil || deps.Validator == nil {
		return nil, errors.New("escalation: router, generator and validator are required")
	}
	d := DefaultConfig()
	if cfg.MaxRegenerate <= 0 {
		cfg.MaxRegenerate = d.MaxRegenerate
	}
	if cfg.DeadlineMultiplier <= 0 {
		cfg.DeadlineMultiplier = d.DeadlineMultiplier
	}
	if cfg.MaxDeadline <= 0 {
		cfg.MaxDeadline = d.MaxDeadline
	}
	if deps.Tracer == nil {
		deps.Tracer = noopTracer{}
	}
	return &Controller{cfg: cfg, deps: deps, now: time.Now}, nil
}

// Handle retrieves context for q and runs the control loop.
func (c *Controller) Handle(ctx context.Context, q models.Query) (*models.Outcome, error) {
	var chunks []models.Chunk
	if c.deps.Retriever != nil {
		var err error
		chunks, err = c.deps.Retriever.Retrieve(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("retrieve context: %w", err)
		}
	}
	return c.HandleWithChunks(ctx, q, chunks)
}

// HandleWithChunks runs the control loop over caller-supplied context.
//
// The returned Outcome is non-nil for every routed request. The error is nil
// when the response was accepted and a *Failure otherwise; other errors mean
// the request could not be routed.
func (c *Controller) HandleWithChunks(ctx context.Context, q models.Query, chunks []models.Chunk) (*models.Outcome, error) {
	start := c.now()
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	if q.SubmittedAt.IsZero() {
		q.SubmittedAt = start
	}

	route, err := c.deps.Router.Route(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("route query: %w", err)
	}

	ctx, cancel := c.withDeadline(ctx, route)
	defer cancel()

	ctx = contracts.WithRequestID(ctx, q.ID)
	ctx, span := c.deps.Tracer.StartSpan(ctx, "request")
	r := &run{
		c:      c,
		q:      q,
		route:  route,
		chunks: chunks,
		state:  AttemptState{State: StateInitial, Tier: route.Tier},
	}
	outcome, failure := r.loop(ctx)

	outcome.DurationMs = c.now().Sub(start).Milliseconds()
	outcome.CompletedAt = c.now()
	c.deps.Tracer.EndSpan(span, contracts.SpanMetrics{
		Tier:      outcome.FinalTier.String(),
		Attempt:   r.state.Total,
		LatencyMs: outcome.DurationMs,
		Status:    string(outcome.Status),
		Err:       errOrNil(failure),
	})
	recordOutcome(outcome, route.Tier)

	for _, sink := range c.deps.Sinks {
		if err := sink.RecordOutcome(context.WithoutCancel(ctx), outcome); err != nil {
			log.Warn().Err(err).Str("request_id", outcome.RequestID).Msg("Failed to record outcome")
		}
	}

	evt := log.Info()
	if failure != nil {
		evt = log.Warn()
	}
	evt.Str("request_id", outcome.RequestID).
		Str("tenant", q.TenantID).
		Str("status", string(outcome.Status)).
		Str("routed_tier", route.Tier.String()).
		Str("final_tier", outcome.FinalTier.String()).
		Bool("escalated", outcome.Escalated).
		Int("attempts", r.state.Total).
		Int64("duration_ms", outcome.DurationMs).
		Msg("Request finished")

	if failure != nil {
		return outcome, failure
	}
	return outcome, nil
}

// withDeadline keeps a caller deadline or derives one from the tier budget.
func (c *Controller) withDeadline(ctx context.Context, route models.RouteDecision) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	budget := route.LatencyBudget
	if c.deps.Budget != nil {
		if b := c.deps.Budget(route.Tier); b > 0 {
			budget = b
		}
	}
	d := time.Duration(float64(budget) * c.cfg.DeadlineMultiplier)
	if d < c.cfg.MinDeadline {
		d = c.cfg.MinDeadline
	}
	if d > c.cfg.MaxDeadline {
		d = c.cfg.MaxDeadline
	}
	return context.WithTimeout(ctx, d)
}

// ── Per-request run ─────────────────────────────────────────

type run struct {
	c      *Controller
	q      models.Query
	route  models.RouteDecision
	chunks []models.Chunk
	state  AttemptState
	trace  []models.AttemptTrace

	response *models.LLMResponse
	report   *validation.Report
	cause    error
}

func (r *run) loop(ctx context.Context) (*models.Outcome, *Failure) {
	r.state.State = StateGenerating
	for {
		if ctx.Err() != nil && r.state.State != StateAccept {
			return r.terminate(models.OutcomeTimeout, MessageTimeout, wrap(ErrGenerationTimeout, ctx.Err()))
		}

		switch r.state.State {
		case StateGenerating:
			r.generate(ctx)

		case StateValidating:
			r.validate(ctx)

		case StateRegenerate:
			if r.state.Attempts < r.c.cfg.MaxRegenerate {
				r.state.State = StateGenerating
				continue
			}
			r.state.State = StateEscalate

		case StateEscalate:
			next, ok := r.state.Tier.Next()
			if r.state.Escalated || !ok {
				return r.terminate(models.OutcomeTierExhausted, MessageTierExhausted, wrap(ErrTierExhausted, r.cause))
			}
			log.Info().
				Str("request_id", r.q.ID).
				Str("from", r.state.Tier.String()).
				Str("to", next.String()).
				Int("attempts", r.state.Attempts).
				Msg("Escalating to next tier")
			recordEscalation(r.state.Tier, next)
			r.state.Tier = next
			r.state.Attempts = 0
			r.state.Escalated = true
			r.state.State = StateGenerating

		case StateAccept:
			return r.accept(ctx), nil

		case StateTerminate:
			message := DefaultTerminateMessage
			if r.report != nil && r.report.Disposition.Message != "" {
				message = r.report.Disposition.Message
			}
			return r.terminate(models.OutcomeScopeViolation, message, r.cause)

		default:
			return r.terminate(models.OutcomeTierExhausted, MessageTierExhausted, fmt.Errorf("unexpected state %q", r.state.State))
		}
	}
}

// DefaultTerminateMessage is used when a terminating layer gives no message.
const DefaultTerminateMessage = "The question is outside what the available data can answer."

func (r *run) generate(ctx context.Context) {
	r.state.Attempts++
	r.state.Total++
	entry := models.AttemptTrace{Attempt: r.state.Total, Tier: r.state.Tier, StartedAt: r.c.now()}

	req := contracts.GenerateRequest{
		Tier:    r.state.Tier,
		Query:   r.q,
		Context: r.chunks,
		Attempt: r.state.Total,
	}
	if r.state.Tier == r.route.Tier {
		req.Model = r.route.Model
	} else if r.c.deps.ModelFor != nil {
		req.Model = r.c.deps.ModelFor(r.state.Tier, r.route.Intent)
	}
	if r.state.Instruction != "" {
		req.Instructions = []string{r.state.Instruction}
	}

	spanCtx, span := r.c.deps.Tracer.StartSpan(ctx, "generate")
	resp, err := r.c.deps.Generator.Generate(spanCtx, req)
	entry.DurationMs = r.c.now().Sub(entry.StartedAt).Milliseconds()

	m := contracts.SpanMetrics{Tier: r.state.Tier.String(), Attempt: r.state.Total, LatencyMs: entry.DurationMs, Err: err}
	if resp != nil {
		m.TokensIn, m.TokensOut = resp.Usage.InputTokens, resp.Usage.OutputTokens
		m.Status = "ok"
	} else {
		m.Status = "error"
	}
	r.c.deps.Tracer.EndSpan(span, m)

	if err != nil {
		entry.Error = err.Error()
		r.trace = append(r.trace, entry)
		r.cause = err
		log.Warn().Err(err).
			Str("request_id", r.q.ID).
			Str("tier", r.state.Tier.String()).
			Int("attempt", r.state.Attempts).
			Msg("Generation attempt failed")
		if errors.Is(err, generation.ErrBudgetExhausted) {
			r.state.State = StateEscalate
			return
		}
		// Timeouts and provider errors consume the attempt.
		r.state.State = StateRegenerate
		return
	}

	entry.Response = resp
	r.trace = append(r.trace, entry)
	r.response = resp
	r.state.State = StateValidating
}

func (r *run) validate(ctx context.Context) {
	entry := &r.trace[len(r.trace)-1]
	spanCtx, span := r.c.deps.Tracer.StartSpan(ctx, "validate")
	started := r.c.now()
	report, err := r.c.deps.Validator.Validate(spanCtx, validation.Input{
		Query:       r.q,
		Response:    r.response,
		Chunks:      r.chunks,
		Sensitivity: r.route.Sensitivity,
	})

	m := contracts.SpanMetrics{
		Tier:      r.state.Tier.String(),
		Attempt:   r.state.Total,
		LatencyMs: r.c.now().Sub(started).Milliseconds(),
		Err:       err,
	}
	if report != nil {
		m.Status = string(report.Disposition.Kind)
		if l2, ok := report.Result(models.LayerNLIFaithfulness); ok {
			m.Score = l2.Score
		}
	}
	r.c.deps.Tracer.EndSpan(span, m)

	if err != nil {
		entry.Error = err.Error()
		r.cause = err
		// Validation only errors when the deadline ends it; the loop
		// terminates on the next turn.
		if ctx.Err() == nil {
			r.state.State = StateRegenerate
		}
		return
	}

	d := report.Disposition
	entry.Results = report.Results
	entry.Disposition = &d
	entry.Confidence = report.Confidence
	r.report = report

	switch d.Kind {
	case models.DispositionAccept:
		r.state.State = StateAccept
	case models.DispositionTerminate:
		r.cause = fmt.Errorf("%w: %s", LayerError(d.Layer), d.Reason)
		r.state.State = StateTerminate
	default:
		r.cause = fmt.Errorf("%w: %s %s", LayerError(d.Layer), d.Layer, d.Reason)
		r.state.Instruction = d.Instruction
		r.state.State = StateRegenerate
	}
}

func (r *run) accept(ctx context.Context) *models.Outcome {
	o := r.outcome(models.OutcomeAccepted)
	o.Response = r.response
	o.Confidence = r.report.Confidence
	o.Warnings = r.report.Warnings

	if r.c.deps.Provenance != nil {
		rec, err := r.c.deps.Provenance.Record(context.WithoutCancel(ctx), r.response)
		if err != nil {
			log.Error().Err(err).Str("request_id", r.q.ID).Msg("Failed to create provenance record")
		} else {
			o.Provenance = rec
			if rec.AnchorDegraded {
				o.Warnings = append(o.Warnings, fmt.Sprintf("provenance: %v: %s", ErrAnchorFailure, rec.AnchorError))
			}
		}
	}
	return o
}

func (r *run) terminate(status models.OutcomeStatus, message string, cause error) (*models.Outcome, *Failure) {
	r.state.State = StateTerminate
	o := r.outcome(status)
	o.Message = message
	if r.report != nil {
		o.Confidence = r.report.Confidence
	}
	return o, &Failure{Status: status, Message: message, Cause: cause}
}

func (r *run) outcome(status models.OutcomeStatus) *models.Outcome {
	return &models.Outcome{
		RequestID: r.q.ID,
		TenantID:  r.q.TenantID,
		Status:    status,
		Route:     r.route,
		FinalTier: r.state.Tier,
		Escalated: r.state.Escalated,
		Trace:     r.trace,
	}
}

func wrap(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

func errOrNil(f *Failure) error {
	if f == nil {
		return nil
	}
	return f
}

type noopTracer struct{}

type noopSpan string

func (s noopSpan) Name() string { return string(s) }

func (noopTracer) StartSpan(ctx context.Context, name string) (context.Context, contracts.Span) {
	return ctx, noopSpan(name)
}

func (noopTracer) EndSpan(contracts.Span, contracts.SpanMetrics) {}
