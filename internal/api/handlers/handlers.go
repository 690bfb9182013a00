// Package handlers implements the HTTP handlers of the control plane.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/datamind/control-plane/internal/api/middleware"
	"github.com/datamind/control-plane/internal/escalation"
	"github.com/datamind/control-plane/internal/provenance"
	"github.com/datamind/control-plane/internal/router"
	"github.com/datamind/control-plane/internal/store"
	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 4 << 20

// QueryRunner runs a query through the escalation control loop.
// Default implementation: internal/escalation.Controller
type QueryRunner interface {
	Handle(ctx context.Context, q models.Query) (*models.Outcome, error)
	HandleWithChunks(ctx context.Context, q models.Query, chunks []models.Chunk) (*models.Outcome, error)
}

// SignalClassifier reports classifier signals without routing.
// Default implementation: internal/router.TierRouter
type SignalClassifier interface {
	Classify(ctx context.Context, q models.Query) (router.Signals, error)
}

// TierStatus reports per-tier usage and driver health.
// Default implementation: internal/generation.Adapter
type TierStatus interface {
	Usage() []models.TierUsage
	HealthCheck(ctx context.Context) map[string]string
}

// AuditStore is the read side of the audit store.
type AuditStore interface {
	store.OutcomeStore
	store.ProvenanceStore
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Controller QueryRunner
	Router     contracts.TierRouter
	Classifier SignalClassifier
	Store      AuditStore
	Provenance *provenance.Service
	Tiers      TierStatus
}

// ══════════════════════════════════════════════════════════════
// ── Query Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Query runs the full control loop. Accepted requests return 200; terminal
// failures return the Outcome with a status mapped from its OutcomeStatus.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	q := req.Query(middleware.GetTenantID(r.Context()))
	var (
		outcome *models.Outcome
		err     error
	)
	if req.Chunks != nil {
		outcome, err = h.Controller.HandleWithChunks(ctx, q, req.Chunks)
	} else {
		outcome, err = h.Controller.Handle(ctx, q)
	}

	var failure *escalation.Failure
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, outcome)
	case errors.As(err, &failure) && outcome != nil:
		respondJSON(w, outcomeStatusCode(failure.Status), outcome)
	case errors.Is(err, router.ErrEmptyQuery):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, router.ErrBelowSafetyFloor):
		respondError(w, http.StatusServiceUnavailable, "no_eligible_tier", err.Error())
	default:
		log.Error().Err(err).Str("tenant", q.TenantID).Msg("Query failed")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// outcomeStatusCode maps a terminal OutcomeStatus to an HTTP status.
func outcomeStatusCode(s models.OutcomeStatus) int {
	switch s {
	case models.OutcomeAccepted:
		return http.StatusOK
	case models.OutcomeScopeViolation:
		return http.StatusUnprocessableEntity
	case models.OutcomeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Route returns the router decision without generating.
func (h *Handlers) Route(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.Router.Route(r.Context(), req.Query(middleware.GetTenantID(r.Context())))
	if err != nil {
		switch {
		case errors.Is(err, router.ErrEmptyQuery):
			respondError(w, http.StatusBadRequest, "route_failed", err.Error())
		case errors.Is(err, router.ErrBelowSafetyFloor):
			respondError(w, http.StatusServiceUnavailable, "no_eligible_tier", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "route_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// Classify returns the intent, complexity and sensitivity signals.
func (h *Handlers) Classify(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decode(w, r, &req) {
		return
	}
	sig, err := h.Classifier.Classify(r.Context(), req.Query(middleware.GetTenantID(r.Context())))
	if err != nil {
		if errors.Is(err, router.ErrEmptyQuery) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		respondError(w, http.StatusServiceUnavailable, "classifier_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sig)
}

// ══════════════════════════════════════════════════════════════
// ── Audit Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListRequests returns the tenant's retained outcomes, newest first.
func (h *Handlers) ListRequests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	outcomes, err := h.Store.ListOutcomes(r.Context(), middleware.GetTenantID(r.Context()), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if outcomes == nil {
		outcomes = []models.Outcome{}
	}
	respondJSON(w, http.StatusOK, outcomes)
}

// GetRequest returns the audit trace of one finished request. Outcomes of
// other tenants are reported as not found.
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestId")
	o, err := h.Store.GetOutcome(r.Context(), id)
	if err == nil && o.TenantID != middleware.GetTenantID(r.Context()) {
		err = &store.ErrNotFound{Entity: "request", Key: id}
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

// ══════════════════════════════════════════════════════════════
// ── Provenance Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type verifyResponse struct {
	Valid      bool   `json:"valid"`
	RecordID   string `json:"record_id,omitempty"`
	MerkleRoot string `json:"merkle_root"`
	Anchored   bool   `json:"anchored"`
}

func verifyResult(rec models.ProvenanceRecord, valid bool) verifyResponse {
	return verifyResponse{
		Valid:      valid,
		RecordID:   rec.ID,
		MerkleRoot: rec.MerkleRoot,
		Anchored:   rec.Anchor != nil,
	}
}

// VerifyProvenance recomputes the hashes of a submitted record.
func (h *Handlers) VerifyProvenance(w http.ResponseWriter, r *http.Request) {
	var rec models.ProvenanceRecord
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if rec.MerkleRoot == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "merkle_root is required")
		return
	}
	respondJSON(w, http.StatusOK, verifyResult(rec, h.Provenance.Verify(rec)))
}

// GetProvenance returns a retained record and whether it still verifies.
func (h *Handlers) GetProvenance(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.GetProvenance(r.Context(), chi.URLParam(r, "recordId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"record":       rec,
		"verification": verifyResult(*rec, h.Provenance.Verify(*rec)),
	})
}

// MerkleRoot computes the root over a list of outputs.
func (h *Handlers) MerkleRoot(w http.ResponseWriter, r *http.Request) {
	var req MerkleRequest
	if !decode(w, r, &req) {
		return
	}
	root, err := provenance.BuildMerkleTree(req.Outputs)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"merkle_root": root,
		"leaves":      len(req.Outputs),
	})
}

// ══════════════════════════════════════════════════════════════
// ── Tier Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// TierUsage reports per-tier token budget and cost usage.
func (h *Handlers) TierUsage(w http.ResponseWriter, r *http.Request) {
	usage := h.Tiers.Usage()
	if usage == nil {
		usage = []models.TierUsage{}
	}
	respondJSON(w, http.StatusOK, usage)
}

// TierHealth probes every bound driver.
func (h *Handlers) TierHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	respondJSON(w, http.StatusOK, h.Tiers.HealthCheck(ctx))
}

// ── Helpers ──────────────────────────────────────────────────

type validatable interface {
	Validate() error
}

// decode reads and validates a JSON body, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst validatable) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	if err := dst.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, "internal", err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}
