// Package store retains finished requests for audit: the Outcome of every
// request, with its per-attempt and per-layer trace, and the provenance
// records of accepted responses.
package store

import (
	"context"

	"github.com/datamind/control-plane/pkg/models"
)

// Store is the audit storage interface. The API and the escalation
// controller depend on this interface only.
type Store interface {
	OutcomeStore
	ProvenanceStore
	// Close stops background work and flushes any persistence.
	Close() error
}

// OutcomeStore retains finished requests. RecordOutcome matches the
// escalation controller's OutcomeSink.
type OutcomeStore interface {
	RecordOutcome(ctx context.Context, o *models.Outcome) error
	GetOutcome(ctx context.Context, requestID string) (*models.Outcome, error)
	// ListOutcomes returns the newest outcomes first. An empty tenant lists all.
	ListOutcomes(ctx context.Context, tenant string, limit int) ([]models.Outcome, error)
}

// ProvenanceStore indexes the provenance records of retained outcomes.
type ProvenanceStore interface {
	GetProvenance(ctx context.Context, recordID string) (*models.ProvenanceRecord, error)
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
