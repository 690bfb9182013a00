package escalation

import (
	"errors"
	"fmt"

	"github.com/datamind/control-plane/internal/generation"
	"github.com/datamind/control-plane/internal/provenance"
	"github.com/datamind/control-plane/pkg/models"
)

var (
	// ErrValidationFailure is a gating layer Fail (L2, L4).
	ErrValidationFailure = errors.New("validation failure")

	// ErrScopeViolation is an L6 Terminate. It surfaces to the caller.
	ErrScopeViolation = errors.New("scope violation")

	// ErrSchemaViolation is an L5 Fail.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrNumericalMismatch is an L8 Fail.
	ErrNumericalMismatch = errors.New("numerical mismatch")

	// ErrTierExhausted means no tier produced an acceptable response. It
	// surfaces to the caller.
	ErrTierExhausted = errors.New("tier exhausted")

	// ErrGenerationTimeout and ErrProvider are the adapter's classifications.
	ErrGenerationTimeout = generation.ErrGenerationTimeout
	ErrProvider          = generation.ErrProvider

	// ErrAnchorFailure marks a provenance record whose anchoring degraded.
	ErrAnchorFailure = provenance.ErrAnchorFailure
)

// LayerError maps a non-accepting layer to its sentinel.
func LayerError(layer models.ValidationLayer) error {
	switch layer {
	case models.LayerKnowledgeBoundary:
		return ErrScopeViolation
	case models.LayerStructuredOutput:
		return ErrSchemaViolation
	case models.LayerNumericalVerification:
		return ErrNumericalMismatch
	default:
		return ErrValidationFailure
	}
}

// Failure is a terminal, caller-visible failure of one request.
type Failure struct {
	Status  models.OutcomeStatus
	Message string
	Cause   error
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return fmt.Sprintf("%s: %s", f.Status, f.Message)
	}
	return fmt.Sprintf("%s: %s: %v", f.Status, f.Message, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }
