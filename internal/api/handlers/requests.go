package handlers

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/datamind/control-plane/pkg/models"
)

// MaxQueryBytes bounds the query text accepted over HTTP.
const MaxQueryBytes = 32 * 1024

// validate is the shared validator for request bodies.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxQueryBytes
	})
}

// QueryRequest is the body of POST /api/v1/query, /route and /classify.
type QueryRequest struct {
	ID           string                  `json:"id,omitempty" validate:"omitempty,max=128"`
	Text         string                  `json:"text" validate:"required,maxbytes"`
	Hints        models.SensitivityHints `json:"hints"`
	OutputSchema map[string]interface{}  `json:"output_schema,omitempty"`
	ForceTier    *models.InferenceTier   `json:"force_tier,omitempty"`
	// Chunks replaces retrieval with caller-supplied context.
	Chunks []models.Chunk `json:"chunks,omitempty" validate:"omitempty,max=64,dive"`
	// TimeoutMs overrides the derived request deadline.
	TimeoutMs int `json:"timeout_ms,omitempty" validate:"gte=0,lte=600000"`
}

// Validate checks field constraints.
func (r *QueryRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("text: must not be blank")
	}
	return validationError(validate.Struct(r))
}

// Query converts the request to a models.Query for tenant.
func (r *QueryRequest) Query(tenant string) models.Query {
	return models.Query{
		ID:           r.ID,
		Text:         r.Text,
		TenantID:     tenant,
		Hints:        r.Hints,
		OutputSchema: r.OutputSchema,
		ForceTier:    r.ForceTier,
		SubmittedAt:  time.Now().UTC(),
	}
}

// MerkleRequest is the body of POST /api/v1/provenance/merkle.
type MerkleRequest struct {
	Outputs []string `json:"outputs" validate:"required,min=1,max=4096"`
}

func (r *MerkleRequest) Validate() error {
	return validationError(validate.Struct(r))
}

// validationError flattens validator errors into one message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
