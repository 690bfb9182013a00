package provenance

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// ErrAnchorFailure means the root hash could not be written to the ledger.
// The record is still returned, flagged AnchorDegraded.
var ErrAnchorFailure = errors.New("anchor failure")

// Config controls anchoring retries.
type Config struct {
	// Retries is the number of retries after the first anchoring attempt.
	Retries uint64
	// Backoff is the base of the exponential backoff between attempts.
	Backoff time.Duration
}

// Service creates, anchors and verifies provenance records.
type Service struct {
	anchorer contracts.Anchorer
	cfg      Config
	now      func() time.Time
}

// NewService creates a provenance service. A nil anchorer produces records
// without an anchor.
func NewService(anchorer contracts.Anchorer, cfg Config) *Service {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	return &Service{anchorer: anchorer, cfg: cfg, now: time.Now}
}

// Backend names the anchor ledger, or "none".
func (s *Service) Backend() string {
	if s.anchorer == nil {
		return "none"
	}
	return s.anchorer.Backend()
}

// Record seals one accepted response and anchors its root.
func (s *Service) Record(ctx context.Context, resp *models.LLMResponse) (*models.ProvenanceRecord, error) {
	if resp == nil {
		return nil, errors.New("provenance: nil response")
	}
	rec := HashOutput(resp, MetadataOf(resp))
	rec.ID = uuid.New().String()
	rec.CreatedAt = s.now().UTC()
	s.anchorRecord(ctx, &rec)
	return &rec, nil
}

// Seal builds one record over several outputs, e.g. the answers of a
// multi-agent run. Each response becomes a component and a leaf.
func (s *Service) Seal(ctx context.Context, responses []models.LLMResponse) (*models.ProvenanceRecord, error) {
	if len(responses) == 0 {
		return nil, ErrEmptyTree
	}
	rec := models.ProvenanceRecord{
		ID:         uuid.New().String(),
		Components: make([]models.ProvenanceRecord, 0, len(responses)),
		Leaves:     make([]string, 0, len(responses)),
		CreatedAt:  s.now().UTC(),
	}
	for i := range responses {
		c := HashOutput(&responses[i], MetadataOf(&responses[i]))
		rec.Components = append(rec.Components, c)
		rec.Leaves = append(rec.Leaves, c.ResponseHash)
	}
	root, err := rootFromHex(rec.Leaves)
	if err != nil {
		return nil, err
	}
	rec.MerkleRoot = root
	s.anchorRecord(ctx, &rec)
	return &rec, nil
}

func (s *Service) anchorRecord(ctx context.Context, rec *models.ProvenanceRecord) {
	if s.anchorer == nil {
		return
	}
	ref, err := s.Anchor(ctx, rec.MerkleRoot)
	if err != nil {
		rec.AnchorDegraded = true
		rec.AnchorError = err.Error()
		log.Error().Err(err).
			Str("record_id", rec.ID).
			Str("backend", s.anchorer.Backend()).
			Msg("Provenance anchoring degraded")
		return
	}
	rec.Anchor = &ref
}

// Anchor writes root to the ledger, retrying with exponential backoff.
// Errors wrap ErrAnchorFailure.
func (s *Service) Anchor(ctx context.Context, root string) (models.AnchorRef, error) {
	if s.anchorer == nil {
		return models.AnchorRef{}, fmt.Errorf("%w: no anchor backend configured", ErrAnchorFailure)
	}
	backend := s.anchorer.Backend()
	backoff := retry.WithMaxRetries(s.cfg.Retries, retry.NewExponential(s.cfg.Backoff))

	var ref models.AnchorRef
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		ref, err = s.anchorer.Anchor(ctx, root)
		if err != nil {
			anchorAttempts.WithLabelValues(backend, "error").Inc()
			log.Debug().Err(err).Str("backend", backend).Msg("Anchor attempt failed")
			return retry.RetryableError(err)
		}
		anchorAttempts.WithLabelValues(backend, "ok").Inc()
		return nil
	})
	if err != nil {
		return models.AnchorRef{}, fmt.Errorf("%w: %s: %w", ErrAnchorFailure, backend, err)
	}
	return ref, nil
}

// Verify recomputes the record's hashes and Merkle root and reports whether
// they match. The record is not modified.
func Verify(rec models.ProvenanceRecord) bool {
	ok := verify(rec)
	verifications.WithLabelValues(fmt.Sprint(ok)).Inc()
	return ok
}

// Verify checks rec the same way as the package-level Verify.
func (s *Service) Verify(rec models.ProvenanceRecord) bool { return Verify(rec) }

func verify(rec models.ProvenanceRecord) bool {
	if rec.Anchor != nil && rec.Anchor.RootHash != rec.MerkleRoot {
		return false
	}

	if len(rec.Components) == 0 {
		h := HashOutput(&models.LLMResponse{Text: rec.ResponseText}, rec.Metadata)
		return h.ResponseHash == rec.ResponseHash &&
			slices.Equal(rec.Leaves, []string{h.ResponseHash}) &&
			rec.MerkleRoot == h.MerkleRoot
	}

	leaves := make([]string, 0, len(rec.Components))
	for _, c := range rec.Components {
		if !verify(c) {
			return false
		}
		leaves = append(leaves, c.ResponseHash)
	}
	if !slices.Equal(leaves, rec.Leaves) {
		return false
	}
	root, err := rootFromHex(leaves)
	return err == nil && root == rec.MerkleRoot
}
