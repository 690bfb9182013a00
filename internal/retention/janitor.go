// Package retention archives and purges expired audit outcomes.
//
// Modes:
//   - archive-and-purge: archive to durable storage, then delete from the
//     audit store (when an Archiver is configured)
//   - purge-only: delete without archiving (no Archiver)
//
// Archive failures are fail-safe: a tenant's outcomes are NOT deleted if any
// of its batches failed to archive.
package retention

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/datamind/control-plane/pkg/models"
)

// DefaultArchiveBatchSize is the max outcomes per archive write.
const DefaultArchiveBatchSize = 5000

// Source is the audit store side the janitor drains.
// Default implementation: internal/store.MemoryStore
type Source interface {
	ExpiredOutcomes(ctx context.Context, cutoff time.Time) ([]models.Outcome, error)
	DeleteOutcome(ctx context.Context, requestID string) error
}

// Archiver writes outcomes to durable storage and returns where they went.
// Default implementation: LocalFileArchiver
type Archiver interface {
	Kind() string
	ArchiveOutcomes(ctx context.Context, tenant string, outcomes []models.Outcome) (string, error)
	HealthCheck(ctx context.Context) error
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Archived int
	Purged   int
	URIs     []string
	Errors   []error
}

// Janitor periodically archives and purges outcomes older than the TTL.
type Janitor struct {
	source    Source
	archiver  Archiver
	ttl       time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewJanitor creates a janitor. A nil archiver purges without archiving.
func NewJanitor(s Source, archiver Archiver, ttl, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		source:    s,
		archiver:  archiver,
		ttl:       ttl,
		interval:  interval,
		batchSize: DefaultArchiveBatchSize,
		now:       time.Now,
	}
}

// Start runs retention cycles until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	backend := "none"
	if j.archiver != nil {
		backend = j.archiver.Kind()
		if err := j.archiver.HealthCheck(ctx); err != nil {
			log.Warn().Err(err).Msg("Archive backend unhealthy, expired outcomes will be kept")
		}
	}
	log.Info().
		Dur("interval", j.interval).
		Dur("ttl", j.ttl).
		Str("archiver", backend).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	var stats CycleStats
	if j.ttl <= 0 {
		return stats
	}
	start := j.now()
	expired, err := j.source.ExpiredOutcomes(ctx, start.Add(-j.ttl))
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("list expired outcomes: %w", err))
		log.Warn().Err(err).Msg("Retention janitor: failed to list expired outcomes")
		return stats
	}

	byTenant := make(map[string][]models.Outcome)
	for _, o := range expired {
		byTenant[o.TenantID] = append(byTenant[o.TenantID], o)
	}
	tenants := make([]string, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		outcomes := byTenant[tenant]
		if j.archiver != nil && !j.archive(ctx, tenant, outcomes, &stats) {
			continue
		}
		j.purge(ctx, outcomes, &stats)
	}

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Retention cycle error")
	}
	if stats.Archived > 0 || stats.Purged > 0 {
		log.Info().
			Int("archived", stats.Archived).
			Int("purged", stats.Purged).
			Int("tenants", len(tenants)).
			Dur("elapsed", j.now().Sub(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

// archive writes a tenant's outcomes in batches and reports whether every
// batch succeeded.
func (j *Janitor) archive(ctx context.Context, tenant string, outcomes []models.Outcome, stats *CycleStats) bool {
	allOK := true
	for i := 0; i < len(outcomes); i += j.batchSize {
		batch := outcomes[i:min(i+j.batchSize, len(outcomes))]
		uri, err := j.archiver.ArchiveOutcomes(ctx, tenant, batch)
		if err != nil {
			log.Warn().Err(err).
				Str("tenant", tenant).
				Str("backend", j.archiver.Kind()).
				Int("batch_size", len(batch)).
				Msg("Failed to archive outcomes")
			stats.Errors = append(stats.Errors, err)
			allOK = false
			continue
		}
		stats.Archived += len(batch)
		stats.URIs = append(stats.URIs, uri)
	}
	return allOK
}

func (j *Janitor) purge(ctx context.Context, outcomes []models.Outcome, stats *CycleStats) {
	for _, o := range outcomes {
		if err := j.source.DeleteOutcome(ctx, o.RequestID); err != nil {
			log.Warn().Err(err).Str("request_id", o.RequestID).Msg("Failed to delete expired outcome")
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.Purged++
	}
}
