// In-memory Store. Outcomes are bounded by a TTL and a maximum entry count.
// An optional JSON snapshot keeps them across restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/datamind/control-plane/pkg/models"
)

// Options configures a MemoryStore.
type Options struct {
	// TTL evicts outcomes completed longer ago than this. Zero keeps them.
	TTL time.Duration
	// MaxEntries evicts the oldest outcomes beyond this count. Zero is unbounded.
	MaxEntries int
	// SnapshotPath enables file persistence. Empty disables it.
	SnapshotPath string
	// EvictionInterval is how often expired outcomes are swept.
	EvictionInterval time.Duration
}

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Outcomes []*models.Outcome `json:"outcomes"` // oldest first
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu         sync.RWMutex
	outcomes   map[string]*models.Outcome          // key: request id
	order      []string                            // request ids, oldest first
	provenance map[string]*models.ProvenanceRecord // key: record id → owned by an outcome

	opts Options
	now  func() time.Time

	// Persistence
	saveMu sync.Mutex    // guards file writes
	saveCh chan struct{} // debounce channel
	doneCh chan struct{} // signals background goroutines to stop
	wg     sync.WaitGroup
}

// NewMemoryStore creates a new in-memory store and starts its background
// eviction and persistence loops.
func NewMemoryStore(opts Options) *MemoryStore {
	if opts.EvictionInterval <= 0 {
		opts.EvictionInterval = time.Minute
	}
	m := &MemoryStore{
		outcomes:   make(map[string]*models.Outcome),
		provenance: make(map[string]*models.ProvenanceRecord),
		opts:       opts,
		now:        time.Now,
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	if m.opts.SnapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(m.opts.SnapshotPath), 0755); err != nil {
			log.Warn().Err(err).Str("path", m.opts.SnapshotPath).Msg("Cannot create snapshot dir, persistence disabled")
			m.opts.SnapshotPath = ""
		}
	}
	if m.opts.SnapshotPath != "" {
		m.loadSnapshot()
		m.wg.Add(1)
		go m.saveLoop()
	}
	if m.opts.TTL > 0 {
		m.wg.Add(1)
		go m.evictionLoop()
	}

	log.Info().
		Str("ttl", opts.TTL.String()).
		Int("max_entries", opts.MaxEntries).
		Str("snapshot", m.opts.SnapshotPath).
		Msg("Audit store configured")
	return m
}

// ── Outcomes ────────────────────────────────────────────────

// RecordOutcome retains o, replacing any outcome with the same request id.
func (m *MemoryStore) RecordOutcome(_ context.Context, o *models.Outcome) error {
	m.mu.Lock()
	copy := *o
	if old, ok := m.outcomes[o.RequestID]; ok {
		m.dropProvenance(old)
		m.removeOrder(o.RequestID)
	}
	m.outcomes[o.RequestID] = &copy
	m.order = append(m.order, o.RequestID)
	if copy.Provenance != nil {
		m.provenance[copy.Provenance.ID] = copy.Provenance
	}
	evicted := m.enforceMaxEntries()
	m.mu.Unlock()

	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("Audit store over capacity, evicted oldest outcomes")
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetOutcome(_ context.Context, requestID string) (*models.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outcomes[requestID]
	if !ok {
		return nil, &ErrNotFound{Entity: "request", Key: requestID}
	}
	copy := *o
	return &copy, nil
}

func (m *MemoryStore) ListOutcomes(_ context.Context, tenant string, limit int) ([]models.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Outcome
	for i := len(m.order) - 1; i >= 0; i-- {
		o := m.outcomes[m.order[i]]
		if tenant != "" && o.TenantID != tenant {
			continue
		}
		result = append(result, *o)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) GetProvenance(_ context.Context, recordID string) (*models.ProvenanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.provenance[recordID]
	if !ok {
		return nil, &ErrNotFound{Entity: "provenance record", Key: recordID}
	}
	copy := *p
	return &copy, nil
}

// ExpiredOutcomes returns outcomes completed before cutoff, oldest first.
func (m *MemoryStore) ExpiredOutcomes(_ context.Context, cutoff time.Time) ([]models.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Outcome
	for _, id := range m.order {
		if o := m.outcomes[id]; o.CompletedAt.Before(cutoff) {
			result = append(result, *o)
		}
	}
	return result, nil
}

// DeleteOutcome removes an outcome and its provenance record.
func (m *MemoryStore) DeleteOutcome(_ context.Context, requestID string) error {
	m.mu.Lock()
	o, ok := m.outcomes[requestID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "request", Key: requestID}
	}
	m.dropProvenance(o)
	delete(m.outcomes, requestID)
	m.removeOrder(requestID)
	m.mu.Unlock()

	m.requestSave()
	return nil
}

// Len returns the number of retained outcomes.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outcomes)
}

// ── Eviction ────────────────────────────────────────────────

// enforceMaxEntries drops the oldest outcomes over capacity. Caller holds mu.
func (m *MemoryStore) enforceMaxEntries() int {
	if m.opts.MaxEntries <= 0 || len(m.order) <= m.opts.MaxEntries {
		return 0
	}
	over := len(m.order) - m.opts.MaxEntries
	for _, id := range m.order[:over] {
		m.dropProvenance(m.outcomes[id])
		delete(m.outcomes, id)
	}
	m.order = append([]string(nil), m.order[over:]...)
	return over
}

func (m *MemoryStore) dropProvenance(o *models.Outcome) {
	if o != nil && o.Provenance != nil {
		delete(m.provenance, o.Provenance.ID)
	}
}

func (m *MemoryStore) removeOrder(id string) {
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// evictionLoop periodically removes outcomes older than the TTL.
func (m *MemoryStore) evictionLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.EvictExpired()
		}
	}
}

// EvictExpired removes outcomes completed before now minus the TTL and
// returns how many were removed.
func (m *MemoryStore) EvictExpired() int {
	if m.opts.TTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.opts.TTL)

	m.mu.Lock()
	kept := m.order[:0]
	var evicted int
	for _, id := range m.order {
		o := m.outcomes[id]
		if o.CompletedAt.Before(cutoff) {
			m.dropProvenance(o)
			delete(m.outcomes, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	m.mu.Unlock()

	if evicted > 0 {
		log.Info().Int("evicted", evicted).Str("ttl", m.opts.TTL.String()).Msg("Evicted expired outcomes")
		m.requestSave()
	}
	return evicted
}

// ── Persistence ─────────────────────────────────────────────

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.opts.SnapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-m.doneCh:
				return
			case <-time.After(500 * time.Millisecond): // debounce
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all outcomes to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{Outcomes: make([]*models.Outcome, 0, len(m.order))}
	for _, id := range m.order {
		snap.Outcomes = append(snap.Outcomes, m.outcomes[id])
	}
	data, err := json.Marshal(snap)
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.opts.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.opts.SnapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.opts.SnapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.opts.SnapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.opts.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.opts.SnapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.opts.SnapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.opts.SnapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}
	sort.SliceStable(snap.Outcomes, func(i, j int) bool {
		return snap.Outcomes[i].CompletedAt.Before(snap.Outcomes[j].CompletedAt)
	})

	m.mu.Lock()
	for _, o := range snap.Outcomes {
		if o == nil || o.RequestID == "" {
			continue
		}
		m.outcomes[o.RequestID] = o
		m.order = append(m.order, o.RequestID)
		if o.Provenance != nil {
			m.provenance[o.Provenance.ID] = o.Provenance
		}
	}
	m.enforceMaxEntries()
	m.mu.Unlock()

	log.Info().Int("outcomes", len(snap.Outcomes)).Str("path", m.opts.SnapshotPath).Msg("Snapshot loaded")
}

// Close stops background goroutines and writes a final snapshot.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}
	m.wg.Wait()

	// Force a final snapshot write so no in-flight data is lost
	if m.opts.SnapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}
	return nil
}
