package provenance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"

	"github.com/datamind/control-plane/pkg/models"
)

// ErrNotAnchored is returned by Lookup when the ledger has no entry for a root.
var ErrNotAnchored = errors.New("root hash not anchored")

// ── Memory ──────────────────────────────────────────────────

// MemoryAnchorer keeps anchors in process. Used in development and tests.
type MemoryAnchorer struct {
	mu      sync.RWMutex
	entries []models.AnchorRef
	now     func() time.Time
}

func NewMemoryAnchorer() *MemoryAnchorer {
	return &MemoryAnchorer{now: time.Now}
}

func (m *MemoryAnchorer) Backend() string { return "memory" }

func (m *MemoryAnchorer) Anchor(_ context.Context, rootHash string) (models.AnchorRef, error) {
	ref := models.AnchorRef{ID: uuid.New().String(), Backend: "memory", RootHash: rootHash, AnchoredAt: m.now().UTC()}
	m.mu.Lock()
	m.entries = append(m.entries, ref)
	m.mu.Unlock()
	return ref, nil
}

// Lookup returns the first anchor for rootHash.
func (m *MemoryAnchorer) Lookup(_ context.Context, rootHash string) (models.AnchorRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.RootHash == rootHash {
			return e, nil
		}
	}
	return models.AnchorRef{}, ErrNotAnchored
}

// Len returns the number of anchors written.
func (m *MemoryAnchorer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ── Postgres ────────────────────────────────────────────────

// Querier is the subset of *pgxpool.Pool the Postgres anchorer needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS provenance_anchors (
		id          TEXT PRIMARY KEY,
		root_hash   TEXT NOT NULL,
		anchored_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS provenance_anchors_root_idx ON provenance_anchors (root_hash)`,
	`CREATE OR REPLACE RULE provenance_anchors_no_update AS ON UPDATE TO provenance_anchors DO INSTEAD NOTHING`,
	`CREATE OR REPLACE RULE provenance_anchors_no_delete AS ON DELETE TO provenance_anchors DO INSTEAD NOTHING`,
}

// PostgresAnchorer appends root hashes to an append-only Postgres table.
type PostgresAnchorer struct {
	db  Querier
	now func() time.Time
}

func NewPostgresAnchorer(db Querier) *PostgresAnchorer {
	return &PostgresAnchorer{db: db, now: time.Now}
}

func (p *PostgresAnchorer) Backend() string { return "postgres" }

// EnsureSchema creates the ledger table and its no-update/no-delete rules.
func (p *PostgresAnchorer) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres anchor schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresAnchorer) Anchor(ctx context.Context, rootHash string) (models.AnchorRef, error) {
	ref := models.AnchorRef{ID: uuid.New().String(), Backend: "postgres", RootHash: rootHash, AnchoredAt: p.now().UTC()}
	tag, err := p.db.Exec(ctx,
		`INSERT INTO provenance_anchors (id, root_hash, anchored_at) VALUES ($1, $2, $3)`,
		ref.ID, ref.RootHash, ref.AnchoredAt)
	if err != nil {
		return models.AnchorRef{}, fmt.Errorf("postgres anchor: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return models.AnchorRef{}, fmt.Errorf("postgres anchor: %d rows inserted", tag.RowsAffected())
	}
	return ref, nil
}

// Lookup returns the earliest anchor for rootHash.
func (p *PostgresAnchorer) Lookup(ctx context.Context, rootHash string) (models.AnchorRef, error) {
	ref := models.AnchorRef{Backend: "postgres", RootHash: rootHash}
	err := p.db.QueryRow(ctx,
		`SELECT id, anchored_at FROM provenance_anchors WHERE root_hash = $1 ORDER BY anchored_at LIMIT 1`,
		rootHash).Scan(&ref.ID, &ref.AnchoredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AnchorRef{}, ErrNotAnchored
	}
	if err != nil {
		return models.AnchorRef{}, fmt.Errorf("postgres anchor lookup: %w", err)
	}
	return ref, nil
}

// ── SQLite ──────────────────────────────────────────────────

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS provenance_anchors (
		id          TEXT PRIMARY KEY,
		root_hash   TEXT NOT NULL,
		anchored_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS provenance_anchors_root_idx ON provenance_anchors (root_hash)`,
	`CREATE TRIGGER IF NOT EXISTS provenance_anchors_no_update BEFORE UPDATE ON provenance_anchors
	BEGIN SELECT RAISE(ABORT, 'provenance anchors are append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS provenance_anchors_no_delete BEFORE DELETE ON provenance_anchors
	BEGIN SELECT RAISE(ABORT, 'provenance anchors are append-only'); END`,
}

// SQLiteAnchorer appends root hashes to a local SQLite file.
type SQLiteAnchorer struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteAnchorer opens (creating if needed) the ledger at path.
func OpenSQLiteAnchorer(ctx context.Context, path string) (*SQLiteAnchorer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite anchor ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite anchor schema: %w", err)
		}
	}
	return &SQLiteAnchorer{db: db, now: time.Now}, nil
}

func (s *SQLiteAnchorer) Backend() string { return "sqlite" }

func (s *SQLiteAnchorer) Anchor(ctx context.Context, rootHash string) (models.AnchorRef, error) {
	ref := models.AnchorRef{ID: uuid.New().String(), Backend: "sqlite", RootHash: rootHash, AnchoredAt: s.now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provenance_anchors (id, root_hash, anchored_at) VALUES (?, ?, ?)`,
		ref.ID, ref.RootHash, ref.AnchoredAt.Format(time.RFC3339Nano))
	if err != nil {
		return models.AnchorRef{}, fmt.Errorf("sqlite anchor: %w", err)
	}
	return ref, nil
}

// Lookup returns the earliest anchor for rootHash.
func (s *SQLiteAnchorer) Lookup(ctx context.Context, rootHash string) (models.AnchorRef, error) {
	ref := models.AnchorRef{Backend: "sqlite", RootHash: rootHash}
	var at string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, anchored_at FROM provenance_anchors WHERE root_hash = ? ORDER BY anchored_at LIMIT 1`,
		rootHash).Scan(&ref.ID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AnchorRef{}, ErrNotAnchored
	}
	if err != nil {
		return models.AnchorRef{}, fmt.Errorf("sqlite anchor lookup: %w", err)
	}
	if ref.AnchoredAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return models.AnchorRef{}, fmt.Errorf("sqlite anchor lookup: %w", err)
	}
	return ref, nil
}

// DB exposes the underlying handle.
func (s *SQLiteAnchorer) DB() *sql.DB { return s.db }

func (s *SQLiteAnchorer) Close() error { return s.db.Close() }
