// Package source reads the Postgres source of truth: context chunks for
// retrieval and the structured facts used to re-derive numeric claims
// independently of the model.
//
// Expected tables:
//
//	chunks(id TEXT, tenant_id TEXT, content TEXT, ingested_at TIMESTAMPTZ, search TSVECTOR)
//	facts(chunk_id TEXT, metric TEXT, value NUMERIC)
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5"

	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

// Querier is the subset of *pgxpool.Pool used here.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ── Numeric facts ───────────────────────────────────────────

// FactVerifier implements contracts.NumericVerifier over the facts table.
type FactVerifier struct {
	db Querier
}

func NewFactVerifier(db Querier) *FactVerifier {
	return &FactVerifier{db: db}
}

type fact struct {
	metric string
	value  string
}

// Rederive returns the values of the facts, attached to the claim's chunks,
// whose metric name best matches the claim label. The pipeline fills
// ChunkIDs with the cited chunks, or with every used chunk for an uncited
// claim. No chunk ids or no matching metric yields no values.
func (v *FactVerifier) Rederive(ctx context.Context, claim contracts.NumericClaim) ([]string, error) {
	if len(claim.ChunkIDs) == 0 {
		return nil, nil
	}
	rows, err := v.db.Query(ctx,
		`SELECT metric, value::text FROM facts WHERE chunk_id = ANY($1) ORDER BY metric`,
		claim.ChunkIDs)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fact, error) {
		var f fact
		err := row.Scan(&f.metric, &f.value)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan facts: %w", err)
	}

	label := words(claim.Label)
	if len(label) == 0 {
		return values(facts), nil
	}

	best := 0
	var matched []fact
	for _, f := range facts {
		n := overlap(label, words(f.metric))
		switch {
		case n > best:
			best, matched = n, []fact{f}
		case n == best && n > 0:
			matched = append(matched, f)
		}
	}
	return values(matched), nil
}

func values(facts []fact) []string {
	seen := make(map[string]bool, len(facts))
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		if !seen[f.value] {
			seen[f.value] = true
			out = append(out, f.value)
		}
	}
	return out
}

func words(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

// ── Retrieval ───────────────────────────────────────────────

// DefaultRetrievalLimit caps the chunks returned per query.
const DefaultRetrievalLimit = 8

// Retriever ranks a tenant's chunks by Postgres full-text search.
type Retriever struct {
	db    Querier
	limit int
}

func NewRetriever(db Querier, limit int) *Retriever {
	if limit <= 0 {
		limit = DefaultRetrievalLimit
	}
	return &Retriever{db: db, limit: limit}
}

func (r *Retriever) Retrieve(ctx context.Context, q models.Query) ([]models.Chunk, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, content, ingested_at
		FROM chunks
		WHERE tenant_id = $1 AND search @@ websearch_to_tsquery('english', $2)
		ORDER BY ts_rank(search, websearch_to_tsquery('english', $2)) DESC, id
		LIMIT $3`,
		q.TenantID, q.Text, r.limit)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Chunk, error) {
		var c models.Chunk
		err := row.Scan(&c.ID, &c.Content, &c.IngestedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}
	return chunks, nil
}

// Static serves a fixed chunk set, keyed by tenant. Chunks under the empty
// tenant are returned to every tenant.
type Static struct {
	Chunks map[string][]models.Chunk
}

func (s Static) Retrieve(_ context.Context, q models.Query) ([]models.Chunk, error) {
	out := append([]models.Chunk(nil), s.Chunks[""]...)
	if q.TenantID != "" {
		out = append(out, s.Chunks[q.TenantID]...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
