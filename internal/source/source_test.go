package source_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datamind/control-plane/internal/source"
	"github.com/datamind/control-plane/pkg/contracts"
	"github.com/datamind/control-plane/pkg/models"
)

func factRows(mock pgxmock.PgxPoolIface) *pgxmock.Rows {
	return mock.NewRows([]string{"metric", "value"}).
		AddRow("northern region revenue", "12.5").
		AddRow("northern region headcount", "140").
		AddRow("southern region revenue", "9.1")
}

func TestFactVerifier_MatchesLabel(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT metric, value::text FROM facts WHERE chunk_id = ANY\\(\\$1\\)").
		WithArgs([]string{"c1"}).
		WillReturnRows(factRows(mock))

	v := source.NewFactVerifier(mock)
	got, err := v.Rederive(context.Background(), contracts.NumericClaim{
		Value: "12.5", Label: "northern revenue", ChunkIDs: []string{"c1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"12.5"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFactVerifier_TiedMetricsAndEmptyLabel(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	v := source.NewFactVerifier(mock)

	mock.ExpectQuery("SELECT metric").WithArgs([]string{"c1"}).WillReturnRows(factRows(mock))
	got, err := v.Rederive(context.Background(), contracts.NumericClaim{Value: "9", Label: "revenue", ChunkIDs: []string{"c1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"12.5", "9.1"}, got)

	mock.ExpectQuery("SELECT metric").WithArgs([]string{"c1"}).WillReturnRows(factRows(mock))
	got, err = v.Rederive(context.Background(), contracts.NumericClaim{Value: "9", ChunkIDs: []string{"c1"}})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	mock.ExpectQuery("SELECT metric").WithArgs([]string{"c1"}).WillReturnRows(factRows(mock))
	got, err = v.Rederive(context.Background(), contracts.NumericClaim{Value: "9", Label: "churn", ChunkIDs: []string{"c1"}})
	require.NoError(t, err)
	assert.Empty(t, got, "no metric matches the label")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFactVerifier_NoCitations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	got, err := source.NewFactVerifier(mock).Rederive(context.Background(), contracts.NumericClaim{Value: "1"})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet(), "no query without citations")
}

func TestFactVerifier_QueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT metric").WillReturnError(errors.New("connection refused"))
	_, err = source.NewFactVerifier(mock).Rederive(context.Background(), contracts.NumericClaim{Value: "1", ChunkIDs: []string{"c1"}})
	assert.Error(t, err)
}

func TestRetriever(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT id, content, ingested_at\\s+FROM chunks").
		WithArgs("acme", "northern revenue", source.DefaultRetrievalLimit).
		WillReturnRows(mock.NewRows([]string{"id", "content", "ingested_at"}).
			AddRow("c1", "Q3 revenue was 12.5 million.", at).
			AddRow("c2", "Northern region overview.", at))

	r := source.NewRetriever(mock, 0)
	chunks, err := r.Retrieve(context.Background(), models.Query{TenantID: "acme", Text: "northern revenue"})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "c1", chunks[0].ID)
	assert.True(t, at.Equal(chunks[0].IngestedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatic(t *testing.T) {
	s := source.Static{Chunks: map[string][]models.Chunk{
		"":     {{ID: "shared"}},
		"acme": {{ID: "acme-1"}},
		"beta": {{ID: "beta-1"}},
	}}
	got, err := s.Retrieve(context.Background(), models.Query{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-1", "shared"}, models.ChunkIDs(got))
}
