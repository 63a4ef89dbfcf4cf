package postgres

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/foofork/riptide/internal/core"
)

func TestStoreDocInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocStoreWithPool(mock, "documents")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()

	rec := core.DocRecord{
		ID:          "uuid-v4",
		URL:         "https://example.com/guide",
		Host:        "example.com",
		CacheKey:    "cache-key",
		ContentHash: "abc123",
		BlobURI:     "gs://bucket/path",
		HTTPStatus:  200,
		Gate:        "raw",
		Quality:     0.82,
		Headers:     http.Header{"Content-Type": {"text/html"}},
		FetchedAt:   now,
		DurationMs:  142,
	}

	mock.ExpectExec("INSERT INTO documents").
		WithArgs(
			rec.ID,
			rec.URL,
			rec.Host,
			rec.CacheKey,
			rec.ContentHash,
			rec.BlobURI,
			rec.HTTPStatus,
			rec.Gate,
			rec.Quality,
			[]byte(`{"Content-Type":["text/html"]}`),
			rec.FetchedAt,
			rec.DurationMs,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = store.StoreDoc(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDocRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocStoreWithPool(mock, "documents")
	require.NoError(t, err)

	err = store.StoreDoc(context.Background(), core.DocRecord{URL: "https://example.com"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDocStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewDocStoreWithPool(mock, "documents; DROP TABLE documents")
	require.Error(t, err)

	store, err := NewDocStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, "documents", store.table)
}
