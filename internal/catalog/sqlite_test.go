package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogsync/catalogsync/internal/storage"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func TestUpsertAndFetch_Defaults(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, &Product{ID: "p1", Title: "Mat", ASIN: "B08N5WRWNW"}))

	p, err := s.FetchProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Mat", p.Title)
	assert.Equal(t, ImageOutdated, p.ImageRefreshStatus, "nothing has been refreshed yet")
	assert.Equal(t, LinkUnchecked, p.LinkValidationStatus, "nothing has been checked yet")
	assert.False(t, p.NeedsReview)
	assert.Nil(t, p.Price)
	assert.Nil(t, p.LastLinkCheck)
}

func TestFetchProduct_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FetchProduct(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpsert_KeepsSyncStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Upsert(ctx, &Product{ID: "p1", Title: "old"}))
	require.NoError(t, s.UpdateStatusFields(ctx, "p1", StatusUpdate{LinkValidationStatus: Ptr(LinkInvalid)}))

	require.NoError(t, s.Upsert(ctx, &Product{ID: "p1", Title: "new"}))

	p, err := s.FetchProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "new", p.Title)
	assert.Equal(t, LinkInvalid, p.LinkValidationStatus)
}

func TestUpdateStatusFields_Partial(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Upsert(ctx, &Product{ID: "p1"}))

	checked := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateStatusFields(ctx, "p1", StatusUpdate{
		ImageRefreshStatus: Ptr(ImageFailed),
		LastLinkCheck:      &checked,
		NeedsReview:        Ptr(true),
	}))

	p, err := s.FetchProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, ImageFailed, p.ImageRefreshStatus)
	assert.Equal(t, LinkUnchecked, p.LinkValidationStatus, "untouched field keeps its value")
	require.NotNil(t, p.LastLinkCheck)
	assert.True(t, checked.Equal(*p.LastLinkCheck))
	assert.True(t, p.NeedsReview)

	err = s.UpdateStatusFields(ctx, "missing", StatusUpdate{NeedsReview: Ptr(false)})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateExternalData(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Upsert(ctx, &Product{ID: "p1", ImageURL: "old.jpg", AffiliateURL: "https://a/old"}))

	require.NoError(t, s.UpdateExternalData(ctx, "p1", ExternalData{
		ImageURL: "new.jpg",
		Price:    &Price{Amount: 19.99, Currency: "USD", DisplayAmount: "$19.99"},
	}))

	p, err := s.FetchProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "new.jpg", p.ImageURL)
	assert.Equal(t, "https://a/old", p.AffiliateURL)
	require.NotNil(t, p.Price)
	assert.Equal(t, "$19.99", p.Price.DisplayAmount)
}

func TestListAndIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"p3", "p1", "p2"} {
		require.NoError(t, s.Upsert(ctx, &Product{ID: id}))
	}
	require.NoError(t, s.UpdateStatusFields(ctx, "p2", StatusUpdate{LinkValidationStatus: Ptr(LinkInvalid)}))

	ids, err := s.ListProductIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids)

	broken, err := s.List(ctx, ListFilter{LinkStatus: LinkInvalid})
	require.NoError(t, err)
	require.Len(t, broken, 1)
	assert.Equal(t, "p2", broken[0].ID)

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
