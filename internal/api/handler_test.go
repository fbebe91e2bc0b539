package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/catalogsync/catalogsync/internal/cache"
	"github.com/catalogsync/catalogsync/internal/catalog"
	"github.com/catalogsync/catalogsync/internal/job"
	"github.com/catalogsync/catalogsync/internal/product"
	"github.com/catalogsync/catalogsync/internal/productsync"
	"github.com/catalogsync/catalogsync/internal/queue"
	"github.com/catalogsync/catalogsync/internal/storage"
)

const testAPIKey = "test-api-key"

type testEnv struct {
	srv     *httptest.Server
	jobs    *job.SQLiteStore
	catalog *catalog.SQLiteStore
	queue   *queue.Queue
	sync    *productsync.Service
}

// newTestServer wires the real stores, queue, service and client over the mock
// upstream. Workers are only running when start is true.
func newTestServer(t *testing.T, start bool) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	jobs, err := job.NewSQLiteStore(db)
	require.NoError(t, err)
	cat, err := catalog.NewSQLiteStore(db)
	require.NoError(t, err)

	cfg := product.DefaultConfig()
	cfg.RequestsPerSecond = 0
	client := product.NewClient(product.NewMock("www.amazon.com", "shop-20"), cache.NewMemory[product.Product](), nil, cfg, log)

	q := queue.New(queue.Config{Concurrency: 2, QueueSize: 50}, jobs, log)
	svc := productsync.New(productsync.Deps{
		Jobs:     jobs,
		Catalog:  cat,
		Client:   client,
		Enqueuer: q,
		Log:      log,
	}, productsync.Config{PartnerTag: "shop-20"})

	if start {
		ctx, cancel := context.WithCancel(context.Background())
		q.Start(ctx, svc)
		t.Cleanup(func() {
			cancel()
			q.Wait()
		})
	}

	mux := http.NewServeMux()
	NewHandler(jobs, svc, q, client, log).RegisterRoutes(mux)
	srv := httptest.NewServer(Chain(mux, RequestID, Recover(log), Auth([]string{testAPIKey})))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, jobs: jobs, catalog: cat, queue: q, sync: svc}
}

func (e *testEnv) addProduct(t *testing.T, id, asin string) {
	t.Helper()
	require.NoError(t, e.catalog.Upsert(context.Background(), &catalog.Product{
		ID:           id,
		Title:        "Product " + id,
		ASIN:         asin,
		AffiliateURL: "https://www.amazon.com/dp/" + asin,
	}))
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCreateJob_Returns202WithJobID(t *testing.T) {
	env := newTestServer(t, false)
	env.addProduct(t, "p1", "B08N5WRWNW")

	resp := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]string{"type": "image_refresh", "product_id": "p1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)

	j, err := env.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, job.KindImageRefresh, j.Kind)
}

func TestCreateJob_Rejections(t *testing.T) {
	env := newTestServer(t, false)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"unknown type", map[string]string{"type": "reindex"}, http.StatusBadRequest},
		{"missing type", map[string]string{}, http.StatusBadRequest},
		{"refresh without product", map[string]string{"type": "image_refresh"}, http.StatusBadRequest},
		{"unknown product", map[string]string{"type": "link_validation", "product_id": "ghost"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/jobs", tc.body)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	_, total, err := env.jobs.List(context.Background(), job.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestGetJob(t *testing.T) {
	env := newTestServer(t, false)
	id, err := env.sync.ScheduleFullSync(context.Background())
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/api/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "full_sync", body["type"])
	assert.Equal(t, "pending", body["status"])

	resp = env.do(t, http.MethodGet, "/api/v1/jobs/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobs_FilterAndStats(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t, false)
	first, err := env.sync.ScheduleFullSync(ctx)
	require.NoError(t, err)
	_, err = env.sync.ScheduleLinkValidation(ctx, "")
	require.NoError(t, err)
	require.NoError(t, env.jobs.MarkRunning(ctx, first))
	require.NoError(t, env.jobs.MarkFailed(ctx, first, "ServiceUnavailable: down"))

	resp := env.do(t, http.MethodGet, "/api/v1/jobs?status=failed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 1, body["total"])

	resp = env.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/jobs/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	counts := decodeBody(t, resp)["counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["failed"])
	assert.EqualValues(t, 1, counts["pending"])
	assert.EqualValues(t, 0, counts["running"])
}

func TestRetryJob(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t, false)
	id, err := env.sync.ScheduleFullSync(ctx)
	require.NoError(t, err)

	resp := env.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, env.jobs.MarkRunning(ctx, id))
	require.NoError(t, env.jobs.MarkFailed(ctx, id, "boom"))

	resp = env.do(t, http.MethodPost, "/api/v1/jobs/"+id+"/retry", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	newID, _ := decodeBody(t, resp)["job_id"].(string)
	require.NotEmpty(t, newID)
	assert.NotEqual(t, id, newID)

	resp = env.do(t, http.MethodPost, "/api/v1/jobs/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBulkSchedule(t *testing.T) {
	env := newTestServer(t, false)
	env.addProduct(t, "p1", "B08N5WRWNW")
	env.addProduct(t, "p2", "B07XJ8C8F5")

	resp := env.do(t, http.MethodPost, "/api/v1/products/bulk", map[string]any{
		"product_ids": []string{"p1", "p2"},
		"action":      "explode",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/products/bulk", map[string]any{
		"product_ids": []string{},
		"action":      "refresh_image",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/products/bulk", map[string]any{
		"product_ids": []string{"p1", "p2"},
		"action":      "refresh_image",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ids := decodeBody(t, resp)["job_ids"].([]any)
	assert.Len(t, ids, 2)
}

func TestExternalLookup(t *testing.T) {
	env := newTestServer(t, false)

	resp := env.do(t, http.MethodGet, "/api/v1/external/products/b08n5wrwnw", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["cached"])
	assert.Equal(t, "B08N5WRWNW", body["product"].(map[string]any)["asin"])

	resp = env.do(t, http.MethodGet, "/api/v1/external/products/B08N5WRWNW", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["cached"])

	resp = env.do(t, http.MethodGet, "/api/v1/external/products/B08N5WRWNW?refresh=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp)["cached"])

	resp = env.do(t, http.MethodGet, "/api/v1/external/products/not-an-asin", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidIdentifier", decodeBody(t, resp)["kind"])
}

func TestExternalBatchAndValidate(t *testing.T) {
	env := newTestServer(t, false)

	resp := env.do(t, http.MethodPost, "/api/v1/external/products/batch", map[string]any{
		"asins": []string{"B08N5WRWNW", "bad", product.MockNotFoundASIN},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Len(t, body["succeeded"], 1)
	assert.Len(t, body["failed"], 2)

	eleven := make([]string, 11)
	for i := range eleven {
		eleven[i] = "B08N5WRWNW"
	}
	resp = env.do(t, http.MethodPost, "/api/v1/external/products/batch", map[string]any{"asins": eleven})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/external/validate", map[string]string{"asin": product.MockNotFoundASIN})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decodeBody(t, resp)
	assert.Equal(t, true, v["valid"])
	assert.Equal(t, false, v["exists"])

	resp = env.do(t, http.MethodPost, "/api/v1/external/validate", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFullSyncEndToEnd(t *testing.T) {
	env := newTestServer(t, true)
	env.addProduct(t, "p1", "B08N5WRWNW")
	env.addProduct(t, "p2", product.MockNotFoundASIN)

	resp := env.do(t, http.MethodPost, "/api/v1/products/sync", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := decodeBody(t, resp)["job_id"].(string)

	require.Eventually(t, func() bool {
		j, err := env.jobs.Get(context.Background(), id)
		return err == nil && j.Status == job.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	resp = env.do(t, http.MethodGet, "/api/v1/products/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum := decodeBody(t, resp)
	assert.EqualValues(t, 2, sum["total_products"])
	assert.EqualValues(t, 1, sum["invalid_links"])
	assert.EqualValues(t, 1, sum["failed_image"])
	assert.EqualValues(t, 0, sum["unchecked_links"])

	resp = env.do(t, http.MethodGet, "/api/v1/products/broken-links", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	broken := decodeBody(t, resp)
	assert.EqualValues(t, 1, broken["total"])
}

func TestStreamSSE_TerminalJobSendsResult(t *testing.T) {
	ctx := context.Background()
	env := newTestServer(t, false)
	id, err := env.sync.ScheduleFullSync(ctx)
	require.NoError(t, err)
	require.NoError(t, env.jobs.MarkRunning(ctx, id))
	require.NoError(t, env.jobs.MarkCompleted(ctx, id, "0 processed, 0 updated, 0 failed"))

	resp := env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/sse", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: result")
	assert.Contains(t, string(raw), `"status":"completed"`)
}

func TestStreamSSE_RunsUntilResult(t *testing.T) {
	env := newTestServer(t, true)
	env.addProduct(t, "p1", "B08N5WRWNW")

	// The job may finish before the stream subscribes; either way it ends with a result.
	id, err := env.sync.ScheduleLinkValidation(context.Background(), "p1")
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/api/v1/jobs/"+id+"/sse", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: result")
}

func TestHealthAndAuth(t *testing.T) {
	env := newTestServer(t, false)

	resp, err := http.Get(env.srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp2, err := http.Get(env.srv.URL + "/api/v1/jobs")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}
