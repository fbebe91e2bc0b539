package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/catalogsync/catalogsync/internal/catalog"
	"github.com/catalogsync/catalogsync/internal/job"
	"github.com/catalogsync/catalogsync/internal/product"
	"github.com/catalogsync/catalogsync/internal/productsync"
	"github.com/catalogsync/catalogsync/internal/queue"
)

const maxBodyBytes = 1 << 20

// ProductLookup is the part of *product.Client exposed over HTTP.
type ProductLookup interface {
	GetProduct(ctx context.Context, asin string) (product.Result, error)
	Refresh(ctx context.Context, asin string) (product.Result, error)
	GetProducts(ctx context.Context, asins []string) (product.BatchResult, error)
	ValidateIdentifier(ctx context.Context, asin string) (product.Validation, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	jobs     job.Store
	sync     *productsync.Service
	queue    *queue.Queue
	products ProductLookup
	validate *validator.Validate
	log      *zap.SugaredLogger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(jobs job.Store, svc *productsync.Service, q *queue.Queue, products ProductLookup, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		jobs:     jobs,
		sync:     svc,
		queue:    q,
		products: products,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.Named("api"),
	}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/stats", h.JobStats)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/sse", h.StreamSSE)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", h.RetryJob)

	mux.HandleFunc("POST /api/v1/products/bulk", h.BulkSchedule)
	mux.HandleFunc("POST /api/v1/products/sync", h.FullSync)
	mux.HandleFunc("POST /api/v1/products/validate-links", h.ValidateLinks)
	mux.HandleFunc("GET /api/v1/products/status", h.StatusSummary)
	mux.HandleFunc("GET /api/v1/products/broken-links", h.BrokenLinks)

	mux.HandleFunc("GET /api/v1/external/products/{asin}", h.LookupProduct)
	mux.HandleFunc("POST /api/v1/external/products/batch", h.LookupBatch)
	mux.HandleFunc("POST /api/v1/external/validate", h.ValidateIdentifier)

	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req job.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	j, err := h.sync.Schedule(r.Context(), spec)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": j.ID, "job": j})
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a paginated list of jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := job.ListFilter{
		Limit:  parseIntParam(q.Get("limit"), 20),
		Offset: parseIntParam(q.Get("offset"), 0),
	}
	if s := q.Get("status"); s != "" {
		status, err := job.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = status
	}

	jobs, total, err := h.jobs.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// RetryJob handles POST /api/v1/jobs/{id}/retry and responds 201 with the new job id.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.sync.RetryJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": j.ID, "job": j})
}

// JobStats handles GET /api/v1/jobs/stats.
func (h *Handler) JobStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.Counts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	queued, inflight := h.queue.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":   counts,
		"queued":   queued,
		"inflight": inflight,
	})
}

type bulkRequest struct {
	ProductIDs []string `json:"product_ids" validate:"required,min=1,max=500,dive,required"`
	Action     string   `json:"action" validate:"required"`
}

// BulkSchedule handles POST /api/v1/products/bulk.
func (h *Handler) BulkSchedule(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	ids, err := h.sync.BulkSchedule(r.Context(), req.ProductIDs, req.Action)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

// FullSync handles POST /api/v1/products/sync.
func (h *Handler) FullSync(w http.ResponseWriter, r *http.Request) {
	id, err := h.sync.ScheduleFullSync(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// ValidateLinks handles POST /api/v1/products/validate-links.
func (h *Handler) ValidateLinks(w http.ResponseWriter, r *http.Request) {
	id, err := h.sync.ScheduleLinkValidation(r.Context(), "")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

// StatusSummary handles GET /api/v1/products/status.
func (h *Handler) StatusSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.sync.StatusSummary(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// BrokenLinks handles GET /api/v1/products/broken-links.
func (h *Handler) BrokenLinks(w http.ResponseWriter, r *http.Request) {
	products, err := h.sync.BrokenLinks(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if products == nil {
		products = []*catalog.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products, "total": len(products)})
}

// LookupProduct handles GET /api/v1/external/products/{asin}. refresh=true skips the cache.
func (h *Handler) LookupProduct(w http.ResponseWriter, r *http.Request) {
	asin := r.PathValue("asin")
	lookup := h.products.GetProduct
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		lookup = h.products.Refresh
	}
	res, err := lookup(r.Context(), asin)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	ASINs []string `json:"asins" validate:"required,min=1,max=10"`
}

// LookupBatch handles POST /api/v1/external/products/batch.
func (h *Handler) LookupBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.products.GetProducts(r.Context(), req.ASINs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res.Succeeded == nil {
		res.Succeeded = []product.BatchItem{}
	}
	if res.Failed == nil {
		res.Failed = []product.BatchFailure{}
	}
	writeJSON(w, http.StatusOK, res)
}

type validateRequest struct {
	ASIN string `json:"asin" validate:"required"`
}

// ValidateIdentifier handles POST /api/v1/external/validate.
func (h *Handler) ValidateIdentifier(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.products.ValidateIdentifier(r.Context(), req.ASIN)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	queued, inflight := h.queue.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"queued":   queued,
		"inflight": inflight,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// decode reads a JSON body into dst and validates it. It writes the 400 and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// fail maps domain errors to HTTP responses.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var pe *product.Error
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	case errors.Is(err, productsync.ErrNotRetryable), errors.Is(err, job.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, productsync.ErrInvalidAction),
		errors.Is(err, productsync.ErrInvalidJob),
		errors.Is(err, productsync.ErrNoProducts):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &pe):
		if pe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((pe.RetryAfter+time.Second-1)/time.Second)))
		}
		writeJSON(w, pe.Kind.HTTPStatus(), map[string]string{"error": pe.Message, "kind": string(pe.Kind)})
	default:
		h.log.Errorw("Request failed", "method", r.Method, "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
