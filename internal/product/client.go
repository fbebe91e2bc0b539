// Package product wraps the external product-data API behind a cached,
// rate-paced client with a closed error taxonomy.
package product

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/catalogsync/catalogsync/internal/cache"
	"github.com/catalogsync/catalogsync/internal/ratelimit"
)

const cacheKeyPrefix = "external-product-"

// Config tunes caching, pacing and quota for a Client.
type Config struct {
	CacheTTL    time.Duration
	CallTimeout time.Duration

	// RequestsPerSecond paces outbound calls. Zero or less disables pacing.
	RequestsPerSecond float64
	Burst             int

	// QuotaLimit calls per QuotaWindow are allowed for QuotaKey. Zero disables the quota.
	QuotaKey    string
	QuotaLimit  int
	QuotaWindow time.Duration
}

// DefaultConfig mirrors the upstream's documented defaults: one request per
// second and a day-long product cache.
func DefaultConfig() Config {
	return Config{
		CacheTTL:          24 * time.Hour,
		CallTimeout:       10 * time.Second,
		RequestsPerSecond: 1,
		Burst:             1,
	}
}

// Client looks up products, serving repeated reads from cache.
type Client struct {
	up    Upstream
	store cache.Store[Product]
	quota *ratelimit.Limiter
	pacer *rate.Limiter
	group singleflight.Group
	cfg   Config
	log   *zap.SugaredLogger
}

// NewClient creates a Client. quota may be nil.
func NewClient(up Upstream, store cache.Store[Product], quota *ratelimit.Limiter, cfg Config, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	pacer := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{
		up:    up,
		store: store,
		quota: quota,
		pacer: pacer,
		cfg:   cfg,
		log:   log.Named("product"),
	}
}

func cacheKey(asin string) string { return cacheKeyPrefix + asin }

// GetProduct returns the product for asin, from cache when fresh.
func (c *Client) GetProduct(ctx context.Context, asin string) (Result, error) {
	id := Sanitize(asin)
	if !ValidateFormat(id) {
		return Result{}, newError(KindInvalidIdentifier, "invalid ASIN format: %q", asin)
	}

	key := cacheKey(id)
	if p, ok := c.store.Get(key); ok {
		return Result{Product: p, Cached: true}, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Detached from the first caller so its cancellation cannot fail the
		// callers that joined this lookup.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
		defer cancel()
		products, err := c.fetch(fetchCtx, []string{id})
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			if p.ASIN == id {
				c.store.Set(key, p, c.cfg.CacheTTL)
				return p, nil
			}
		}
		return nil, newError(KindInvalidIdentifier, "product %s not found", id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		if res.Shared {
			c.log.Debugw("Joined in-flight lookup", "asin", id)
		}
		return Result{Product: res.Val.(Product)}, nil
	case <-ctx.Done():
		return Result{}, wrapError(ctx.Err(), KindServiceUnavailable, "lookup of %s abandoned", id)
	}
}

// Refresh bypasses the cache for asin and stores the fresh result.
func (c *Client) Refresh(ctx context.Context, asin string) (Result, error) {
	c.Invalidate(asin)
	return c.GetProduct(ctx, asin)
}

// Invalidate drops any cached entry for asin.
func (c *Client) Invalidate(asin string) {
	c.store.Invalidate(cacheKey(Sanitize(asin)))
}

// GetProducts looks up at most MaxBatchSize identifiers. Every input appears
// exactly once in either Succeeded or Failed, in input order. Malformed
// identifiers are never sent upstream, and duplicates are fetched once.
func (c *Client) GetProducts(ctx context.Context, asins []string) (BatchResult, error) {
	if len(asins) > MaxBatchSize {
		return BatchResult{}, newError(KindInvalidIdentifier, "batch of %d exceeds the limit of %d", len(asins), MaxBatchSize)
	}

	type slot struct {
		input  string
		id     string
		valid  bool
		cached *Product
	}
	slots := make([]slot, len(asins))
	var toFetch []string
	seen := make(map[string]bool)

	for i, raw := range asins {
		id := Sanitize(raw)
		s := slot{input: raw, id: id, valid: ValidateFormat(id)}
		if s.valid {
			if p, ok := c.store.Get(cacheKey(id)); ok {
				s.cached = &p
			} else if !seen[id] {
				seen[id] = true
				toFetch = append(toFetch, id)
			}
		}
		slots[i] = s
	}

	fetched := make(map[string]Product)
	var fetchErr *Error
	if len(toFetch) > 0 {
		products, err := c.fetch(ctx, toFetch)
		if err != nil {
			fetchErr = asError(err)
		}
		for _, p := range products {
			fetched[p.ASIN] = p
			c.store.Set(cacheKey(p.ASIN), p, c.cfg.CacheTTL)
		}
	}

	var out BatchResult
	for _, s := range slots {
		switch {
		case !s.valid:
			out.Failed = append(out.Failed, BatchFailure{
				ID:    s.input,
				Kind:  KindInvalidIdentifier,
				Error: newError(KindInvalidIdentifier, "invalid ASIN format: %q", s.input).Message,
			})
		case s.cached != nil:
			out.Succeeded = append(out.Succeeded, BatchItem{ID: s.input, Result: Result{Product: *s.cached, Cached: true}})
		case fetchErr != nil:
			out.Failed = append(out.Failed, BatchFailure{ID: s.input, Kind: fetchErr.Kind, Error: fetchErr.Message})
		default:
			if p, ok := fetched[s.id]; ok {
				out.Succeeded = append(out.Succeeded, BatchItem{ID: s.input, Result: Result{Product: p}})
			} else {
				out.Failed = append(out.Failed, BatchFailure{
					ID:    s.input,
					Kind:  KindInvalidIdentifier,
					Error: newError(KindInvalidIdentifier, "product %s not found", s.id).Message,
				})
			}
		}
	}
	return out, nil
}

// ValidateIdentifier checks format and existence. Not-found is a valid answer,
// not an error; transport failures are returned as errors.
func (c *Client) ValidateIdentifier(ctx context.Context, asin string) (Validation, error) {
	id := Sanitize(asin)
	if !ValidateFormat(id) {
		return Validation{Valid: false}, nil
	}
	res, err := c.GetProduct(ctx, id)
	if err != nil {
		if KindOf(err) == KindInvalidIdentifier {
			return Validation{Valid: true, Exists: false}, nil
		}
		return Validation{}, err
	}
	return Validation{
		Valid:  true,
		Exists: true,
		Title:  res.Product.Title,
		Price:  res.Product.Price,
	}, nil
}

// fetch applies the quota and pacer, then calls the upstream under CallTimeout.
func (c *Client) fetch(ctx context.Context, ids []string) ([]Product, error) {
	if c.quota != nil && c.cfg.QuotaLimit > 0 {
		res := c.quota.CheckLimit(c.cfg.QuotaKey, c.cfg.QuotaLimit, c.cfg.QuotaWindow)
		if !res.Success {
			e := newError(KindRateLimitExceeded, "local quota exhausted, retry in %ds", res.ResetInSeconds())
			e.RetryAfter = res.ResetIn
			c.log.Warnw("Upstream quota exhausted", "retry_after", res.ResetIn)
			return nil, e
		}
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, wrapError(err, KindServiceUnavailable, "waiting for request slot")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	products, err := c.up.GetItems(callCtx, ids)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && KindOf(err) != KindServiceUnavailable {
			err = wrapError(err, KindServiceUnavailable, "upstream call timed out after %s", c.cfg.CallTimeout)
		}
		pe := asError(err)
		c.log.Warnw("Upstream lookup failed",
			"asins", ids,
			"kind", pe.Kind,
			"status", pe.StatusCode,
			"error", pe.Message,
		)
		return nil, pe
	}

	c.log.Debugw("Upstream lookup", "asins", ids, "found", len(products), "elapsed", time.Since(start))
	return products, nil
}
