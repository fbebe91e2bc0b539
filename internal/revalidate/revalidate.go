// Package revalidate tells downstream readers which cache tags went stale.
package revalidate

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Tags emitted after the sync service writes a product.
const (
	TagProducts          = "products"
	TagAffiliateProducts = "affiliate-products"
)

// ProductTag is the per-product tag.
func ProductTag(id string) string { return "product-" + id }

// Notifier issues a tag-based invalidation.
type Notifier interface {
	Invalidate(ctx context.Context, tags ...string) error
}

// Nop discards invalidations. Used when no endpoint is configured.
type Nop struct{}

func (Nop) Invalidate(context.Context, ...string) error { return nil }

const (
	defaultAttempts = 5
	retryBase       = time.Second
	retryCap        = time.Minute
	requestTimeout  = 10 * time.Second
)

type Config struct {
	URL    string
	Secret string
	// Attempts per invalidation, including the first. Defaults to 5.
	Attempts int
	// AllowPrivate permits loopback and private-range targets, e.g. a frontend
	// on the same host.
	AllowPrivate bool
}

// HTTPNotifier POSTs {"tags": [...]} to a revalidation endpoint asynchronously,
// retrying with full-jitter exponential backoff.
type HTTPNotifier struct {
	cfg    Config
	client *http.Client
	log    *zap.SugaredLogger
	wg     sync.WaitGroup
	sleep  func(context.Context, time.Duration) bool
}

// NewHTTP validates cfg.URL and returns a notifier.
func NewHTTP(cfg Config, log *zap.SugaredLogger) (*HTTPNotifier, error) {
	if err := validateURL(cfg.URL, cfg.AllowPrivate); err != nil {
		return nil, errors.Wrap(err, "revalidate url")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HTTPNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
		log:    log.Named("revalidate"),
		sleep:  sleepCtx,
	}, nil
}

// Invalidate queues delivery and returns immediately. ctx bounds the retries;
// pass context.WithoutCancel of a job context so delivery survives the job.
func (n *HTTPNotifier) Invalidate(ctx context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string][]string{"tags": tags})
	if err != nil {
		return errors.Wrap(err, "encode tags")
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.send(ctx, tags, payload)
	}()
	return nil
}

// Wait blocks until queued deliveries finish or give up.
func (n *HTTPNotifier) Wait() { n.wg.Wait() }

func (n *HTTPNotifier) send(ctx context.Context, tags []string, payload []byte) {
	for attempt := 1; attempt <= n.cfg.Attempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := n.post(ctx, payload)
		if err == nil {
			n.log.Debugw("Tags invalidated", "tags", tags, "attempt", attempt)
			return
		}
		n.log.Warnw("Revalidation attempt failed", "attempt", attempt, "tags", tags, "error", err)
		if attempt < n.cfg.Attempts && !n.sleep(ctx, jitter(attempt)) {
			return
		}
	}
	n.log.Errorw("Revalidation retries exhausted", "tags", tags, "url", n.cfg.URL)
}

func (n *HTTPNotifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.Secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int64N(int64(exp)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// validateURL blocks non-HTTP schemes and, unless allowPrivate, private/internal IP ranges.
func validateURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.Newf("unsupported scheme: %q", u.Scheme)
	}
	if allowPrivate {
		return nil
	}

	ips, err := net.LookupHost(u.Hostname())
	if err != nil {
		return errors.Wrap(err, "DNS lookup failed")
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return errors.Newf("private/internal IP blocked: %s", ipStr)
		}
	}
	return nil
}
