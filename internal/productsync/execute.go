package productsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/catalogsync/catalogsync/internal/catalog"
	"github.com/catalogsync/catalogsync/internal/job"
	"github.com/catalogsync/catalogsync/internal/product"
	"github.com/catalogsync/catalogsync/internal/queue"
	"github.com/catalogsync/catalogsync/internal/revalidate"
)

const maxSummaryFailures = 20

var _ queue.Executor = (*Service)(nil)

// Execute performs the work for j. It implements queue.Executor.
func (s *Service) Execute(ctx context.Context, j *job.Job, progress queue.ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(int, int) {}
	}
	switch j.Kind {
	case job.KindImageRefresh:
		if err := s.refreshImage(ctx, j.ProductID); err != nil {
			return "", err
		}
		return fmt.Sprintf("image refreshed for product %s", j.ProductID), nil

	case job.KindLinkValidation:
		if j.ProductID == "" {
			return s.sweep(ctx, progress, false)
		}
		status, link, err := s.validateLink(ctx, j.ProductID)
		if err != nil {
			return "", err
		}
		if link == "" {
			return fmt.Sprintf("link for product %s is %s", j.ProductID, status), nil
		}
		return fmt.Sprintf("link for product %s is %s (%s)", j.ProductID, status, link), nil

	case job.KindFullSync:
		return s.sweep(ctx, progress, true)

	default:
		return "", errors.Newf("unknown job type %q", j.Kind)
	}
}

// resolveASIN prefers the stored identifier and falls back to the affiliate URL.
func resolveASIN(p *catalog.Product) (string, bool) {
	if asin := product.Sanitize(p.ASIN); product.ValidateFormat(asin) {
		return asin, true
	}
	return product.ExtractASIN(p.AffiliateURL)
}

func (s *Service) refreshImage(ctx context.Context, productID string) error {
	unlock := s.locks.Lock(productID)
	defer unlock()

	p, err := s.catalog.FetchProduct(ctx, productID)
	if err != nil {
		return err
	}

	var prod product.Product
	asin, ok := resolveASIN(p)
	if !ok {
		err = errors.Newf("%s: product %s has no valid ASIN", product.KindInvalidIdentifier, productID)
	} else {
		var res product.Result
		res, err = s.client.Refresh(ctx, asin)
		prod = res.Product
	}

	if werr := s.applyImage(ctx, p, asin, prod, err); werr != nil {
		return werr
	}
	s.invalidateTags(ctx, productID)
	return err
}

// applyImage writes the outcome of an image refresh. p is the product as read
// under its lock, before this refresh.
func (s *Service) applyImage(ctx context.Context, p *catalog.Product, asin string, prod product.Product, fetchErr error) error {
	now := s.now().UTC()
	if fetchErr == nil {
		data := catalog.ExternalData{
			ImageURL:     prod.ImageURL,
			AffiliateURL: product.CanonicalURL(s.cfg.Marketplace, asin, s.cfg.PartnerTag),
		}
		if prod.Price != nil {
			data.Price = &catalog.Price{
				Amount:        prod.Price.Amount,
				Currency:      prod.Price.Currency,
				DisplayAmount: prod.Price.DisplayAmount,
			}
		}
		if err := s.catalog.UpdateExternalData(ctx, p.ID, data); err != nil {
			return err
		}
		u := catalog.StatusUpdate{
			ImageRefreshStatus: catalog.Ptr(catalog.ImageCurrent),
			LastImageRefresh:   &now,
		}
		if p.LinkValidationStatus != catalog.LinkInvalid {
			u.NeedsReview = catalog.Ptr(false)
		}
		return s.catalog.UpdateStatusFields(ctx, p.ID, u)
	}

	u := catalog.StatusUpdate{
		ImageRefreshStatus: catalog.Ptr(catalog.ImageFailed),
		LastImageRefresh:   &now,
	}
	if p.ImageRefreshStatus == catalog.ImageFailed {
		u.NeedsReview = catalog.Ptr(true)
	}
	return s.catalog.UpdateStatusFields(ctx, p.ID, u)
}

// validateLink rebuilds the product's canonical link and checks its
// identifier. A well-formed identifier the upstream does not know is an
// invalid link, not a job failure. link is empty when no ASIN resolves.
func (s *Service) validateLink(ctx context.Context, productID string) (status catalog.LinkStatus, link string, err error) {
	unlock := s.locks.Lock(productID)
	defer unlock()

	p, err := s.catalog.FetchProduct(ctx, productID)
	if err != nil {
		return "", "", err
	}
	if err := s.catalog.UpdateStatusFields(ctx, productID, catalog.StatusUpdate{
		LinkValidationStatus: catalog.Ptr(catalog.LinkChecking),
	}); err != nil {
		return "", "", err
	}

	exists := false
	asin, ok := resolveASIN(p)
	if ok {
		link = product.CanonicalURL(s.cfg.Marketplace, asin, s.cfg.PartnerTag)
		s.client.Invalidate(asin)
		var v product.Validation
		v, err = s.client.ValidateIdentifier(ctx, asin)
		exists = err == nil && v.Valid && v.Exists
	}

	status, werr := s.applyLink(ctx, p, exists)
	if werr != nil {
		return "", link, werr
	}
	s.invalidateTags(ctx, productID)
	s.log.Debugw("Link checked", "product_id", productID, "url", link, "status", status)
	return status, link, err
}

// applyLink writes a link validation outcome. p is the product as read before
// the check started.
func (s *Service) applyLink(ctx context.Context, p *catalog.Product, exists bool) (catalog.LinkStatus, error) {
	now := s.now().UTC()
	status := catalog.LinkInvalid
	if exists {
		status = catalog.LinkValid
	}
	u := catalog.StatusUpdate{
		LinkValidationStatus: &status,
		LastLinkCheck:        &now,
	}
	switch {
	case !exists && p.LinkValidationStatus == catalog.LinkInvalid:
		u.NeedsReview = catalog.Ptr(true)
	case exists && p.ImageRefreshStatus != catalog.ImageFailed:
		u.NeedsReview = catalog.Ptr(false)
	}
	return status, s.catalog.UpdateStatusFields(ctx, p.ID, u)
}

func (s *Service) invalidateTags(ctx context.Context, productIDs ...string) {
	tags := []string{revalidate.TagProducts, revalidate.TagAffiliateProducts}
	for _, id := range productIDs {
		tags = append(tags, revalidate.ProductTag(id))
	}
	if err := s.notifier.Invalidate(context.WithoutCancel(ctx), tags...); err != nil {
		s.log.Warnw("Tag invalidation failed", "tags", tags, "error", err)
	}
}

// sweepItem is one product inside a catalog-wide job.
type sweepItem struct {
	id       string
	asin     string
	prevLink catalog.LinkStatus // link status before the sweep marked it checking
	err      error              // set when the product could not be looked up at all
}

type sweepStats struct {
	processed   int
	updated     int
	failures    []string
	lookups     int
	unavailable int
	authErr     error
}

func (st *sweepStats) fail(productID string, err error) {
	st.failures = append(st.failures, fmt.Sprintf("%s: %v", productID, err))
}

func (st *sweepStats) summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d processed, %d updated, %d failed", st.processed, st.updated, len(st.failures))
	if len(st.failures) > 0 {
		shown := st.failures
		if len(shown) > maxSummaryFailures {
			shown = shown[:maxSummaryFailures]
		}
		b.WriteString(": ")
		b.WriteString(strings.Join(shown, "; "))
		if extra := len(st.failures) - len(shown); extra > 0 {
			fmt.Fprintf(&b, "; and %d more", extra)
		}
	}
	return b.String()
}

// sweep walks the whole catalog in upstream-sized batches. withImages also
// refreshes image data (full sync); links are always validated. Per-item
// failures are recorded and the sweep continues, except for authentication
// failures and an upstream that failed every lookup.
func (s *Service) sweep(ctx context.Context, progress queue.ProgressFunc, withImages bool) (string, error) {
	ids, err := s.catalog.ListProductIDs(ctx)
	if err != nil {
		return "", errors.Wrap(err, "list products")
	}
	total := len(ids)
	progress(0, total)

	st := &sweepStats{}
	var touched []string
	defer func() {
		if len(touched) > 0 {
			s.invalidateTags(ctx, touched...)
		}
	}()

	for start := 0; start < total; start += product.MaxBatchSize {
		if err := ctx.Err(); err != nil {
			return "", errors.Wrapf(err, "sweep stopped after %d of %d products", st.processed, total)
		}
		end := min(start+product.MaxBatchSize, total)
		batch := ids[start:end]

		touched = append(touched, s.sweepBatch(ctx, batch, withImages, st, func() {
			st.processed++
			progress(st.processed, total)
		})...)

		if st.authErr != nil {
			return "", errors.Wrapf(st.authErr, "sweep aborted after %d of %d products", st.processed, total)
		}
	}

	if st.lookups > 0 && st.unavailable == st.lookups {
		return "", errors.Newf("%s: upstream unavailable for all %d lookups (%s)",
			product.KindServiceUnavailable, st.lookups, st.summary())
	}

	s.log.Infow("Sweep finished", "full_sync", withImages, "processed", st.processed, "failed", len(st.failures))
	return st.summary(), nil
}

// sweepBatch handles one upstream-sized batch. The batch stays locked from
// marking through apply, so a scoped job on one of these products waits for
// the sweep's write. It returns the ids it touched.
func (s *Service) sweepBatch(ctx context.Context, batch []string, withImages bool, st *sweepStats, done func()) []string {
	unlock := s.locks.LockAll(batch)
	defer unlock()

	items := s.prepareBatch(ctx, batch)
	results := s.lookupBatch(ctx, items, st)
	touched := make([]string, 0, len(items))
	for _, it := range items {
		if err := s.applySweepItem(ctx, it, results, withImages, st); err != nil {
			st.fail(it.id, err)
		}
		touched = append(touched, it.id)
		done()
	}
	return touched
}

// prepareBatch resolves identifiers and marks each product as checking while
// the lookup is in flight. The caller holds the batch's locks.
func (s *Service) prepareBatch(ctx context.Context, ids []string) []sweepItem {
	items := make([]sweepItem, 0, len(ids))
	for _, id := range ids {
		it := sweepItem{id: id}
		p, err := s.catalog.FetchProduct(ctx, id)
		if err != nil {
			it.err = err
			items = append(items, it)
			continue
		}
		it.prevLink = p.LinkValidationStatus
		if asin, ok := resolveASIN(p); ok {
			it.asin = asin
		} else {
			it.err = errors.Newf("%s: product has no valid ASIN", product.KindInvalidIdentifier)
		}
		if err := s.catalog.UpdateStatusFields(ctx, id, catalog.StatusUpdate{
			LinkValidationStatus: catalog.Ptr(catalog.LinkChecking),
		}); err != nil {
			it.err = err
		}
		items = append(items, it)
	}
	return items
}

type lookupResult struct {
	prod product.Product
	err  error
}

// lookupBatch fetches every resolvable identifier of the batch in one call,
// bypassing the cache.
func (s *Service) lookupBatch(ctx context.Context, items []sweepItem, st *sweepStats) map[string]lookupResult {
	var asins []string
	for _, it := range items {
		if it.err == nil {
			s.client.Invalidate(it.asin)
			asins = append(asins, it.asin)
		}
	}
	results := make(map[string]lookupResult, len(asins))
	if len(asins) == 0 {
		return results
	}

	res, err := s.client.GetProducts(ctx, asins)
	if err != nil {
		for _, a := range asins {
			results[a] = lookupResult{err: err}
		}
	} else {
		for _, item := range res.Succeeded {
			results[item.ID] = lookupResult{prod: item.Product}
		}
		for _, f := range res.Failed {
			results[f.ID] = lookupResult{err: &product.Error{Kind: f.Kind, Message: f.Error}}
		}
	}

	for _, a := range asins {
		st.lookups++
		switch product.KindOf(results[a].err) {
		case product.KindServiceUnavailable:
			st.unavailable++
		case product.KindAuthenticationFailed:
			if st.authErr == nil {
				st.authErr = results[a].err
			}
		}
	}
	return results
}

// applySweepItem writes one product's outcome and returns the per-item
// failure, if any. The caller holds the product's lock.
func (s *Service) applySweepItem(ctx context.Context, it sweepItem, results map[string]lookupResult, withImages bool, st *sweepStats) error {
	p, err := s.catalog.FetchProduct(ctx, it.id)
	if err != nil {
		return err
	}
	p.LinkValidationStatus = it.prevLink

	res := lookupResult{err: it.err}
	if it.err == nil {
		res = results[it.asin]
	}
	exists := res.err == nil

	if withImages {
		if err := s.applyImage(ctx, p, it.asin, res.prod, res.err); err != nil {
			return err
		}
	}
	if _, err := s.applyLink(ctx, p, exists); err != nil {
		return err
	}
	if res.err != nil {
		return res.err
	}
	st.updated++
	return nil
}
