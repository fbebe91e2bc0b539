// Package productsync decides what freshness work to schedule for catalog
// products and performs it when the queue runs a job.
package productsync

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/catalogsync/catalogsync/internal/catalog"
	"github.com/catalogsync/catalogsync/internal/job"
	"github.com/catalogsync/catalogsync/internal/product"
	"github.com/catalogsync/catalogsync/internal/revalidate"
)

var (
	// ErrNotRetryable is returned by RetryJob for jobs that are not failed.
	ErrNotRetryable = errors.New("job is not retryable")
	// ErrInvalidAction is returned by BulkSchedule for an unknown action.
	ErrInvalidAction = errors.New("invalid bulk action")
	// ErrNoProducts is returned by BulkSchedule for an empty product list.
	ErrNoProducts = errors.New("no product ids given")
	// ErrInvalidJob marks job specs rejected before creation.
	ErrInvalidJob = errors.New("invalid job")
)

// Bulk actions.
const (
	ActionRefreshImage = "refresh_image"
	ActionValidateLink = "validate_link"
)

// ProductClient is the subset of *product.Client the service uses.
type ProductClient interface {
	Refresh(ctx context.Context, asin string) (product.Result, error)
	GetProducts(ctx context.Context, asins []string) (product.BatchResult, error)
	ValidateIdentifier(ctx context.Context, asin string) (product.Validation, error)
	Invalidate(asin string)
}

// Enqueuer hands a created job to the dispatcher.
type Enqueuer interface {
	Enqueue(jobID string) error
}

type Config struct {
	Marketplace string
	PartnerTag  string
}

// Deps are the collaborators of a Service. Notifier and Enqueuer may be nil;
// without an Enqueuer jobs wait for the queue's poller.
type Deps struct {
	Jobs     job.Store
	Catalog  catalog.Store
	Client   ProductClient
	Notifier revalidate.Notifier
	Enqueuer Enqueuer
	Log      *zap.SugaredLogger
}

// Service is the product sync orchestrator.
type Service struct {
	jobs     job.Store
	catalog  catalog.Store
	client   ProductClient
	notifier revalidate.Notifier
	enqueuer Enqueuer
	locks    *KeyedMutex
	cfg      Config
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(d Deps, cfg Config) *Service {
	if d.Notifier == nil {
		d.Notifier = revalidate.Nop{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if cfg.Marketplace == "" {
		cfg.Marketplace = "www.amazon.com"
	}
	return &Service{
		jobs:     d.Jobs,
		catalog:  d.Catalog,
		client:   d.Client,
		notifier: d.Notifier,
		enqueuer: d.Enqueuer,
		locks:    NewKeyedMutex(),
		cfg:      cfg,
		log:      d.Log.Named("sync"),
		now:      time.Now,
	}
}

func (s *Service) ScheduleImageRefresh(ctx context.Context, productID string) (string, error) {
	j, err := s.Schedule(ctx, job.ImageRefresh(productID))
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

// ScheduleLinkValidation with an empty productID schedules a catalog-wide sweep.
func (s *Service) ScheduleLinkValidation(ctx context.Context, productID string) (string, error) {
	j, err := s.Schedule(ctx, job.LinkValidation(productID))
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *Service) ScheduleFullSync(ctx context.Context) (string, error) {
	j, err := s.Schedule(ctx, job.FullSync())
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

// Schedule validates spec, checks that a scoped product exists and creates a
// pending job. It never executes work.
func (s *Service) Schedule(ctx context.Context, spec job.Spec) (*job.Job, error) {
	if err := s.checkSpec(ctx, spec); err != nil {
		return nil, err
	}
	return s.create(ctx, spec, "")
}

// RetryJob creates a new job with the same spec as a failed one. The original
// is left untouched.
func (s *Service) RetryJob(ctx context.Context, originalID string) (*job.Job, error) {
	orig, err := s.jobs.Get(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if orig.Status != job.StatusFailed {
		return nil, errors.Wrapf(ErrNotRetryable, "job %s is %s", orig.ID, orig.Status)
	}
	return s.create(ctx, orig.Spec(), orig.ID)
}

// BulkSchedule creates one job per distinct product id. Every input is checked
// before the first job is created, so a rejected call creates nothing.
func (s *Service) BulkSchedule(ctx context.Context, productIDs []string, action string) ([]string, error) {
	var build func(string) job.Spec
	switch action {
	case ActionRefreshImage:
		build = job.ImageRefresh
	case ActionValidateLink:
		build = job.LinkValidation
	default:
		return nil, errors.Wrapf(ErrInvalidAction, "%q is not one of %s, %s", action, ActionRefreshImage, ActionValidateLink)
	}
	if len(productIDs) == 0 {
		return nil, ErrNoProducts
	}

	seen := make(map[string]bool, len(productIDs))
	var specs []job.Spec
	for _, id := range productIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		spec := build(id)
		if err := s.checkSpec(ctx, spec); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		j, err := s.create(ctx, spec, "")
		if err != nil {
			return ids, err
		}
		ids = append(ids, j.ID)
	}
	s.log.Infow("Bulk scheduled", "action", action, "jobs", len(ids))
	return ids, nil
}

func (s *Service) checkSpec(ctx context.Context, spec job.Spec) error {
	if err := spec.Validate(); err != nil {
		return errors.Mark(err, ErrInvalidJob)
	}
	if spec.Scoped() {
		if _, err := s.catalog.FetchProduct(ctx, spec.ProductID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) create(ctx context.Context, spec job.Spec, retryOf string) (*job.Job, error) {
	j, err := job.New(spec)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidJob)
	}
	j.RetryOf = retryOf
	if err := s.jobs.Create(ctx, j); err != nil {
		return nil, err
	}
	if s.enqueuer != nil {
		if err := s.enqueuer.Enqueue(j.ID); err != nil {
			s.log.Warnw("Enqueue failed, job left for poller", "job_id", j.ID, "error", err)
		}
	}
	s.log.Infow("Job scheduled", "job_id", j.ID, "type", j.Kind, "product_id", j.ProductID, "retry_of", retryOf)
	return j, nil
}

// Summary aggregates product sync status across the catalog.
type Summary struct {
	TotalProducts  int `json:"total_products"`
	CurrentImage   int `json:"current_image"`
	OutdatedImage  int `json:"outdated_image"`
	FailedImage    int `json:"failed_image"`
	ValidLinks     int `json:"valid_links"`
	InvalidLinks   int `json:"invalid_links"`
	CheckingLinks  int `json:"checking_links"`
	UncheckedLinks int `json:"unchecked_links"`
	NeedsReview    int `json:"needs_review"`
}

func (s *Service) StatusSummary(ctx context.Context) (Summary, error) {
	products, err := s.catalog.List(ctx, catalog.ListFilter{})
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{TotalProducts: len(products)}
	for _, p := range products {
		switch p.ImageRefreshStatus {
		case catalog.ImageCurrent:
			sum.CurrentImage++
		case catalog.ImageOutdated:
			sum.OutdatedImage++
		case catalog.ImageFailed:
			sum.FailedImage++
		}
		switch p.LinkValidationStatus {
		case catalog.LinkValid:
			sum.ValidLinks++
		case catalog.LinkInvalid:
			sum.InvalidLinks++
		case catalog.LinkChecking:
			sum.CheckingLinks++
		case catalog.LinkUnchecked:
			sum.UncheckedLinks++
		}
		if p.NeedsReview {
			sum.NeedsReview++
		}
	}
	return sum, nil
}

// BrokenLinks lists products whose link validation status is invalid.
func (s *Service) BrokenLinks(ctx context.Context) ([]*catalog.Product, error) {
	return s.catalog.List(ctx, catalog.ListFilter{LinkStatus: catalog.LinkInvalid})
}

// RunSchedule schedules a full sync every interval until ctx is done. A tick
// is skipped while the previously scheduled sync has not finished.
func (s *Service) RunSchedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.log.Infow("Scheduler started", "interval", interval)

	var last string
	for {
		select {
		case <-ctx.Done():
			s.log.Infow("Scheduler stopped")
			return
		case <-ticker.C:
			if last != "" {
				j, err := s.jobs.Get(ctx, last)
				if err == nil && !j.Status.IsTerminal() {
					s.log.Debugw("Previous full sync still active", "job_id", last, "status", j.Status)
					continue
				}
			}
			id, err := s.ScheduleFullSync(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warnw("Scheduled full sync failed", "error", err)
				}
				continue
			}
			last = id
		}
	}
}
