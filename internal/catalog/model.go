// Package catalog is the product store the sync service reads from and
// writes freshness status into.
package catalog

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrNotFound = errors.New("product not found")

type ImageStatus string

const (
	ImageCurrent  ImageStatus = "current"
	ImageOutdated ImageStatus = "outdated"
	ImageFailed   ImageStatus = "failed"
)

type LinkStatus string

const (
	LinkValid    LinkStatus = "valid"
	LinkInvalid  LinkStatus = "invalid"
	LinkChecking LinkStatus = "checking"

	// LinkUnchecked is the status of a product no validation has run for.
	LinkUnchecked LinkStatus = ""
)

// SyncStatus is the system's own knowledge about a product's external data.
// Only job execution writes it.
type SyncStatus struct {
	ImageRefreshStatus   ImageStatus `json:"image_refresh_status"`
	LinkValidationStatus LinkStatus  `json:"link_validation_status"`
	LastImageRefresh     *time.Time  `json:"last_image_refresh,omitempty"`
	LastLinkCheck        *time.Time  `json:"last_link_check,omitempty"`
	NeedsReview          bool        `json:"needs_review"`
}

type Price struct {
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	DisplayAmount string  `json:"display_amount"`
}

type Product struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	ASIN         string    `json:"asin,omitempty"`
	ImageURL     string    `json:"image_url,omitempty"`
	AffiliateURL string    `json:"affiliate_url"`
	Price        *Price    `json:"price,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	SyncStatus
}

// StatusUpdate is a partial write of SyncStatus. Nil fields are left untouched.
type StatusUpdate struct {
	ImageRefreshStatus   *ImageStatus
	LinkValidationStatus *LinkStatus
	LastImageRefresh     *time.Time
	LastLinkCheck        *time.Time
	NeedsReview          *bool
}

// Empty reports whether the update would write nothing.
func (u StatusUpdate) Empty() bool {
	return u.ImageRefreshStatus == nil && u.LinkValidationStatus == nil &&
		u.LastImageRefresh == nil && u.LastLinkCheck == nil && u.NeedsReview == nil
}

// ExternalData is the upstream-derived content refreshed by an image refresh.
// Empty strings and a nil Price keep the stored value.
type ExternalData struct {
	ImageURL     string
	AffiliateURL string
	Price        *Price
}

type ListFilter struct {
	LinkStatus  LinkStatus
	ImageStatus ImageStatus
	NeedsReview *bool
}

// Store is the narrow catalog contract the sync service depends on.
type Store interface {
	// FetchProduct returns ErrNotFound when id is unknown.
	FetchProduct(ctx context.Context, id string) (*Product, error)
	UpdateStatusFields(ctx context.Context, id string, u StatusUpdate) error
	UpdateExternalData(ctx context.Context, id string, d ExternalData) error
	// ListProductIDs returns every product id in a stable order.
	ListProductIDs(ctx context.Context) ([]string, error)
	List(ctx context.Context, f ListFilter) ([]*Product, error)
}

// Ptr is a helper for building StatusUpdate literals.
func Ptr[T any](v T) *T { return &v }
