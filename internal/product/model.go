package product

import (
	"context"
	"time"
)

// MaxBatchSize is the upstream's GetItems limit and the cap for GetProducts.
const MaxBatchSize = 10

// Price is the first offer listing price.
type Price struct {
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	DisplayAmount string  `json:"display_amount"`
}

// Product is the subset of upstream item data the catalog cares about.
type Product struct {
	ASIN      string    `json:"asin"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Brand     string    `json:"brand,omitempty"`
	Features  []string  `json:"features,omitempty"`
	ImageURL  string    `json:"image_url"`
	Price     *Price    `json:"price,omitempty"`
	Available bool      `json:"available"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Upstream fetches items by identifier. Identifiers the upstream does not know
// are omitted from the result rather than reported as an error. Failures are
// returned as *Error.
type Upstream interface {
	GetItems(ctx context.Context, asins []string) ([]Product, error)
}

// Result is a single lookup outcome.
type Result struct {
	Product Product `json:"product"`
	Cached  bool    `json:"cached"`
}

// BatchItem is a successful entry of a batch lookup, keyed by the caller's input.
type BatchItem struct {
	ID string `json:"id"`
	Result
}

// BatchFailure is a failed entry of a batch lookup, keyed by the caller's input.
// Error holds the message without the kind prefix.
type BatchFailure struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Error string `json:"error"`
}

// BatchResult accounts for every input identifier exactly once.
type BatchResult struct {
	Succeeded []BatchItem    `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// Validation is the outcome of an existence check.
type Validation struct {
	Valid  bool   `json:"valid"`
	Exists bool   `json:"exists"`
	Title  string `json:"title,omitempty"`
	Price  *Price `json:"price,omitempty"`
}
