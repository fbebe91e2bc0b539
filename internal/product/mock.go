package product

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

// MockNotFoundASIN is the well-formed identifier the mock upstream never knows.
const MockNotFoundASIN = "B000000000"

// Mock is a deterministic Upstream used in development when no credentials are
// configured. The same identifier always yields the same product.
type Mock struct {
	Marketplace string
	PartnerTag  string
	now         func() time.Time
}

// NewMock creates a mock upstream for marketplace.
func NewMock(marketplace, partnerTag string) *Mock {
	if marketplace == "" {
		marketplace = "www.amazon.com"
	}
	return &Mock{Marketplace: marketplace, PartnerTag: partnerTag, now: time.Now}
}

// GetItems implements Upstream.
func (m *Mock) GetItems(ctx context.Context, asins []string) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError(err, KindServiceUnavailable, "mock lookup cancelled")
	}
	fetched := m.now().UTC()
	out := make([]Product, 0, len(asins))
	for _, asin := range asins {
		if asin == MockNotFoundASIN || !ValidateFormat(asin) {
			continue
		}
		out = append(out, m.product(asin, fetched))
	}
	return out, nil
}

func (m *Mock) product(asin string, fetched time.Time) Product {
	h := fnv.New32a()
	h.Write([]byte(asin))
	cents := 999 + int(h.Sum32()%19000)
	amount := float64(cents) / 100

	return Product{
		ASIN:  asin,
		URL:   CanonicalURL(m.Marketplace, asin, m.PartnerTag),
		Title: "Sample Product " + asin,
		Brand: "Sample Brand",
		Features: []string{
			"Mock feature one",
			"Mock feature two",
		},
		ImageURL: "https://placehold.co/500x500?text=" + asin,
		Price: &Price{
			Amount:        amount,
			Currency:      "USD",
			DisplayAmount: fmt.Sprintf("$%.2f", amount),
		},
		Available: true,
		FetchedAt: fetched,
	}
}

var _ Upstream = (*Mock)(nil)
