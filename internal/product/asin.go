package product

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	asinPattern    = regexp.MustCompile(`^[A-Z0-9]{10}$`)
	asinURLPattern = regexp.MustCompile(`(?:/dp/|/gp/product/|/exec/obidos/asin/)([A-Z0-9]{10})`)
)

// ValidateFormat is a pure syntactic check: ten upper-case alphanumerics.
func ValidateFormat(asin string) bool {
	return asinPattern.MatchString(asin)
}

// Sanitize trims whitespace and upper-cases the identifier.
func Sanitize(asin string) string {
	return strings.ToUpper(strings.TrimSpace(asin))
}

// ExtractASIN pulls the identifier out of a product detail URL.
func ExtractASIN(rawURL string) (string, bool) {
	m := asinURLPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// CanonicalURL builds the affiliate detail-page URL for asin on marketplace
// (e.g. "www.amazon.com"). An empty partnerTag omits the tag parameter.
func CanonicalURL(marketplace, asin, partnerTag string) string {
	u := url.URL{Scheme: "https", Host: marketplace, Path: "/dp/" + asin}
	if partnerTag != "" {
		u.RawQuery = url.Values{"tag": {partnerTag}}.Encode()
	}
	return u.String()
}
