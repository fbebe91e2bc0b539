package product

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	paapiService = "ProductAdvertisingAPI"
	paapiTarget  = "com.amazon.paapi5.v1.ProductAdvertisingAPIv1.GetItems"
	paapiPath    = "/paapi5/getitems"
	maxBodyBytes = 1 << 20
)

var paapiResources = []string{
	"Images.Primary.Large",
	"ItemInfo.Title",
	"ItemInfo.Features",
	"ItemInfo.ByLineInfo",
	"Offers.Listings.Price",
	"Offers.Listings.Availability.Type",
}

// Error codes the upstream reports in its JSON body.
var (
	authErrorCodes = map[string]bool{
		"InvalidSignature":           true,
		"IncompleteSignature":        true,
		"UnrecognizedClient":         true,
		"InvalidPartnerTag":          true,
		"AccessDenied":               true,
		"AccessDeniedAwsUsers":       true,
		"MissingAuthenticationToken": true,
		"InvalidAssociate":           true,
	}
	notFoundErrorCodes = map[string]bool{
		"InvalidParameterValue": true,
		"ItemNotAccessible":     true,
	}
)

// PAAPIConfig holds credentials and endpoint settings for the GetItems call.
type PAAPIConfig struct {
	AccessKey   string
	SecretKey   string
	PartnerTag  string
	Host        string // e.g. webservices.amazon.com
	Region      string // e.g. us-east-1
	Marketplace string // e.g. www.amazon.com
	// Endpoint overrides "https://"+Host. Used by tests.
	Endpoint string
}

// PAAPI is the HTTP transport for Product Advertising API 5 GetItems.
type PAAPI struct {
	cfg    PAAPIConfig
	client *http.Client
	now    func() time.Time
}

// NewPAAPI creates a transport. Per-call timeouts come from the caller's context.
func NewPAAPI(cfg PAAPIConfig, client *http.Client) *PAAPI {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://" + cfg.Host
	}
	return &PAAPI{cfg: cfg, client: client, now: time.Now}
}

type getItemsRequest struct {
	ItemIDs     []string `json:"ItemIds"`
	Resources   []string `json:"Resources"`
	PartnerTag  string   `json:"PartnerTag"`
	PartnerType string   `json:"PartnerType"`
	Marketplace string   `json:"Marketplace,omitempty"`
}

type displayValue struct {
	DisplayValue string `json:"DisplayValue"`
}

type paapiItem struct {
	ASIN          string `json:"ASIN"`
	DetailPageURL string `json:"DetailPageURL"`
	ItemInfo      struct {
		Title      *displayValue `json:"Title"`
		ByLineInfo struct {
			Brand *displayValue `json:"Brand"`
		} `json:"ByLineInfo"`
		Features struct {
			DisplayValues []string `json:"DisplayValues"`
		} `json:"Features"`
	} `json:"ItemInfo"`
	Images struct {
		Primary struct {
			Large struct {
				URL string `json:"URL"`
			} `json:"Large"`
		} `json:"Primary"`
	} `json:"Images"`
	Offers struct {
		Listings []struct {
			Price *struct {
				Amount        float64 `json:"Amount"`
				Currency      string  `json:"Currency"`
				DisplayAmount string  `json:"DisplayAmount"`
			} `json:"Price"`
			Availability struct {
				Type string `json:"Type"`
			} `json:"Availability"`
		} `json:"Listings"`
	} `json:"Offers"`
}

type paapiError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

type getItemsResponse struct {
	ItemsResult *struct {
		Items []paapiItem `json:"Items"`
	} `json:"ItemsResult"`
	Errors []paapiError `json:"Errors"`
}

// GetItems implements Upstream.
func (p *PAAPI) GetItems(ctx context.Context, asins []string) ([]Product, error) {
	if p.cfg.AccessKey == "" || p.cfg.SecretKey == "" || p.cfg.PartnerTag == "" {
		return nil, newError(KindAuthenticationFailed, "PA-API credentials are not configured")
	}

	payload, err := json.Marshal(getItemsRequest{
		ItemIDs:     asins,
		Resources:   paapiResources,
		PartnerTag:  p.cfg.PartnerTag,
		PartnerType: "Associates",
		Marketplace: p.cfg.Marketplace,
	})
	if err != nil {
		return nil, wrapError(err, KindUnknown, "encode GetItems request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+paapiPath, bytes.NewReader(payload))
	if err != nil {
		return nil, wrapError(err, KindUnknown, "create GetItems request")
	}
	p.sign(req, payload)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapError(err, KindServiceUnavailable, "GetItems timed out")
		}
		return nil, wrapError(err, KindServiceUnavailable, "unable to reach PA-API")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, wrapError(err, KindServiceUnavailable, "read GetItems response")
	}

	var parsed getItemsResponse
	// Error responses are JSON too; an unparsable body is classified by status alone.
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, parsed.Errors)
	}

	var items []paapiItem
	if parsed.ItemsResult != nil {
		items = parsed.ItemsResult.Items
	}
	if len(items) == 0 && len(parsed.Errors) > 0 {
		if err := classifyBodyErrors(parsed.Errors); err != nil {
			return nil, err
		}
	}

	fetched := p.now().UTC()
	products := make([]Product, 0, len(items))
	for _, it := range items {
		if it.ASIN == "" {
			continue
		}
		products = append(products, it.toProduct(fetched))
	}
	return products, nil
}

func (it paapiItem) toProduct(fetched time.Time) Product {
	prod := Product{
		ASIN:      it.ASIN,
		URL:       it.DetailPageURL,
		Features:  it.ItemInfo.Features.DisplayValues,
		ImageURL:  it.Images.Primary.Large.URL,
		Available: len(it.Offers.Listings) > 0,
		FetchedAt: fetched,
	}
	if it.ItemInfo.Title != nil {
		prod.Title = it.ItemInfo.Title.DisplayValue
	}
	if it.ItemInfo.ByLineInfo.Brand != nil {
		prod.Brand = it.ItemInfo.ByLineInfo.Brand.DisplayValue
	}
	if len(it.Offers.Listings) > 0 && it.Offers.Listings[0].Price != nil {
		lp := it.Offers.Listings[0].Price
		prod.Price = &Price{Amount: lp.Amount, Currency: lp.Currency, DisplayAmount: lp.DisplayAmount}
	}
	return prod
}

// classifyStatus maps a non-200 response onto the error taxonomy.
func classifyStatus(resp *http.Response, bodyErrs []paapiError) error {
	detail := http.StatusText(resp.StatusCode)
	if len(bodyErrs) > 0 {
		detail = bodyErrs[0].Code + " - " + bodyErrs[0].Message
	}

	var e *Error
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		if len(bodyErrs) > 0 && authErrorCodes[bodyErrs[0].Code] {
			e = newError(KindAuthenticationFailed, "authentication failed: %s", detail)
		} else if len(bodyErrs) > 0 && notFoundErrorCodes[bodyErrs[0].Code] {
			// Every requested identifier was rejected; callers see them as missing.
			return nil
		} else {
			e = newError(KindInvalidIdentifier, "invalid request: %s", detail)
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e = newError(KindAuthenticationFailed, "authentication failed, check PA-API credentials: %s", detail)
	case resp.StatusCode == http.StatusTooManyRequests:
		e = newError(KindRateLimitExceeded, "rate limit exceeded: %s", detail)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		e = newError(KindServiceUnavailable, "PA-API temporarily unavailable: %s", detail)
	default:
		e = newError(KindUnknown, "HTTP %d: %s", resp.StatusCode, detail)
	}
	e.StatusCode = resp.StatusCode
	return e
}

// classifyBodyErrors handles a 200 response that carries errors and no items.
// Not-found codes yield nil so the identifiers are reported as missing.
func classifyBodyErrors(bodyErrs []paapiError) error {
	first := bodyErrs[0]
	switch {
	case first.Code == "TooManyRequests":
		return newError(KindRateLimitExceeded, "%s", first.Message)
	case authErrorCodes[first.Code]:
		return newError(KindAuthenticationFailed, "%s - %s", first.Code, first.Message)
	case notFoundErrorCodes[first.Code]:
		return nil
	default:
		return newError(KindUnknown, "%s - %s", first.Code, first.Message)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// sign adds AWS Signature Version 4 headers for the PA-API service.
func (p *PAAPI) sign(req *http.Request, payload []byte) {
	now := p.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	date := now.Format("20060102")

	req.Header.Set("Content-Encoding", "amz-1.0")
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Target", paapiTarget)

	headerNames := []string{"content-encoding", "content-type", "host", "x-amz-date", "x-amz-target"}
	sort.Strings(headerNames)

	var canonicalHeaders strings.Builder
	for _, name := range headerNames {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(strings.TrimSpace(req.Header.Get(name)))
		canonicalHeaders.WriteByte('\n')
	}
	signedHeaders := strings.Join(headerNames, ";")

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		req.URL.RawQuery,
		canonicalHeaders.String(),
		signedHeaders,
		hashHex(payload),
	}, "\n")

	scope := date + "/" + p.cfg.Region + "/" + paapiService + "/aws4_request"
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hashHex([]byte(canonicalRequest)),
	}, "\n")

	key := hmacSHA256([]byte("AWS4"+p.cfg.SecretKey), date)
	key = hmacSHA256(key, p.cfg.Region)
	key = hmacSHA256(key, paapiService)
	key = hmacSHA256(key, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	req.Header.Set("Authorization",
		"AWS4-HMAC-SHA256 Credential="+p.cfg.AccessKey+"/"+scope+
			", SignedHeaders="+signedHeaders+
			", Signature="+signature)
}

func canonicalURI(u *url.URL) string {
	if u.EscapedPath() == "" {
		return "/"
	}
	return u.EscapedPath()
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

var _ Upstream = (*PAAPI)(nil)
