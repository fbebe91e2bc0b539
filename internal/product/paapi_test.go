package product

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPAAPI(t *testing.T, handler http.HandlerFunc) *PAAPI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewPAAPI(PAAPIConfig{
		AccessKey:   "AKIDEXAMPLE",
		SecretKey:   "secret",
		PartnerTag:  "tag-20",
		Host:        "webservices.amazon.com",
		Region:      "us-east-1",
		Marketplace: "www.amazon.com",
		Endpoint:    srv.URL,
	}, srv.Client())
	p.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestPAAPI_SignsAndParses(t *testing.T) {
	p := newTestPAAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/paapi5/getitems", r.URL.Path)
		assert.Equal(t, paapiTarget, r.Header.Get("X-Amz-Target"))
		assert.Equal(t, "amz-1.0", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "20250301T120000Z", r.Header.Get("X-Amz-Date"))

		auth := r.Header.Get("Authorization")
		assert.True(t, strings.HasPrefix(auth,
			"AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20250301/us-east-1/ProductAdvertisingAPI/aws4_request"))
		assert.Contains(t, auth, "SignedHeaders=content-encoding;content-type;host;x-amz-date;x-amz-target")

		body, _ := io.ReadAll(r.Body)
		var req getItemsRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, []string{"B08N5WRWNW"}, req.ItemIDs)
		assert.Equal(t, "tag-20", req.PartnerTag)

		_, _ = io.WriteString(w, `{"ItemsResult":{"Items":[{
			"ASIN":"B08N5WRWNW",
			"DetailPageURL":"https://www.amazon.com/dp/B08N5WRWNW?tag=tag-20",
			"ItemInfo":{"Title":{"DisplayValue":"Echo Dot"},"ByLineInfo":{"Brand":{"DisplayValue":"Amazon"}}},
			"Images":{"Primary":{"Large":{"URL":"https://m.media-amazon.com/images/I/x.jpg"}}},
			"Offers":{"Listings":[{"Price":{"Amount":49.99,"Currency":"USD","DisplayAmount":"$49.99"}}]}
		}]}}`)
	})

	items, err := p.GetItems(context.Background(), []string{"B08N5WRWNW"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Echo Dot", items[0].Title)
	assert.Equal(t, "Amazon", items[0].Brand)
	assert.Equal(t, "https://m.media-amazon.com/images/I/x.jpg", items[0].ImageURL)
	require.NotNil(t, items[0].Price)
	assert.InDelta(t, 49.99, items[0].Price.Amount, 0.001)
	assert.True(t, items[0].Available)
}

func TestPAAPI_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		want       Kind
		noError    bool
	}{
		{name: "forbidden", status: 403, body: `{"Errors":[{"Code":"AccessDenied","Message":"no"}]}`, want: KindAuthenticationFailed},
		{name: "unauthorized", status: 401, want: KindAuthenticationFailed},
		{name: "bad signature on 400", status: 400, body: `{"Errors":[{"Code":"InvalidSignature","Message":"sig"}]}`, want: KindAuthenticationFailed},
		{name: "throttled", status: 429, retryAfter: "7", want: KindRateLimitExceeded},
		{name: "unavailable", status: 503, want: KindServiceUnavailable},
		{name: "internal", status: 500, want: KindServiceUnavailable},
		{name: "teapot", status: 418, want: KindUnknown},
		{name: "items rejected", status: 400, body: `{"Errors":[{"Code":"InvalidParameterValue","Message":"bad id"}]}`, noError: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestPAAPI(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			items, err := p.GetItems(context.Background(), []string{"B08N5WRWNW"})
			if tc.noError {
				require.NoError(t, err)
				assert.Empty(t, items)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tc.status, pe.StatusCode)
			if tc.retryAfter != "" {
				assert.Equal(t, 7*time.Second, pe.RetryAfter)
			}
		})
	}
}

func TestPAAPI_ThrottleInBody(t *testing.T) {
	p := newTestPAAPI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"Errors":[{"Code":"TooManyRequests","Message":"slow down"}]}`)
	})

	_, err := p.GetItems(context.Background(), []string{"B08N5WRWNW"})
	assert.Equal(t, KindRateLimitExceeded, KindOf(err))
}

func TestPAAPI_MissingCredentials(t *testing.T) {
	p := NewPAAPI(PAAPIConfig{Host: "webservices.amazon.com"}, nil)

	_, err := p.GetItems(context.Background(), []string{"B08N5WRWNW"})
	assert.Equal(t, KindAuthenticationFailed, KindOf(err))
}

func TestPAAPI_UnreachableIsServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := srv.URL
	srv.Close()

	p := NewPAAPI(PAAPIConfig{AccessKey: "a", SecretKey: "b", PartnerTag: "c", Region: "us-east-1", Endpoint: endpoint}, nil)
	_, err := p.GetItems(context.Background(), []string{"B08N5WRWNW"})
	assert.Equal(t, KindServiceUnavailable, KindOf(err))
}
