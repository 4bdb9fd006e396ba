package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/session"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	cfg := Config{
		BaseURL:         srv.URL,
		LandingPath:     "/complexes",
		UserAgent:       "test",
		Timeout:         5 * time.Second,
		ChallengeMarker: "captcha",
	}
	pool := session.NewPool(NewOpener(cfg), nil, session.Config{MaxRecreate: 1}, logger)
	return NewClient(pool, cfg, logger)
}

func TestClient_ComplexListingsKeepsRawPayload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/complexes":
			http.SetCookie(w, &http.Cookie{Name: "NNB", Value: "abc"})
			w.WriteHeader(http.StatusOK)
		case "/api/articles/complex/1147":
			cookie, err := r.Cookie("NNB")
			if err != nil || cookie.Value != "abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "A1", r.URL.Query().Get("tradeType"))
			_, _ = w.Write([]byte(`{"isMoreData":true,"totalCount":41,"articleList":[
				{"articleNo":"2401","tradeTypeCode":"A1","dealOrWarrantPrc":"12억 5,000","area2":84.9,"floorInfo":"12/25","articleFeatureDesc":"급매 남향"}
			]}`))
		}
	})

	page, err := client.ComplexListings(context.Background(), "1147", TradeCodeSale, 2)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, 41, page.TotalCount)
	require.Len(t, page.Items, 1)

	item := page.Items[0]
	require.NoError(t, item.Validate())
	assert.Equal(t, "2401", item.ArticleNo)
	assert.Contains(t, string(item.Raw), `"floorInfo":"12/25"`)

	sale, deposit, rent, err := item.Prices()
	require.NoError(t, err)
	assert.Equal(t, int64(1_250_000_000), sale)
	assert.Zero(t, deposit)
	assert.Zero(t, rent)
}

func TestClient_ClassifiesRejections(t *testing.T) {
	tests := []struct {
		name       string
		respond    func(w http.ResponseWriter)
		throttled  bool
		expired    bool
		notFound   bool
		retryAfter time.Duration
	}{
		{
			name: "redirect to challenge",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Location", "/challenge")
				w.WriteHeader(http.StatusFound)
			},
			throttled: true,
		},
		{
			name: "too many requests",
			respond: func(w http.ResponseWriter) {
				w.Header().Set("Retry-After", "30")
				w.WriteHeader(http.StatusTooManyRequests)
			},
			throttled:  true,
			retryAfter: 30 * time.Second,
		},
		{
			name: "forbidden with challenge marker",
			respond: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte("<html>CAPTCHA required</html>"))
			},
			throttled: true,
		},
		{
			name: "forbidden without marker",
			respond: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusForbidden)
			},
			expired: true,
		},
		{
			name: "missing complex",
			respond: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusNotFound)
			},
			notFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/complexes" {
					w.WriteHeader(http.StatusOK)
					return
				}
				tt.respond(w)
			})

			_, err := client.ComplexListings(context.Background(), "1", "", 1)
			require.Error(t, err)
			assert.Equal(t, tt.throttled, errorIs(err, ErrThrottled))
			assert.Equal(t, tt.expired, errorIs(err, ErrSessionExpired))
			assert.Equal(t, tt.notFound, errorIs(err, ErrNotFound))
			assert.Equal(t, tt.retryAfter, RetryAfter(err))
		})
	}
}

func TestClient_ServerErrorIsStatusError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/complexes" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.ComplexOverview(context.Background(), "1")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestClient_ComplexTransactions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/complexes" {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte(`{"realPriceList":[
			{"tradeYear":2025,"tradeMonth":11,"floor":7,"dealPrice":98000},
			{"tradeYear":2025,"tradeMonth":10,"floor":3,"dealPrice":95500}
		]}`))
	})

	samples, err := client.ComplexTransactions(context.Background(), "1147", 1)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, int64(980_000_000), samples[0].PriceWon())
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		text     string
		expected int64
	}{
		{text: "12억 5,000", expected: 1_250_000_000},
		{text: "3억", expected: 300_000_000},
		{text: "9,500", expected: 95_000_000},
		{text: "150", expected: 1_500_000},
		{text: "", expected: 0},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := ParsePrice(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := ParsePrice("price on request")
	assert.Error(t, err)
}

func TestListing_PricesByTradeType(t *testing.T) {
	rent := Listing{ArticleNo: "1", TradeTypeCode: TradeCodeRent, PriceText: "1억", RentPriceText: "120"}
	sale, deposit, monthly, err := rent.Prices()
	require.NoError(t, err)
	assert.Equal(t, models.TradeTypeRent, rent.TradeType())
	assert.Zero(t, sale)
	assert.Equal(t, int64(100_000_000), deposit)
	assert.Equal(t, int64(1_200_000), monthly)

	invalid := Listing{TradeTypeCode: "Z9"}
	assert.Error(t, invalid.Validate())
}

func TestAdminCode(t *testing.T) {
	assert.Equal(t, "11680", AdminCode("1168010300"))
	assert.Equal(t, "116", AdminCode("116"))
}

func errorIs(err, target error) bool {
	return errors.Is(err, target)
}
