// Package source is the HTTP client for the listing source.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-resty/resty/v2"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/ratelimit"
	"github.com/Ramsey-B/fern/pkg/session"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Config struct {
	BaseURL         string
	LandingPath     string
	UserAgent       string
	Timeout         time.Duration
	ChallengeMarker string
}

// NewOpener returns a session.Opener that primes a cookie jar from the landing page.
func NewOpener(cfg Config) session.Opener {
	return func(ctx context.Context) (*resty.Client, error) {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		client := resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetCookieJar(jar).
			SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			})).
			SetHeader("User-Agent", cfg.UserAgent).
			SetHeader("Accept", "application/json, text/plain, */*").
			SetHeader("Accept-Language", "ko-KR,ko;q=0.9,en-US;q=0.8").
			SetHeader("Referer", strings.TrimSuffix(cfg.BaseURL, "/")+cfg.LandingPath)

		resp, err := client.R().SetContext(ctx).Get(cfg.LandingPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load landing page: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, &StatusError{Endpoint: "landing", StatusCode: resp.StatusCode()}
		}
		return client, nil
	}
}

// NewChecker returns a session.Checker that re-requests the landing page.
func NewChecker(cfg Config) session.Checker {
	return func(ctx context.Context, client *resty.Client) error {
		resp, err := client.R().SetContext(ctx).Get(cfg.LandingPath)
		if err != nil {
			return err
		}
		if resp.StatusCode() != http.StatusOK {
			return &StatusError{Endpoint: "landing", StatusCode: resp.StatusCode()}
		}
		return nil
	}
}

// Client calls the listing source through the shared session.
type Client struct {
	sessions *session.Pool
	cfg      Config
	logger   ectologger.Logger
}

func NewClient(sessions *session.Pool, cfg Config, logger ectologger.Logger) *Client {
	return &Client{sessions: sessions, cfg: cfg, logger: logger}
}

// ComplexListings fetches one page of a complex's listings for a trade type code ("" for all).
func (c *Client) ComplexListings(ctx context.Context, complexNo, tradeCode string, page int) (*ListingPage, error) {
	params := map[string]string{
		"page":             strconv.Itoa(page),
		"order":            "dateDesc",
		"sameAddressGroup": "false",
		"showArticle":      "false",
		"priceType":        "RETAIL",
		"realEstateType":   "APT",
	}
	if tradeCode != "" {
		params["tradeType"] = tradeCode
	}
	var out ListingPage
	if err := c.get(ctx, "complex_listings", "/api/articles/complex/"+complexNo, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CellListings fetches one page of listings inside a bounding box.
func (c *Client) CellListings(ctx context.Context, bounds Bounds, page int) (*ListingPage, error) {
	params := map[string]string{
		"page":           strconv.Itoa(page),
		"zoom":           "16",
		"realEstateType": "APT",
		"leftLon":        formatCoord(bounds.West),
		"rightLon":       formatCoord(bounds.East),
		"topLat":         formatCoord(bounds.North),
		"bottomLat":      formatCoord(bounds.South),
	}
	var out ListingPage
	if err := c.get(ctx, "cell_listings", "/api/articles", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ComplexOverview fetches the complex summary including its reported listing count.
func (c *Client) ComplexOverview(ctx context.Context, complexNo string) (*ComplexOverview, error) {
	var out ComplexOverview
	if err := c.get(ctx, "complex_overview", "/api/complexes/overview/"+complexNo, nil, &out); err != nil {
		return nil, err
	}
	if err := validate.Struct(out); err != nil {
		return nil, fmt.Errorf("invalid overview for complex %s: %w", complexNo, err)
	}
	return &out, nil
}

// ComplexTransactions fetches up to limit recent sale transactions reported for a complex.
func (c *Client) ComplexTransactions(ctx context.Context, complexNo string, limit int) ([]TransactionSample, error) {
	var out struct {
		Items []TransactionSample `json:"realPriceList"`
	}
	params := map[string]string{
		"tradeType": TradeCodeSale,
		"size":      strconv.Itoa(limit),
	}
	if err := c.get(ctx, "complex_transactions", "/api/complexes/"+complexNo+"/prices/real", params, &out); err != nil {
		return nil, err
	}
	if len(out.Items) > limit && limit > 0 {
		out.Items = out.Items[:limit]
	}
	return out.Items, nil
}

// Regions lists the children of a region ("0000000000" for the top level).
func (c *Client) Regions(ctx context.Context, parentCortarNo string) ([]Region, error) {
	var out struct {
		Items []Region `json:"regionList"`
	}
	if err := c.get(ctx, "regions", "/api/regions/list", map[string]string{"cortarNo": parentCortarNo}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// RegionComplexes lists the complexes inside a sub-district.
func (c *Client) RegionComplexes(ctx context.Context, cortarNo string) ([]ComplexSummary, error) {
	var out struct {
		Items []ComplexSummary `json:"complexList"`
	}
	params := map[string]string{"cortarNo": cortarNo, "realEstateType": "APT:JGC", "order": ""}
	if err := c.get(ctx, "region_complexes", "/api/regions/complexes", params, &out); err != nil {
		return nil, err
	}
	for i := range out.Items {
		if out.Items[i].CortarNo == "" {
			out.Items[i].CortarNo = cortarNo
		}
	}
	return out.Items, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, params map[string]string, dest any) error {
	ctx, span := tracing.StartSpan(ctx, "SourceClient."+endpoint)
	defer span.End()

	sess, err := c.sessions.Get(ctx)
	if err != nil {
		return err
	}

	started := time.Now()
	resp, err := sess.Client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)
	metrics.SourceRequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.SourceRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	metrics.SourceRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode())).Inc()

	if err := c.classify(endpoint, resp); err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"endpoint":    endpoint,
			"path":        path,
			"status_code": resp.StatusCode(),
		}).Debug("source request rejected")
		return err
	}

	if err := json.Unmarshal(resp.Body(), dest); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) classify(endpoint string, resp *resty.Response) error {
	status := resp.StatusCode()
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusFound || status == http.StatusSeeOther:
		return &ThrottleError{StatusCode: status}
	case status == http.StatusTooManyRequests:
		retryAfter, _ := ratelimit.ParseRetryAfter(resp.Header().Get("Retry-After"))
		return &ThrottleError{StatusCode: status, RetryAfter: retryAfter}
	case status == http.StatusForbidden:
		if c.cfg.ChallengeMarker != "" && strings.Contains(strings.ToLower(string(resp.Body())), strings.ToLower(c.cfg.ChallengeMarker)) {
			return &ThrottleError{StatusCode: status}
		}
		return fmt.Errorf("%w: %s returned %d", ErrSessionExpired, endpoint, status)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s returned %d", ErrSessionExpired, endpoint, status)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	default:
		return &StatusError{Endpoint: endpoint, StatusCode: status}
	}
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 7, 64)
}
