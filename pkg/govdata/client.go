// Package govdata loads closed apartment sales from the government real-transaction dataset.
package govdata

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-resty/resty/v2"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/source"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const endpoint = "gov_transactions"

// Result codes the dataset reports in its response header.
const (
	resultOK       = "000"
	resultOKLegacy = "00"
	resultNoData   = "03"
)

type Config struct {
	BaseURL  string
	APIKey   string
	PageSize int
	Timeout  time.Duration
}

type Client struct {
	http   *resty.Client
	cfg    Config
	logger ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		http:   resty.New().SetTimeout(cfg.Timeout),
		cfg:    cfg,
		logger: logger,
	}
}

type response struct {
	Header struct {
		ResultCode string `xml:"resultCode"`
		ResultMsg  string `xml:"resultMsg"`
	} `xml:"header"`
	Body struct {
		Items      []item `xml:"items>item"`
		NumOfRows  int    `xml:"numOfRows"`
		PageNo     int    `xml:"pageNo"`
		TotalCount int    `xml:"totalCount"`
	} `xml:"body"`
}

type item struct {
	ComplexName string `xml:"aptNm"`
	DealAmount  string `xml:"dealAmount"`
	DealYear    string `xml:"dealYear"`
	DealMonth   string `xml:"dealMonth"`
	DealDay     string `xml:"dealDay"`
	Area        string `xml:"excluUseAr"`
	Floor       string `xml:"floor"`
	AdminCode   string `xml:"sggCd"`
	SubDistrict string `xml:"umdNm"`
	LotNumber   string `xml:"jibun"`
	CancelType  string `xml:"cdealType"`
}

// Page is one page of a district-month query.
type Page struct {
	Transactions []models.GovernmentTransaction
	// Dropped counts rows that were cancelled or could not be parsed.
	Dropped    int
	TotalCount int
}

// Page fetches one page (1-based) of the transactions of adminCode dealt in yearMonth (YYYYMM).
func (c *Client) Page(ctx context.Context, adminCode, yearMonth string, page int) (*Page, error) {
	ctx, span := tracing.StartSpan(ctx, "GovDataClient.Page")
	defer span.End()

	started := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"serviceKey": c.cfg.APIKey,
			"LAWD_CD":    adminCode,
			"DEAL_YMD":   yearMonth,
			"pageNo":     strconv.Itoa(page),
			"numOfRows":  strconv.Itoa(c.cfg.PageSize),
		}).
		Get(c.cfg.BaseURL)
	metrics.SourceRequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.SourceRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	metrics.SourceRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode())).Inc()

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, &source.ThrottleError{StatusCode: resp.StatusCode()}
	default:
		return nil, &source.StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode()}
	}

	var out response
	if err := xml.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	switch out.Header.ResultCode {
	case resultOK, resultOKLegacy, "":
	case resultNoData:
		return &Page{}, nil
	default:
		return nil, fmt.Errorf("%s: result %s: %s", endpoint, out.Header.ResultCode, out.Header.ResultMsg)
	}

	p := &Page{TotalCount: out.Body.TotalCount}
	for _, it := range out.Body.Items {
		tx, ok := it.transaction(adminCode)
		if !ok {
			p.Dropped++
			continue
		}
		p.Transactions = append(p.Transactions, tx)
	}
	return p, nil
}

// Month fetches every page of a district-month.
func (c *Client) Month(ctx context.Context, adminCode, yearMonth string) ([]models.GovernmentTransaction, int, error) {
	var (
		txs     []models.GovernmentTransaction
		dropped int
		seen    int
	)
	for page := 1; ; page++ {
		p, err := c.Page(ctx, adminCode, yearMonth, page)
		if err != nil {
			return txs, dropped, err
		}
		txs = append(txs, p.Transactions...)
		dropped += p.Dropped
		rows := len(p.Transactions) + p.Dropped
		seen += rows
		if rows == 0 || seen >= p.TotalCount {
			return txs, dropped, nil
		}
	}
}

// transaction converts a dataset row. Cancelled deals and rows without a price are dropped.
func (it item) transaction(fallbackCode string) (models.GovernmentTransaction, bool) {
	if strings.TrimSpace(it.CancelType) != "" {
		return models.GovernmentTransaction{}, false
	}
	amount, err := source.ParsePrice(it.DealAmount)
	if err != nil || amount <= 0 {
		return models.GovernmentTransaction{}, false
	}
	year, errYear := strconv.Atoi(strings.TrimSpace(it.DealYear))
	month, errMonth := strconv.Atoi(strings.TrimSpace(it.DealMonth))
	if errYear != nil || errMonth != nil || month < 1 || month > 12 {
		return models.GovernmentTransaction{}, false
	}
	day, _ := strconv.Atoi(strings.TrimSpace(it.DealDay))
	floor, _ := strconv.Atoi(strings.TrimSpace(it.Floor))
	area, _ := strconv.ParseFloat(strings.TrimSpace(it.Area), 64)

	code := strings.TrimSpace(it.AdminCode)
	if code == "" {
		code = fallbackCode
	}
	name := strings.TrimSpace(it.ComplexName)
	if name == "" {
		return models.GovernmentTransaction{}, false
	}

	tx := models.GovernmentTransaction{
		AdminCode:       code,
		DealYear:        year,
		DealMonth:       month,
		DealDay:         day,
		Price:           amount,
		Floor:           floor,
		Area:            area,
		ComplexName:     name,
		SubDistrictName: strings.TrimSpace(it.SubDistrict),
	}
	tx.Fingerprint = fingerprint.NaturalKey(code, year, month, day, amount, floor, area, name, strings.TrimSpace(it.LotNumber))
	return tx, true
}
