package source

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Trade type codes used by the source.
const (
	TradeCodeSale  = "A1"
	TradeCodeLease = "B1"
	TradeCodeRent  = "B2"
)

// Listing is one article as the source returns it. Raw keeps the untouched payload.
type Listing struct {
	ArticleNo     string          `json:"articleNo" validate:"required"`
	ComplexNo     string          `json:"complexNo"`
	TradeTypeCode string          `json:"tradeTypeCode" validate:"required,oneof=A1 B1 B2"`
	PriceText     string          `json:"dealOrWarrantPrc"`
	RentPriceText string          `json:"rentPrc"`
	Area          float64         `json:"area2" validate:"gte=0"`
	FloorInfo     string          `json:"floorInfo"`
	Description   string          `json:"articleFeatureDesc"`
	ConfirmedAt   string          `json:"articleConfirmYmd"`
	Raw           json.RawMessage `json:"-"`
}

// TradeType maps the source code onto the stored trade type.
func (l Listing) TradeType() string {
	switch l.TradeTypeCode {
	case TradeCodeLease:
		return models.TradeTypeLease
	case TradeCodeRent:
		return models.TradeTypeRent
	default:
		return models.TradeTypeSale
	}
}

// Prices returns sale price, deposit and monthly rent in won; only the ones valid for the trade type are set.
func (l Listing) Prices() (sale, deposit, rent int64, err error) {
	headline, err := ParsePrice(l.PriceText)
	if err != nil {
		return 0, 0, 0, err
	}
	switch l.TradeType() {
	case models.TradeTypeSale:
		return headline, 0, 0, nil
	case models.TradeTypeLease:
		return 0, headline, 0, nil
	default:
		rent, err = ParsePrice(l.RentPriceText)
		return 0, headline, rent, err
	}
}

// ListingPage is one page of listings.
type ListingPage struct {
	Items      []Listing `json:"articleList"`
	HasMore    bool      `json:"isMoreData"`
	TotalCount int       `json:"totalCount"`
}

// UnmarshalJSON keeps the raw payload of every article alongside the typed fields.
func (p *ListingPage) UnmarshalJSON(b []byte) error {
	var wire struct {
		Items      []json.RawMessage `json:"articleList"`
		HasMore    bool              `json:"isMoreData"`
		TotalCount int               `json:"totalCount"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	p.HasMore = wire.HasMore
	p.TotalCount = wire.TotalCount
	p.Items = make([]Listing, 0, len(wire.Items))
	for _, raw := range wire.Items {
		var item Listing
		if err := json.Unmarshal(raw, &item); err != nil {
			return err
		}
		item.Raw = raw
		p.Items = append(p.Items, item)
	}
	return nil
}

// Validate checks the fields reconciliation depends on.
func (l Listing) Validate() error {
	if err := validate.Struct(l); err != nil {
		return fmt.Errorf("invalid listing %q: %w", l.ArticleNo, err)
	}
	return nil
}

// ComplexOverview is the summary of a complex including the reported active listing count.
type ComplexOverview struct {
	ComplexNo      string  `json:"complexNo" validate:"required"`
	ComplexName    string  `json:"complexName"`
	TypeCode       string  `json:"realEstateTypeCode"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	HouseholdCount int     `json:"totalHouseholdCount"`
	ArticleCount   int     `json:"articleCount"`
	CortarNo       string  `json:"cortarNo"`
}

// TransactionSample is one recent real transaction reported by the source for a complex.
type TransactionSample struct {
	TradeYear  int   `json:"tradeYear"`
	TradeMonth int   `json:"tradeMonth"`
	Floor      int   `json:"floor"`
	DealPrice  int64 `json:"dealPrice"` // man-won
}

// PriceWon converts the man-won deal price into won.
func (t TransactionSample) PriceWon() int64 {
	return t.DealPrice * ManWon
}

// Region is a node of the administrative region hierarchy.
type Region struct {
	CortarNo   string  `json:"cortarNo"`
	CortarName string  `json:"cortarName"`
	CortarType string  `json:"cortarType"`
	CenterLat  float64 `json:"centerLat"`
	CenterLon  float64 `json:"centerLon"`
}

// IsSubDistrict reports whether the region is a leaf (dong level).
func (r Region) IsSubDistrict() bool {
	return strings.EqualFold(r.CortarType, "sec")
}

// AdminCode is the 5-digit district code shared with the government dataset.
func AdminCode(cortarNo string) string {
	if len(cortarNo) < 5 {
		return cortarNo
	}
	return cortarNo[:5]
}

// ComplexSummary is a complex as listed under a region.
type ComplexSummary struct {
	ComplexNo      string  `json:"complexNo" validate:"required"`
	ComplexName    string  `json:"complexName" validate:"required"`
	TypeCode       string  `json:"realEstateTypeCode"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	HouseholdCount int     `json:"totalHouseholdCount"`
	CortarNo       string  `json:"cortarNo"`
}

func (c ComplexSummary) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid complex %q: %w", c.ComplexNo, err)
	}
	return nil
}
