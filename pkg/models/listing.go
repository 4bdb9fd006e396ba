package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

const (
	TradeTypeSale  = "sale"
	TradeTypeLease = "lease"
	TradeTypeRent  = "rent"
)

const (
	ListingStatusActive  = "active"
	ListingStatusRemoved = "removed"
)

const (
	BargainTypeNone    = "none"
	BargainTypeKeyword = "keyword"
	BargainTypePrice   = "price"
	BargainTypeBoth    = "both"
)

// Listing is one advertised unit for sale, lease or rent.
type Listing struct {
	ID             uuid.UUID                    `db:"id" json:"id"`
	ExternalID     string                       `db:"external_id" json:"external_id"`
	ComplexID      uuid.UUID                    `db:"complex_id" json:"complex_id"`
	TradeType      string                       `db:"trade_type" json:"trade_type"`
	SalePrice      int64                        `db:"sale_price" json:"sale_price"`
	Deposit        int64                        `db:"deposit" json:"deposit"`
	MonthlyRent    int64                        `db:"monthly_rent" json:"monthly_rent"`
	InitialPrice   int64                        `db:"initial_price" json:"initial_price"`
	Area           float64                      `db:"area" json:"area"`
	FloorInfo      string                       `db:"floor_info" json:"floor_info"`
	Description    string                       `db:"description" json:"description"`
	Status         string                       `db:"status" json:"status"`
	IsBargain      bool                         `db:"is_bargain" json:"is_bargain"`
	BargainKeyword *string                      `db:"bargain_keyword" json:"bargain_keyword,omitempty"`
	BargainType    string                       `db:"bargain_type" json:"bargain_type"`
	BargainScore   int                          `db:"bargain_score" json:"bargain_score"`
	ScoreFactors   database.JSONB[ScoreFactors] `db:"score_factors" json:"score_factors"`
	ContentHash    string                       `db:"content_hash" json:"content_hash"`
	FirstSeenAt    time.Time                    `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt     time.Time                    `db:"last_seen_at" json:"last_seen_at"`
	RemovedAt      *time.Time                   `db:"removed_at" json:"removed_at,omitempty"`
	CreatedAt      time.Time                    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time                    `db:"updated_at" json:"updated_at"`
}

// Price is the headline price for the trade type: sale price for sales, deposit otherwise.
func (l *Listing) Price() int64 {
	if l.TradeType == TradeTypeSale {
		return l.SalePrice
	}
	return l.Deposit
}

func (l *Listing) IsActive() bool {
	return l.Status == ListingStatusActive
}

// ScoreFactors is the per-factor breakdown of a bargain score.
type ScoreFactors struct {
	PeerDiscount   float64 `json:"peer_discount"`
	MarketDiscount float64 `json:"market_discount"`
	DropFrequency  float64 `json:"drop_frequency"`
	DropMagnitude  float64 `json:"drop_magnitude"`
	PeerCount      int     `json:"peer_count"`
	MarketCount    int     `json:"market_count"`
	DropCount      int     `json:"drop_count"`
}

// Total sums the factors, capped at 100.
func (f ScoreFactors) Total() int {
	total := f.PeerDiscount + f.MarketDiscount + f.DropFrequency + f.DropMagnitude
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}
	return int(total)
}
