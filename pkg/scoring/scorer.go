// Package scoring computes the composite bargain score of active sale listings.
package scoring

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Sub-score caps. They sum to 100.
const (
	PeerDiscountCap   = 40.0
	MarketDiscountCap = 35.0
	DropFrequencyCap  = 20.0
	DropMagnitudeCap  = 5.0
)

type Config struct {
	// Threshold is the total at or above which a listing is price-classified.
	Threshold int
	// AreaTolerance is the floor-area window (m2) for peers and market comparables.
	AreaTolerance float64
	// MinPeers is the number of comparable listings the intra-complex factor needs.
	MinPeers int
	// PeerSaturation is the discount at which the intra-complex factor reaches its cap.
	PeerSaturation float64
	// MarketSaturation is the discount at which the market factor reaches its cap.
	MarketSaturation float64
	// MarketMonths is how far back government transactions count as comparables.
	MarketMonths int
	// PointsPerDrop is credited for every downward price transition.
	PointsPerDrop float64
	// MagnitudeDivisor turns the percent drop into points.
	MagnitudeDivisor float64
}

func DefaultConfig() Config {
	return Config{
		Threshold:        50,
		AreaTolerance:    3,
		MinPeers:         2,
		PeerSaturation:   0.20,
		MarketSaturation: 0.15,
		MarketMonths:     6,
		PointsPerDrop:    4,
		MagnitudeDivisor: 5,
	}
}

// Input is everything the score of one listing depends on.
type Input struct {
	Listing models.Listing
	// Complex holds the active sale listings of the listing's complex; the listing itself is ignored.
	Complex []models.Listing
	// History is the listing's price history, oldest first.
	History []models.PriceHistoryEntry
	// Market holds the resolved government transactions of the listing's complex.
	Market []models.GovernmentTransaction
}

// Score computes the factor vector of one listing. Each factor is clamped to its cap.
func Score(in Input, cfg Config, now time.Time) models.ScoreFactors {
	var f models.ScoreFactors
	price := in.Listing.Price()

	f.PeerDiscount, f.PeerCount = peerDiscount(in.Listing, in.Complex, cfg)
	f.MarketDiscount, f.MarketCount = marketDiscount(in.Listing, in.Market, cfg, now)

	timeline := Timeline(in.Listing, in.History)
	f.DropCount = Drops(timeline)
	f.DropFrequency = math.Min(float64(f.DropCount)*cfg.PointsPerDrop, DropFrequencyCap)

	if len(timeline) > 0 && timeline[0] > 0 && price > 0 && price < timeline[0] {
		pct := float64(timeline[0]-price) * 100 / float64(timeline[0])
		f.DropMagnitude = clamp(pct/cfg.MagnitudeDivisor, DropMagnitudeCap)
	}
	return f
}

func peerDiscount(l models.Listing, complexListings []models.Listing, cfg Config) (float64, int) {
	price := l.Price()
	if price <= 0 {
		return 0, 0
	}
	var sum float64
	var n int
	for _, p := range complexListings {
		if p.ID == l.ID || p.ComplexID != l.ComplexID || p.Price() <= 0 {
			continue
		}
		if math.Abs(p.Area-l.Area) > cfg.AreaTolerance {
			continue
		}
		sum += float64(p.Price())
		n++
	}
	if n < cfg.MinPeers {
		return 0, n
	}
	return discountPoints(float64(price), sum/float64(n), cfg.PeerSaturation, PeerDiscountCap), n
}

func marketDiscount(l models.Listing, txs []models.GovernmentTransaction, cfg Config, now time.Time) (float64, int) {
	price := l.Price()
	if price <= 0 {
		return 0, 0
	}
	since := now.AddDate(0, -cfg.MarketMonths, 0)
	var sum float64
	var n int
	for i := range txs {
		t := &txs[i]
		if t.ComplexID == nil || *t.ComplexID != l.ComplexID || t.Price <= 0 {
			continue
		}
		if math.Abs(t.Area-l.Area) > cfg.AreaTolerance || t.DealDate().Before(since) {
			continue
		}
		sum += float64(t.Price)
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return discountPoints(float64(price), sum/float64(n), cfg.MarketSaturation, MarketDiscountCap), n
}

// discountPoints is linear in the discount below avg and reaches limit at the saturation discount.
func discountPoints(price, avg, saturation, limit float64) float64 {
	if avg <= 0 || price >= avg || saturation <= 0 {
		return 0
	}
	discount := (avg - price) / avg
	return clamp(discount/saturation*limit, limit)
}

// Timeline is the listing's price sequence: the first observed price followed by every recorded
// change, with consecutive repeats collapsed.
func Timeline(l models.Listing, history []models.PriceHistoryEntry) []int64 {
	prices := make([]int64, 0, len(history)+2)
	if l.InitialPrice > 0 {
		prices = append(prices, l.InitialPrice)
	}
	for _, h := range history {
		if h.Price > 0 {
			prices = append(prices, h.Price)
		}
	}
	if p := l.Price(); p > 0 {
		prices = append(prices, p)
	}

	out := prices[:0]
	for i, p := range prices {
		if i > 0 && p == out[len(out)-1] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Drops counts downward transitions in a price timeline.
func Drops(timeline []int64) int {
	n := 0
	for i := 1; i < len(timeline); i++ {
		if timeline[i] < timeline[i-1] {
			n++
		}
	}
	return n
}

func clamp(v, limit float64) float64 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}

// groupByComplex indexes listings by their complex.
func groupByComplex(listings []models.Listing) map[uuid.UUID][]models.Listing {
	out := map[uuid.UUID][]models.Listing{}
	for _, l := range listings {
		out[l.ComplexID] = append(out[l.ComplexID], l)
	}
	return out
}

func groupTransactions(txs []models.GovernmentTransaction) map[uuid.UUID][]models.GovernmentTransaction {
	out := map[uuid.UUID][]models.GovernmentTransaction{}
	for _, t := range txs {
		if t.ComplexID != nil {
			out[*t.ComplexID] = append(out[*t.ComplexID], t)
		}
	}
	return out
}
