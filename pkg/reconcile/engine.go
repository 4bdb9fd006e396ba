// Package reconcile applies harvested listings to the store: upserts, price history, keyword
// bargain detections and removal of listings that disappeared from a fully scanned scope.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/bargain"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/harvester"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/source"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Mode selects which reconciliation steps run.
type Mode string

const (
	// ModeFull upserts and records new listings only.
	ModeFull Mode = "full"
	// ModeDiff runs every step including removal.
	ModeDiff Mode = "diff"
	// ModeQuick compares reported counts and promotes changed complexes to ModeDiff.
	ModeQuick Mode = "quick"
)

type ListingStore interface {
	ListByComplex(ctx context.Context, complexID uuid.UUID) ([]models.Listing, error)
	ListByExternalIDs(ctx context.Context, externalIDs []string) ([]models.Listing, error)
	Upsert(ctx context.Context, l *models.Listing) (bool, error)
	MarkRemoved(ctx context.Context, ids []uuid.UUID, at time.Time) (int64, error)
}

type ComplexStore interface {
	MarkCollected(ctx context.Context, id uuid.UUID, reportedCount int, at time.Time) error
}

type PriceHistoryStore interface {
	Append(ctx context.Context, entry *models.PriceHistoryEntry) error
}

type DetectionStore interface {
	InsertIfAbsent(ctx context.Context, d *models.BargainDetection) (bool, error)
}

type RawStore interface {
	Upsert(ctx context.Context, rec *models.RawRecord) error
}

// Stores groups the persistence the engine writes through.
type Stores struct {
	Listings   ListingStore
	Complexes  ComplexStore
	History    PriceHistoryStore
	Detections DetectionStore
	Raw        RawStore
}

type Engine struct {
	stores    Stores
	lexicon   *bargain.Lexicon
	publisher events.Publisher
	logger    ectologger.Logger
	now       func() time.Time
}

func New(stores Stores, lexicon *bargain.Lexicon, publisher events.Publisher, logger ectologger.Logger) *Engine {
	if lexicon == nil {
		lexicon = bargain.NewLexicon(nil, nil)
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Engine{
		stores:    stores,
		lexicon:   lexicon,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ReconcileComplex applies one harvested complex scope. reported is the source's listing count
// for the complex, stored on the complex when the scan completes.
func (e *Engine) ReconcileComplex(ctx context.Context, mode Mode, c *models.Complex, res harvester.Result, reported int) (models.RunCounters, error) {
	ctx, span := tracing.StartSpan(ctx, "Reconcile.ReconcileComplex")
	defer span.End()

	var counts models.RunCounters
	existing, err := e.stores.Listings.ListByComplex(ctx, c.ID)
	if err != nil {
		counts.Errors++
		return counts, err
	}
	baseline := make(map[string]*models.Listing, len(existing))
	for i := range existing {
		baseline[existing[i].ExternalID] = &existing[i]
	}

	now := e.now()
	seen := make(map[string]struct{}, len(res.Items))
	for _, item := range res.Items {
		counts.Found++
		if e.apply(ctx, mode, c.ID, item, baseline[item.ArticleNo], now, &counts) {
			seen[item.ArticleNo] = struct{}{}
		}
	}

	switch {
	case mode != ModeDiff:
	case !res.Complete() || counts.Errors > 0:
		if res.Outcome == harvester.OutcomeExhausted {
			counts.Truncated++
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"complex_id": c.ID,
			"outcome":    res.Outcome,
			"errors":     counts.Errors,
		}).Warn("scan incomplete, removal skipped")
	default:
		var gone []uuid.UUID
		for ext, l := range baseline {
			if _, ok := seen[ext]; !ok && l.IsActive() {
				gone = append(gone, l.ID)
			}
		}
		removed, err := e.stores.Listings.MarkRemoved(ctx, gone, now)
		if err != nil {
			counts.Errors++
			return counts, err
		}
		counts.Removed += int(removed)
		if err := e.stores.Complexes.MarkCollected(ctx, c.ID, reported, now); err != nil {
			counts.Errors++
			return counts, err
		}
	}

	record(counts)
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"complex_id":    c.ID,
		"mode":          mode,
		"found":         counts.Found,
		"new":           counts.New,
		"updated":       counts.Updated,
		"removed":       counts.Removed,
		"price_changed": counts.PriceChanged,
		"bargains":      counts.Bargains,
		"errors":        counts.Errors,
	}).Info("complex reconciled")
	return counts, nil
}

// ReconcileItems applies listings harvested outside a complex scope (geographic cells). Listings
// are attached to their complex through resolve; listings of unknown complexes are skipped.
// Nothing is removed: a cell never proves a listing is gone.
func (e *Engine) ReconcileItems(ctx context.Context, items []source.Listing, resolve func(ctx context.Context, complexNo string) (uuid.UUID, bool)) (models.RunCounters, error) {
	ctx, span := tracing.StartSpan(ctx, "Reconcile.ReconcileItems")
	defer span.End()

	var counts models.RunCounters
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ArticleNo)
	}
	existing, err := e.stores.Listings.ListByExternalIDs(ctx, ids)
	if err != nil {
		counts.Errors++
		return counts, err
	}
	known := make(map[string]*models.Listing, len(existing))
	for i := range existing {
		known[existing[i].ExternalID] = &existing[i]
	}

	now := e.now()
	for _, item := range items {
		counts.Found++
		complexID, ok := resolve(ctx, item.ComplexNo)
		if !ok {
			counts.Skipped++
			e.logger.WithContext(ctx).WithFields(map[string]any{
				"external_id": item.ArticleNo,
				"complex_no":  item.ComplexNo,
			}).Debug("listing of unknown complex skipped")
			continue
		}
		e.apply(ctx, ModeFull, complexID, item, known[item.ArticleNo], now, &counts)
	}

	record(counts)
	return counts, nil
}

// apply upserts one item and reports whether it was stored.
func (e *Engine) apply(ctx context.Context, mode Mode, complexID uuid.UUID, item source.Listing, prior *models.Listing, now time.Time, counts *models.RunCounters) bool {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"external_id": item.ArticleNo,
		"complex_id":  complexID,
	})

	l, err := e.toListing(complexID, item, prior, now)
	if err != nil {
		counts.Errors++
		log.WithError(err).Warn("invalid listing")
		return false
	}

	inserted, err := e.stores.Listings.Upsert(ctx, l)
	if err != nil {
		counts.Errors++
		log.WithError(err).Warn("failed to store listing")
		return false
	}
	e.storeRaw(ctx, item, l.ContentHash, now)

	if inserted || prior == nil {
		counts.New++
		if l.BargainKeyword != nil {
			e.detect(ctx, l, now, counts)
		}
		return true
	}
	if mode == ModeFull {
		return true
	}

	oldPrice, newPrice := prior.Price(), l.Price()
	if oldPrice != 0 && newPrice != 0 && oldPrice != newPrice {
		counts.PriceChanged++
		e.appendHistory(ctx, l.ID, newPrice, models.PriceOriginScan, now, counts)
	}
	if l.BargainKeyword != nil && prior.BargainKeyword == nil {
		e.detect(ctx, l, now, counts)
	}
	if prior.ContentHash != l.ContentHash || !prior.IsActive() {
		counts.Updated++
	}
	return true
}

func (e *Engine) toListing(complexID uuid.UUID, item source.Listing, prior *models.Listing, now time.Time) (*models.Listing, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	sale, deposit, rent, err := item.Prices()
	if err != nil {
		return nil, err
	}
	raw := item.Raw
	if len(raw) == 0 {
		if raw, err = json.Marshal(item); err != nil {
			return nil, err
		}
	}
	hash, err := fingerprint.Listing(raw)
	if err != nil {
		return nil, err
	}

	l := &models.Listing{
		ExternalID:  item.ArticleNo,
		ComplexID:   complexID,
		TradeType:   item.TradeType(),
		SalePrice:   sale,
		Deposit:     deposit,
		MonthlyRent: rent,
		Area:        item.Area,
		FloorInfo:   item.FloorInfo,
		Description: item.Description,
		ContentHash: hash,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}

	keyword, keywordHit := e.lexicon.Match(item.Description)
	if keywordHit {
		l.BargainKeyword = &keyword
	}
	priceHit := false
	if prior != nil {
		priceHit = prior.BargainType == models.BargainTypePrice || prior.BargainType == models.BargainTypeBoth
		l.BargainScore = prior.BargainScore
	}
	switch {
	case priceHit && keywordHit:
		l.BargainType = models.BargainTypeBoth
	case priceHit:
		l.BargainType = models.BargainTypePrice
	case keywordHit:
		l.BargainType = models.BargainTypeKeyword
	default:
		l.BargainType = models.BargainTypeNone
	}
	l.IsBargain = l.BargainType != models.BargainTypeNone
	return l, nil
}

func (e *Engine) appendHistory(ctx context.Context, listingID uuid.UUID, price int64, origin string, now time.Time, counts *models.RunCounters) {
	if price == 0 {
		return
	}
	err := e.stores.History.Append(ctx, &models.PriceHistoryEntry{
		ListingID:  listingID,
		Price:      price,
		RecordedAt: now,
		Origin:     origin,
	})
	if err != nil {
		counts.Errors++
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"listing_id": listingID,
		}).Warn("failed to append price history")
	}
}

func (e *Engine) detect(ctx context.Context, l *models.Listing, now time.Time, counts *models.RunCounters) {
	d := &models.BargainDetection{
		ListingID:     l.ID,
		ComplexID:     l.ComplexID,
		DetectionType: models.DetectionTypeKeyword,
		Price:         l.Price(),
		DetectedAt:    now,
	}
	wrote, err := e.stores.Detections.InsertIfAbsent(ctx, d)
	if err != nil {
		counts.Errors++
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"listing_id": l.ID,
		}).Warn("failed to record bargain detection")
		return
	}
	if !wrote {
		return
	}
	counts.Bargains++

	evt := events.BargainEvent{
		ListingID:     l.ID.String(),
		ExternalID:    l.ExternalID,
		ComplexID:     l.ComplexID.String(),
		DetectionType: d.DetectionType,
		Price:         d.Price,
		DetectedAt:    now,
	}
	if l.BargainKeyword != nil {
		evt.Keyword = *l.BargainKeyword
	}
	if err := e.publisher.PublishBargain(ctx, evt); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("failed to publish bargain event")
	}
}

func (e *Engine) storeRaw(ctx context.Context, item source.Listing, hash string, now time.Time) {
	if e.stores.Raw == nil || len(item.Raw) == 0 {
		return
	}
	rec := &models.RawRecord{
		Kind:        models.RawKindListing,
		ExternalID:  item.ArticleNo,
		Payload:     database.NewJSONB(item.Raw),
		Fingerprint: hash,
		FetchedAt:   now,
	}
	if err := e.stores.Raw.Upsert(ctx, rec); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"external_id": item.ArticleNo,
		}).Warn("failed to store raw payload")
	}
}

func record(c models.RunCounters) {
	for change, n := range map[string]int{
		"new":           c.New,
		"updated":       c.Updated,
		"removed":       c.Removed,
		"price_changed": c.PriceChanged,
		"bargain":       c.Bargains,
		"error":         c.Errors,
	} {
		if n > 0 {
			metrics.ReconcileChangesTotal.WithLabelValues(change).Add(float64(n))
		}
	}
}
