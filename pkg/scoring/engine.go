package scoring

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/bargain"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ListingStore interface {
	ListActiveSales(ctx context.Context) ([]models.Listing, error)
	UpdateScore(ctx context.Context, l *models.Listing) error
}

type HistoryStore interface {
	ListForActiveSales(ctx context.Context) (map[uuid.UUID][]models.PriceHistoryEntry, error)
}

type TransactionStore interface {
	ListResolvedSince(ctx context.Context, since time.Time) ([]models.GovernmentTransaction, error)
}

type DetectionStore interface {
	InsertIfAbsent(ctx context.Context, d *models.BargainDetection) (bool, error)
}

// TxFunc runs fn as one unit of work, committing only when fn returns nil.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// DatabaseTx runs units of work in a database transaction.
func DatabaseTx(db database.DB) TxFunc {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		return database.WithTx(ctx, db, fn)
	}
}

type Stores struct {
	Listings     ListingStore
	History      HistoryStore
	Transactions TransactionStore
	Detections   DetectionStore
}

type Engine struct {
	stores    Stores
	withTx    TxFunc
	lexicon   *bargain.Lexicon
	publisher events.Publisher
	cfg       Config
	logger    ectologger.Logger
	now       func() time.Time
}

func New(stores Stores, withTx TxFunc, lexicon *bargain.Lexicon, publisher events.Publisher, cfg Config, logger ectologger.Logger) *Engine {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if lexicon == nil {
		lexicon = bargain.NewLexicon(nil, nil)
	}
	return &Engine{
		stores:    stores,
		withTx:    withTx,
		lexicon:   lexicon,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Options tune one scoring pass.
type Options struct {
	DryRun bool
	// Threshold overrides the configured price threshold when > 0.
	Threshold int
}

// Report summarizes a scoring pass.
type Report struct {
	Scored int `json:"scored"`
	// Histogram counts scores in 10-point buckets; the last bucket also holds 100.
	Histogram     [10]int        `json:"histogram"`
	Types         map[string]int `json:"types"`
	NewDetections int            `json:"new_detections"`
	DryRun        bool           `json:"dry_run"`
}

func (r *Report) observe(l *models.Listing) {
	r.Scored++
	bucket := l.BargainScore / 10
	if bucket > 9 {
		bucket = 9
	}
	r.Histogram[bucket]++
	r.Types[l.BargainType]++
}

// Run rescores every active sale listing. Writes happen in one unit of work: a failure leaves
// every previous score in place.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "Scoring.Run")
	defer span.End()

	cfg := e.cfg
	if opts.Threshold > 0 {
		cfg.Threshold = opts.Threshold
	}
	now := e.now()

	listings, err := e.stores.Listings.ListActiveSales(ctx)
	if err != nil {
		return nil, err
	}
	history, err := e.stores.History.ListForActiveSales(ctx)
	if err != nil {
		return nil, err
	}
	market, err := e.stores.Transactions.ListResolvedSince(ctx, now.AddDate(0, -cfg.MarketMonths, 0))
	if err != nil {
		return nil, err
	}

	byComplex := groupByComplex(listings)
	txByComplex := groupTransactions(market)

	report := &Report{Types: map[string]int{}, DryRun: opts.DryRun}
	scored := make([]models.Listing, 0, len(listings))
	for _, l := range listings {
		factors := Score(Input{
			Listing: l,
			Complex: byComplex[l.ComplexID],
			History: history[l.ID],
			Market:  txByComplex[l.ComplexID],
		}, cfg, now)

		_, keywordHit := e.lexicon.Match(l.Description)
		l.ScoreFactors = database.NewJSONB(factors)
		l.BargainScore = factors.Total()
		l.BargainType = bargain.Classify(l.BargainScore, cfg.Threshold, keywordHit)
		l.IsBargain = l.BargainType != models.BargainTypeNone

		report.observe(&l)
		scored = append(scored, l)
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"scored":    report.Scored,
		"threshold": cfg.Threshold,
		"types":     report.Types,
	})
	if opts.DryRun {
		log.Info("scoring dry run complete")
		return report, nil
	}

	var detected []events.BargainEvent
	err = e.withTx(ctx, func(ctx context.Context) error {
		detected = detected[:0]
		for i := range scored {
			l := &scored[i]
			if err := e.stores.Listings.UpdateScore(ctx, l); err != nil {
				return err
			}
			if l.BargainType != models.BargainTypePrice && l.BargainType != models.BargainTypeBoth {
				continue
			}
			d := &models.BargainDetection{
				ListingID:     l.ID,
				ComplexID:     l.ComplexID,
				DetectionType: models.DetectionTypePrice,
				Price:         l.Price(),
				DetectedAt:    now,
			}
			inserted, err := e.stores.Detections.InsertIfAbsent(ctx, d)
			if err != nil {
				return err
			}
			if inserted {
				detected = append(detected, events.BargainEvent{
					ListingID:     l.ID.String(),
					ExternalID:    l.ExternalID,
					ComplexID:     l.ComplexID.String(),
					DetectionType: models.DetectionTypePrice,
					Price:         d.Price,
					Score:         l.BargainScore,
					DetectedAt:    now,
				})
			}
		}
		return nil
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("scoring rolled back")
		return nil, err
	}

	report.NewDetections = len(detected)
	for i := range scored {
		metrics.BargainScores.Observe(float64(scored[i].BargainScore))
	}
	// only committed detections are published
	for _, evt := range detected {
		if err := e.publisher.PublishBargain(ctx, evt); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"listing_id": evt.ListingID,
			}).Warn("failed to publish bargain event")
		}
	}

	log.WithFields(map[string]any{"new_detections": report.NewDetections}).Info("scoring complete")
	return report, nil
}
