package resolver

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/source"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Strategy selects the resolution paths to try.
type Strategy string

const (
	StrategyCascade     Strategy = "cascade"
	StrategyFingerprint Strategy = "fingerprint"
	// StrategyBoth tries the cascade first and falls back to fingerprint voting.
	StrategyBoth Strategy = "both"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyCascade, StrategyFingerprint, StrategyBoth:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown resolve strategy %q", s)
	}
}

type ComplexStore interface {
	SetResolved(ctx context.Context, id uuid.UUID, name, method string) error
}

type ListingStore interface {
	ListByComplex(ctx context.Context, complexID uuid.UUID) ([]models.Listing, error)
}

type TransactionStore interface {
	NameStats(ctx context.Context, adminCode string) ([]models.TransactionNameStat, error)
	MatchNames(ctx context.Context, m models.SampleMatch) ([]string, error)
	BackfillComplex(ctx context.Context, complexID uuid.UUID, adminCode, name string) (int64, error)
}

// SampleSource returns recent source-side transactions of a complex.
type SampleSource func(ctx context.Context, complexNo string, limit int) ([]source.TransactionSample, error)

type Config struct {
	Cascade CascadeConfig
	// SampleSize is how many source-side transactions the fingerprint path samples.
	SampleSize int
	// PriceTolerance is the largest price difference (won) a sample match allows.
	PriceTolerance int64
}

type Resolver struct {
	complexes ComplexStore
	listings  ListingStore
	txs       TransactionStore
	samples   SampleSource
	cfg       Config
	logger    ectologger.Logger

	stats map[string][]models.TransactionNameStat
}

func New(complexes ComplexStore, listings ListingStore, txs TransactionStore, samples SampleSource, cfg Config, logger ectologger.Logger) *Resolver {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 10
	}
	if cfg.PriceTolerance <= 0 {
		cfg.PriceTolerance = source.ManWon
	}
	return &Resolver{
		complexes: complexes,
		listings:  listings,
		txs:       txs,
		samples:   samples,
		cfg:       cfg,
		logger:    logger,
		stats:     map[string][]models.TransactionNameStat{},
	}
}

// Outcome is the result of resolving one complex.
type Outcome struct {
	Match    Match
	Resolved bool
	Linked   int64
}

// Resolve finds the transaction-side name of c, caches it on the complex and links the matching
// government transactions to it.
func (r *Resolver) Resolve(ctx context.Context, c *models.Complex, strategy Strategy) (Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "Resolver.Resolve")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"complex_id": c.ID,
		"name":       c.Name,
		"admin_code": c.AdminCode,
	})

	if c.AdminCode == "" {
		metrics.ResolverOutcomesTotal.WithLabelValues("unresolved").Inc()
		log.Debug("complex has no admin code")
		return Outcome{}, nil
	}

	var (
		match Match
		ok    bool
		err   error
	)
	if strategy == StrategyCascade || strategy == StrategyBoth {
		if match, ok, err = r.cascade(ctx, c); err != nil {
			return Outcome{}, err
		}
	}
	if !ok && (strategy == StrategyFingerprint || strategy == StrategyBoth) {
		if match, ok, err = r.fingerprint(ctx, c); err != nil {
			return Outcome{}, err
		}
	}
	if !ok {
		metrics.ResolverOutcomesTotal.WithLabelValues("unresolved").Inc()
		log.Debug("complex unresolved")
		return Outcome{}, nil
	}

	if err := r.complexes.SetResolved(ctx, c.ID, match.Name, match.Method); err != nil {
		return Outcome{}, err
	}
	name, method := match.Name, match.Method
	c.ResolvedName, c.ResolveMethod = &name, &method

	linked, err := r.txs.BackfillComplex(ctx, c.ID, c.AdminCode, match.Name)
	if err != nil {
		return Outcome{}, err
	}

	metrics.ResolverOutcomesTotal.WithLabelValues(match.Method).Inc()
	log.WithFields(map[string]any{
		"resolved_name": match.Name,
		"method":        match.Method,
		"linked":        linked,
	}).Info("complex resolved")
	return Outcome{Match: match, Resolved: true, Linked: linked}, nil
}

func (r *Resolver) cascade(ctx context.Context, c *models.Complex) (Match, bool, error) {
	stats, ok := r.stats[c.AdminCode]
	if !ok {
		var err error
		if stats, err = r.txs.NameStats(ctx, c.AdminCode); err != nil {
			return Match{}, false, err
		}
		r.stats[c.AdminCode] = stats
	}

	var areas AreaRange
	if r.listings != nil {
		listings, err := r.listings.ListByComplex(ctx, c.ID)
		if err != nil {
			return Match{}, false, err
		}
		areas = areaRange(listings)
	}

	match, ok := Cascade(c, stats, areas, r.cfg.Cascade)
	return match, ok, nil
}

func (r *Resolver) fingerprint(ctx context.Context, c *models.Complex) (Match, bool, error) {
	if r.samples == nil {
		return Match{}, false, nil
	}
	samples, err := r.samples(ctx, c.ExternalID, r.cfg.SampleSize)
	if err != nil {
		return Match{}, false, err
	}

	votes := make([][]string, 0, len(samples))
	for _, s := range samples {
		names, err := r.txs.MatchNames(ctx, models.SampleMatch{
			AdminCode: c.AdminCode,
			Year:      s.TradeYear,
			Month:     s.TradeMonth,
			Floor:     s.Floor,
			Price:     s.PriceWon(),
			Tolerance: r.cfg.PriceTolerance,
		})
		if err != nil {
			return Match{}, false, err
		}
		votes = append(votes, names)
	}

	name, ok := Vote(votes)
	if !ok {
		return Match{}, false, nil
	}
	return Match{Name: name, Method: models.ResolveMethodFingerprint}, true, nil
}

func areaRange(listings []models.Listing) AreaRange {
	var ar AreaRange
	for _, l := range listings {
		if l.Area <= 0 {
			continue
		}
		if ar.Max == 0 || l.Area < ar.Min {
			ar.Min = l.Area
		}
		if l.Area > ar.Max {
			ar.Max = l.Area
		}
	}
	return ar
}
