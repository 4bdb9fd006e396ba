// Package discovery walks the source's region hierarchy and keeps the complex table in step with
// the complexes listed under each sub-district.
package discovery

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/harvester"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/runledger"
	"github.com/Ramsey-B/fern/pkg/source"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type RegionSource interface {
	Regions(ctx context.Context, parentCortarNo string) ([]source.Region, error)
	RegionComplexes(ctx context.Context, cortarNo string) ([]source.ComplexSummary, error)
}

type ComplexStore interface {
	Upsert(ctx context.Context, c *models.Complex) (bool, error)
	DeactivateMissing(ctx context.Context, adminCode, subDistrictName string, keep []string) (int64, error)
}

type Config struct {
	// Root is the region code the walk starts below.
	Root string
	// RootName names the root region; it becomes the region name of complexes two levels down.
	RootName string
}

type Discoverer struct {
	source    RegionSource
	complexes ComplexStore
	harvester *harvester.Harvester
	cfg       Config
	logger    ectologger.Logger
}

func New(src RegionSource, complexes ComplexStore, h *harvester.Harvester, cfg Config, logger ectologger.Logger) *Discoverer {
	if cfg.Root == "" {
		cfg.Root = "0000000000"
	}
	return &Discoverer{source: src, complexes: complexes, harvester: h, cfg: cfg, logger: logger}
}

// Run walks every region below the root. A region whose children cannot be listed is skipped,
// and the walk continues with its siblings. An unavailable source session ends the walk.
func (d *Discoverer) Run(ctx context.Context, progress runledger.Progress) (models.RunCounters, error) {
	ctx, span := tracing.StartSpan(ctx, "Discoverer.Run")
	defer span.End()

	var total models.RunCounters
	err := d.walk(ctx, d.cfg.Root, []string{d.cfg.RootName}, func(delta models.RunCounters) {
		total.Add(delta)
		if progress != nil {
			progress.Add(ctx, delta)
		}
	})
	return total, err
}

func (d *Discoverer) walk(ctx context.Context, cortarNo string, path []string, report func(models.RunCounters)) error {
	regions, err := harvester.Call(ctx, d.harvester, "regions:"+cortarNo, func(ctx context.Context) ([]source.Region, error) {
		return d.source.Regions(ctx, cortarNo)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if harvester.Fatal(err) {
			return err
		}
		d.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"cortar_no": cortarNo,
		}).Warn("region skipped")
		report(models.RunCounters{Skipped: 1})
		return nil
	}

	for _, region := range regions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if region.IsSubDistrict() {
			counters, err := d.subDistrict(ctx, region, path)
			if err != nil {
				return err
			}
			report(counters)
			continue
		}
		if err := d.walk(ctx, region.CortarNo, append(path[:len(path):len(path)], region.CortarName), report); err != nil {
			return err
		}
	}
	return nil
}

// subDistrict upserts the complexes listed under one sub-district and deactivates the ones that
// are no longer listed there. Only fatal source errors are returned.
func (d *Discoverer) subDistrict(ctx context.Context, region source.Region, path []string) (models.RunCounters, error) {
	counters := models.RunCounters{Processed: 1}
	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"cortar_no":    region.CortarNo,
		"sub_district": region.CortarName,
	})

	summaries, err := harvester.Call(ctx, d.harvester, "complexes:"+region.CortarNo, func(ctx context.Context) ([]source.ComplexSummary, error) {
		return d.source.RegionComplexes(ctx, region.CortarNo)
	})
	if err != nil {
		switch {
		case harvester.Fatal(err):
			return counters, err
		case errors.Is(err, source.ErrNotFound):
			log.Debug("sub-district has no complex list")
		default:
			log.WithError(err).Warn("sub-district skipped")
		}
		counters.Skipped++
		return counters, nil
	}

	adminCode := source.AdminCode(region.CortarNo)
	regionName, subRegionName := ancestors(path)
	var listed []string
	for _, s := range summaries {
		if err := s.Validate(); err != nil {
			log.WithError(err).Warn("invalid complex summary")
			counters.Errors++
			continue
		}
		counters.Found++
		listed = append(listed, s.ComplexNo)

		inserted, err := d.complexes.Upsert(ctx, &models.Complex{
			ExternalID:      s.ComplexNo,
			Name:            s.ComplexName,
			PropertyType:    s.TypeCode,
			Latitude:        s.Latitude,
			Longitude:       s.Longitude,
			RegionName:      regionName,
			SubRegionName:   subRegionName,
			SubDistrictName: region.CortarName,
			AdminCode:       ectolinq.Ternary(s.CortarNo != "", source.AdminCode(s.CortarNo), adminCode),
			HouseholdCount:  s.HouseholdCount,
			IsActive:        true,
		})
		if err != nil {
			counters.Errors++
			continue
		}
		if inserted {
			counters.New++
		} else {
			counters.Updated++
		}
	}

	// an empty listing never deactivates a sub-district
	if len(listed) == 0 {
		return counters, nil
	}
	removed, err := d.complexes.DeactivateMissing(ctx, adminCode, region.CortarName, listed)
	if err != nil {
		counters.Errors++
		return counters, nil
	}
	counters.Removed += int(removed)

	log.WithFields(map[string]any{
		"found":   counters.Found,
		"new":     counters.New,
		"removed": counters.Removed,
	}).Debug("sub-district discovered")
	return counters, nil
}

// ancestors returns the two closest named ancestors of a sub-district: region, then sub-region.
func ancestors(path []string) (string, string) {
	named := ectolinq.Filter(path, func(s string) bool { return s != "" })
	switch len(named) {
	case 0:
		return "", ""
	case 1:
		return named[0], ""
	default:
		return named[len(named)-2], named[len(named)-1]
	}
}
