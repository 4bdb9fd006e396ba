// Package resolver links harvested complexes to the names the government transaction dataset
// uses for them.
package resolver

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

type CascadeConfig struct {
	// MinContainmentRatio is the shorter/longer length ratio a containment match needs.
	MinContainmentRatio float64
	// AreaTolerance widens area ranges (m2) before checking overlap.
	AreaTolerance float64
	// MinJaccard is the token-set similarity the last step needs.
	MinJaccard float64
}

func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{
		MinContainmentRatio: 0.3,
		AreaTolerance:       3,
		MinJaccard:          0.7,
	}
}

// AreaRange is the floor-area span of a complex's listings.
type AreaRange struct {
	Min float64
	Max float64
}

func (a AreaRange) valid() bool {
	return a.Max > 0 && a.Max >= a.Min
}

// Match is an accepted transaction-side name.
type Match struct {
	Name   string
	Method string
}

type candidate struct {
	stat models.TransactionNameStat
	norm string
}

// Cascade tries each matching rule in order of strictness against the transaction names of the
// complex's admin code. The first rule that yields a match wins.
func Cascade(c *models.Complex, stats []models.TransactionNameStat, areas AreaRange, cfg CascadeConfig) (Match, bool) {
	target := normalizers.ComplexName(c.Name)
	if target == "" || len(stats) == 0 {
		return Match{}, false
	}

	all := make([]candidate, 0, len(stats))
	for _, s := range stats {
		if n := normalizers.ComplexName(s.ComplexName); n != "" {
			all = append(all, candidate{stat: s, norm: n})
		}
	}
	// highest volume first so ties resolve to the busiest name
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].stat.Volume != all[j].stat.Volume {
			return all[i].stat.Volume > all[j].stat.Volume
		}
		return all[i].stat.ComplexName < all[j].stat.ComplexName
	})

	var local []candidate
	for _, cand := range all {
		if c.SubDistrictName != "" && cand.stat.SubDistrictName == c.SubDistrictName {
			local = append(local, cand)
		}
	}

	for _, cand := range all {
		if cand.norm == target {
			return Match{Name: cand.stat.ComplexName, Method: models.ResolveMethodExact}, true
		}
	}

	if cand, ok := firstContaining(all, target, func(n string) string { return n }, cfg.MinContainmentRatio); ok {
		return Match{Name: cand.stat.ComplexName, Method: models.ResolveMethodContainment}, true
	}

	if cand, ok := firstContaining(all, normalizers.StripPhase(target), normalizers.StripPhase, cfg.MinContainmentRatio); ok {
		return Match{Name: cand.stat.ComplexName, Method: models.ResolveMethodPhaseStripped}, true
	}

	if cand, ok := firstContaining(local, target, func(n string) string { return n }, 0); ok {
		return Match{Name: cand.stat.ComplexName, Method: models.ResolveMethodSubDistrict}, true
	}

	if areas.valid() {
		var overlapping []candidate
		for _, cand := range local {
			if cand.stat.MaxArea+cfg.AreaTolerance >= areas.Min && cand.stat.MinArea-cfg.AreaTolerance <= areas.Max {
				overlapping = append(overlapping, cand)
			}
		}
		if len(overlapping) == 1 {
			return Match{Name: overlapping[0].stat.ComplexName, Method: models.ResolveMethodAreaOverlap}, true
		}
	}

	targetTokens := normalizers.Tokens(c.Name)
	best, bestScore := -1, 0.0
	for i, cand := range all {
		score := normalizers.Jaccard(targetTokens, normalizers.Tokens(cand.stat.ComplexName))
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	if best >= 0 && bestScore >= cfg.MinJaccard {
		return Match{Name: all[best].stat.ComplexName, Method: models.ResolveMethodTokenJaccard}, true
	}

	return Match{}, false
}

// firstContaining returns the first candidate (by volume) whose key contains target or is
// contained by it, with a length ratio of at least minRatio.
func firstContaining(cands []candidate, target string, key func(string) string, minRatio float64) (candidate, bool) {
	if target == "" {
		return candidate{}, false
	}
	for _, cand := range cands {
		k := key(cand.norm)
		if k == "" {
			continue
		}
		if !strings.Contains(k, target) && !strings.Contains(target, k) {
			continue
		}
		if lengthRatio(k, target) >= minRatio {
			return cand, true
		}
	}
	return candidate{}, false
}

func lengthRatio(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la == 0 || lb == 0 {
		return 0
	}
	if la > lb {
		la, lb = lb, la
	}
	return float64(la) / float64(lb)
}
