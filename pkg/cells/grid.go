// Package cells splits a map area into fixed-size cells for area-wide listing polls and remembers
// which cells held listings.
package cells

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/pkg/source"
)

// Cell is one grid square, identified by its south-west corner.
type Cell struct {
	ID     string        `json:"id"`
	Bounds source.Bounds `json:"bounds"`
}

// ParseBounds reads "south,west,north,east".
func ParseBounds(s string) (source.Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return source.Bounds{}, fmt.Errorf("bounds %q: want south,west,north,east", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return source.Bounds{}, fmt.Errorf("bounds %q: %w", s, err)
		}
		v[i] = f
	}
	b := source.Bounds{South: v[0], West: v[1], North: v[2], East: v[3]}
	if b.South >= b.North || b.West >= b.East {
		return source.Bounds{}, fmt.Errorf("bounds %q: empty area", s)
	}
	return b, nil
}

// Grid covers area with step-sized cells, row by row from the south-west. Edge cells are clipped
// to the area.
func Grid(area source.Bounds, step float64) []Cell {
	if step <= 0 || area.South >= area.North || area.West >= area.East {
		return nil
	}
	rows := int(math.Ceil(round((area.North - area.South) / step)))
	cols := int(math.Ceil(round((area.East - area.West) / step)))

	cells := make([]Cell, 0, rows*cols)
	for r := 0; r < rows; r++ {
		south := area.South + float64(r)*step
		north := math.Min(south+step, area.North)
		for c := 0; c < cols; c++ {
			west := area.West + float64(c)*step
			east := math.Min(west+step, area.East)
			b := source.Bounds{South: round(south), West: round(west), North: round(north), East: round(east)}
			cells = append(cells, Cell{ID: cellID(b), Bounds: b})
		}
	}
	return cells
}

func cellID(b source.Bounds) string {
	return fmt.Sprintf("%.4f_%.4f", b.South, b.West)
}

// round trims float noise from repeated step additions.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
