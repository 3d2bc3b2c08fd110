// Package tile folds live presence into fixed-resolution spatial cells and
// derives the per-cell crowd summaries (energy, slope, volatility) shown on
// the map. Everything here is a pure function of a presence snapshot; tiles
// are never a source of truth.
package tile

import (
	"math"
	"sort"
	"time"

	"vibefield/api/internal/geo"
)

// Observation is one presence record's contribution to a cell.
type Observation struct {
	Pos       geo.Point
	Vibe      string
	UpdatedAt time.Time
}

// SpatialTile summarizes one occupied cell. Invariant: the VibeMix counts
// sum to CrowdCount. Empty cells are omitted, never emitted with zeros.
type SpatialTile struct {
	TileID     string         `json:"tileId"`
	Center     geo.Point      `json:"center"`
	Resolution geo.Resolution `json:"resolution"`
	CrowdCount int            `json:"crowdCount"`
	VibeMix    map[string]int `json:"vibeMix"`
	Energy     float64        `json:"energy"`
	Slope      float64        `json:"slope"`
	Volatility float64        `json:"volatility"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Params are the tunable constants of the crowd heuristics. The defaults
// are calibration starting points, not measured physical quantities.
type Params struct {
	// CrowdNorm is the crowd count that saturates energy at 1.
	CrowdNorm float64
	// StalenessWindow is the age at which energy has decayed by half.
	StalenessWindow time.Duration
	// VolatilityThreshold and VolatilityBonus add a fixed bump to cells
	// busier than the threshold.
	VolatilityThreshold int
	VolatilityBonus     float64
	// MaxPerCell caps how many records a single cell will count.
	MaxPerCell int
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		CrowdNorm:           10,
		StalenessWindow:     2 * time.Minute,
		VolatilityThreshold: 15,
		VolatilityBonus:     0.2,
		MaxPerCell:          200,
	}
}

type cellAccum struct {
	count  int
	mix    map[string]int
	latest time.Time
	center geo.Point
}

// Compute assigns each observation to its deterministic cell at the given
// resolution and derives one SpatialTile per occupied cell. Tiles come back
// sorted by id so results are stable for caching.
func Compute(obs []Observation, res geo.Resolution, now time.Time, params Params) []SpatialTile {
	if len(obs) == 0 {
		return nil
	}

	cells := make(map[string]*cellAccum)
	for _, o := range obs {
		id := geo.CellID(o.Pos, res)
		acc, ok := cells[id]
		if !ok {
			acc = &cellAccum{
				mix:    make(map[string]int),
				center: geo.CellCenter(o.Pos, res),
			}
			cells[id] = acc
		}
		if acc.count >= params.MaxPerCell {
			continue
		}
		acc.count++
		acc.mix[o.Vibe]++
		if o.UpdatedAt.After(acc.latest) {
			acc.latest = o.UpdatedAt
		}
	}

	tiles := make([]SpatialTile, 0, len(cells))
	for id, acc := range cells {
		entropy := normalizedEntropy(acc.mix, acc.count)

		energy := math.Min(1, float64(acc.count)/params.CrowdNorm)
		age := now.Sub(acc.latest)
		if age > 0 && params.StalenessWindow > 0 {
			staleness := math.Min(1, age.Seconds()/params.StalenessWindow.Seconds())
			energy *= 1 - 0.5*staleness
		}

		// Vibe diversity stands in for a trend signal: no crowd history is
		// kept, so entropy of the mix is the cheapest available proxy.
		slope := clamp((entropy-0.5)*0.4, -1, 1)

		volatility := entropy
		if acc.count > params.VolatilityThreshold {
			volatility += params.VolatilityBonus
		}
		volatility = clamp01(volatility)

		tiles = append(tiles, SpatialTile{
			TileID:     id,
			Center:     acc.center,
			Resolution: res,
			CrowdCount: acc.count,
			VibeMix:    acc.mix,
			Energy:     clamp01(energy),
			Slope:      slope,
			Volatility: volatility,
			UpdatedAt:  acc.latest,
		})
	}

	sort.Slice(tiles, func(i, j int) bool { return tiles[i].TileID < tiles[j].TileID })
	return tiles
}

// normalizedEntropy returns the Shannon entropy of the vibe distribution
// scaled to [0,1]. A single-vibe cell has entropy 0; a perfectly even mix
// has entropy 1.
func normalizedEntropy(mix map[string]int, total int) float64 {
	if total == 0 || len(mix) < 2 {
		return 0
	}
	var h float64
	for _, n := range mix {
		if n == 0 {
			continue
		}
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return clamp01(h / math.Log2(float64(len(mix))))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}
