package converge

import (
	"sort"
	"time"

	"vibefield/api/internal/geo"
)

// OpenState is the tri-state opening status a venue catalog reports.
type OpenState string

const (
	OpenYes     OpenState = "open"
	OpenNo      OpenState = "closed"
	OpenUnknown OpenState = "unknown"
)

// Venue is a candidate meeting point supplied by the venue catalog
// collaborator. Ranking only scores candidates; it never sources them.
type Venue struct {
	ID       string    `json:"id"`
	Pos      geo.Point `json:"position"`
	Category string    `json:"category"`
	OpenNow  OpenState `json:"openNow"`
	Crowd    *int      `json:"crowd,omitempty"`
}

// RankedPoint is a venue with its composite match score and per-agent ETAs.
type RankedPoint struct {
	Venue
	Match   float64       `json:"match"`
	ETASelf time.Duration `json:"etaSelf"`
	ETAPeer time.Duration `json:"etaPeer"`
}

// ETAFunc estimates travel time between two points. The transit override
// collaborator supplies one; ok=false falls back to the walking estimate.
type ETAFunc func(from, to geo.Point) (time.Duration, bool)

// Fixed ranking weights; they sum to 1 so composite scores stay in [0,1].
const (
	weightCompat   = 0.45
	weightETA      = 0.30
	weightOpen     = 0.15
	weightSymmetry = 0.10

	walkingSpeedMS = 1.4
	etaCap         = 30 * time.Minute
)

// categoryEnergy maps a venue category to the crowd energy it suits.
// Unknown categories sit in the middle.
var categoryEnergy = map[string]float64{
	"club":       0.95,
	"bar":        0.8,
	"music":      0.8,
	"food":       0.55,
	"restaurant": 0.5,
	"cafe":       0.35,
	"gallery":    0.3,
	"park":       0.2,
}

// RankVenues scores each candidate against where both agents are and the
// peer's recent energy trend, then sorts by match descending with total
// ETA as the tiebreaker. peerTrendDir/peerTrendMag come from flow
// momentum; eta may be nil to use the straight-line walking estimate.
func RankVenues(self, peer geo.Point, peerTrendDir int, peerTrendMag float64, candidates []Venue, eta ETAFunc) []RankedPoint {
	if len(candidates) == 0 {
		return nil
	}

	// The peer's trend sets the energy level a venue should match: rising
	// energy favors livelier categories.
	target := clamp01(0.5 + 0.5*float64(peerTrendDir)*clamp01(peerTrendMag))

	out := make([]RankedPoint, 0, len(candidates))
	for _, v := range candidates {
		etaSelf := travelTime(self, v.Pos, eta)
		etaPeer := travelTime(peer, v.Pos, eta)

		catEnergy, ok := categoryEnergy[v.Category]
		if !ok {
			catEnergy = 0.5
		}
		compat := clamp01(1 - abs(catEnergy-target))

		maxETA := etaSelf
		if etaPeer > maxETA {
			maxETA = etaPeer
		}
		capped := maxETA
		if capped > etaCap {
			capped = etaCap
		}
		etaScore := clamp01(1 - capped.Seconds()/etaCap.Seconds())

		var openScore float64
		switch v.OpenNow {
		case OpenYes:
			openScore = 1
		case OpenUnknown:
			openScore = 0.5
		}

		// Penalize meeting points that make one side travel far longer
		// than the other.
		symmetry := 1.0
		if maxETA > 0 {
			diff := etaSelf - etaPeer
			if diff < 0 {
				diff = -diff
			}
			symmetry = clamp01(1 - diff.Seconds()/maxETA.Seconds())
		}

		match := clamp01(weightCompat*compat + weightETA*etaScore + weightOpen*openScore + weightSymmetry*symmetry)

		out = append(out, RankedPoint{
			Venue:   v,
			Match:   match,
			ETASelf: etaSelf,
			ETAPeer: etaPeer,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Match != out[j].Match {
			return out[i].Match > out[j].Match
		}
		return out[i].ETASelf+out[i].ETAPeer < out[j].ETASelf+out[j].ETAPeer
	})
	return out
}

// travelTime uses the override collaborator when present, otherwise a
// straight-line walk at 1.4 m/s.
func travelTime(from, to geo.Point, eta ETAFunc) time.Duration {
	if eta != nil {
		if d, ok := eta(from, to); ok {
			return d
		}
	}
	meters := geo.DistanceM(from, to)
	return time.Duration(meters / walkingSpeedMS * float64(time.Second))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
