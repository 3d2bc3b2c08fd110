// Package flow derives read-only motion metrics from bounded recent
// windows: momentum (is one agent's energy trending up or down) and
// cohesion (how much a path overlaps friends' recent positions in both
// space and time). Nothing here holds state or persists anything.
package flow

import (
	"math"
	"time"

	"vibefield/api/internal/geo"
)

// Defaults for cohesion matching.
const (
	defaultCohesionDistM  = 150.0
	defaultCohesionWindow = 12 * time.Minute
	maxPathPoints         = 24

	momentumDeadband = 0.03
)

// Momentum is a trend direction plus a magnitude in [0,1].
type Momentum struct {
	Dir int     `json:"dir"` // -1, 0, or 1
	Mag float64 `json:"mag"`
}

// PathPoint is a timestamped position, the unit of cohesion matching.
type PathPoint struct {
	Pos geo.Point
	T   time.Time
}

// Cohesion is the fraction of recent path points spent near friends.
type Cohesion struct {
	Cohesion float64 `json:"cohesion"`
	Nearby   int     `json:"nearby"`
}

// ComputeMomentum box-smooths the energy series with a centered window and
// compares the latest smoothed value against the one `window` steps back.
// Deltas inside the +-0.03 deadband count as flat. Returns the zero value
// when fewer than window+1 samples exist.
func ComputeMomentum(energy []float64, window int) Momentum {
	if window < 1 {
		window = 3
	}
	if len(energy) < window+1 {
		return Momentum{}
	}

	smoothed := boxSmooth(energy, window)
	latest := smoothed[len(smoothed)-1]
	past := smoothed[len(smoothed)-1-window]
	delta := latest - past

	dir := 0
	if delta > momentumDeadband {
		dir = 1
	} else if delta < -momentumDeadband {
		dir = -1
	}
	return Momentum{
		Dir: dir,
		Mag: math.Min(1, math.Abs(delta)*3),
	}
}

// boxSmooth averages each sample with its neighbors inside a centered
// window, clamping at the series edges.
func boxSmooth(series []float64, window int) []float64 {
	half := window / 2
	out := make([]float64, len(series))
	for i := range series {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half
		if hi > len(series)-1 {
			hi = len(series) - 1
		}
		var sum float64
		for j := lo; j <= hi; j++ {
			sum += series[j]
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}

// ComputeCohesion counts, over the last <=24 path points, how many had any
// friend head within distM meters and within timeWindow of the point's
// timestamp. At most one hit is counted per path point. Zero inputs yield
// the zero value. Nearby reports how many distinct friends matched at
// least once.
func ComputeCohesion(path []PathPoint, friendHeads []PathPoint, distM float64, timeWindow time.Duration) Cohesion {
	if len(path) == 0 || len(friendHeads) == 0 {
		return Cohesion{}
	}
	if distM <= 0 {
		distM = defaultCohesionDistM
	}
	if timeWindow <= 0 {
		timeWindow = defaultCohesionWindow
	}

	if len(path) > maxPathPoints {
		path = path[len(path)-maxPathPoints:]
	}

	hits := 0
	matched := make(map[int]bool)
	for _, p := range path {
		for fi, head := range friendHeads {
			dt := p.T.Sub(head.T)
			if dt < 0 {
				dt = -dt
			}
			if dt > timeWindow {
				continue
			}
			if geo.DistanceM(p.Pos, head.Pos) > distM {
				continue
			}
			hits++
			matched[fi] = true
			break
		}
	}

	return Cohesion{
		Cohesion: float64(hits) / float64(len(path)),
		Nearby:   len(matched),
	}
}
