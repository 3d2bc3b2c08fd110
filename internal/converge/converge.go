// Package converge predicts whether two moving agents will be co-located
// soon, and ranks third-party venues as meeting points. All functions are
// pure computations over already-fetched trajectory snapshots; predictions
// are ephemeral and never stored.
package converge

import (
	"math"
	"sort"
	"time"

	"vibefield/api/internal/geo"
)

// Sample is one timestamped trajectory position.
type Sample struct {
	Pos geo.Point
	T   time.Time
}

// Trajectory is an agent's recent samples, oldest first.
type Trajectory struct {
	AgentID string
	Samples []Sample
}

// Prediction describes an expected co-location of two agents.
type Prediction struct {
	AgentA       string        `json:"agentA"`
	AgentB       string        `json:"agentB"`
	MeetingPoint geo.Point     `json:"meetingPoint"`
	TimeToMeet   time.Duration `json:"timeToMeet"`
	Probability  float64       `json:"probability"`
}

// Params bound the predictor. The probability shape is a hand-tuned
// heuristic kept configurable rather than hard law.
type Params struct {
	// Horizon bounds how far ahead extrapolation is trusted.
	Horizon time.Duration
	// MeetDistanceM is the closing distance that counts as "met".
	MeetDistanceM float64
	// MinProbability filters batch results.
	MinProbability float64
	// MaxAgents caps the O(N^2) batch; N is friends-list sized by design.
	MaxAgents int
}

// DefaultParams returns the stock tuning.
func DefaultParams() Params {
	return Params{
		Horizon:        10 * time.Minute,
		MeetDistanceM:  100,
		MinProbability: 0.6,
		MaxAgents:      25,
	}
}

// motion is a linear model of an agent: position at a reference time plus
// a velocity in meters/second (north, east).
type motion struct {
	at     time.Time
	pos    geo.Point
	northV float64
	eastV  float64
}

// deriveMotion builds the linear model from the last two samples. Returns
// false when the trajectory is too short or its timestamps do not advance.
func deriveMotion(tr Trajectory) (motion, bool) {
	n := len(tr.Samples)
	if n < 2 {
		return motion{}, false
	}
	prev, last := tr.Samples[n-2], tr.Samples[n-1]
	dt := last.T.Sub(prev.T).Seconds()
	if dt <= 0 {
		return motion{}, false
	}

	northM, eastM := localOffset(prev.Pos, last.Pos)
	return motion{
		at:     last.T,
		pos:    last.Pos,
		northV: northM / dt,
		eastV:  eastM / dt,
	}, true
}

// localOffset returns the (north, east) meters from a to b.
func localOffset(a, b geo.Point) (float64, float64) {
	north := geo.DistanceM(a, geo.Point{Lat: b.Lat, Lng: a.Lng})
	if b.Lat < a.Lat {
		north = -north
	}
	east := geo.DistanceM(a, geo.Point{Lat: a.Lat, Lng: b.Lng})
	if b.Lng < a.Lng {
		east = -east
	}
	return north, east
}

// positionAt extrapolates the agent's position dt past its last sample.
func (m motion) positionAt(dt time.Duration) geo.Point {
	s := dt.Seconds()
	return geo.Offset(m.pos, m.northV*s, m.eastV*s)
}

// Detect extrapolates both agents linearly from now and solves for their
// closest approach. Returns nil when either trajectory is too short, the
// agents are already diverging, or the approach stays outside the meet
// distance within the horizon.
func Detect(a, b Trajectory, now time.Time, params Params) *Prediction {
	ma, ok := deriveMotion(a)
	if !ok {
		return nil
	}
	mb, ok := deriveMotion(b)
	if !ok {
		return nil
	}

	// Relative state at `now`, in meters from agent A.
	posA := ma.positionAt(now.Sub(ma.at))
	posB := mb.positionAt(now.Sub(mb.at))
	relN, relE := localOffset(posA, posB)
	dVN := mb.northV - ma.northV
	dVE := mb.eastV - ma.eastV

	speedSq := dVN*dVN + dVE*dVE
	var tClose float64
	if speedSq < 1e-9 {
		// No relative motion: they either already stand together or
		// never will.
		if math.Hypot(relN, relE) > params.MeetDistanceM {
			return nil
		}
		tClose = 0
	} else {
		tClose = -(relN*dVN + relE*dVE) / speedSq
	}

	if tClose < 0 {
		return nil // diverging
	}
	if tClose > params.Horizon.Seconds() {
		return nil
	}

	missN := relN + dVN*tClose
	missE := relE + dVE*tClose
	miss := math.Hypot(missN, missE)
	if miss > params.MeetDistanceM {
		return nil
	}

	timeToMeet := time.Duration(tClose * float64(time.Second))

	// Probability decays with both miss distance and how far out the
	// extrapolation reaches; each factor is clamped before composing.
	missFactor := clamp01(1 - miss/params.MeetDistanceM)
	horizonFactor := clamp01(1 - 0.5*tClose/params.Horizon.Seconds())
	probability := clamp01(missFactor * horizonFactor)

	return &Prediction{
		AgentA:       a.AgentID,
		AgentB:       b.AgentID,
		MeetingPoint: MeetingPoint(a, b, now, timeToMeet),
		TimeToMeet:   timeToMeet,
		Probability:  probability,
	}
}

// MeetingPoint is the midpoint of the two extrapolated positions at
// now+timeToMeet. Falls back to the last known positions when a
// trajectory is too short to carry velocity.
func MeetingPoint(a, b Trajectory, now time.Time, timeToMeet time.Duration) geo.Point {
	posA := extrapolateOrLast(a, now, timeToMeet)
	posB := extrapolateOrLast(b, now, timeToMeet)
	return geo.Midpoint(posA, posB)
}

func extrapolateOrLast(tr Trajectory, now time.Time, ahead time.Duration) geo.Point {
	if m, ok := deriveMotion(tr); ok {
		return m.positionAt(now.Sub(m.at) + ahead)
	}
	if n := len(tr.Samples); n > 0 {
		return tr.Samples[n-1].Pos
	}
	return geo.Point{}
}

// DetectAll evaluates every pair among at most MaxAgents trajectories,
// keeps predictions above MinProbability, and sorts by probability
// descending then time-to-meet ascending. Deliberately quadratic over a
// friends-sized N; never run this against a full presence table.
func DetectAll(trajectories []Trajectory, now time.Time, params Params) []Prediction {
	if len(trajectories) > params.MaxAgents {
		trajectories = trajectories[:params.MaxAgents]
	}

	var out []Prediction
	for i := 0; i < len(trajectories); i++ {
		for j := i + 1; j < len(trajectories); j++ {
			p := Detect(trajectories[i], trajectories[j], now, params)
			if p == nil || p.Probability <= params.MinProbability {
				continue
			}
			out = append(out, *p)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].TimeToMeet < out[j].TimeToMeet
	})
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
