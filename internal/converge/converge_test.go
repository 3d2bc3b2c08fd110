package converge

import (
	"testing"
	"time"

	"vibefield/api/internal/geo"
)

var now = time.Date(2025, 6, 14, 21, 0, 0, 0, time.UTC)

// walker builds a trajectory moving north at the given speed, ending at
// `end` at time `now`.
func walker(id string, end geo.Point, speedMS float64) Trajectory {
	step := 10.0 // seconds between samples
	return Trajectory{
		AgentID: id,
		Samples: []Sample{
			{Pos: geo.Offset(end, -speedMS*step, 0), T: now.Add(-time.Duration(step) * time.Second)},
			{Pos: end, T: now},
		},
	}
}

func stationary(id string, pos geo.Point) Trajectory {
	return Trajectory{
		AgentID: id,
		Samples: []Sample{
			{Pos: pos, T: now.Add(-10 * time.Second)},
			{Pos: pos, T: now},
		},
	}
}

var origin = geo.Point{Lat: 52.5200, Lng: 13.4050}

func TestDetectShortTrajectoryReturnsNil(t *testing.T) {
	short := Trajectory{AgentID: "a", Samples: []Sample{{Pos: origin, T: now}}}
	full := stationary("b", origin)
	if p := Detect(short, full, now, DefaultParams()); p != nil {
		t.Errorf("single-sample trajectory must yield nil, got %+v", p)
	}
	if p := Detect(full, short, now, DefaultParams()); p != nil {
		t.Errorf("single-sample trajectory must yield nil, got %+v", p)
	}
}

func TestDetectApproachingPair(t *testing.T) {
	// One friend 40m south of a stationary one, walking north at 1.2 m/s.
	target := stationary("beth", origin)
	approaching := walker("ana", geo.Offset(origin, -40, 0), 1.2)

	p := Detect(approaching, target, now, DefaultParams())
	if p == nil {
		t.Fatal("expected a prediction for an approaching pair")
	}
	// 40m at 1.2 m/s is ~33s out.
	if p.TimeToMeet < 20*time.Second || p.TimeToMeet > 50*time.Second {
		t.Errorf("time to meet %v, expected ~33s", p.TimeToMeet)
	}
	if p.Probability < 0.85 || p.Probability > 1 {
		t.Errorf("head-on close approach should score near 1, got %v", p.Probability)
	}
	if d := geo.DistanceM(p.MeetingPoint, origin); d > 60 {
		t.Errorf("meeting point %.0fm from target, expected near them", d)
	}
}

func TestDetectFarApartReturnsNil(t *testing.T) {
	target := stationary("beth", origin)
	farAway := walker("ana", geo.Offset(origin, -5000, 0), 1.2)
	if p := Detect(farAway, target, now, DefaultParams()); p != nil {
		t.Errorf("5km at walking speed exceeds the horizon, got %+v", p)
	}
}

func TestDetectDivergingReturnsNil(t *testing.T) {
	target := stationary("beth", origin)
	// 200m north and still heading north: moving away.
	leaving := walker("ana", geo.Offset(origin, 200, 0), 1.5)
	if p := Detect(leaving, target, now, DefaultParams()); p != nil {
		t.Errorf("diverging agents must yield nil, got %+v", p)
	}
}

func TestDetectBothStationaryTogether(t *testing.T) {
	a := stationary("ana", origin)
	b := stationary("beth", geo.Offset(origin, 20, 0))
	p := Detect(a, b, now, DefaultParams())
	if p == nil {
		t.Fatal("agents already together should predict an immediate meet")
	}
	if p.TimeToMeet != 0 {
		t.Errorf("time to meet should be 0, got %v", p.TimeToMeet)
	}
}

func TestDetectBothStationaryApart(t *testing.T) {
	a := stationary("ana", origin)
	b := stationary("beth", geo.Offset(origin, 900, 0))
	if p := Detect(a, b, now, DefaultParams()); p != nil {
		t.Errorf("stationary agents far apart never meet, got %+v", p)
	}
}

func TestProbabilityBounds(t *testing.T) {
	for _, dist := range []float64{10, 40, 80, 120, 300} {
		target := stationary("beth", origin)
		approaching := walker("ana", geo.Offset(origin, -dist, 0), 1.4)
		p := Detect(approaching, target, now, DefaultParams())
		if p == nil {
			continue
		}
		if p.Probability < 0 || p.Probability > 1 {
			t.Errorf("distance %v: probability %v out of [0,1]", dist, p.Probability)
		}
	}
}

func TestDetectAllFiltersAndSorts(t *testing.T) {
	params := DefaultParams()
	trajectories := []Trajectory{
		stationary("beth", origin),
		walker("ana", geo.Offset(origin, -30, 0), 1.2),   // close, high probability
		walker("cara", geo.Offset(origin, -400, 0), 1.2), // further out, lower probability
		walker("dana", geo.Offset(origin, -4800, 0), 1.0),
	}

	preds := DetectAll(trajectories, now, params)
	if len(preds) == 0 {
		t.Fatal("expected at least one prediction")
	}
	for i := 1; i < len(preds); i++ {
		if preds[i].Probability > preds[i-1].Probability {
			t.Error("predictions must sort by probability descending")
		}
	}
	for _, p := range preds {
		if p.Probability <= params.MinProbability {
			t.Errorf("prediction below threshold kept: %+v", p)
		}
	}
}

func TestDetectAllCapsAgents(t *testing.T) {
	params := DefaultParams()
	params.MaxAgents = 2
	trajectories := []Trajectory{
		stationary("beth", origin),
		walker("ana", geo.Offset(origin, -30, 0), 1.2),
		walker("cara", geo.Offset(origin, -30, 5), 1.2), // would also match, but capped out
	}
	preds := DetectAll(trajectories, now, params)
	for _, p := range preds {
		if p.AgentA == "cara" || p.AgentB == "cara" {
			t.Errorf("agent beyond cap evaluated: %+v", p)
		}
	}
}
