package flow

import (
	"testing"
	"time"

	"vibefield/api/internal/geo"
)

func TestMomentumTooFewSamples(t *testing.T) {
	if m := ComputeMomentum([]float64{0.5, 0.6, 0.7}, 3); m.Dir != 0 || m.Mag != 0 {
		t.Errorf("3 samples with window 3 should be zero momentum, got %+v", m)
	}
	if m := ComputeMomentum(nil, 3); m.Dir != 0 || m.Mag != 0 {
		t.Errorf("empty series should be zero momentum, got %+v", m)
	}
}

func TestMomentumFlatSeries(t *testing.T) {
	m := ComputeMomentum([]float64{0.3, 0.3, 0.3, 0.3}, 3)
	if m.Dir != 0 || m.Mag != 0 {
		t.Errorf("flat series: want {0 0}, got %+v", m)
	}
}

func TestMomentumRisingSeries(t *testing.T) {
	m := ComputeMomentum([]float64{0.1, 0.2, 0.4, 0.6, 0.8}, 3)
	if m.Dir != 1 {
		t.Errorf("rising series should have dir 1, got %+v", m)
	}
	if m.Mag <= 0 || m.Mag > 1 {
		t.Errorf("magnitude out of range: %+v", m)
	}
}

func TestMomentumNetSmoothedSlope(t *testing.T) {
	// Peaks then falls back: the smoothed net delta still rises versus
	// three steps ago, so the direction is up with a small magnitude.
	m := ComputeMomentum([]float64{0.2, 0.3, 0.8, 0.6, 0.4}, 3)
	if m.Dir != 1 {
		t.Errorf("net smoothed slope is positive, got %+v", m)
	}
	if m.Mag <= 0 || m.Mag > 1 {
		t.Errorf("magnitude out of range: %+v", m)
	}
}

func TestMomentumFallingSeries(t *testing.T) {
	m := ComputeMomentum([]float64{0.9, 0.8, 0.6, 0.4, 0.2}, 3)
	if m.Dir != -1 {
		t.Errorf("falling series should have dir -1, got %+v", m)
	}
}

func TestMomentumMagnitudeCaps(t *testing.T) {
	m := ComputeMomentum([]float64{0, 0, 0, 1, 1, 1, 1}, 3)
	if m.Mag > 1 {
		t.Errorf("magnitude must clamp to 1, got %v", m.Mag)
	}
}

func TestCohesionEmptyInputs(t *testing.T) {
	now := time.Now()
	path := []PathPoint{{Pos: geo.Point{Lat: 1, Lng: 1}, T: now}}
	if c := ComputeCohesion(nil, path, 0, 0); c.Cohesion != 0 || c.Nearby != 0 {
		t.Errorf("empty path: want zeros, got %+v", c)
	}
	if c := ComputeCohesion(path, nil, 0, 0); c.Cohesion != 0 || c.Nearby != 0 {
		t.Errorf("no friends: want zeros, got %+v", c)
	}
}

func TestCohesionCountsHitsOncePerPoint(t *testing.T) {
	now := time.Date(2025, 6, 14, 21, 0, 0, 0, time.UTC)
	origin := geo.Point{Lat: 52.52, Lng: 13.405}

	path := []PathPoint{
		{Pos: origin, T: now.Add(-3 * time.Minute)},
		{Pos: geo.Offset(origin, 50, 0), T: now.Add(-2 * time.Minute)},
		{Pos: geo.Offset(origin, 5000, 0), T: now.Add(-1 * time.Minute)},
		{Pos: geo.Offset(origin, 5100, 0), T: now},
	}
	// Two friends sitting on the first half of the path.
	friends := []PathPoint{
		{Pos: origin, T: now.Add(-2 * time.Minute)},
		{Pos: geo.Offset(origin, 40, 0), T: now.Add(-2 * time.Minute)},
	}

	c := ComputeCohesion(path, friends, 150, 12*time.Minute)
	if c.Cohesion != 0.5 {
		t.Errorf("2 of 4 points near friends: want 0.5, got %v", c.Cohesion)
	}
	if c.Nearby < 1 {
		t.Errorf("at least one friend matched, got %+v", c)
	}
}

func TestCohesionRespectsTimeWindow(t *testing.T) {
	now := time.Date(2025, 6, 14, 21, 0, 0, 0, time.UTC)
	origin := geo.Point{Lat: 52.52, Lng: 13.405}

	path := []PathPoint{{Pos: origin, T: now}}
	// Friend at the same spot, but half an hour stale.
	friends := []PathPoint{{Pos: origin, T: now.Add(-30 * time.Minute)}}

	c := ComputeCohesion(path, friends, 150, 12*time.Minute)
	if c.Cohesion != 0 {
		t.Errorf("stale friend head should not count, got %+v", c)
	}
}

func TestCohesionBoundsPathWindow(t *testing.T) {
	now := time.Date(2025, 6, 14, 21, 0, 0, 0, time.UTC)
	origin := geo.Point{Lat: 52.52, Lng: 13.405}

	// 50 old far points followed by 24 recent near ones: only the last 24
	// are checked, so cohesion is 1.
	var path []PathPoint
	for i := 0; i < 50; i++ {
		path = append(path, PathPoint{Pos: geo.Offset(origin, 9000, 0), T: now.Add(-time.Hour)})
	}
	for i := 0; i < 24; i++ {
		path = append(path, PathPoint{Pos: origin, T: now})
	}
	friends := []PathPoint{{Pos: origin, T: now}}

	c := ComputeCohesion(path, friends, 150, 12*time.Minute)
	if c.Cohesion != 1 {
		t.Errorf("only the recent window should be checked, got %v", c.Cohesion)
	}
}
