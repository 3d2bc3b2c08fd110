package policy

import (
	"testing"
	"time"
)

var clock = time.Date(2025, 6, 14, 20, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func passingInput() Input {
	return Input{
		ClassKey:     "presence",
		Theta:        0.9,
		Omega:        0.05,
		Now:          clock,
		LastChangeAt: clock.Add(-10 * time.Minute),
		Band:         intPtr(3),
		PrevBand:     intPtr(1),
	}
}

func TestAllowWithBandedRedaction(t *testing.T) {
	d := Evaluate(passingInput())
	if !d.Allowed || d.Reason != ReasonOK {
		t.Fatalf("expected allow, got %+v", d)
	}
	if d.RedactionLevel != RedactionBanded {
		t.Errorf("default redaction must be banded, got %q", d.RedactionLevel)
	}
}

func TestPreciseOnlyWhenExplicitlyPermitted(t *testing.T) {
	in := passingInput()
	in.AllowPrecise = true
	if d := Evaluate(in); d.RedactionLevel != RedactionPrecise {
		t.Errorf("expected precise redaction, got %+v", d)
	}
}

func TestVenueSafetyWinsOverEverything(t *testing.T) {
	in := passingInput()
	in.VenueSafetySuppressed = true
	in.Theta = 0.1 // would also fail confidence; safety must report first
	d := Evaluate(in)
	if d.Allowed || d.Reason != ReasonVenueSafety {
		t.Errorf("expected venue_safety denial, got %+v", d)
	}
}

func TestLowConfidenceDeniesRegardlessOfRest(t *testing.T) {
	in := passingInput()
	in.Theta = 0.5
	in.ThetaMin = 0.75
	d := Evaluate(in)
	if d.Allowed || d.Reason != ReasonLowConfidence {
		t.Errorf("expected low_confidence denial, got %+v", d)
	}
}

func TestHighUncertaintyDenies(t *testing.T) {
	in := passingInput()
	in.Omega = 0.3
	d := Evaluate(in)
	if d.Allowed || d.Reason != ReasonHighUncertainty {
		t.Errorf("expected high_uncertainty denial, got %+v", d)
	}
}

func TestMinIntervalPerClass(t *testing.T) {
	cases := []struct {
		class   string
		elapsed time.Duration
		allowed bool
	}{
		{"presence", 10 * time.Second, false},
		{"presence", 31 * time.Second, true},
		{"music-switch", 35 * time.Second, false},
		{"music-switch", 41 * time.Second, true},
		{"work-status", 20 * time.Minute, false},
		{"home-hvac", 5 * time.Minute, false},
		{"home-hvac", 9 * time.Minute, true},
		{"unknown-class", 10 * time.Second, false},
		{"unknown-class", 31 * time.Second, true},
	}
	for _, tc := range cases {
		in := passingInput()
		in.ClassKey = tc.class
		in.LastChangeAt = clock.Add(-tc.elapsed)
		d := Evaluate(in)
		if d.Allowed != tc.allowed {
			t.Errorf("%s after %v: allowed=%v, want %v (reason %s)", tc.class, tc.elapsed, d.Allowed, tc.allowed, d.Reason)
		}
		if !tc.allowed && d.Reason != ReasonMinInterval {
			t.Errorf("%s after %v: reason %s, want min_interval", tc.class, tc.elapsed, d.Reason)
		}
		if !tc.allowed && !d.MinIntervalEnforced {
			t.Errorf("%s: min_interval denial must set observability flag", tc.class)
		}
	}
}

func TestHysteresisSameBandDenies(t *testing.T) {
	in := passingInput()
	in.Band = intPtr(2)
	in.PrevBand = intPtr(2)
	d := Evaluate(in)
	if d.Allowed || d.Reason != ReasonHysteresis {
		t.Errorf("same band must deny hysteresis, got %+v", d)
	}
	if !d.HysteresisApplied {
		t.Error("hysteresis denial must set observability flag")
	}
}

func TestHysteresisIdempotent(t *testing.T) {
	// Two consecutive evaluates with band == prevBand both deny; the
	// second call must not see any reset because Evaluate is pure.
	in := passingInput()
	in.Band = intPtr(4)
	in.PrevBand = intPtr(4)
	first := Evaluate(in)
	second := Evaluate(in)
	if first != second {
		t.Errorf("pure ladder must be idempotent: %+v vs %+v", first, second)
	}
	if first.Reason != ReasonHysteresis {
		t.Errorf("expected hysteresis both times, got %s", first.Reason)
	}
}

func TestNoBandsFallsBackToCushion(t *testing.T) {
	in := passingInput()
	in.Band = nil
	in.PrevBand = nil

	// Inside the cushion the change is suppressed; min_interval fires
	// first because every class interval exceeds the 5s cushion.
	in.LastChangeAt = clock.Add(-3 * time.Second)
	if d := Evaluate(in); d.Allowed {
		t.Fatalf("expected denial inside cushion, got %+v", d)
	}

	in.LastChangeAt = clock.Add(-6 * time.Minute)
	if d := Evaluate(in); !d.Allowed {
		t.Errorf("cushion long past, expected allow, got %+v", d)
	}

	// First-ever change: no prior state, nothing to suppress.
	in.LastChangeAt = time.Time{}
	if d := Evaluate(in); !d.Allowed {
		t.Errorf("first change should be allowed, got %+v", d)
	}
}

func TestDeterminism(t *testing.T) {
	in := passingInput()
	for i := 0; i < 5; i++ {
		if Evaluate(in) != Evaluate(in) {
			t.Fatal("identical inputs must produce identical decisions")
		}
	}
}

func TestMinIntervalTable(t *testing.T) {
	if MinInterval("work-status") != 30*time.Minute {
		t.Error("work-status should cool down for 30m")
	}
	if MinInterval("never-seen") != 30*time.Second {
		t.Error("unknown classes default to 30s")
	}
}
