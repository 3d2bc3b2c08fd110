// Package policy decides whether a candidate state change may be broadcast
// right now. Evaluate is a pure function over its input (including the
// clock), so every gate is unit-testable with synthetic times; the Redis
// state store holds the per-identity cooling-down bookkeeping between calls.
package policy

import "time"

// Reason codes for a decision. Denials are expected, frequent outcomes,
// not errors.
type Reason string

const (
	ReasonOK              Reason = "ok"
	ReasonLowConfidence   Reason = "low_confidence"
	ReasonHighUncertainty Reason = "high_uncertainty"
	ReasonMinInterval     Reason = "min_interval"
	ReasonHysteresis      Reason = "hysteresis"
	ReasonVenueSafety     Reason = "venue_safety"
)

// Redaction levels for allowed broadcasts. Raw precision is never the
// default; upstream must opt in explicitly.
const (
	RedactionBanded  = "banded"
	RedactionPrecise = "precise"
)

// Ladder defaults.
const (
	DefaultThetaMin = 0.75
	DefaultOmegaMax = 0.15

	// hysteresisCushion is the fallback suppression window when no band
	// indices are available.
	hysteresisCushion = 5 * time.Second
)

// minIntervals is the per-class cooldown table. Unknown classes fall back
// to the presence interval.
var minIntervals = map[string]time.Duration{
	"presence":     30 * time.Second,
	"music-switch": 40 * time.Second,
	"work-status":  30 * time.Minute,
	"home-hvac":    8 * time.Minute,
}

const defaultMinInterval = 30 * time.Second

// MinInterval returns the cooldown for a change class.
func MinInterval(classKey string) time.Duration {
	if d, ok := minIntervals[classKey]; ok {
		return d
	}
	return defaultMinInterval
}

// Input is everything Evaluate looks at. Theta is the confidence in the
// candidate state; Omega is the uncertainty band width. Band/PrevBand are
// discretized state indices when the class supports them; both nil means
// bands are unavailable and the fixed cushion applies instead.
type Input struct {
	ClassKey string

	Theta    float64
	ThetaMin float64
	Omega    float64
	OmegaMax float64

	Now          time.Time
	LastChangeAt time.Time

	Band     *int
	PrevBand *int

	VenueSafetySuppressed bool
	AllowPrecise          bool
}

// Decision is the outcome of one Evaluate call. Never stored.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	Reason         Reason `json:"reason"`
	RedactionLevel string `json:"redactionLevel,omitempty"`

	MinIntervalEnforced bool `json:"minIntervalEnforced"`
	HysteresisApplied   bool `json:"hysteresisApplied"`
}

func deny(reason Reason) Decision {
	d := Decision{Allowed: false, Reason: reason}
	switch reason {
	case ReasonMinInterval:
		d.MinIntervalEnforced = true
	case ReasonHysteresis:
		d.HysteresisApplied = true
	}
	return d
}

// Evaluate runs the gate ladder in order; the first failing gate wins.
// Deterministic and side-effect-free: it never touches the state store,
// so two consecutive calls with identical input return identical
// decisions.
func Evaluate(in Input) Decision {
	thetaMin := in.ThetaMin
	if thetaMin == 0 {
		thetaMin = DefaultThetaMin
	}
	omegaMax := in.OmegaMax
	if omegaMax == 0 {
		omegaMax = DefaultOmegaMax
	}

	if in.VenueSafetySuppressed {
		return deny(ReasonVenueSafety)
	}
	if in.Theta < thetaMin {
		return deny(ReasonLowConfidence)
	}
	if in.Omega > omegaMax {
		return deny(ReasonHighUncertainty)
	}

	if !in.LastChangeAt.IsZero() && in.Now.Sub(in.LastChangeAt) < MinInterval(in.ClassKey) {
		return deny(ReasonMinInterval)
	}

	if in.Band != nil && in.PrevBand != nil {
		delta := *in.Band - *in.PrevBand
		if delta < 0 {
			delta = -delta
		}
		if delta < 1 {
			return deny(ReasonHysteresis)
		}
	} else if !in.LastChangeAt.IsZero() && in.Now.Sub(in.LastChangeAt) < hysteresisCushion {
		return deny(ReasonHysteresis)
	}

	redaction := RedactionBanded
	if in.AllowPrecise {
		redaction = RedactionPrecise
	}
	return Decision{Allowed: true, Reason: ReasonOK, RedactionLevel: redaction}
}
