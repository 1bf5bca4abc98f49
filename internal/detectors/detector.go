// Package detectors holds the pattern scanners that look for manipulation
// signatures in a call's declared flags and attached code. Every detector is
// a pure function of its input.
package detectors

import (
	"riskgate/internal/callctx"
	"riskgate/internal/risk"
)

type Indicator struct {
	Code     string  `json:"code"`
	Weight   float64 `json:"weight"`
	Critical bool    `json:"critical,omitempty"`
	Location string  `json:"location,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

func (i Indicator) key() string {
	return i.Code + "@" + i.Location
}

// Finding is one detector's verdict on one call.
type Finding struct {
	Detector   string      `json:"detector"`
	Indicators []Indicator `json:"indicators"`
	RawScore   float64     `json:"raw_score"`
	Modifier   float64     `json:"modifier"`
	Cap        float64     `json:"cap"`
	Band       string      `json:"band"`
	Action     risk.Action `json:"action"`
}

func (f Finding) HasCritical() bool {
	for _, ind := range f.Indicators {
		if ind.Critical {
			return true
		}
	}
	return false
}

func (f Finding) Codes() []string {
	out := make([]string, 0, len(f.Indicators))
	seen := map[string]bool{}
	for _, ind := range f.Indicators {
		if seen[ind.Code] {
			continue
		}
		seen[ind.Code] = true
		out = append(out, ind.Code)
	}
	return out
}

type Detector interface {
	Name() string
	Assess(call callctx.Call) Finding
}

// Default returns the detectors the engine runs when none are configured.
func Default() []Detector {
	return []Detector{NewDeceptiveCompliance(), NewRewardHacking()}
}

// Dedupe drops indicators that repeat an earlier code at the same location.
func Dedupe(in []Indicator) []Indicator {
	seen := make(map[string]bool, len(in))
	out := make([]Indicator, 0, len(in))
	for _, ind := range in {
		k := ind.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ind)
	}
	return out
}

// Score sums indicator weights and clamps the sum to limit.
func Score(indicators []Indicator, limit float64) (raw, clamped float64) {
	for _, ind := range indicators {
		raw += ind.Weight
	}
	clamped = raw
	if clamped > limit {
		clamped = limit
	}
	return raw, clamped
}

// Finalize rebuilds a finding's score from its indicators. The engine uses
// it after merging duplicate findings so the cap is applied exactly once.
func Finalize(f Finding, ladder func(float64) (string, risk.Action)) Finding {
	f.Indicators = Dedupe(f.Indicators)
	f.RawScore, f.Modifier = Score(f.Indicators, f.Cap)
	f.Band, f.Action = ladder(f.Modifier)
	if f.Detector == DeceptiveComplianceName && f.HasCritical() && f.Action < risk.ActionEscalate {
		f.Action = risk.ActionEscalate
	}
	return f
}

// LadderFor returns the threshold ladder used by the named detector.
func LadderFor(name string) func(float64) (string, risk.Action) {
	switch name {
	case RewardHackingName:
		return rewardHackingLadder
	default:
		return deceptiveLadder
	}
}
