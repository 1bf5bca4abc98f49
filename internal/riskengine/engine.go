// Package riskengine combines the capability matrix, the call context and the
// detector findings into one risk level and the oversight action it demands.
package riskengine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"riskgate/internal/callctx"
	"riskgate/internal/detectors"
	"riskgate/internal/risk"
)

const (
	DefaultBlockLevel  = 6.0
	productionModifier = 1.0
)

var defaultProductionEnvs = []string{"production", "prod"}

// Block reasons.
const (
	ReasonUnauthenticated = "actor_unauthenticated"
	ReasonDetectorBlock   = "detector_block"
	ReasonCriticalOnHigh  = "critical_indicator_on_high_risk_capability"
	ReasonLevelAboveLimit = "risk_level_above_limit"
)

type Engine struct {
	Matrix         *risk.Matrix
	Detectors      []detectors.Detector
	ProductionEnvs []string
	BlockLevel     float64
	Now            func() time.Time
}

func New(matrix *risk.Matrix, dets ...detectors.Detector) *Engine {
	if matrix == nil {
		matrix = risk.DefaultMatrix()
	}
	if len(dets) == 0 {
		dets = detectors.Default()
	}
	return &Engine{
		Matrix:         matrix,
		Detectors:      dets,
		ProductionEnvs: append([]string(nil), defaultProductionEnvs...),
		BlockLevel:     DefaultBlockLevel,
		Now:            time.Now,
	}
}

type Assessment struct {
	CallID              string              `json:"call_id"`
	CapabilityID        string              `json:"capability_id"`
	BaseTier            risk.Tier           `json:"base_tier"`
	KnownCapability     bool                `json:"known_capability"`
	EnvironmentModifier float64             `json:"environment_modifier"`
	Findings            []detectors.Finding `json:"findings"`
	Level               float64             `json:"level"`
	Risk                risk.Tier           `json:"risk"`
	RequiredApprovers   int                 `json:"required_approvers"`
	Action              risk.Action         `json:"action"`
	Justification       []string            `json:"justification"`
	BlockReasons        []string            `json:"block_reasons,omitempty"`
	AssessedAt          time.Time           `json:"assessed_at"`
}

// Indicators flattens every finding's indicators, detector order preserved.
func (a Assessment) Indicators() []detectors.Indicator {
	var out []detectors.Indicator
	for _, f := range a.Findings {
		out = append(out, f.Indicators...)
	}
	return out
}

func (a Assessment) IndicatorCodes() []string {
	var out []string
	for _, f := range a.Findings {
		out = append(out, f.Codes()...)
	}
	return out
}

// Assess runs every configured detector on call and scores the result.
func (e *Engine) Assess(call callctx.Call) Assessment {
	findings := make([]detectors.Finding, 0, len(e.Detectors))
	for _, d := range e.Detectors {
		findings = append(findings, d.Assess(call))
	}
	return e.AssessWithFindings(call, findings...)
}

// AssessWithFindings scores call against findings produced elsewhere.
// Findings that share a detector name are merged and re-capped so the same
// detector never contributes more than its cap.
func (e *Engine) AssessWithFindings(call callctx.Call, findings ...detectors.Finding) Assessment {
	merged := mergeFindings(findings)
	base, known := e.Matrix.Lookup(call.CapabilityID)
	a := Assessment{
		CallID:          call.ID,
		CapabilityID:    call.CapabilityID,
		BaseTier:        base,
		KnownCapability: known,
		Findings:        merged,
		AssessedAt:      e.now(),
	}
	if !known {
		a.Justification = append(a.Justification, fmt.Sprintf("capability %q not in risk matrix, treated as %s", call.CapabilityID, base))
	} else {
		a.Justification = append(a.Justification, fmt.Sprintf("base tier %s for %s", base, call.CapabilityID))
	}

	level := float64(base)
	if e.isProduction(call.Context.Environment) {
		a.EnvironmentModifier = productionModifier
		level += productionModifier
		a.Justification = append(a.Justification, fmt.Sprintf("environment %s adds %.1f", call.Context.Environment, productionModifier))
	}

	actions := []risk.Action{}
	criticalDC := false
	detectorBlock := false
	for _, f := range merged {
		level += f.Modifier
		actions = append(actions, f.Action)
		if f.Modifier > 0 {
			a.Justification = append(a.Justification, fmt.Sprintf("%s adds %.2f (%s: %s)", f.Detector, f.Modifier, f.Band, strings.Join(f.Codes(), ",")))
		}
		if f.Action == risk.ActionBlock {
			detectorBlock = true
		}
		if f.Detector == detectors.DeceptiveComplianceName && f.HasCritical() {
			criticalDC = true
		}
	}
	a.Level = level
	a.Risk = risk.TierForLevel(level)
	actions = append(actions, risk.ActionForTier(a.Risk))

	if !call.Context.Actor.Authenticated {
		a.BlockReasons = append(a.BlockReasons, ReasonUnauthenticated)
	}
	if detectorBlock {
		a.BlockReasons = append(a.BlockReasons, ReasonDetectorBlock)
	}
	if criticalDC && base >= risk.TierHigh {
		a.BlockReasons = append(a.BlockReasons, ReasonCriticalOnHigh)
	}
	blockLevel := e.BlockLevel
	if blockLevel <= 0 {
		blockLevel = DefaultBlockLevel
	}
	if level >= blockLevel {
		a.BlockReasons = append(a.BlockReasons, ReasonLevelAboveLimit)
	}

	a.Action = risk.MaxAction(actions...)
	if len(a.BlockReasons) > 0 {
		a.Action = risk.ActionBlock
		a.Justification = append(a.Justification, "blocked: "+strings.Join(a.BlockReasons, ","))
	}
	a.RequiredApprovers = a.Risk.RequiredApprovers()
	return a
}

func (e *Engine) isProduction(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		return false
	}
	for _, p := range e.ProductionEnvs {
		if strings.EqualFold(strings.TrimSpace(p), env) {
			return true
		}
	}
	return false
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func mergeFindings(in []detectors.Finding) []detectors.Finding {
	byName := map[string]int{}
	var out []detectors.Finding
	for _, f := range in {
		if i, ok := byName[f.Detector]; ok {
			out[i].Indicators = append(out[i].Indicators, f.Indicators...)
			if f.Cap > out[i].Cap {
				out[i].Cap = f.Cap
			}
			continue
		}
		byName[f.Detector] = len(out)
		f.Indicators = append([]detectors.Indicator(nil), f.Indicators...)
		out = append(out, f)
	}
	for i := range out {
		if out[i].Cap <= 0 {
			out[i].Cap = defaultCap(out[i].Detector)
		}
		out[i] = detectors.Finalize(out[i], detectors.LadderFor(out[i].Detector))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Detector < out[j].Detector })
	return out
}

func defaultCap(name string) float64 {
	if name == detectors.RewardHackingName {
		return detectors.RewardHackingCap
	}
	return detectors.DeceptiveComplianceCap
}
