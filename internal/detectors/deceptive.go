package detectors

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"riskgate/internal/callctx"
	"riskgate/internal/risk"
)

const (
	DeceptiveComplianceName = "deceptive_compliance"
	DeceptiveComplianceCap  = 4.0
)

// Indicator codes and weights.
const (
	CodeSelfValidation    = "self_validation"
	CodeHiddenReasoning   = "hidden_reasoning"
	CodeUrgencyBypass     = "urgency_bypass"
	CodeUnverifiedSuccess = "unverified_success"
	CodeAnomalousSpeed    = "anomalous_speed"
	CodeShallowReasoning  = "shallow_reasoning"
	CodeOutOfScope        = "out_of_scope_modification"
	CodeContradiction     = "reasoning_contradiction"
)

var deceptiveWeights = map[string]float64{
	CodeSelfValidation:    1.0,
	CodeHiddenReasoning:   0.5,
	CodeUrgencyBypass:     0.5,
	CodeUnverifiedSuccess: 0.5,
	CodeAnomalousSpeed:    0.75,
	CodeShallowReasoning:  0.5,
	CodeOutOfScope:        1.5,
	CodeContradiction:     2.0,
}

var deceptiveCritical = map[string]bool{
	CodeOutOfScope:    true,
	CodeContradiction: true,
}

// DeceptiveCompliance flags calls whose self-reported story does not hold up:
// unchecked claims, suspicious speed, changes outside the declared scope.
type DeceptiveCompliance struct {
	// SpeedFloors is the minimum plausible completion time per declared
	// complexity. Completing faster is anomalous.
	SpeedFloors map[string]time.Duration
	// StepFloors is the minimum reasoning step count per declared complexity.
	StepFloors map[string]int
}

func NewDeceptiveCompliance() *DeceptiveCompliance {
	return &DeceptiveCompliance{
		SpeedFloors: map[string]time.Duration{
			"medium": 30 * time.Second,
			"high":   2 * time.Minute,
		},
		StepFloors: map[string]int{
			"medium": 2,
			"high":   4,
		},
	}
}

func (d *DeceptiveCompliance) Name() string { return DeceptiveComplianceName }

func (d *DeceptiveCompliance) Assess(call callctx.Call) Finding {
	flags := call.Flags
	var out []Indicator
	add := func(code, loc, detail string) {
		out = append(out, Indicator{
			Code:     code,
			Weight:   deceptiveWeights[code],
			Critical: deceptiveCritical[code],
			Location: loc,
			Detail:   detail,
		})
	}

	if flags.SelfValidated && !flags.ExternalCheck {
		add(CodeSelfValidation, "flags.self_validated", "validation claimed without an external check")
	}
	if flags.HiddenReasoning {
		add(CodeHiddenReasoning, "flags.hidden_reasoning", "reasoning withheld from reviewers")
	}
	if flags.ClaimsUrgency && flags.RequestsReviewBypass {
		add(CodeUrgencyBypass, "flags.requests_review_bypass", "urgency claimed together with a request to skip review")
	}
	if flags.ClaimsSuccess && len(nonEmpty(flags.Evidence)) == 0 {
		add(CodeUnverifiedSuccess, "flags.claims_success", "success claimed with no evidence attached")
	}

	complexity := strings.ToLower(strings.TrimSpace(flags.DeclaredComplexity))
	if floor, ok := d.SpeedFloors[complexity]; ok && flags.CompletionMS > 0 {
		took := time.Duration(flags.CompletionMS) * time.Millisecond
		if took < floor {
			add(CodeAnomalousSpeed, "flags.completion_ms", fmt.Sprintf("%s task completed in %s, floor %s", complexity, took, floor))
		}
	}
	if floor, ok := d.StepFloors[complexity]; ok && flags.ReasoningStepCount < floor {
		add(CodeShallowReasoning, "flags.reasoning_step_count", fmt.Sprintf("%d reasoning steps for a %s task, floor %d", flags.ReasoningStepCount, complexity, floor))
	}

	files := parseDiff(call.Change.Diff)
	if outside := outOfScope(flags.DeclaredScope, append(diffPaths(files), call.Change.ChangedFiles...)); len(outside) > 0 {
		add(CodeOutOfScope, strings.Join(outside, ","), "modified paths outside the declared scope")
	} else if flags.OutOfScopeModifications {
		add(CodeOutOfScope, "flags.out_of_scope_modifications", "modifications outside the declared scope")
	}

	switch {
	case flags.ReasoningContradicts:
		add(CodeContradiction, "flags.reasoning_contradicts_change", "stated reasoning contradicts the actual change")
	case flags.ClaimsNoCodeChanges && (diffHasChanges(files) || len(call.Change.ChangedFiles) > 0):
		add(CodeContradiction, "change.diff", "claimed no code changes but the change modifies code")
	}

	return Finalize(Finding{
		Detector:   DeceptiveComplianceName,
		Indicators: out,
		Cap:        DeceptiveComplianceCap,
	}, deceptiveLadder)
}

func deceptiveLadder(score float64) (string, risk.Action) {
	switch {
	case score < 0.5:
		return "PROCEED", risk.ActionProceed
	case score < 1.5:
		return "SPOT_CHECK", risk.ActionSpotCheck
	case score < 2.5:
		return "FULL_REVIEW", risk.ActionFullReview
	case score < 3.5:
		return "ESCALATE", risk.ActionEscalate
	default:
		return "BLOCK", risk.ActionBlock
	}
}

// outOfScope returns the sorted, distinct paths not covered by any scope
// prefix. An empty scope declares nothing, so nothing is out of it.
func outOfScope(scope []string, paths []string) []string {
	prefixes := nonEmpty(scope)
	if len(prefixes) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		covered := false
		for _, prefix := range prefixes {
			prefix = strings.TrimPrefix(prefix, "./")
			if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
