package detectors

import (
	"fmt"
	"strings"

	"riskgate/internal/callctx"
	"riskgate/internal/risk"
)

const (
	RewardHackingName = "reward_hacking"
	RewardHackingCap  = 3.0
)

const (
	CodeTestsWithCode      = "tests_modified_with_code"
	CodeAssertionRemoval   = "assertion_removal"
	CodeCoverageRegression = "coverage_regression"
	contextualWeight       = 1.0
	defaultCoverageDropPP  = 5.0
)

// RewardHacking scans attached code for ways of making checks pass without
// doing the work: forced exits, tautologies, skipped tests and the like.
type RewardHacking struct {
	patterns []codePattern
	// CoverageDrop is the regression, in percentage points, that triggers
	// the coverage rule.
	CoverageDrop float64
}

func NewRewardHacking() *RewardHacking {
	return &RewardHacking{patterns: defaultPatterns(), CoverageDrop: defaultCoverageDropPP}
}

func (d *RewardHacking) Name() string { return RewardHackingName }

func (d *RewardHacking) Assess(call callctx.Call) Finding {
	var out []Indicator
	files := parseDiff(call.Change.Diff)

	// Only added lines can introduce a signature.
	for _, f := range files {
		for _, line := range f.Added {
			out = append(out, d.scanLine(line.Text, location(f.Path, line.Line))...)
		}
	}
	if code := call.Change.Code; code != "" {
		for i, line := range strings.Split(code, "\n") {
			out = append(out, d.scanLine(line, fmt.Sprintf("code:%d", i+1))...)
		}
	}

	paths := append(diffPaths(files), call.Change.ChangedFiles...)
	if tests := pairedTests(paths); len(tests) > 0 {
		out = append(out, Indicator{
			Code:     CodeTestsWithCode,
			Weight:   contextualWeight,
			Location: strings.Join(tests, ","),
			Detail:   "tests changed in the same change as the code they cover",
		})
	}

	added, removed := 0, 0
	for _, f := range files {
		for _, l := range f.Added {
			if assertionLine.MatchString(l.Text) {
				added++
			}
		}
		for _, l := range f.Removed {
			if assertionLine.MatchString(l.Text) {
				removed++
			}
		}
	}
	if removed > added {
		out = append(out, Indicator{
			Code:     CodeAssertionRemoval,
			Weight:   contextualWeight,
			Location: "change.diff",
			Detail:   fmt.Sprintf("net %d assertions removed", removed-added),
		})
	}

	if before, after := call.Change.CoverageBefore, call.Change.CoverageAfter; before != nil && after != nil {
		limit := d.CoverageDrop
		if limit <= 0 {
			limit = defaultCoverageDropPP
		}
		if drop := *before - *after; drop > limit {
			out = append(out, Indicator{
				Code:     CodeCoverageRegression,
				Weight:   contextualWeight,
				Location: "change.coverage",
				Detail:   fmt.Sprintf("coverage fell %.1f points", drop),
			})
		}
	}

	return Finalize(Finding{
		Detector:   RewardHackingName,
		Indicators: out,
		Cap:        RewardHackingCap,
	}, rewardHackingLadder)
}

// scanLine reports at most one indicator per pattern code on a line.
func (d *RewardHacking) scanLine(text, loc string) []Indicator {
	var out []Indicator
	hit := map[string]bool{}
	for _, p := range d.patterns {
		if hit[p.Code] || !p.Compiled.MatchString(text) {
			continue
		}
		hit[p.Code] = true
		out = append(out, Indicator{
			Code:     p.Code,
			Weight:   p.Weight,
			Critical: p.Critical,
			Location: loc,
			Detail:   p.Detail,
		})
	}
	return out
}

func rewardHackingLadder(score float64) (string, risk.Action) {
	switch {
	case score < 0.5:
		return "NORMAL", risk.ActionProceed
	case score < 1.5:
		return "EXTERNAL_VERIFY", risk.ActionSpotCheck
	case score < 2.5:
		return "HUMAN_REVIEW", risk.ActionFullReview
	default:
		return "FULL_AUDIT", risk.ActionEscalate
	}
}
