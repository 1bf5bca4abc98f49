package risk

import (
	"fmt"
	"strings"
)

// Action is the oversight a call receives. Actions are ordered: a larger
// value is always at least as strict as a smaller one.
type Action int

const (
	ActionProceed Action = iota
	ActionSpotCheck
	ActionFullReview
	ActionEscalate
	ActionBlock
)

var actionNames = [...]string{"PROCEED", "SPOT_CHECK", "FULL_REVIEW", "ESCALATE", "BLOCK"}

func (a Action) String() string {
	if a < ActionProceed || a > ActionBlock {
		return fmt.Sprintf("Action(%d)", int(a))
	}
	return actionNames[a]
}

func (a Action) MarshalText() ([]byte, error) {
	if a < ActionProceed || a > ActionBlock {
		return nil, fmt.Errorf("invalid action %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func ParseAction(s string) (Action, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range actionNames {
		if name == want {
			return Action(i), nil
		}
	}
	return ActionBlock, fmt.Errorf("unknown action %q", s)
}

// Bypassable reports whether a bypass policy may let the call skip approval.
func (a Action) Bypassable() bool {
	return a == ActionProceed || a == ActionSpotCheck
}

// MaxAction returns the strictest of the given actions.
func MaxAction(actions ...Action) Action {
	out := ActionProceed
	for _, a := range actions {
		if a > out {
			out = a
		}
	}
	return out
}

// ActionForTier is the oversight a tier demands before detectors weigh in.
func ActionForTier(t Tier) Action {
	switch t {
	case TierLow:
		return ActionProceed
	case TierMedium, TierHigh:
		return ActionFullReview
	default:
		return ActionEscalate
	}
}
