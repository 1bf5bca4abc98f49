package policy

import (
	"context"

	"riskgate/internal/callctx"
	"riskgate/internal/risk"
	"riskgate/internal/riskengine"
)

// Input is what a bypass policy sees about an assessed call.
type Input struct {
	CallID      string   `json:"call_id"`
	Capability  string   `json:"capability"`
	Risk        string   `json:"risk"`
	Action      string   `json:"action"`
	Level       float64  `json:"level"`
	Environment string   `json:"environment"`
	Tenant      string   `json:"tenant"`
	Actor       string   `json:"actor"`
	Roles       []string `json:"roles"`
	Indicators  []string `json:"indicators"`
}

func InputFrom(a riskengine.Assessment, cc callctx.Context) Input {
	return Input{
		CallID:      a.CallID,
		Capability:  a.CapabilityID,
		Risk:        a.Risk.String(),
		Action:      a.Action.String(),
		Level:       a.Level,
		Environment: cc.Environment,
		Tenant:      cc.Actor.TenantID,
		Actor:       cc.Actor.UserID,
		Roles:       append([]string{}, cc.Actor.Roles...),
		Indicators:  append([]string{}, a.IndicatorCodes()...),
	}
}

// BypassPolicy decides whether a PROCEED or SPOT_CHECK call may skip human
// approval. Callers only consult it for bypassable actions.
type BypassPolicy interface {
	AllowBypass(ctx context.Context, in Input) (bool, error)
}

// Static allows bypass up to MaxRisk when Enabled.
type Static struct {
	Enabled bool
	MaxRisk risk.Tier
}

func (s Static) AllowBypass(ctx context.Context, in Input) (bool, error) {
	if !s.Enabled {
		return false, nil
	}
	tier, err := risk.ParseTier(in.Risk)
	if err != nil {
		return false, err
	}
	action, err := risk.ParseAction(in.Action)
	if err != nil {
		return false, err
	}
	allowed := action.Bypassable() && tier <= s.MaxRisk
	record("static", allowed)
	return allowed, nil
}
