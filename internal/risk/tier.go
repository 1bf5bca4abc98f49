package risk

import (
	"fmt"
	"strings"
)

// Tier is an ordinal risk tier. Its integer value doubles as the base level
// the engine starts from.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierCritical
)

var tierNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (t Tier) String() string {
	if t < TierLow || t > TierCritical {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

func (t Tier) MarshalText() ([]byte, error) {
	if t < TierLow || t > TierCritical {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return TierLow, nil
	case "MEDIUM":
		return TierMedium, nil
	case "HIGH":
		return TierHigh, nil
	case "CRITICAL":
		return TierCritical, nil
	}
	return TierHigh, fmt.Errorf("unknown tier %q", s)
}

// RequiredApprovers is the quorum size for a tier.
func (t Tier) RequiredApprovers() int {
	switch {
	case t <= TierLow:
		return 0
	case t == TierMedium:
		return 1
	case t == TierHigh:
		return 2
	default:
		return 3
	}
}

// TierForLevel maps a computed numeric level onto a tier.
func TierForLevel(level float64) Tier {
	switch {
	case level < 1:
		return TierLow
	case level < 2:
		return TierMedium
	case level < 3:
		return TierHigh
	default:
		return TierCritical
	}
}
