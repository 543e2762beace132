package safety

import "fmt"

// Tier is the risk classification of a planned batch. The zero value means
// "no tier", which is how a verdict expresses the absence of an override.
type Tier int

const (
	TierLow Tier = iota + 1
	TierMedium
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	}
	return ""
}

func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*t = TierLow
	case "medium":
		*t = TierMedium
	case "high":
		*t = TierHigh
	case "":
		*t = 0
	default:
		return fmt.Errorf("unknown risk tier %q", string(b))
	}
	return nil
}

// Raise returns the higher of t and other.
func (t Tier) Raise(other Tier) Tier {
	if other > t {
		return other
	}
	return t
}
