package admission

import "fmt"

// Tier represents the subscription level of a subject
type Tier string

const (
	// TierAnonymous applies to unauthenticated session fingerprints
	TierAnonymous Tier = "anonymous"

	// TierFree applies to registered accounts without a paid subscription
	TierFree Tier = "free"

	// TierBasic is the entry-level paid subscription
	TierBasic Tier = "basic"

	// TierPremium is the highest paid subscription
	TierPremium Tier = "premium"
)

// String returns the string representation of Tier
func (t Tier) String() string {
	return string(t)
}

// IsValid returns true if the tier is part of the closed tier set
func (t Tier) IsValid() bool {
	switch t {
	case TierAnonymous, TierFree, TierBasic, TierPremium:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the tier
func (t Tier) DisplayName() string {
	switch t {
	case TierAnonymous:
		return "Guest"
	case TierFree:
		return "Free"
	case TierBasic:
		return "Basic"
	case TierPremium:
		return "Premium"
	default:
		return string(t)
	}
}

// AllTiers returns every tier in ascending order of entitlement
func AllTiers() []Tier {
	return []Tier{
		TierAnonymous,
		TierFree,
		TierBasic,
		TierPremium,
	}
}

// ParseTier parses a string into a Tier.
// An unknown value is a configuration error; it is never coerced to TierFree.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.IsValid() {
		return "", NewConfigurationError("UNKNOWN_TIER", fmt.Sprintf("unknown tier: %q", s))
	}
	return t, nil
}
