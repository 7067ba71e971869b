package admission

import "time"

// AdmissionResult is the outcome of a windowed reservation.
// A denial is a normal result, not an error.
type AdmissionResult struct {
	Allowed   bool
	Resource  ResourceKey
	Tier      Tier
	Amount    int64
	Remaining map[Granularity]int64
	Usage     map[Granularity]int64
	Limits    map[Granularity]int64

	// RetryAfter is the time until the smallest failing window resets.
	// Zero when the reservation was allowed.
	RetryAfter time.Duration

	// BindingGranularity is the smallest granularity that denied the reservation
	BindingGranularity Granularity

	// FailOpen is set when the reservation was admitted without consulting
	// storage because the store was unavailable
	FailOpen bool

	// Duplicate is set when the request key was already reserved; nothing
	// was consumed by this call
	Duplicate bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds
func (r AdmissionResult) RetryAfterSeconds() int64 {
	if r.RetryAfter <= 0 {
		return 0
	}
	secs := int64(r.RetryAfter / time.Second)
	if r.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// Unbounded returns true if the resource had no configured window
func (r AdmissionResult) Unbounded() bool {
	return r.Allowed && len(r.Limits) == 0
}

// JoinResult is the outcome of a concurrency-capped join
type JoinResult struct {
	Allowed          bool
	AlreadyMember    bool
	CurrentCount     int
	MaxAllowed       int
	CurrentInstances []string
}

// TierInfo is the display summary of a tier
type TierInfo struct {
	Tier          Tier
	DisplayName   string
	MaxConcurrent int
	Description   string
	Definition    TierDefinition
}

// UsageEntry is the display-only usage of one resource window
type UsageEntry struct {
	Resource    ResourceKey
	Granularity Granularity
	PeriodStart time.Time
	PeriodEnd   time.Time
	Used        int64
	Limit       int64
	Remaining   int64
}

// UsageSnapshot is the display-only usage of every windowed resource of a subject
type UsageSnapshot struct {
	SubjectID        string
	Tier             Tier
	CatalogVersion   string
	TakenAt          time.Time
	Entries          []UsageEntry
	ActiveMembers    []string
	MaxConcurrent    int
	UnboundedEntries []ResourceKey
}
