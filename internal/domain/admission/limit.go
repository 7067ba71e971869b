package admission

// Limit holds the per-granularity ceilings for one resource.
// A nil field means the resource is unbounded for that granularity.
type Limit struct {
	Hourly  *int64 `json:"hourly,omitempty" yaml:"hourly,omitempty"`
	Daily   *int64 `json:"daily,omitempty" yaml:"daily,omitempty"`
	Monthly *int64 `json:"monthly,omitempty" yaml:"monthly,omitempty"`
}

// Unbounded returns a limit with no ceiling for any granularity
func Unbounded() Limit {
	return Limit{}
}

// Ceiling returns the ceiling configured for g and whether one is set
func (l Limit) Ceiling(g Granularity) (int64, bool) {
	var v *int64
	switch g {
	case GranularityHour:
		v = l.Hourly
	case GranularityDay:
		v = l.Daily
	case GranularityMonth:
		v = l.Monthly
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Granularities returns the configured granularities, smallest first
func (l Limit) Granularities() []Granularity {
	out := make([]Granularity, 0, 3)
	for _, g := range AllGranularities() {
		if _, ok := l.Ceiling(g); ok {
			out = append(out, g)
		}
	}
	return out
}

// IsUnbounded returns true if no granularity is configured
func (l Limit) IsUnbounded() bool {
	return l.Hourly == nil && l.Daily == nil && l.Monthly == nil
}

// AsMap returns the configured ceilings keyed by granularity
func (l Limit) AsMap() map[Granularity]int64 {
	out := make(map[Granularity]int64, 3)
	for _, g := range l.Granularities() {
		v, _ := l.Ceiling(g)
		out[g] = v
	}
	return out
}

// LimitBuilder assembles a Limit fluently
type LimitBuilder struct {
	limit Limit
}

// NewLimit starts building a Limit
func NewLimit() *LimitBuilder {
	return &LimitBuilder{}
}

// Hourly sets the hourly ceiling
func (b *LimitBuilder) Hourly(n int64) *LimitBuilder {
	b.limit.Hourly = &n
	return b
}

// Daily sets the daily ceiling
func (b *LimitBuilder) Daily(n int64) *LimitBuilder {
	b.limit.Daily = &n
	return b
}

// Monthly sets the monthly ceiling
func (b *LimitBuilder) Monthly(n int64) *LimitBuilder {
	b.limit.Monthly = &n
	return b
}

// Build returns the assembled Limit
func (b *LimitBuilder) Build() Limit {
	return b.limit
}
