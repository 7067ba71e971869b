package admission

import (
	"fmt"
	"sort"
	"strings"
)

// TierDefinition holds every limit that applies to one tier
type TierDefinition struct {
	Tier           Tier                  `json:"tier"`
	Description    string                `json:"description"`
	ResourceLimits map[ResourceKey]Limit `json:"resource_limits"`

	// Scalar capacities
	MaxConcurrentRooms   int   `json:"max_concurrent_rooms"`
	MaxThreadsPerRoom    int   `json:"max_threads_per_room"`
	MaxFileSizeBytes     int64 `json:"max_file_size_bytes"`
	MaxTotalStorageBytes int64 `json:"max_total_storage_bytes"`
	MaxTokensPerRequest  int   `json:"max_tokens_per_request"`
	MaxContextTokens     int   `json:"max_context_tokens"`
}

// LimitFor returns the windowed limit for a resource
func (d TierDefinition) LimitFor(resource ResourceKey) (Limit, error) {
	if !resource.IsValid() {
		return Limit{}, NewConfigurationError("UNKNOWN_RESOURCE", fmt.Sprintf("unknown resource: %q", resource))
	}
	if resource.IsConcurrencyCapped() {
		return Limit{}, NewConfigurationError("NOT_WINDOWED",
			fmt.Sprintf("resource %q is concurrency capped and has no windowed limit", resource))
	}
	l, ok := d.ResourceLimits[resource]
	if !ok {
		return Limit{}, NewConfigurationError("MISSING_RESOURCE",
			fmt.Sprintf("tier %q declares no limit for resource %q", d.Tier, resource))
	}
	return l, nil
}

func (d TierDefinition) clone() TierDefinition {
	out := d
	out.ResourceLimits = make(map[ResourceKey]Limit, len(d.ResourceLimits))
	for k, l := range d.ResourceLimits {
		out.ResourceLimits[k] = cloneLimit(l)
	}
	return out
}

func cloneLimit(l Limit) Limit {
	cp := func(v *int64) *int64 {
		if v == nil {
			return nil
		}
		n := *v
		return &n
	}
	return Limit{Hourly: cp(l.Hourly), Daily: cp(l.Daily), Monthly: cp(l.Monthly)}
}

// TierCatalog maps each tier to its definition. It is immutable once built
// and safe for concurrent use.
type TierCatalog struct {
	version string
	tiers   map[Tier]TierDefinition
}

// NewTierCatalog validates the definitions and builds an immutable catalog
func NewTierCatalog(version string, defs []TierDefinition) (*TierCatalog, error) {
	c := &TierCatalog{
		version: version,
		tiers:   make(map[Tier]TierDefinition, len(defs)),
	}
	for _, d := range defs {
		if !d.Tier.IsValid() {
			return nil, NewConfigurationError("UNKNOWN_TIER", fmt.Sprintf("unknown tier: %q", d.Tier))
		}
		if _, dup := c.tiers[d.Tier]; dup {
			return nil, NewConfigurationError("DUPLICATE_TIER", fmt.Sprintf("tier %q defined twice", d.Tier))
		}
		c.tiers[d.Tier] = d.clone()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Version returns the catalog version string
func (c *TierCatalog) Version() string {
	return c.version
}

// LimitsFor returns the definition for a tier.
// A tier outside the closed set is a ConfigurationError; there is no fallback tier.
func (c *TierCatalog) LimitsFor(tier Tier) (TierDefinition, error) {
	if !tier.IsValid() {
		return TierDefinition{}, NewConfigurationError("UNKNOWN_TIER", fmt.Sprintf("unknown tier: %q", tier))
	}
	d, ok := c.tiers[tier]
	if !ok {
		return TierDefinition{}, NewConfigurationError("MISSING_TIER", fmt.Sprintf("catalog has no definition for tier %q", tier))
	}
	return d.clone(), nil
}

// LimitFor returns the windowed limit for a tier and resource
func (c *TierCatalog) LimitFor(tier Tier, resource ResourceKey) (Limit, error) {
	d, err := c.LimitsFor(tier)
	if err != nil {
		return Limit{}, err
	}
	return d.LimitFor(resource)
}

// MaxConcurrent returns the concurrency cap of a tier
func (c *TierCatalog) MaxConcurrent(tier Tier) (int, error) {
	d, err := c.LimitsFor(tier)
	if err != nil {
		return 0, err
	}
	return d.MaxConcurrentRooms, nil
}

// Definitions returns every definition in tier order
func (c *TierCatalog) Definitions() []TierDefinition {
	out := make([]TierDefinition, 0, len(c.tiers))
	for _, t := range AllTiers() {
		if d, ok := c.tiers[t]; ok {
			out = append(out, d.clone())
		}
	}
	return out
}

// Validate checks that every tier is defined, every windowed resource is
// declared for every tier, and every ceiling and capacity is non-negative.
func (c *TierCatalog) Validate() error {
	var problems []string
	if strings.TrimSpace(c.version) == "" {
		problems = append(problems, "catalog version is empty")
	}
	for _, t := range AllTiers() {
		d, ok := c.tiers[t]
		if !ok {
			problems = append(problems, fmt.Sprintf("tier %q is not defined", t))
			continue
		}
		for _, r := range WindowedResources() {
			l, ok := d.ResourceLimits[r]
			if !ok {
				problems = append(problems, fmt.Sprintf("tier %q declares no limit for resource %q", t, r))
				continue
			}
			for g, v := range l.AsMap() {
				if v < 0 {
					problems = append(problems, fmt.Sprintf("tier %q resource %q has negative %s limit", t, r, g))
				}
			}
		}
		for r := range d.ResourceLimits {
			if !r.IsValid() || r.IsConcurrencyCapped() {
				problems = append(problems, fmt.Sprintf("tier %q declares a windowed limit for invalid resource %q", t, r))
			}
		}
		if d.MaxConcurrentRooms < 0 || d.MaxThreadsPerRoom < 0 || d.MaxFileSizeBytes < 0 ||
			d.MaxTotalStorageBytes < 0 || d.MaxTokensPerRequest < 0 || d.MaxContextTokens < 0 {
			problems = append(problems, fmt.Sprintf("tier %q has a negative capacity", t))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return NewConfigurationError("INVALID_CATALOG", "invalid tier catalog: "+strings.Join(problems, "; "))
	}
	return nil
}

// DefaultCatalogVersion identifies the built-in catalog
const DefaultCatalogVersion = "2025.1"

// DefaultCatalog returns the built-in tier catalog
func DefaultCatalog() *TierCatalog {
	c, err := NewTierCatalog(DefaultCatalogVersion, defaultDefinitions())
	if err != nil {
		panic(fmt.Sprintf("admission: built-in catalog is invalid: %v", err))
	}
	return c
}

func defaultDefinitions() []TierDefinition {
	const (
		kb = int64(1024)
		mb = 1024 * kb
		gb = 1024 * mb
	)
	return []TierDefinition{
		{
			Tier:        TierAnonymous,
			Description: "Guest access without an account",
			ResourceLimits: map[ResourceKey]Limit{
				ResourceInferenceRequest: NewLimit().Hourly(3).Daily(10).Build(),
				ResourceReasoningRequest: NewLimit().Daily(0).Build(),
				ResourceRoomCreation:     NewLimit().Daily(2).Build(),
				ResourceFileUpload:       NewLimit().Daily(3).Build(),
				ResourceMembershipProbe:  NewLimit().Hourly(120).Build(),
			},
			MaxConcurrentRooms:   1,
			MaxThreadsPerRoom:    1,
			MaxFileSizeBytes:     2 * mb,
			MaxTotalStorageBytes: 10 * mb,
			MaxTokensPerRequest:  1024,
			MaxContextTokens:     4096,
		},
		{
			Tier:        TierFree,
			Description: "Free plan for registered users",
			ResourceLimits: map[ResourceKey]Limit{
				ResourceInferenceRequest: NewLimit().Hourly(8).Daily(50).Monthly(500).Build(),
				ResourceReasoningRequest: NewLimit().Hourly(2).Daily(5).Build(),
				ResourceRoomCreation:     NewLimit().Daily(10).Build(),
				ResourceFileUpload:       NewLimit().Daily(20).Monthly(100).Build(),
				ResourceMembershipProbe:  NewLimit().Hourly(600).Build(),
			},
			MaxConcurrentRooms:   3,
			MaxThreadsPerRoom:    5,
			MaxFileSizeBytes:     10 * mb,
			MaxTotalStorageBytes: 500 * mb,
			MaxTokensPerRequest:  4096,
			MaxContextTokens:     16384,
		},
		{
			Tier:        TierBasic,
			Description: "Basic subscription",
			ResourceLimits: map[ResourceKey]Limit{
				ResourceInferenceRequest: NewLimit().Hourly(60).Daily(500).Monthly(10000).Build(),
				ResourceReasoningRequest: NewLimit().Hourly(20).Daily(100).Build(),
				ResourceRoomCreation:     NewLimit().Daily(50).Build(),
				ResourceFileUpload:       NewLimit().Daily(200).Build(),
				ResourceMembershipProbe:  NewLimit().Hourly(3000).Build(),
			},
			MaxConcurrentRooms:   10,
			MaxThreadsPerRoom:    20,
			MaxFileSizeBytes:     50 * mb,
			MaxTotalStorageBytes: 10 * gb,
			MaxTokensPerRequest:  8192,
			MaxContextTokens:     65536,
		},
		{
			Tier:        TierPremium,
			Description: "Premium subscription",
			ResourceLimits: map[ResourceKey]Limit{
				ResourceInferenceRequest: NewLimit().Hourly(200).Daily(2000).Build(),
				ResourceReasoningRequest: NewLimit().Hourly(60).Daily(500).Build(),
				ResourceRoomCreation:     Unbounded(),
				ResourceFileUpload:       NewLimit().Daily(1000).Build(),
				ResourceMembershipProbe:  Unbounded(),
			},
			MaxConcurrentRooms:   50,
			MaxThreadsPerRoom:    100,
			MaxFileSizeBytes:     200 * mb,
			MaxTotalStorageBytes: 100 * gb,
			MaxTokensPerRequest:  32768,
			MaxContextTokens:     200000,
		},
	}
}
