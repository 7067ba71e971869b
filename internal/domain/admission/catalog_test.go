package admission

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_Valid(t *testing.T) {
	c := DefaultCatalog()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultCatalogVersion, c.Version())
	assert.Len(t, c.Definitions(), len(AllTiers()))
}

func TestDefaultCatalog_EveryTierDeclaresEveryResource(t *testing.T) {
	c := DefaultCatalog()
	for _, tier := range AllTiers() {
		for _, r := range WindowedResources() {
			_, err := c.LimitFor(tier, r)
			assert.NoError(t, err, "tier %s resource %s", tier, r)
		}
	}
}

func TestDefaultCatalog_FreeTier(t *testing.T) {
	c := DefaultCatalog()

	l, err := c.LimitFor(TierFree, ResourceInferenceRequest)
	require.NoError(t, err)
	hourly, ok := l.Ceiling(GranularityHour)
	require.True(t, ok)
	assert.Equal(t, int64(8), hourly)

	maxRooms, err := c.MaxConcurrent(TierFree)
	require.NoError(t, err)
	assert.Equal(t, 3, maxRooms)
}

func TestTierCatalog_LimitsFor_UnknownTier(t *testing.T) {
	c := DefaultCatalog()

	_, err := c.LimitsFor(Tier("enterprise"))
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, CodeConfigurationError, cfgErr.Code)
	assert.Equal(t, "UNKNOWN_TIER", cfgErr.Reason)
	assert.True(t, cfgErr.IsInputFault())
}

func TestTierCatalog_LimitFor_Errors(t *testing.T) {
	c := DefaultCatalog()

	t.Run("unknown resource", func(t *testing.T) {
		_, err := c.LimitFor(TierFree, ResourceKey("video_call"))
		assert.True(t, IsConfigurationError(err))
	})

	t.Run("concurrency capped resource has no window", func(t *testing.T) {
		_, err := c.LimitFor(TierFree, ResourceRoomMembership)
		assert.True(t, IsConfigurationError(err))
	})
}

func TestTierCatalog_Immutable(t *testing.T) {
	c := DefaultCatalog()

	d, err := c.LimitsFor(TierFree)
	require.NoError(t, err)
	*d.ResourceLimits[ResourceInferenceRequest].Hourly = 1000
	d.ResourceLimits[ResourceRoomCreation] = Unbounded()

	l, err := c.LimitFor(TierFree, ResourceInferenceRequest)
	require.NoError(t, err)
	hourly, _ := l.Ceiling(GranularityHour)
	assert.Equal(t, int64(8), hourly)

	l, err = c.LimitFor(TierFree, ResourceRoomCreation)
	require.NoError(t, err)
	assert.False(t, l.IsUnbounded())
}

func TestNewTierCatalog_Validation(t *testing.T) {
	full := func(tier Tier) TierDefinition {
		limits := make(map[ResourceKey]Limit)
		for _, r := range WindowedResources() {
			limits[r] = Unbounded()
		}
		return TierDefinition{Tier: tier, ResourceLimits: limits}
	}
	all := func() []TierDefinition {
		out := make([]TierDefinition, 0, 4)
		for _, tier := range AllTiers() {
			out = append(out, full(tier))
		}
		return out
	}

	t.Run("complete catalog", func(t *testing.T) {
		_, err := NewTierCatalog("v1", all())
		assert.NoError(t, err)
	})

	t.Run("missing tier", func(t *testing.T) {
		_, err := NewTierCatalog("v1", all()[:3])
		require.Error(t, err)
		assert.Contains(t, err.Error(), `tier "premium" is not defined`)
	})

	t.Run("missing resource key", func(t *testing.T) {
		defs := all()
		delete(defs[1].ResourceLimits, ResourceFileUpload)
		_, err := NewTierCatalog("v1", defs)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `tier "free" declares no limit for resource "file_upload"`)
	})

	t.Run("windowed limit on membership resource", func(t *testing.T) {
		defs := all()
		defs[0].ResourceLimits[ResourceRoomMembership] = NewLimit().Hourly(1).Build()
		_, err := NewTierCatalog("v1", defs)
		assert.True(t, IsConfigurationError(err))
	})

	t.Run("negative limit", func(t *testing.T) {
		defs := all()
		defs[2].ResourceLimits[ResourceInferenceRequest] = NewLimit().Daily(-1).Build()
		_, err := NewTierCatalog("v1", defs)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "negative day limit")
	})

	t.Run("duplicate tier", func(t *testing.T) {
		defs := append(all(), full(TierFree))
		_, err := NewTierCatalog("v1", defs)
		assert.True(t, IsConfigurationError(err))
	})

	t.Run("empty version", func(t *testing.T) {
		_, err := NewTierCatalog("", all())
		assert.True(t, IsConfigurationError(err))
	})
}

const testCatalogYAML = `
version: "test-1"
tiers:
  anonymous:
    description: guests
    max_concurrent_rooms: 1
    resources:
      inference_request: {hourly: 2}
      reasoning_request: {daily: 0}
      room_creation: {}
      file_upload: {daily: 1}
      membership_probe: {}
  free:
    description: free
    max_concurrent_rooms: 3
    resources:
      inference_request: {hourly: 8, daily: 50}
      reasoning_request: {hourly: 2}
      room_creation: {daily: 10}
      file_upload: {daily: 20}
      membership_probe: {hourly: 600}
  basic:
    max_concurrent_rooms: 10
    resources:
      inference_request: {hourly: 60}
      reasoning_request: {}
      room_creation: {}
      file_upload: {}
      membership_probe: {}
  premium:
    max_concurrent_rooms: 50
    resources:
      inference_request: {}
      reasoning_request: {}
      room_creation: {}
      file_upload: {}
      membership_probe: {}
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)
	assert.Equal(t, "test-1", c.Version())

	l, err := c.LimitFor(TierFree, ResourceInferenceRequest)
	require.NoError(t, err)
	assert.Equal(t, map[Granularity]int64{GranularityHour: 8, GranularityDay: 50}, l.AsMap())

	l, err = c.LimitFor(TierPremium, ResourceInferenceRequest)
	require.NoError(t, err)
	assert.True(t, l.IsUnbounded())

	l, err = c.LimitFor(TierAnonymous, ResourceReasoningRequest)
	require.NoError(t, err)
	daily, ok := l.Ceiling(GranularityDay)
	assert.True(t, ok)
	assert.Equal(t, int64(0), daily)
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown tier", "version: x\ntiers:\n  gold: {}\n"},
		{"unknown resource", "version: x\ntiers:\n  free:\n    resources:\n      video_call: {hourly: 1}\n"},
		{"unknown field", "version: x\ntiers:\n  free:\n    max_rooms: 3\n"},
		{"malformed", "version: [\n"},
		{"incomplete", "version: x\ntiers:\n  free: {}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.True(t, IsConfigurationError(err), "got %v", err)
		})
	}
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o600))

	c, err := LoadCatalogFile(path)
	require.NoError(t, err)
	assert.Equal(t, "test-1", c.Version())

	_, err = LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, IsConfigurationError(err))
}
