package admission

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Version string                     `yaml:"version"`
	Tiers   map[string]catalogFileTier `yaml:"tiers"`
}

type catalogFileTier struct {
	Description          string           `yaml:"description"`
	MaxConcurrentRooms   int              `yaml:"max_concurrent_rooms"`
	MaxThreadsPerRoom    int              `yaml:"max_threads_per_room"`
	MaxFileSizeBytes     int64            `yaml:"max_file_size_bytes"`
	MaxTotalStorageBytes int64            `yaml:"max_total_storage_bytes"`
	MaxTokensPerRequest  int              `yaml:"max_tokens_per_request"`
	MaxContextTokens     int              `yaml:"max_context_tokens"`
	Resources            map[string]Limit `yaml:"resources"`
}

// LoadCatalogFile reads a YAML tier catalog from disk
func LoadCatalogFile(path string) (*TierCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError("CATALOG_UNREADABLE", fmt.Sprintf("failed to read tier catalog %s: %v", path, err))
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML tier catalog. Unknown tiers, resources and
// fields are rejected, and the result passes the same validation as the
// built-in catalog.
func ParseCatalog(data []byte) (*TierCatalog, error) {
	var raw catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, NewConfigurationError("CATALOG_MALFORMED", fmt.Sprintf("failed to parse tier catalog: %v", err))
	}

	defs := make([]TierDefinition, 0, len(raw.Tiers))
	for name, t := range raw.Tiers {
		tier, err := ParseTier(name)
		if err != nil {
			return nil, err
		}
		limits := make(map[ResourceKey]Limit, len(t.Resources))
		for key, l := range t.Resources {
			r, err := ParseResourceKey(key)
			if err != nil {
				return nil, err
			}
			limits[r] = l
		}
		defs = append(defs, TierDefinition{
			Tier:                 tier,
			Description:          t.Description,
			ResourceLimits:       limits,
			MaxConcurrentRooms:   t.MaxConcurrentRooms,
			MaxThreadsPerRoom:    t.MaxThreadsPerRoom,
			MaxFileSizeBytes:     t.MaxFileSizeBytes,
			MaxTotalStorageBytes: t.MaxTotalStorageBytes,
			MaxTokensPerRequest:  t.MaxTokensPerRequest,
			MaxContextTokens:     t.MaxContextTokens,
		})
	}
	return NewTierCatalog(raw.Version, defs)
}
