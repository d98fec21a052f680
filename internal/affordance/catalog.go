package affordance

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// #region catalog

// Catalog is the on-disk form of a registry.
type Catalog struct {
	Version     string              `yaml:"version"`
	Affordances []AffordanceProfile `yaml:"affordances"`
}

// LoadCatalog reads a YAML catalog file and builds a registry from it.
func LoadCatalog(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	reg, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return reg, nil
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Registry, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if strings.TrimSpace(c.Version) == "" {
		return nil, fmt.Errorf("catalog missing version")
	}
	for i, p := range c.Affordances {
		if err := ValidateProfile(p); err != nil {
			return nil, fmt.Errorf("affordance[%d] invalid: %w", i, err)
		}
	}
	return NewRegistry(c.Version, c.Affordances), nil
}

// #endregion catalog

// #region validate

// ValidateProfile checks one profile for the fields the resolver relies on.
func ValidateProfile(p AffordanceProfile) error {
	if strings.TrimSpace(p.EndpointID) == "" {
		return fmt.Errorf("endpoint_id is required")
	}
	if strings.TrimSpace(p.CapabilityID) == "" {
		return fmt.Errorf("capability_id is required")
	}
	if p.BaseCost.SurvivalMicro < 0 {
		return fmt.Errorf("%s: base survival cost %d is negative", p.Key(), p.BaseCost.SurvivalMicro)
	}
	seen := make(map[string]bool, len(p.Degradations))
	for j, d := range p.Degradations {
		if strings.TrimSpace(d.ProfileID) == "" {
			return fmt.Errorf("%s: degradation[%d] missing profile_id", p.Key(), j)
		}
		if seen[d.ProfileID] {
			return fmt.Errorf("%s: duplicate degradation profile %q", p.Key(), d.ProfileID)
		}
		seen[d.ProfileID] = true
		if d.Depth == 0 {
			return fmt.Errorf("%s: degradation %q depth must be >= 1", p.Key(), d.ProfileID)
		}
		if d.CostMultiplierMilli == 0 {
			return fmt.Errorf("%s: degradation %q cost_multiplier_milli must be > 0", p.Key(), d.ProfileID)
		}
	}
	return nil
}

// #endregion validate
