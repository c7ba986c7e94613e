package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tier classifies model power for routing.
type Tier string

const (
	TierHeavy  Tier = "heavy"
	TierMedium Tier = "medium"
	TierLight  Tier = "light"
)

// TierConfig names the model backing one tier.
type TierConfig struct {
	Model string `yaml:"model" json:"model"`
}

// Routing is the model-tier routing table, loaded from routing.yaml.
//
//	tiers:
//	  heavy:
//	    model: claude-opus
//	  medium:
//	    model: claude-sonnet
//	  light:
//	    model: claude-haiku
//	heavyTypes: [architecture, database]
//	lightTypes: [formatting, typo]
type Routing struct {
	Tiers      map[Tier]TierConfig `yaml:"tiers" json:"tiers"`
	HeavyTypes []string            `yaml:"heavyTypes" json:"heavyTypes"`
	LightTypes []string            `yaml:"lightTypes" json:"lightTypes"`
}

// DefaultRouting returns the routing table used when routing.yaml is
// absent: the default policy from the spawn contract.
func DefaultRouting() Routing {
	return Routing{
		Tiers: map[Tier]TierConfig{
			TierHeavy:  {Model: "claude-opus"},
			TierMedium: {Model: "claude-sonnet"},
			TierLight:  {Model: "claude-haiku"},
		},
		HeavyTypes: []string{"architecture", "database"},
		LightTypes: []string{"formatting", "typo"},
	}
}

// LoadRouting reads a routing table from path, falling back to
// DefaultRouting on a missing file. A present-but-malformed file is an
// error: silently ignoring a policy file the operator wrote is worse
// than refusing to start.
func LoadRouting(path string) (Routing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRouting(), nil
		}
		return Routing{}, fmt.Errorf("reading routing table %s: %w", path, err)
	}

	var r Routing
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Routing{}, fmt.Errorf("parsing routing table %s: %w", path, err)
	}
	if r.Tiers == nil {
		r.Tiers = DefaultRouting().Tiers
	}
	for _, tier := range []Tier{TierHeavy, TierMedium, TierLight} {
		if _, ok := r.Tiers[tier]; !ok {
			r.Tiers[tier] = DefaultRouting().Tiers[tier]
		}
	}
	return r, nil
}

// Model returns the model backing tier, falling back to the medium
// tier's model for an unknown tier.
func (r Routing) Model(tier Tier) string {
	if tc, ok := r.Tiers[tier]; ok && tc.Model != "" {
		return tc.Model
	}
	return r.Tiers[TierMedium].Model
}
