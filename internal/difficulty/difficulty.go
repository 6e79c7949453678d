package difficulty

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTier is returned by Resolve for tiers outside the fixed set.
// Callers are expected to fall back to DefaultTier instead of propagating
// the error into game state.
var ErrInvalidTier = errors.New("unknown difficulty tier")

// DefaultTier is the documented fallback tier.
const DefaultTier = "casual"

// Setting is what a tier resolves to. SkillLevel is sent to the engine
// once per tier change via setoption; Depth rides along with every think
// request as the go-command search limit.
type Setting struct {
	Name       string `yaml:"-"`
	SkillLevel int    `yaml:"skill_level"`
	Depth      int    `yaml:"depth"`
}

var tierMu sync.RWMutex

var tiers = map[string]Setting{
	"beginner": {Name: "beginner", SkillLevel: 1, Depth: 2},
	"casual":   {Name: "casual", SkillLevel: 5, Depth: 5},
	"club":     {Name: "club", SkillLevel: 12, Depth: 10},
	"expert":   {Name: "expert", SkillLevel: 20, Depth: 16},
}

// Resolve maps a tier name to its engine setting. It is pure and total
// over the fixed tier set; anything else yields ErrInvalidTier.
func Resolve(tier string) (Setting, error) {
	key := strings.ToLower(strings.TrimSpace(tier))

	tierMu.RLock()
	defer tierMu.RUnlock()

	setting, ok := tiers[key]
	if !ok {
		return Setting{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	return setting, nil
}

// Tiers returns the fixed tier names in strength order.
func Tiers() []string {
	return []string{"beginner", "casual", "club", "expert"}
}

// LoadOverrides re-tunes the numeric values of known tiers from a YAML
// file. The tier set itself is fixed: entries for unknown tiers are
// rejected so a typo cannot silently create a dead tier.
func LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tiers file: %w", err)
	}

	var overrides map[string]Setting
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse tiers file: %w", err)
	}

	tierMu.Lock()
	defer tierMu.Unlock()

	for name, ov := range overrides {
		key := strings.ToLower(strings.TrimSpace(name))
		base, ok := tiers[key]
		if !ok {
			return fmt.Errorf("%w: %q in overrides file", ErrInvalidTier, name)
		}
		if ov.SkillLevel < 0 || ov.SkillLevel > 20 {
			return fmt.Errorf("tier %s: skill level %d out of range 0-20", key, ov.SkillLevel)
		}
		if ov.Depth <= 0 {
			return fmt.Errorf("tier %s: depth must be > 0: %d", key, ov.Depth)
		}
		base.SkillLevel = ov.SkillLevel
		base.Depth = ov.Depth
		tiers[key] = base
	}
	return nil
}
