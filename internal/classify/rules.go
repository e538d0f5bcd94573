package classify

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"permittracer/internal/domain"
)

// LoadRules reads the roofing-rules document at path once, at startup, and
// returns an immutable domain.RoofingRules (spec.md §3, §9 "Classifier rule
// storage"). There is no hot-reload.
func LoadRules(path string) (domain.RoofingRules, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return domain.RoofingRules{}, fmt.Errorf("load roofing rules from %s: %w", path, err)
	}

	var rules domain.RoofingRules
	if err := k.Unmarshal("", &rules); err != nil {
		return domain.RoofingRules{}, fmt.Errorf("unmarshal roofing rules: %w", err)
	}
	if rules.MinTokenMatches <= 0 {
		rules.MinTokenMatches = 1
	}
	return rules, nil
}
