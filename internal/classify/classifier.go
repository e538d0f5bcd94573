// Package classify implements the pure roofing-permit classifier
// (spec.md §4.5): a total function of (permit_type, work_description) to a
// boolean, driven by a startup-loaded, read-only rules document.
package classify

import (
	"strings"

	"permittracer/internal/domain"
)

// Classifier evaluates domain.RoofingRules against permit fields. It is
// immutable after construction and safe for concurrent use.
type Classifier struct {
	rules domain.RoofingRules
}

// New builds a Classifier over rules. Takes a copy: rules loaded once at
// startup is never mutated.
func New(rules domain.RoofingRules) *Classifier {
	return &Classifier{rules: rules}
}

// IsRoofing implements the order-of-checks in spec.md §4.5, short-circuiting
// at the first positive match. Nil/empty inputs are treated as "" and the
// function never raises — it is total.
func (c *Classifier) IsRoofing(permitType, workDescription string) bool {
	pt := permitType
	wd := workDescription
	if !c.rules.CaseSensitive {
		pt = strings.ToLower(pt)
		wd = strings.ToLower(wd)
	}

	for _, exact := range c.rules.PermitTypes.ExactMatches {
		if foldedEqual(pt, exact, c.rules.CaseSensitive) {
			return true
		}
	}

	for _, partial := range c.rules.PermitTypes.PartialMatches {
		needle := partial
		if !c.rules.CaseSensitive {
			needle = strings.ToLower(needle)
		}
		if needle != "" && strings.Contains(pt, needle) {
			return true
		}
	}

	min := c.rules.MinTokenMatches
	if min <= 0 {
		min = 1
	}

	tokens := allTokens(c.rules)
	matched := 0
	seen := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		needle := tok
		if !c.rules.CaseSensitive {
			needle = strings.ToLower(needle)
		}
		if needle == "" || seen[needle] {
			continue
		}
		if strings.Contains(wd, needle) {
			seen[needle] = true
			matched++
			if matched >= min {
				return true
			}
		}
	}

	return false
}

func foldedEqual(a, b string, caseSensitive bool) bool {
	if !caseSensitive {
		return a == strings.ToLower(b)
	}
	return a == b
}

// allTokens returns the union of primary, materials, and actions tokens.
func allTokens(rules domain.RoofingRules) []string {
	total := len(rules.WorkDescriptionTokens.Primary) +
		len(rules.WorkDescriptionTokens.Materials) +
		len(rules.WorkDescriptionTokens.Actions)
	tokens := make([]string, 0, total)
	tokens = append(tokens, rules.WorkDescriptionTokens.Primary...)
	tokens = append(tokens, rules.WorkDescriptionTokens.Materials...)
	tokens = append(tokens, rules.WorkDescriptionTokens.Actions...)
	return tokens
}
