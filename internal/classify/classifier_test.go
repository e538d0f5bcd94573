package classify

import (
	"testing"

	"permittracer/internal/domain"
)

func rules() domain.RoofingRules {
	var r domain.RoofingRules
	r.PermitTypes.ExactMatches = []string{"Re-Roof"}
	r.PermitTypes.PartialMatches = []string{"roofing"}
	r.WorkDescriptionTokens.Primary = []string{"roof"}
	r.WorkDescriptionTokens.Materials = []string{"shingle", "membrane"}
	r.WorkDescriptionTokens.Actions = []string{"reroof"}
	r.MinTokenMatches = 1
	r.CaseSensitive = false
	return r
}

func TestExactMatch(t *testing.T) {
	c := New(rules())
	if !c.IsRoofing("Re-Roof", "") {
		t.Fatalf("expected exact match on permit type")
	}
	if !c.IsRoofing("re-roof", "anything") {
		t.Fatalf("expected case-folded exact match")
	}
}

func TestPartialMatch(t *testing.T) {
	c := New(rules())
	if !c.IsRoofing("Commercial Roofing Permit", "") {
		t.Fatalf("expected partial match on permit type")
	}
}

func TestTokenMatchOnWorkDescription(t *testing.T) {
	c := New(rules())
	if !c.IsRoofing("Building Permit", "Replace shingle roof") {
		t.Fatalf("expected token match on work description")
	}
}

func TestMinTokenMatchesThreshold(t *testing.T) {
	r := rules()
	r.MinTokenMatches = 2
	c := New(r)
	if c.IsRoofing("Building Permit", "Replace shingle") {
		t.Fatalf("expected false: only one distinct token matched below threshold")
	}
	if !c.IsRoofing("Building Permit", "Replace shingle membrane roof") {
		t.Fatalf("expected true: three distinct tokens matched")
	}
}

func TestNoMatchReturnsFalse(t *testing.T) {
	c := New(rules())
	if c.IsRoofing("HVAC Replacement", "Install new heat pump") {
		t.Fatalf("expected false for unrelated permit")
	}
}

func TestClassifierIsTotalOverEmptyAndNilLikeInputs(t *testing.T) {
	c := New(rules())
	cases := [][2]string{{"", ""}, {"", "roof"}, {"roof", ""}}
	for _, tc := range cases {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("classifier panicked on input %v: %v", tc, r)
				}
			}()
			_ = c.IsRoofing(tc[0], tc[1])
		}()
	}
}
