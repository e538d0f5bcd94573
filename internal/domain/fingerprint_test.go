package domain

import "testing"

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("H Street", "Sacramento", "ca", "123", "2024-10-15", "re-roof")
	b := Fingerprint(" h street ", " Sacramento ", "CA", " 123 ", " 2024-10-15 ", "RE-ROOF")
	if a != b {
		t.Fatalf("expected case/trim-insensitive equality, got %q != %q", a, b)
	}
}

func TestFingerprintAbsentComponentsAreEmptyString(t *testing.T) {
	withEmpty := Fingerprint("", "", "", "", "", "")
	withSpaces := Fingerprint("   ", "   ", "   ", "   ", "   ", "   ")
	if withEmpty != withSpaces {
		t.Fatalf("absent and all-whitespace components should fingerprint identically")
	}
}

func TestFingerprintDistinguishesComponents(t *testing.T) {
	a := Fingerprint("H Street", "Sacramento", "CA", "", "2024-10-15", "Re-Roof")
	b := Fingerprint("H Street", "Sacramento", "CA", "", "2024-10-16", "Re-Roof")
	if a == b {
		t.Fatalf("expected different issue dates to produce different fingerprints")
	}
}

func TestFingerprintAddressHelper(t *testing.T) {
	street := "H Street"
	city := "Sacramento"
	state := "CA"
	addr := Address{Street: &street, City: &city, State: &state}

	direct := Fingerprint("H Street", "Sacramento", "CA", "123", "2024-10-15", "Re-Roof")
	viaHelper := FingerprintAddress(addr, "123", "2024-10-15", "Re-Roof")
	if direct != viaHelper {
		t.Fatalf("FingerprintAddress should agree with Fingerprint for the same inputs")
	}

	empty := Address{}
	a := FingerprintAddress(empty, "", "", "")
	b := Fingerprint("", "", "", "", "", "")
	if a != b {
		t.Fatalf("nil address fields should be treated as empty strings")
	}
}
