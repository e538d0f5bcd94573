package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint computes the deduplication key defined for permits: a SHA-256
// hex digest over the "|"-joined, case/trim-normalized tuple
// (street, city, state, parcel_id, issue_date, permit_type). Any absent
// component contributes the empty string. This is the ONLY dedup key — two
// rows that produce the same fingerprint are the same permit.
func Fingerprint(street, city, state, parcelID, issueDate, permitType string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(street)),
		strings.ToLower(strings.TrimSpace(city)),
		strings.ToUpper(strings.TrimSpace(state)),
		strings.TrimSpace(parcelID),
		strings.TrimSpace(issueDate),
		strings.ToUpper(strings.TrimSpace(permitType)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// FingerprintAddress computes a Fingerprint from an Address and the
// remaining non-address components, treating nil address pieces as empty.
func FingerprintAddress(addr Address, parcelID, issueDate, permitType string) string {
	return Fingerprint(
		deref(addr.Street),
		deref(addr.City),
		deref(addr.State),
		parcelID,
		issueDate,
		permitType,
	)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
