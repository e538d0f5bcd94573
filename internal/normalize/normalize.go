package normalize

import (
	"strings"
	"time"

	"permittracer/internal/classify"
	"permittracer/internal/domain"
)

// RawRecord is what a connector's field-probing logic produces: the set of
// normalized fields it could find in one portal row, independent of that
// portal's own field names. Connectors are responsible for building this
// (spec.md §4.2/§4.3's "probe a small fixed set of alternates" step); this
// package is responsible for everything downstream of it (spec.md §4.4).
type RawRecord struct {
	SourceRecordID  string
	PermitType      string
	WorkDescription string
	PermitStatus    string
	IssueDate       string // YYYY-MM-DD, already normalized by the connector
	RawAddress      string
	ParcelID        string
	OwnerName       string
	ContractorName  string
	PermitValue     *float64
	Lat             *float64
	Lon             *float64
	GeomRaw         []byte
	FieldsMap       map[string]string
	Checksum        *string
	MaxRecordID     *int64
	DefaultState    string // source config fallback, spec.md §4 Open Question 4
}

// Context carries the identity of the source producing a RawRecord.
type Context struct {
	SourceID   int64
	SourceName string
	Platform   domain.Platform
	URL        string
}

// Normalize builds a domain.Permit from a RawRecord: parses the address,
// computes the fingerprint, and invokes the classifier. This is the single
// place spec.md §4.4's three responsibilities are discharged.
func Normalize(raw RawRecord, ctx Context, classifier *classify.Classifier, fetchedAt time.Time) domain.Permit {
	parsed := ParseAddress(raw.RawAddress)

	fieldsMap := raw.FieldsMap
	if parsed.State == "" && raw.DefaultState != "" {
		parsed.State = raw.DefaultState
		if fieldsMap == nil {
			fieldsMap = make(map[string]string, 1)
		} else {
			cp := make(map[string]string, len(fieldsMap)+1)
			for k, v := range fieldsMap {
				cp[k] = v
			}
			fieldsMap = cp
		}
		fieldsMap["state"] = "source_default"
	}

	fp := domain.Fingerprint(parsed.Street, parsed.City, parsed.State, raw.ParcelID, raw.IssueDate, raw.PermitType)

	isRoofing := classifier.IsRoofing(raw.PermitType, raw.WorkDescription)

	permit := domain.Permit{
		SourceID:        ctx.SourceID,
		SourceName:      ctx.SourceName,
		Platform:        ctx.Platform,
		SourceRecordID:  raw.SourceRecordID,
		PermitType:      nonEmptyPtr(raw.PermitType),
		WorkDescription: nonEmptyPtr(raw.WorkDescription),
		PermitStatus:    nonEmptyPtr(raw.PermitStatus),
		IssueDate:       nonEmptyPtr(raw.IssueDate),
		RawAddress:      raw.RawAddress,
		ParsedAddress: domain.Address{
			HouseNumber: nonEmptyPtr(parsed.HouseNumber),
			Street:      nonEmptyPtr(parsed.Street),
			City:        nonEmptyPtr(parsed.City),
			State:       nonEmptyPtr(parsed.State),
			Zip:         nonEmptyPtr(parsed.Zip),
		},
		ParcelID:       nonEmptyPtr(raw.ParcelID),
		OwnerName:      nonEmptyPtr(raw.OwnerName),
		ContractorName: nonEmptyPtr(raw.ContractorName),
		PermitValue:    raw.PermitValue,
		Lat:            raw.Lat,
		Lon:            raw.Lon,
		GeomRaw:        raw.GeomRaw,
		Fingerprint:    fp,
		IsRoofing:      isRoofing,
		InsertedAt:     fetchedAt,
		Provenance: domain.Provenance{
			Platform:    ctx.Platform,
			URL:         ctx.URL,
			FetchedAt:   fetchedAt,
			FieldsMap:   fieldsMap,
			Checksum:    raw.Checksum,
			MaxRecordID: raw.MaxRecordID,
		},
	}

	return permit
}

func nonEmptyPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
