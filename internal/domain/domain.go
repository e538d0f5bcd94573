// Package domain holds the normalized entities shared by every connector,
// the normalizer, the classifier, and the storage adapter.
package domain

import "time"

// Platform is the closed set of wire protocols a Source can speak.
type Platform string

const (
	PlatformJSONDataset    Platform = "json-dataset"
	PlatformFeatureService Platform = "feature-service"
	PlatformOther          Platform = "other"
)

// Source is a registered data origin: one jurisdiction-and-protocol pair.
type Source struct {
	ID                int64
	Name              string
	Platform          Platform
	EndpointURL       string
	Config            map[string]any
	Enabled           bool
	MaxRowsPerRun      int
	MaxRuntimeMinutes  int
	MaxRequestsPerMin  int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SourceUpdate is a partial patch applied to a Source by PATCH /sources/{id}.
type SourceUpdate struct {
	Name              *string
	Config            map[string]any
	Enabled           *bool
	MaxRowsPerRun     *int
	MaxRuntimeMinutes *int
	MaxRequestsPerMin *int
}

// SourceState is the single resumable-cursor row per source.
type SourceState struct {
	SourceID         int64
	LastMaxTimestamp *string
	LastMaxRecordID  int64
	LastIssueDate    *string
	ETag             *string
	Checksum         *string

	RowsFetched      int
	RowsUpserted     int
	Errors           int
	FreshnessSeconds int

	IsRunning      bool
	StatusMessage  string
	CurrentPage    int

	LastSyncAt *time.Time
	UpdatedAt  time.Time
}

// SourceStatePatch is a partial update merged into an existing SourceState,
// or used to seed one, by Storage.UpsertSourceState.
type SourceStatePatch struct {
	SourceID int64

	LastMaxTimestamp *string
	LastMaxRecordID  *int64
	LastIssueDate    *string
	ETag             *string
	Checksum         *string

	RowsFetched      *int
	RowsUpserted     *int
	Errors           *int
	FreshnessSeconds *int

	IsRunning     *bool
	StatusMessage *string
	CurrentPage   *int

	LastSyncAt *time.Time
}

// Address is the parsed-address shape; absent pieces are nil, never "".
type Address struct {
	HouseNumber *string `json:"house_number,omitempty"`
	Street      *string `json:"street,omitempty"`
	City        *string `json:"city,omitempty"`
	State       *string `json:"state,omitempty"`
	Zip         *string `json:"zip,omitempty"`
}

// Provenance is per-record audit metadata.
type Provenance struct {
	Platform    Platform          `json:"platform"`
	URL         string            `json:"url"`
	FetchedAt   time.Time         `json:"fetched_at"`
	FieldsMap   map[string]string `json:"fields_map,omitempty"`
	Checksum    *string           `json:"checksum,omitempty"`
	MaxRecordID *int64            `json:"max_record_id,omitempty"`
}

// Permit is the normalized record persisted to the permits table.
type Permit struct {
	ID int64

	SourceID       int64
	SourceName     string
	Platform       Platform
	SourceRecordID string

	PermitType      *string
	WorkDescription *string
	PermitStatus    *string
	IssueDate       *string

	RawAddress    string
	ParsedAddress Address

	ParcelID       *string
	OwnerName      *string
	ContractorName *string
	PermitValue    *float64

	Lat       *float64
	Lon       *float64
	GeomRaw   []byte

	Fingerprint string
	IsRoofing   bool

	InsertedAt time.Time
	Provenance Provenance
	RawBlob    []byte
}

// PermitFilter is the set of filters accepted by Storage.GetPermits.
type PermitFilter struct {
	BBoxWest, BBoxSouth, BBoxEast, BBoxNorth *float64
	City, State, PermitType                  *string
	DateFrom, DateTo                         *string
	RoofingOnly                              bool
	Offset, Limit                            int
}

// PermitStats summarizes the permits table for the stats endpoint.
type PermitStats struct {
	Total            int64
	TotalWithCoords  int64
	TotalRoofing     int64
}

// RoofingRules is the immutable, startup-loaded classifier configuration.
type RoofingRules struct {
	PermitTypes struct {
		ExactMatches   []string `koanf:"exact_matches"`
		PartialMatches []string `koanf:"partial_matches"`
	} `koanf:"permit_types"`
	WorkDescriptionTokens struct {
		Primary   []string `koanf:"primary"`
		Materials []string `koanf:"materials"`
		Actions   []string `koanf:"actions"`
	} `koanf:"work_description_tokens"`
	MinTokenMatches int  `koanf:"min_token_matches"`
	CaseSensitive   bool `koanf:"case_sensitive"`
}
