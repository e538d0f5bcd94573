// Package arcgis implements the ArcGIS Feature Service connector
// (spec.md §4.3): OBJECTID-ordered paging, a resumable integer cursor
// reconciled against both the state table and the database's observed
// maximum record id, and geometry passthrough.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"permittracer/internal/apperror"
	"permittracer/internal/backoff"
	"permittracer/internal/classify"
	"permittracer/internal/connector"
	"permittracer/internal/domain"
	"permittracer/internal/normalize"
	"permittracer/internal/obslog"
	"permittracer/internal/obstrace"
)

// Connector implements connector.Connector for ArcGIS Feature Service
// portals.
type Connector struct {
	Classifier  *classify.Classifier
	MaxRecordIDs connector.MaxRecordIDSource
	NewFetcher  func(maxRequestsPerMinute int) *connector.Fetcher
}

// New builds a Connector. maxRecordIDs resolves the storage-derived part of
// the resumable-cursor algorithm (spec.md §4.3).
func New(classifier *classify.Classifier, maxRecordIDs connector.MaxRecordIDSource) *Connector {
	return &Connector{
		Classifier:   classifier,
		MaxRecordIDs: maxRecordIDs,
		NewFetcher: func(maxRPM int) *connector.Fetcher {
			return connector.NewFetcher(maxRPM, backoff.Default())
		},
	}
}

func (c *Connector) Validate(ctx context.Context, cfg connector.Config) error {
	endpoint, ok := cfg.String("endpoint_url")
	if !ok || endpoint == "" {
		return apperror.New(apperror.CodeConfig, "endpoint_url is required").WithField("endpoint_url")
	}
	layerID, ok := cfg.String("layer_id")
	if !ok || layerID == "" {
		return apperror.New(apperror.CodeConfig, "layer_id is required").WithField("layer_id")
	}

	f := c.NewFetcher(60)
	probeURL := buildURL(endpoint, layerID, 1, 0, "1=1")
	body, _, err := f.Get(ctx, probeURL, nil)
	if err != nil {
		return apperror.Wrap(apperror.CodeConfig, err, "endpoint probe failed")
	}
	if isErrorBody(body) {
		return apperror.New(apperror.CodeConfig, "endpoint probe returned an error body")
	}
	return nil
}

// Backfill streams every feature, using the resumable OBJECTID cursor
// (spec.md §4.3's key algorithm): starting cursor is
// max(state.last_max_record_id, storage's max source_record_id).
func (c *Connector) Backfill(ctx context.Context, sourceID int64, sourceName string, cfg connector.Config, state connector.State, maxRows int) connector.Stream {
	startCursor := state.LastMaxRecordID
	if c.MaxRecordIDs != nil {
		if dbMax, err := c.MaxRecordIDs.GetMaxSourceRecordID(ctx, sourceID); err == nil && dbMax > startCursor {
			startCursor = dbMax
		}
	}

	where := "1=1"
	if startCursor > 0 {
		where = fmt.Sprintf("OBJECTID > %d", startCursor)
	}
	return c.stream(ctx, sourceID, sourceName, cfg, where, maxRows)
}

// Incremental streams features newer than the persisted cursor: an
// OBJECTID clause if one is present, else a lastEditDate clause.
func (c *Connector) Incremental(ctx context.Context, sourceID int64, sourceName string, cfg connector.Config, state connector.State, maxRows int) connector.Stream {
	where := "1=1"
	switch {
	case state.LastMaxRecordID > 0:
		where = fmt.Sprintf("OBJECTID > %d", state.LastMaxRecordID)
	case state.LastMaxTimestamp != nil && *state.LastMaxTimestamp != "":
		where = fmt.Sprintf("lastEditDate > '%s'", escape(*state.LastMaxTimestamp))
	}
	return c.stream(ctx, sourceID, sourceName, cfg, where, maxRows)
}

func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

type featureResponse struct {
	Error    *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Features []feature `json:"features"`
}

type feature struct {
	Attributes map[string]any  `json:"attributes"`
	Geometry   json.RawMessage `json:"geometry"`
}

func isErrorBody(body []byte) bool {
	var probe struct {
		Error *struct{} `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Error != nil
}

func (c *Connector) stream(ctx context.Context, sourceID int64, sourceName string, cfg connector.Config, where string, maxRows int) connector.Stream {
	out := make(chan connector.Item, 16)

	go func() {
		defer close(out)

		ctx, span := obstrace.StartSpan(ctx, "arcgis.stream", obstrace.SourceAttributes(sourceID, sourceName, string(domain.PlatformFeatureService))...)
		defer span.End()

		log := obslog.WithSource(sourceID, sourceName)
		endpoint, _ := cfg.String("endpoint_url")
		layerID, _ := cfg.String("layer_id")
		defaultState := cfg.StringOr("default_state", "")

		f := c.NewFetcher(rpmOr(cfg, 60))

		offset := 0
		produced := 0
		var batchMaxObjectID int64

		for produced < maxRows {
			limit := connector.PageSize
			if remaining := maxRows - produced; remaining < limit {
				limit = remaining
			}

			pageURL := buildURL(endpoint, layerID, limit, offset, where)
			body, _, err := f.Get(ctx, pageURL, nil)
			if err != nil {
				out <- connector.Item{Err: apperror.Wrap(apperror.CodeRunFailure, err, "arcgis fetch failed")}
				return
			}

			var resp featureResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				out <- connector.Item{Err: apperror.Wrap(apperror.CodeParse, err, "arcgis response is not valid JSON")}
				return
			}
			if resp.Error != nil {
				out <- connector.Item{Err: apperror.New(apperror.CodeRunFailure, fmt.Sprintf("arcgis error %d: %s", resp.Error.Code, resp.Error.Message))}
				return
			}

			for _, feat := range resp.Features {
				objectID := int64Field(feat.Attributes, "OBJECTID")
				if objectID > batchMaxObjectID {
					batchMaxObjectID = objectID
				}

				raw := toRawRecord(feat, defaultState, batchMaxObjectID)
				nctx := normalize.Context{
					SourceID:   sourceID,
					SourceName: sourceName,
					Platform:   domain.PlatformFeatureService,
					URL:        pageURL,
				}
				permit := normalize.Normalize(raw, nctx, c.Classifier, time.Now().UTC())
				select {
				case out <- connector.Item{Permit: permit}:
				case <-ctx.Done():
					return
				}
				produced++
				if produced >= maxRows {
					break
				}
			}

			log.Debug("arcgis page fetched", "offset", offset, "features", len(resp.Features), "produced", produced)

			if len(resp.Features) < limit || len(resp.Features) == 0 {
				return
			}
			offset += len(resp.Features)
		}
	}()

	return out
}

func rpmOr(cfg connector.Config, def int) int {
	if v, ok := cfg["max_requests_per_minute"]; ok {
		if n, ok := v.(int); ok && n > 0 {
			return n
		}
		if f, ok := v.(float64); ok && f > 0 {
			return int(f)
		}
	}
	return def
}

func buildURL(endpoint, layerID string, limit, offset int, where string) string {
	base := strings.TrimRight(endpoint, "/")
	return fmt.Sprintf(
		"%s/FeatureServer/%s/query?outFields=*&f=json&outSR=4326&orderByFields=OBJECTID&resultOffset=%d&resultRecordCount=%d&where=%s",
		base, layerID, offset, limit, url.QueryEscape(where),
	)
}

// Longer alternates list than the JSON-dataset connector, including
// jurisdiction-specific names (spec.md §4.3's "Normalization" section).
var (
	permitTypeKeys = []string{
		"PermitType", "PERMITTYPE", "permit_type", "TYPE",
		"ActiveBuilding_ExcelToTable_PermitType",
	}
	workDescKeys = []string{
		"Description", "WorkDescription", "DESCRIPTION", "PROPOSEDWORK",
		"ActiveBuilding_ExcelToTable_Description",
	}
	permitStatusKeys = []string{"Status", "PERMITSTATUS", "STATUS"}
	issueDateKeys    = []string{"IssueDate", "ISSUEDATE", "IssuedDate"}
	addressKeys      = []string{"Address", "SiteAddress", "FullAddress", "ADDRESS"}
	parcelKeys       = []string{"ParcelID", "APN", "PARCELID", "Parcel_Number"}
	ownerKeys        = []string{"OwnerName", "Owner", "OWNERNAME"}
	contractorKeys   = []string{"ContractorName", "Contractor", "CONTRACTORNAME"}
	permitValueKeys  = []string{"Valuation", "JobValue", "VALUATION", "PermitValue"}
	recordIDKeys     = []string{"PermitNumber", "PERMITNUMBER", "PermitNo"}
)

func toRawRecord(feat feature, defaultState string, batchMaxObjectID int64) normalize.RawRecord {
	attrs := feat.Attributes
	fieldsMap := map[string]string{}

	srcID, key := firstString(attrs, recordIDKeys)
	if srcID != "" {
		fieldsMap["source_record_id"] = key
	} else {
		srcID = strconv.FormatInt(int64Field(attrs, "OBJECTID"), 10)
		fieldsMap["source_record_id"] = "OBJECTID"
	}

	permitType, k := firstString(attrs, permitTypeKeys)
	if k != "" {
		fieldsMap["permit_type"] = k
	}
	workDesc, k := firstString(attrs, workDescKeys)
	if k != "" {
		fieldsMap["work_description"] = k
	}
	status, k := firstString(attrs, permitStatusKeys)
	if k != "" {
		fieldsMap["permit_status"] = k
	}
	issueDateRaw, k := firstRaw(attrs, issueDateKeys)
	issueDate := ""
	if k != "" {
		fieldsMap["issue_date"] = k
		issueDate = coerceDate(issueDateRaw)
	}
	addr, k := firstString(attrs, addressKeys)
	if k != "" {
		fieldsMap["address"] = k
	}
	parcel, k := firstString(attrs, parcelKeys)
	if k != "" {
		fieldsMap["parcel_id"] = k
	}
	owner, k := firstString(attrs, ownerKeys)
	if k != "" {
		fieldsMap["owner_name"] = k
	}
	contractor, k := firstString(attrs, contractorKeys)
	if k != "" {
		fieldsMap["contractor_name"] = k
	}

	var permitValue *float64
	if v, k2 := firstString(attrs, permitValueKeys); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			permitValue = &f
			fieldsMap["permit_value"] = k2
		}
	}

	lat, lon := geometryLatLon(feat.Geometry)

	checksum := (*string)(nil)

	return normalize.RawRecord{
		SourceRecordID:  srcID,
		PermitType:      permitType,
		WorkDescription: workDesc,
		PermitStatus:    status,
		IssueDate:       issueDate,
		RawAddress:      addr,
		ParcelID:        parcel,
		OwnerName:       owner,
		ContractorName:  contractor,
		PermitValue:     permitValue,
		Lat:             lat,
		Lon:             lon,
		GeomRaw:         feat.Geometry,
		FieldsMap:       fieldsMap,
		Checksum:        checksum,
		MaxRecordID:     &batchMaxObjectID,
		DefaultState:    defaultState,
	}
}

func firstString(attrs map[string]any, keys []string) (string, string) {
	for _, k := range keys {
		v, ok := attrs[k]
		if !ok || v == nil {
			continue
		}
		s := coerceString(v)
		if s != "" {
			return s, k
		}
	}
	return "", ""
}

func firstRaw(attrs map[string]any, keys []string) (any, string) {
	for _, k := range keys {
		v, ok := attrs[k]
		if !ok || v == nil {
			continue
		}
		return v, k
	}
	return nil, ""
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func int64Field(attrs map[string]any, key string) int64 {
	v, ok := attrs[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

// coerceDate converts the feature service's milliseconds-since-epoch
// numeric dates to YYYY-MM-DD in UTC (spec.md §4.3); string dates pass
// through trimmed to their first 10 characters.
func coerceDate(v any) string {
	switch t := v.(type) {
	case float64:
		ms := int64(t)
		return time.UnixMilli(ms).UTC().Format("2006-01-02")
	case string:
		s := strings.TrimSpace(t)
		if len(s) >= 10 {
			return s[:10]
		}
		return s
	}
	return ""
}

// geometryLatLon accepts both {x, y} point geometry and
// {coordinates: [lon, lat]} GeoJSON-shaped geometry (spec.md §4.3).
func geometryLatLon(raw json.RawMessage) (*float64, *float64) {
	if len(raw) == 0 {
		return nil, nil
	}

	var point struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
	}
	if err := json.Unmarshal(raw, &point); err == nil && point.X != nil && point.Y != nil {
		return point.Y, point.X
	}

	var geojson struct {
		Coordinates []float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &geojson); err == nil && len(geojson.Coordinates) >= 2 {
		lon, lat := geojson.Coordinates[0], geojson.Coordinates[1]
		return &lat, &lon
	}

	return nil, nil
}
