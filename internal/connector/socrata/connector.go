// Package socrata implements the JSON-dataset (Socrata-style) connector
// (spec.md §4.2): GET {endpoint}/resource/{dataset_id}.json with
// $limit/$offset/$where paging, probing a handful of alternate field
// names per normalized field.
package socrata

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
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

// Connector implements connector.Connector for Socrata-style JSON dataset
// portals.
type Connector struct {
	Classifier *classify.Classifier
	NewFetcher func(maxRequestsPerMinute int) *connector.Fetcher
}

// New builds a Connector. maxRequestsPerMinute feeds each Fetcher's
// RateLimiter per source.
func New(classifier *classify.Classifier) *Connector {
	return &Connector{
		Classifier: classifier,
		NewFetcher: func(maxRPM int) *connector.Fetcher {
			return connector.NewFetcher(maxRPM, backoff.Default())
		},
	}
}

// Validate checks required config keys and probes the endpoint with a
// trivial $limit=1 request.
func (c *Connector) Validate(ctx context.Context, cfg connector.Config) error {
	endpoint, ok := cfg.String("endpoint_url")
	if !ok || endpoint == "" {
		return apperror.New(apperror.CodeConfig, "endpoint_url is required").WithField("endpoint_url")
	}
	datasetID, ok := cfg.String("dataset_id")
	if !ok || datasetID == "" {
		return apperror.New(apperror.CodeConfig, "dataset_id is required").WithField("dataset_id")
	}

	f := c.NewFetcher(60)
	probeURL := buildURL(endpoint, datasetID, 1, 0, "")
	_, _, err := f.Get(ctx, probeURL, headers(cfg))
	if err != nil {
		return apperror.Wrap(apperror.CodeConfig, err, "endpoint probe failed")
	}
	return nil
}

// Backfill streams every row in the dataset, stopping at maxRows.
func (c *Connector) Backfill(ctx context.Context, sourceID int64, sourceName string, cfg connector.Config, state connector.State, maxRows int) connector.Stream {
	return c.stream(ctx, sourceID, sourceName, cfg, "", maxRows)
}

// Incremental streams rows newer than the persisted cursor (spec.md §4.2):
// prefers a data_loaded_at filter from last_max_timestamp, else an
// issue_date filter from last_issue_date, else no filter.
func (c *Connector) Incremental(ctx context.Context, sourceID int64, sourceName string, cfg connector.Config, state connector.State, maxRows int) connector.Stream {
	where := ""
	switch {
	case state.LastMaxTimestamp != nil && *state.LastMaxTimestamp != "":
		where = fmt.Sprintf("data_loaded_at > '%s'", escapeSoQL(*state.LastMaxTimestamp))
	case state.LastIssueDate != nil && *state.LastIssueDate != "":
		where = fmt.Sprintf("issue_date > '%s'", escapeSoQL(*state.LastIssueDate))
	}
	return c.stream(ctx, sourceID, sourceName, cfg, where, maxRows)
}

func escapeSoQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func (c *Connector) stream(ctx context.Context, sourceID int64, sourceName string, cfg connector.Config, where string, maxRows int) connector.Stream {
	out := make(chan connector.Item, 16)

	go func() {
		defer close(out)

		ctx, span := obstrace.StartSpan(ctx, "socrata.stream", obstrace.SourceAttributes(sourceID, sourceName, string(domain.PlatformJSONDataset))...)
		defer span.End()

		log := obslog.WithSource(sourceID, sourceName)
		endpoint, _ := cfg.String("endpoint_url")
		datasetID, _ := cfg.String("dataset_id")
		defaultState := cfg.StringOr("default_state", "")

		f := c.NewFetcher(rpmOr(cfg, 60))

		offset := 0
		produced := 0
		for produced < maxRows {
			limit := connector.PageSize
			if remaining := maxRows - produced; remaining < limit {
				limit = remaining
			}

			pageURL := buildURL(endpoint, datasetID, limit, offset, where)
			body, _, err := f.Get(ctx, pageURL, headers(cfg))
			if err != nil {
				out <- connector.Item{Err: apperror.Wrap(apperror.CodeRunFailure, err, "socrata fetch failed")}
				return
			}

			var rows []map[string]any
			if err := json.Unmarshal(body, &rows); err != nil {
				out <- connector.Item{Err: apperror.Wrap(apperror.CodeParse, err, "socrata response is not a JSON array")}
				return
			}

			for _, row := range rows {
				raw := toRawRecord(row, defaultState)
				nctx := normalize.Context{
					SourceID:   sourceID,
					SourceName: sourceName,
					Platform:   domain.PlatformJSONDataset,
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

			log.Debug("socrata page fetched", "offset", offset, "rows", len(rows), "produced", produced)

			if len(rows) < limit || len(rows) == 0 {
				return
			}
			offset += len(rows)
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

func buildURL(endpoint, datasetID string, limit, offset int, where string) string {
	base := strings.TrimRight(endpoint, "/")
	u := fmt.Sprintf("%s/resource/%s.json?$limit=%d&$offset=%d", base, datasetID, limit, offset)
	if where != "" {
		u += "&$where=" + url.QueryEscape(where)
	}
	return u
}

func headers(cfg connector.Config) map[string]string {
	h := map[string]string{}
	if token, ok := cfg.String("app_token"); ok && token != "" {
		h["X-App-Token"] = token
	}
	return h
}

// Field-name alternates probed for each normalized field, per spec.md §4.2.
var (
	idKeys              = []string{"id", "_id"}
	permitTypeKeys      = []string{"permit_type", "permittype", "type"}
	workDescKeys        = []string{"work_description", "description", "desc", "proposed_work"}
	permitStatusKeys    = []string{"permit_status", "status", "current_status"}
	issueDateKeys       = []string{"issue_date", "issued_date", "issuedate"}
	addressKeys         = []string{"address", "site_address", "location"}
	parcelKeys          = []string{"parcel_id", "parcel_number", "apn"}
	ownerKeys           = []string{"owner_name", "owner"}
	contractorKeys      = []string{"contractor_name", "contractor"}
	permitValueKeys     = []string{"permit_value", "valuation", "job_value"}
	latKeys             = []string{"latitude", "lat"}
	lonKeys             = []string{"longitude", "lon", "lng"}
)

func toRawRecord(row map[string]any, defaultState string) normalize.RawRecord {
	fieldsMap := map[string]string{}

	srcID, _ := firstString(row, idKeys, fieldsMap, "source_record_id")
	if srcID == "" {
		srcID = randomID()
	}

	permitType, _ := firstString(row, permitTypeKeys, fieldsMap, "permit_type")
	workDesc, _ := firstString(row, workDescKeys, fieldsMap, "work_description")
	status, _ := firstString(row, permitStatusKeys, fieldsMap, "permit_status")
	issueDate, _ := firstString(row, issueDateKeys, fieldsMap, "issue_date")
	parcel, _ := firstString(row, parcelKeys, fieldsMap, "parcel_id")
	owner, _ := firstString(row, ownerKeys, fieldsMap, "owner_name")
	contractor, _ := firstString(row, contractorKeys, fieldsMap, "contractor_name")

	addrStr, lat, lon := extractAddress(row, addressKeys, fieldsMap)
	if lat == nil {
		if v, key := firstString(row, latKeys, nil, ""); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				lat = &f
				fieldsMap["lat"] = key
			}
		}
	}
	if lon == nil {
		if v, key := firstString(row, lonKeys, nil, ""); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				lon = &f
				fieldsMap["lon"] = key
			}
		}
	}

	var permitValue *float64
	if v, _ := firstString(row, permitValueKeys, fieldsMap, "permit_value"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimLeft(v, "$"), 64); err == nil {
			permitValue = &f
		}
	}

	return normalize.RawRecord{
		SourceRecordID:  srcID,
		PermitType:      permitType,
		WorkDescription: workDesc,
		PermitStatus:    status,
		IssueDate:       normalizeDate(issueDate),
		RawAddress:      addrStr,
		ParcelID:        parcel,
		OwnerName:       owner,
		ContractorName:  contractor,
		PermitValue:     permitValue,
		Lat:             lat,
		Lon:             lon,
		FieldsMap:       fieldsMap,
		DefaultState:    defaultState,
	}
}

// firstString probes keys in order against row, recording which portal key
// matched in fieldsMap[normalizedName] (if fieldsMap is non-nil), and
// returns the first non-empty string value found plus the key used.
func firstString(row map[string]any, keys []string, fieldsMap map[string]string, normalizedName string) (string, string) {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}
		s := coerceString(v)
		if s == "" {
			continue
		}
		if fieldsMap != nil && normalizedName != "" {
			fieldsMap[normalizedName] = k
		}
		return s, k
	}
	return "", ""
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// extractAddress handles the three shapes spec.md §4.2 describes: a plain
// string, an object with a human_address sub-field (itself maybe
// JSON-encoded), or a JSON-encoded string of that object. It also pulls
// latitude/longitude embedded in the address object, if present.
func extractAddress(row map[string]any, keys []string, fieldsMap map[string]string) (string, *float64, *float64) {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}

		switch t := v.(type) {
		case string:
			trimmed := strings.TrimSpace(t)
			if trimmed == "" {
				continue
			}
			if strings.HasPrefix(trimmed, "{") {
				if addr, lat, lon, ok := parseAddressObject([]byte(trimmed)); ok {
					fieldsMap["address"] = k
					return addr, lat, lon
				}
			}
			fieldsMap["address"] = k
			return trimmed, nil, nil
		case map[string]any:
			human, _ := t["human_address"].(string)
			human = strings.TrimSpace(human)
			if strings.HasPrefix(human, "{") {
				if addr, lat, lon, ok := parseAddressObject([]byte(human)); ok {
					fieldsMap["address"] = k
					return mergeLatLon(addr, lat, lon, t)
				}
			}
			lat, lon := floatField(t, "latitude"), floatField(t, "longitude")
			if human != "" {
				fieldsMap["address"] = k
				return human, lat, lon
			}
		}
	}
	return "", nil, nil
}

func mergeLatLon(addr string, lat, lon *float64, obj map[string]any) (string, *float64, *float64) {
	if lat == nil {
		lat = floatField(obj, "latitude")
	}
	if lon == nil {
		lon = floatField(obj, "longitude")
	}
	return addr, lat, lon
}

func floatField(obj map[string]any, key string) *float64 {
	v, ok := obj[key]
	if !ok {
		return nil
	}
	s := coerceString(v)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseAddressObject(raw []byte) (string, *float64, *float64, bool) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", nil, nil, false
	}
	addr, _ := obj["address"].(string)
	city, _ := obj["city"].(string)
	state, _ := obj["state"].(string)
	zip, _ := obj["zip"].(string)

	pieces := []string{}
	for _, p := range []string{addr, city, state, zip} {
		if strings.TrimSpace(p) != "" {
			pieces = append(pieces, strings.TrimSpace(p))
		}
	}
	return strings.Join(pieces, ", "), floatField(obj, "latitude"), floatField(obj, "longitude"), len(pieces) > 0
}

func normalizeDate(s string) string {
	if s == "" {
		return ""
	}
	if len(s) >= 10 {
		return s[:10]
	}
	return s
}

func randomID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
