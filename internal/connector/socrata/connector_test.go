package socrata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"permittracer/internal/classify"
	"permittracer/internal/connector"
	"permittracer/internal/domain"
)

func testConnector() *Connector {
	var r domain.RoofingRules
	r.PermitTypes.ExactMatches = []string{"Re-Roof"}
	r.MinTokenMatches = 1
	return New(classify.New(r))
}

func drain(t *testing.T, s connector.Stream) []connector.Item {
	t.Helper()
	var items []connector.Item
	for it := range s {
		items = append(items, it)
	}
	return items
}

func TestBackfillStopsOnShortPage(t *testing.T) {
	rows := []map[string]any{
		{"id": "1", "permit_type": "Re-Roof", "address": "700 H Street, Sacramento, CA 95814", "issue_date": "2024-01-02"},
		{"id": "2", "permit_type": "HVAC", "address": "1 Main St, Denver, CO 80202"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	c := testConnector()
	cfg := connector.Config{"endpoint_url": srv.URL, "dataset_id": "abcd-1234"}
	stream := c.Backfill(context.Background(), 1, "test-source", cfg, connector.State{}, 100)
	items := drain(t, stream)

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if !items[0].Permit.IsRoofing {
		t.Fatalf("expected first item roofing")
	}
	if items[1].Permit.IsRoofing {
		t.Fatalf("expected second item non-roofing")
	}
}

func TestBackfillStopsAtMaxRows(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		rows := make([]map[string]any, connector.PageSize)
		for i := range rows {
			rows[i] = map[string]any{"id": fmt.Sprintf("%d", i), "address": "1 Main St"}
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	c := testConnector()
	cfg := connector.Config{"endpoint_url": srv.URL, "dataset_id": "abcd-1234"}
	stream := c.Backfill(context.Background(), 1, "test-source", cfg, connector.State{}, 1500)
	items := drain(t, stream)

	if len(items) != 1500 {
		t.Fatalf("expected 1500 items, got %d", len(items))
	}
}

func TestBackfillStopsOnEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := testConnector()
	cfg := connector.Config{"endpoint_url": srv.URL, "dataset_id": "abcd-1234"}
	stream := c.Backfill(context.Background(), 1, "test-source", cfg, connector.State{}, 100)
	items := drain(t, stream)

	if len(items) != 0 {
		t.Fatalf("expected 0 items, got %d", len(items))
	}
}

func TestIncrementalPrefersTimestampOverIssueDate(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := testConnector()
	cfg := connector.Config{"endpoint_url": srv.URL, "dataset_id": "abcd-1234"}
	ts := "2024-05-01T00:00:00.000"
	issueDate := "2024-04-01"
	state := connector.State{LastMaxTimestamp: &ts, LastIssueDate: &issueDate}
	drain(t, c.Incremental(context.Background(), 1, "test-source", cfg, state, 10))

	if !containsSubstring(gotQuery, "data_loaded_at") {
		t.Fatalf("expected data_loaded_at filter in query, got %q", gotQuery)
	}
	if containsSubstring(gotQuery, "issue_date") {
		t.Fatalf("expected issue_date filter to be skipped, got %q", gotQuery)
	}
}

func TestIncrementalFallsBackToIssueDate(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := testConnector()
	cfg := connector.Config{"endpoint_url": srv.URL, "dataset_id": "abcd-1234"}
	issueDate := "2024-04-01"
	state := connector.State{LastIssueDate: &issueDate}
	drain(t, c.Incremental(context.Background(), 1, "test-source", cfg, state, 10))

	if !containsSubstring(gotQuery, "issue_date") {
		t.Fatalf("expected issue_date filter in query, got %q", gotQuery)
	}
}

func TestExtractAddressPlainString(t *testing.T) {
	row := map[string]any{"address": "700 H Street, Sacramento, CA 95814"}
	addr, lat, lon := extractAddress(row, addressKeys, map[string]string{})
	if addr != "700 H Street, Sacramento, CA 95814" {
		t.Fatalf("unexpected address: %q", addr)
	}
	if lat != nil || lon != nil {
		t.Fatalf("expected no lat/lon from plain string address")
	}
}

func TestExtractAddressObjectWithHumanAddress(t *testing.T) {
	row := map[string]any{
		"location": map[string]any{
			"human_address": `{"address":"700 H Street","city":"Sacramento","state":"CA","zip":"95814"}`,
			"latitude":      "38.58",
			"longitude":     "-121.49",
		},
	}
	addr, lat, lon := extractAddress(row, addressKeys, map[string]string{})
	if addr != "700 H Street, Sacramento, CA, 95814" {
		t.Fatalf("unexpected address: %q", addr)
	}
	if lat == nil || *lat != 38.58 {
		t.Fatalf("expected latitude 38.58, got %v", lat)
	}
	if lon == nil || *lon != -121.49 {
		t.Fatalf("expected longitude -121.49, got %v", lon)
	}
}

func TestExtractAddressJSONEncodedStringShape(t *testing.T) {
	row := map[string]any{
		"address": `{"address":"1 Main St","city":"Denver","state":"CO","zip":"80202"}`,
	}
	addr, _, _ := extractAddress(row, addressKeys, map[string]string{})
	if addr != "1 Main St, Denver, CO, 80202" {
		t.Fatalf("unexpected address: %q", addr)
	}
}

func TestFloatFieldMalformedNumberIsAbsent(t *testing.T) {
	obj := map[string]any{"latitude": "not-a-number"}
	if f := floatField(obj, "latitude"); f != nil {
		t.Fatalf("expected nil for malformed number, got %v", *f)
	}
}

func TestToRawRecordRandomIDWhenNoIDField(t *testing.T) {
	row := map[string]any{"address": "1 Main St"}
	rec := toRawRecord(row, "")
	if rec.SourceRecordID == "" {
		t.Fatalf("expected a generated source record id")
	}
}

func TestValidateFailsWithoutDatasetID(t *testing.T) {
	c := testConnector()
	err := c.Validate(context.Background(), connector.Config{"endpoint_url": "https://example.test"})
	if err == nil {
		t.Fatalf("expected validation error for missing dataset_id")
	}
}

func TestValidateSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer srv.Close()

	c := testConnector()
	cfg := connector.Config{"endpoint_url": srv.URL, "dataset_id": "abcd-1234"}
	if err := c.Validate(context.Background(), cfg); err != nil {
		t.Fatalf("expected successful validation, got %v", err)
	}
}

func TestNormalizeDateTruncatesTimestamp(t *testing.T) {
	if got := normalizeDate("2024-10-15T00:00:00.000"); got != "2024-10-15" {
		t.Fatalf("expected truncated date, got %q", got)
	}
	if got := normalizeDate(""); got != "" {
		t.Fatalf("expected empty passthrough, got %q", got)
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
