package audit

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExportCSVEndpoint(t *testing.T) {
	h := NewHandler(nil, NewService(&stubRepository{rows: makeRows(2)}))

	rr := httptest.NewRecorder()
	h.ExportCSV(rr, httptest.NewRequest(http.MethodGet, "/authz/audit/export", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("content disposition = %q", cd)
	}
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("csv lines = %d, want header + 2 rows", len(lines))
	}
}

func TestExportCSVEndpointRepoFailure(t *testing.T) {
	h := NewHandler(nil, NewService(&stubRepository{err: fmt.Errorf("boom")}))

	rr := httptest.NewRecorder()
	h.ExportCSV(rr, httptest.NewRequest(http.MethodGet, "/authz/audit/export", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
}

func TestExportCSVEndpointBadFilter(t *testing.T) {
	h := NewHandler(nil, NewService(&stubRepository{}))

	rr := httptest.NewRecorder()
	h.ExportCSV(rr, httptest.NewRequest(http.MethodGet, "/authz/audit/export?actor_id=nope", nil))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}
