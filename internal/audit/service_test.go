package audit

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

type stubRepository struct {
	rows []TimelineRow
	err  error

	gotOffset int
	gotLimit  int
	windows   int
}

func (s *stubRepository) TimelineWindow(_ context.Context, _ TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	s.gotOffset = offset
	s.gotLimit = limit
	s.windows++
	if s.err != nil {
		return nil, s.err
	}
	if offset >= len(s.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return s.rows[offset:end], nil
}

func makeRows(n int) []TimelineRow {
	base := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	rows := make([]TimelineRow, n)
	for i := range rows {
		rows[i] = TimelineRow{
			ID:       fmt.Sprintf("entry-%03d", i),
			At:       base.Add(-time.Duration(i) * time.Minute),
			ActorID:  99,
			Action:   "rbac.role.assigned",
			Entity:   "role_assignment",
			EntityID: fmt.Sprintf("%d", i),
		}
	}
	return rows
}

func TestTimelineFirstPageHasNext(t *testing.T) {
	repo := &stubRepository{rows: makeRows(25)}
	svc := NewService(repo)

	res, err := svc.Timeline(context.Background(), TimelineFilters{Page: 1, PageSize: 20})
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(res.Rows) != 20 {
		t.Fatalf("rows = %d, want 20", len(res.Rows))
	}
	if repo.gotLimit != 21 {
		t.Fatalf("limit = %d, want pageSize+1", repo.gotLimit)
	}
	if !res.Paging.HasNext || res.Paging.NextPage != 2 || res.Paging.PrevPage != 0 {
		t.Fatalf("paging = %+v", res.Paging)
	}
}

func TestTimelineLastPage(t *testing.T) {
	repo := &stubRepository{rows: makeRows(25)}
	svc := NewService(repo)

	res, err := svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 20})
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if repo.gotOffset != 20 {
		t.Fatalf("offset = %d, want 20", repo.gotOffset)
	}
	if len(res.Rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(res.Rows))
	}
	if res.Paging.HasNext || res.Paging.NextPage != 0 {
		t.Fatalf("paging = %+v", res.Paging)
	}
	if res.Paging.PrevPage != 1 {
		t.Fatalf("prev page = %d, want 1", res.Paging.PrevPage)
	}
}

func TestTimelineDefaultsAndClamp(t *testing.T) {
	repo := &stubRepository{rows: makeRows(120)}
	svc := NewService(repo)

	res, err := svc.Timeline(context.Background(), TimelineFilters{})
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if res.Paging.Page != 1 || res.Paging.PageSize != 20 {
		t.Fatalf("default paging = %+v", res.Paging)
	}

	res, err = svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if res.Paging.PageSize != 50 || len(res.Rows) != 50 {
		t.Fatalf("oversized page not clamped: %+v (%d rows)", res.Paging, len(res.Rows))
	}
}

func TestTimelineEmptyResult(t *testing.T) {
	svc := NewService(&stubRepository{})

	res, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3})
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(res.Rows) != 0 || res.Paging.HasNext {
		t.Fatalf("expected empty page, got %+v", res)
	}
}

func TestExportCSV(t *testing.T) {
	rows := makeRows(3)
	rows[0].TenantID = new(int64)
	*rows[0].TenantID = 4
	svc := NewService(&stubRepository{rows: rows})

	var buf bytes.Buffer
	if err := svc.ExportCSV(context.Background(), TimelineFilters{}, &buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("csv lines = %d, want header + 3 rows", len(lines))
	}
	if lines[0] != "occurred_at,actor_id,tenant_id,action,entity,entity_id" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], "rbac.role.assigned") || !strings.Contains(lines[1], ",4,") {
		t.Fatalf("unexpected first row %q", lines[1])
	}
}

func TestExportCSVStreamsInWindows(t *testing.T) {
	repo := &stubRepository{rows: makeRows(exportWindowSize + 3)}
	svc := NewService(repo)

	var buf bytes.Buffer
	if err := svc.ExportCSV(context.Background(), TimelineFilters{}, &buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if repo.windows != 2 {
		t.Fatalf("windows fetched = %d, want 2", repo.windows)
	}
	if repo.gotLimit != exportWindowSize {
		t.Fatalf("limit = %d, want %d", repo.gotLimit, exportWindowSize)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if want := exportWindowSize + 4; len(lines) != want {
		t.Fatalf("csv lines = %d, want %d", len(lines), want)
	}
}

func TestExportCSVRepoErrorWritesNothing(t *testing.T) {
	repo := &stubRepository{err: fmt.Errorf("boom")}
	svc := NewService(repo)

	var buf bytes.Buffer
	if err := svc.ExportCSV(context.Background(), TimelineFilters{}, &buf); err == nil {
		t.Fatal("expected error")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output before first window, got %q", buf.String())
	}
}
