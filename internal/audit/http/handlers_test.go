package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tourdesk/tourdesk/internal/audit"
	"github.com/tourdesk/tourdesk/internal/platform/httpx"
	"github.com/tourdesk/tourdesk/internal/rbac"
)

type stubTimelineService struct {
	result      audit.Result
	exportRows  []audit.TimelineRow
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func (s *stubTimelineService) Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error) {
	s.lastFilters = filters
	return s.exportRows, nil
}

func newAuditRouter(t *testing.T, service *stubTimelineService, subject *rbac.Subject) http.Handler {
	t.Helper()
	roles, perms := rbac.MustDefaultCatalogs()
	authz := rbac.Middleware{Evaluator: rbac.NewEvaluator(roles, perms)}
	handler := NewHandler(nil, service, authz)
	handler.now = func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if subject != nil {
				req = req.WithContext(rbac.ContextWithSubject(req.Context(), *subject))
			}
			next.ServeHTTP(w, req)
		})
	})
	handler.MountRoutes(r)
	return r
}

func auditor(perms ...string) *rbac.Subject {
	s := rbac.NewSubject(7, "auditor", "auditor@tourdesk.test", rbac.RoleAdmin, rbac.OrgAttributes{OrganizationID: "org-1"}, perms)
	return &s
}

func TestTimelineRequiresAuthentication(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestTimelineRequiresPermission(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, auditor())
	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var denial httpx.Denial
	if err := json.Unmarshal(rr.Body.Bytes(), &denial); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denial.Code != httpx.CodeInsufficientPermission || denial.Required != rbac.PermAuditView {
		t.Fatalf("unexpected denial: %+v", denial)
	}
}

func TestTimelineReturnsRows(t *testing.T) {
	rows := []audit.TimelineRow{{At: time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC), Actor: "auditor@tourdesk.test", Action: audit.ActionElevatedWrite, Entity: "quotes", EntityID: "*"}}
	service := &stubTimelineService{result: audit.Result{Rows: rows, Paging: audit.PagingInfo{Page: 1, PageSize: 20}}}
	router := newAuditRouter(t, service, auditor(rbac.PermAuditView))
	req := httptest.NewRequest(http.MethodGet, "/audit?from=2024-03-01&to=2024-03-15", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "auditor@tourdesk.test") {
		t.Fatalf("expected actor in response: %s", rr.Body.String())
	}
	if service.lastFilters.From.Format("2006-01-02") != "2024-03-01" {
		t.Fatalf("unexpected filters: %+v", service.lastFilters)
	}
}

func TestTimelineRejectsInvertedRange(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, auditor(rbac.PermAuditView))
	req := httptest.NewRequest(http.MethodGet, "/audit?from=2024-03-15&to=2024-03-01", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestExportCSV(t *testing.T) {
	service := &stubTimelineService{exportRows: []audit.TimelineRow{{Actor: "auditor@tourdesk.test", Action: audit.ActionDenied}}}
	router := newAuditRouter(t, service, auditor(rbac.PermAuditView, rbac.PermAuditExport))
	req := httptest.NewRequest(http.MethodGet, "/audit/export.csv?from=2024-03-01&to=2024-03-05", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ctype := rr.Header().Get("Content-Type"); !strings.Contains(ctype, "text/csv") {
		t.Fatalf("unexpected content-type: %s", ctype)
	}
	if !strings.HasPrefix(rr.Body.String(), "occurred_at,") {
		t.Fatalf("expected csv header, got %q", rr.Body.String())
	}
}

func TestExportRequiresExportPermission(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, auditor(rbac.PermAuditView))
	req := httptest.NewRequest(http.MethodGet, "/audit/export.csv", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestTimelineAttributionFilters(t *testing.T) {
	service := &stubTimelineService{}
	router := newAuditRouter(t, service, auditor(rbac.PermAuditView))
	req := httptest.NewRequest(http.MethodGet, "/audit?attribution=system&request_id=req-42&page=2", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got := service.lastFilters
	if got.Attribution != audit.AttributionSystem || got.RequestID != "req-42" || got.Page != 2 {
		t.Fatalf("unexpected filters: %+v", got)
	}
	if got.To.Format("2006-01-02") != "2024-03-15" || got.From.Format("2006-01-02") != "2024-03-08" {
		t.Fatalf("unexpected default range: %s..%s", got.From, got.To)
	}
}

func TestTimelineRejectsInvalidParams(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, auditor(rbac.PermAuditView))
	for _, query := range []string{"attribution=robots", "page=abc", "page_size=-1", "from=03/01/2024"} {
		req := httptest.NewRequest(http.MethodGet, "/audit?"+query, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rr.Code)
		}
	}
}

func TestExportAlsoRequiresViewPermission(t *testing.T) {
	router := newAuditRouter(t, &stubTimelineService{}, auditor(rbac.PermAuditExport))
	req := httptest.NewRequest(http.MethodGet, "/audit/export.csv", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var denial httpx.Denial
	if err := json.Unmarshal(rr.Body.Bytes(), &denial); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denial.Required != rbac.PermAuditView {
		t.Fatalf("expected audit:view to be required, got %+v", denial)
	}
}
