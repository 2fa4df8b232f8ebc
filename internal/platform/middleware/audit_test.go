package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/auth"
)

func auditServer(t *testing.T, buf *bytes.Buffer, recorder AuditRecorder) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("request_id", "req-1")
			c.Set("site_id", "north")
			c.SetRequest(c.Request().WithContext(auth.WithUser(c.Request().Context(), "tech-1", []string{"lab_tech"})))
			return next(c)
		}
	})
	e.Use(Audit(zerolog.New(buf), recorder))
	e.POST("/api/v1/specimens/:specimenId/collect", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/api/v1/specimens/barcode/:barcode", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "specimen not found")
	})
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return e
}

func TestAudit_RecordsSpecimenAccess(t *testing.T) {
	var buf bytes.Buffer
	var got []AuditEntry
	e := auditServer(t, &buf, AuditRecorderFunc(func(entry AuditEntry) error {
		got = append(got, entry)
		return nil
	}))

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/specimens/SP-20261016-000001/collect", nil))

	if len(got) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(got))
	}
	entry := got[0]
	if entry.UserID != "tech-1" || entry.SiteID != "north" || entry.RequestID != "req-1" {
		t.Errorf("unexpected identity fields %+v", entry)
	}
	if entry.SpecimenID != "SP-20261016-000001" || entry.Action != "create" || entry.Operation != "collect" {
		t.Errorf("unexpected resource fields %+v", entry)
	}
	if entry.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", entry.StatusCode)
	}
	if !strings.Contains(buf.String(), `"type":"lab_audit"`) {
		t.Errorf("expected lab_audit log line, got %s", buf.String())
	}
}

func TestAudit_CapturesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	var got AuditEntry
	e := auditServer(t, &buf, AuditRecorderFunc(func(entry AuditEntry) error {
		got = entry
		return nil
	}))

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/specimens/barcode/12345", nil))

	if got.StatusCode != http.StatusNotFound || got.Barcode != "12345" || got.Operation != "barcode" || got.Action != "read" {
		t.Errorf("unexpected entry %+v", got)
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	var buf bytes.Buffer
	calls := 0
	e := auditServer(t, &buf, AuditRecorderFunc(func(AuditEntry) error {
		calls++
		return nil
	}))

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if calls != 0 || buf.Len() != 0 {
		t.Errorf("health check was audited")
	}
}

func TestAudit_RecorderFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	e := auditServer(t, &buf, AuditRecorderFunc(func(AuditEntry) error { return errors.New("store down") }))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/specimens/SP-1/collect", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("recorder failure changed the response: %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "failed to record audit entry") {
		t.Errorf("expected recorder failure in log, got %s", buf.String())
	}
}

func TestOperationFromRoute(t *testing.T) {
	tests := map[string]string{
		"/api/v1/specimens":                            "specimens",
		"/api/v1/specimens/:specimenId":                "specimen",
		"/api/v1/specimens/:specimenId/transition":     "transition",
		"/api/v1/specimens/:specimenId/quality-checks": "quality-checks",
		"/api/v1/specimens/bulk/receive":               "bulk/receive",
		"/api/v1/specimens/barcode/:barcode":           "barcode",
		"/api/v1/specimens/queue":                      "queue",
		"/health":                                      "unknown",
	}
	for route, want := range tests {
		if got := operationFromRoute(route); got != want {
			t.Errorf("operationFromRoute(%q) = %q, want %q", route, got, want)
		}
	}
}
