package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lis/lis/internal/platform/auth"
)

// AuditEntry records who touched which specimen data, from where, and with
// what outcome.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	SiteID     string
	Route      string
	SpecimenID string
	Barcode    string
	PatientRef string
	Action     string // read, create, update
	Operation  string // e.g. collect, transition, bulk/receive
	IPAddress  string
	UserAgent  string
	Method     string
	Path       string
	StatusCode int
	RequestID  string
	Timestamp  time.Time
}

// AuditRecorder persists audit entries. Audit always logs the entry as well.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1/ request after it is handled. It must be
// registered with Use so route parameters are resolved.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c, err)
			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusUnauthorized || entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "lab_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("site_id", entry.SiteID).
				Str("specimen_id", entry.SpecimenID).
				Str("barcode", entry.Barcode).
				Str("patient_ref", entry.PatientRef).
				Str("action", entry.Action).
				Str("operation", entry.Operation).
				Str("route", entry.Route).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("specimen_access")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context, handlerErr error) AuditEntry {
	req := c.Request()
	ctx := req.Context()

	entry := AuditEntry{
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Route:      c.Path(),
		SpecimenID: c.Param("specimenId"),
		Barcode:    c.Param("barcode"),
		PatientRef: c.QueryParam("patient_ref"),
		Action:     httpMethodToAction(req.Method),
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: c.Response().Status,
		Timestamp:  time.Now().UTC(),
	}
	entry.Operation = operationFromRoute(entry.Route)
	if sid, ok := c.Get("site_id").(string); ok {
		entry.SiteID = sid
	}
	if rid, ok := c.Get("request_id").(string); ok {
		entry.RequestID = rid
	}
	// The error handler has not written the response yet.
	if he, ok := handlerErr.(*echo.HTTPError); ok && !c.Response().Committed {
		entry.StatusCode = he.Code
	} else if handlerErr != nil && !c.Response().Committed {
		entry.StatusCode = http.StatusInternalServerError
	}
	return entry
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// operationFromRoute names the lifecycle operation behind a route template:
//
//	/api/v1/specimens/:specimenId/collect -> collect
//	/api/v1/specimens/bulk/receive        -> bulk/receive
//	/api/v1/specimens/:specimenId         -> specimen
//	/api/v1/specimens                     -> specimens
func operationFromRoute(route string) string {
	rest := strings.TrimPrefix(route, "/api/v1/specimens")
	if rest == route {
		return "unknown"
	}
	rest = strings.Trim(rest, "/")
	switch {
	case rest == "":
		return "specimens"
	case rest == ":specimenId":
		return "specimen"
	case strings.HasPrefix(rest, ":specimenId/"):
		return strings.TrimPrefix(rest, ":specimenId/")
	case strings.HasPrefix(rest, "barcode/"):
		return "barcode"
	}
	return rest
}
