package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/mar/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// AuditEntry describes one access to medication administration data: who
// touched which resident's record, what they did and how it ended.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	FacilityID   string
	ResourceType string
	ResidentID   string
	OrderID      string
	Slot         int
	Action       string // read, create, update, toggle, set_time, fourth_dose
	IPAddress    string
	UserAgent    string
	Path         string
	Method       string
	Timestamp    time.Time
	RequestID    string
	StatusCode   int
}

// AuditRecorder persists audit entries somewhere other than the log stream.
// ctx is the request context, so recorders can reuse the facility connection.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit logs every /api/v1/ request after it completes. Entries always go to
// the structured log; when recorders are given, each one also receives the
// entry. Recorder failures are logged and never fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			ctx := req.Context()
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
			}
			entry.FacilityID, _ = c.Get("jwt_facility_id").(string)
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.ResourceType = extractResourceType(path)
			entry.ResidentID, entry.OrderID, entry.Slot = extractTargets(path)
			entry.Action = auditAction(req.Method, path)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(ctx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status == http.StatusForbidden || status == http.StatusConflict {
				evt = logger.Warn()
			}
			evt.
				Str("type", "mar_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("facility_id", entry.FacilityID).
				Str("resource_type", entry.ResourceType).
				Str("resident_id", entry.ResidentID).
				Str("order_id", entry.OrderID).
				Int("slot", entry.Slot).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("mar_access")

			return err
		}
	}
}

// auditAction names what a request did. Dose operations get their own
// actions so a reviewer can filter verifications out of ordinary edits.
func auditAction(method, path string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return "read"
	}
	switch {
	case strings.HasSuffix(path, "/toggle"):
		return "toggle"
	case strings.HasSuffix(path, "/time"):
		return "set_time"
	case strings.HasSuffix(path, "/fourth-dose"):
		return "fourth_dose"
	}
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

// extractResourceType returns the first segment under /api/v1/.
//
//   - /api/v1/residents/<id>/mar        -> residents
//   - /api/v1/mar/orders/<id>/events    -> mar
//   - /api/v1/archives/mar/2024/01/01   -> archives
func extractResourceType(path string) string {
	rest := strings.TrimPrefix(path, apiPrefix)
	if rest == path {
		return "unknown"
	}
	seg, _, _ := strings.Cut(rest, "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}

// extractTargets pulls the resident id, order id and dose slot out of MAR
// paths. Absent or malformed values are left empty.
func extractTargets(path string) (residentID, orderID string, slot int) {
	segments := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	for i := 0; i+1 < len(segments); i++ {
		next := segments[i+1]
		switch {
		case segments[i] == "residents" && isUUIDLike(next):
			residentID = next
		case segments[i] == "orders" && i > 0 && segments[i-1] == "mar" && isUUIDLike(next):
			orderID = next
		case segments[i] == "doses":
			if n, err := strconv.Atoi(next); err == nil {
				slot = n
			}
		}
	}
	return residentID, orderID, slot
}

func isUUIDLike(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
