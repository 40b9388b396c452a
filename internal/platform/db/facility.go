package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	FacilityIDKey contextKey = "facility_id"
	DBConnKey     contextKey = "db_conn"
)

var facilityIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// FacilityMiddleware pins each request to one pooled connection whose
// search_path points at the facility's schema, so that one deployment can
// serve several care homes.
func FacilityMiddleware(pool *pgxpool.Pool, defaultFacility string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			facilityID := extractFacilityID(c, defaultFacility)

			if !facilityIDPattern.MatchString(facilityID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid facility identifier")
			}

			ctx, release, err := AcquireFacility(c.Request().Context(), pool, facilityID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("facility_id", facilityID)

			return next(c)
		}
	}
}

// AcquireFacility pins a pooled connection to the facility's schema and
// returns a context carrying it. Callers must invoke release when done.
func AcquireFacility(ctx context.Context, pool *pgxpool.Pool, facilityID string) (context.Context, func(), error) {
	if !facilityIDPattern.MatchString(facilityID) {
		return ctx, func() {}, fmt.Errorf("invalid facility identifier: %s", facilityID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", FacilitySchema(facilityID))); err != nil {
		conn.Release()
		return ctx, func() {}, fmt.Errorf("set search_path: %w", err)
	}
	ctx = context.WithValue(ctx, FacilityIDKey, facilityID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

// FacilityContext is the non-Postgres variant: it only tags the request.
func FacilityContext(defaultFacility string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			facilityID := extractFacilityID(c, defaultFacility)
			if !facilityIDPattern.MatchString(facilityID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid facility identifier")
			}
			ctx := context.WithValue(c.Request().Context(), FacilityIDKey, facilityID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("facility_id", facilityID)
			return next(c)
		}
	}
}

func extractFacilityID(c echo.Context, defaultFacility string) string {
	// JWT claim first, then header, then query.
	if fid, ok := c.Get("jwt_facility_id").(string); ok && fid != "" {
		return fid
	}
	if fid := c.Request().Header.Get("X-Facility-ID"); fid != "" {
		return fid
	}
	if fid := c.QueryParam("facility_id"); fid != "" {
		return fid
	}
	return defaultFacility
}

// FacilitySchema returns the Postgres schema name of a facility.
func FacilitySchema(facilityID string) string {
	return "facility_" + facilityID
}

// ConnFromContext retrieves the facility-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// FacilityFromContext retrieves the facility ID from context.
func FacilityFromContext(ctx context.Context) string {
	fid, _ := ctx.Value(FacilityIDKey).(string)
	return fid
}

// CreateFacilitySchema creates the schema of a facility and, when migrator
// is non-nil, applies all migrations to it.
func CreateFacilitySchema(ctx context.Context, pool *pgxpool.Pool, facilityID string, migrator *Migrator) error {
	if !facilityIDPattern.MatchString(facilityID) {
		return fmt.Errorf("invalid facility identifier: %s", facilityID)
	}

	schema := FacilitySchema(facilityID)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrator != nil {
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}
