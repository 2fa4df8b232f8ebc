package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/lis/lis/internal/platform/auth"
)

type contextKey string

const (
	SiteIDKey contextKey = "site_id"
	DBConnKey contextKey = "db_conn"
)

// SchemaPrefix prefixes every lab site's schema name.
const SchemaPrefix = "site_"

var siteIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the Postgres schema holding a site's data.
func SchemaName(siteID string) string {
	return SchemaPrefix + siteID
}

// ValidSiteID reports whether id is safe to interpolate into a schema name.
func ValidSiteID(id string) bool {
	return siteIDPattern.MatchString(id)
}

// SiteMiddleware resolves the lab site for the request and pins a pooled
// connection whose search_path points at the site's schema.
func SiteMiddleware(pool *pgxpool.Pool, defaultSite string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			siteID := extractSiteID(c, defaultSite)
			if !ValidSiteID(siteID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid site identifier")
			}

			ctx := c.Request().Context()
			conn, err := acquireSiteConn(ctx, pool, siteID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			ctx = WithSiteConn(ctx, siteID, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(string(SiteIDKey), siteID)

			return next(c)
		}
	}
}

func extractSiteID(c echo.Context, defaultSite string) string {
	if sid, ok := c.Get(auth.SiteClaimKey).(string); ok && sid != "" {
		return sid
	}
	if sid := c.Request().Header.Get("X-Site-ID"); sid != "" {
		return sid
	}
	if sid := c.QueryParam("site_id"); sid != "" {
		return sid
	}
	return defaultSite
}

func acquireSiteConn(ctx context.Context, pool *pgxpool.Pool, siteID string) (*pgxpool.Conn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(siteID))); err != nil {
		conn.Release()
		return nil, fmt.Errorf("set search_path for site %s: %w", siteID, err)
	}
	return conn, nil
}

// WithSiteConn binds a site and its schema-scoped connection to ctx.
func WithSiteConn(ctx context.Context, siteID string, conn *pgxpool.Conn) context.Context {
	ctx = context.WithValue(ctx, SiteIDKey, siteID)
	return context.WithValue(ctx, DBConnKey, conn)
}

// ForkSiteConn binds a second connection for the site already bound to ctx.
// A pgx connection runs one query at a time, so each goroutine working under
// one request needs its own. Without a bound connection ctx is returned as is.
func ForkSiteConn(ctx context.Context, pool *pgxpool.Pool) (context.Context, func(), error) {
	siteID := SiteFromContext(ctx)
	if siteID == "" || ConnFromContext(ctx) == nil {
		return ctx, func() {}, nil
	}
	conn, err := acquireSiteConn(ctx, pool, siteID)
	if err != nil {
		return ctx, func() {}, err
	}
	return WithSiteConn(ctx, siteID, conn), conn.Release, nil
}

// ConnFromContext retrieves the site-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// SiteFromContext retrieves the site ID from context.
func SiteFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(SiteIDKey).(string)
	return sid
}

// CreateSiteSchema creates the schema for a lab site and, when migrations is
// non-nil, brings it up to date.
func CreateSiteSchema(ctx context.Context, pool *pgxpool.Pool, siteID string, migrations fs.FS) error {
	if !ValidSiteID(siteID) {
		return fmt.Errorf("invalid site identifier: %s", siteID)
	}
	schema := SchemaName(siteID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}

// ListSites returns the IDs of every site that has a schema.
func ListSites(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT schema_name FROM information_schema.schemata
		WHERE schema_name LIKE 'site\_%'
		ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list site schemas: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, fmt.Errorf("scan site schema: %w", err)
		}
		sites = append(sites, schema[len(SchemaPrefix):])
	}
	return sites, rows.Err()
}

// ForEachSite returns a function that runs fn once per site, with the site's
// schema-scoped connection bound to the context fn receives. It stops at the
// first error.
func ForEachSite(pool *pgxpool.Pool) func(ctx context.Context, fn func(ctx context.Context) error) error {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		sites, err := ListSites(ctx, pool)
		if err != nil {
			return err
		}
		for _, siteID := range sites {
			if err := runInSite(ctx, pool, siteID, fn); err != nil {
				return fmt.Errorf("site %s: %w", siteID, err)
			}
		}
		return nil
	}
}

func runInSite(ctx context.Context, pool *pgxpool.Pool, siteID string, fn func(ctx context.Context) error) error {
	conn, err := acquireSiteConn(ctx, pool, siteID)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(WithSiteConn(ctx, siteID, conn))
}
