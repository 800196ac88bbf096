package db

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	TenantIDKey   contextKey = "tenant_id"
	FacilityIDKey contextKey = "facility_id"
	DBConnKey     contextKey = "db_conn"
)

// TenantMiddleware acquires a connection for the request and stamps the
// tenant and facility session settings read by the row-level security
// policies. Requests without a tenant claim pass through unscoped.
func TenantMiddleware(pool *pgxpool.Pool, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractScope(c, "jwt_tenant_id")
			if tenantID == "" {
				return next(c)
			}
			if _, err := uuid.Parse(tenantID); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}
			facilityID := extractScope(c, "jwt_facility_id")
			if facilityID != "" {
				if _, err := uuid.Parse(facilityID); err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid facility identifier")
				}
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer func() {
				// Pooled connections must not leak the previous request's scope.
				if _, err := conn.Exec(context.Background(),
					`SELECT set_config('app.current_tenant', '', false), set_config('app.current_facility', '', false)`); err != nil {
					logger.Warn().Err(err).Msg("reset tenant scope")
				}
				conn.Release()
			}()

			if _, err := conn.Exec(ctx,
				`SELECT set_config('app.current_tenant', $1, false), set_config('app.current_facility', $2, false)`,
				tenantID, facilityID); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}

			ctx = WithScope(ctx, tenantID, facilityID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			c.Set("db", conn)

			return next(c)
		}
	}
}

func extractScope(c echo.Context, key string) string {
	if v, ok := c.Get(key).(string); ok {
		return v
	}
	return ""
}

// WithScope stores the tenant and facility ids used for row-level security.
func WithScope(ctx context.Context, tenantID, facilityID string) context.Context {
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	return context.WithValue(ctx, FacilityIDKey, facilityID)
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

func FacilityFromContext(ctx context.Context) string {
	fid, _ := ctx.Value(FacilityIDKey).(string)
	return fid
}
