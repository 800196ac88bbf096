package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)

		if err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}

// StatTables are the tables reported by StatsHandler, keyed by response field.
var StatTables = []struct {
	Key   string
	Table string
}{
	{"tenants", "app.tenants"},
	{"facilities", "app.facilities"},
	{"patients", "app.patients"},
	{"bills", "billing.bills"},
	{"payments", "billing.payments"},
	{"cash_collections", "billing.cash_collections"},
	{"settlements", "settlement.facility_settlements"},
	{"audit_entries", "audit.audit_log"},
}

// StatsHandler reports row counts for the core tables.
func StatsHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		counts := make(map[string]int64, len(StatTables))
		for _, st := range StatTables {
			var n int64
			if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+st.Table).Scan(&n); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "stats unavailable").SetInternal(err)
			}
			counts[st.Key] = n
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"counts":       counts,
			"generated_at": time.Now().UTC(),
		})
	}
}
