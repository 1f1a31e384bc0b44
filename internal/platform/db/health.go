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

// CacheProbe reports whether the cache tier is reachable. A nil probe means
// the server runs without a cache.
type CacheProbe interface {
	Available() bool
	Backend() string
}

// HealthHandler reports database health plus cache availability. An
// unavailable cache degrades the status but does not fail the check, since
// sessions fall back to the database.
func HealthHandler(pool *pgxpool.Pool, cache CacheProbe) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)

		body := map[string]interface{}{
			"pool":  stats,
			"cache": cacheStatus(cache),
		}

		if err != nil {
			stats.Healthy = false
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		body["status"] = "healthy"
		if cache != nil && !cache.Available() {
			body["status"] = "degraded"
		}
		return c.JSON(http.StatusOK, body)
	}
}

func cacheStatus(cache CacheProbe) map[string]interface{} {
	if cache == nil {
		return map[string]interface{}{"backend": "none", "available": false}
	}
	return map[string]interface{}{"backend": cache.Backend(), "available": cache.Available()}
}
