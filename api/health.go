package api

import (
	"net/http"
	"time"

	"github.com/caesium-cloud/quarry/pkg/log"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

var startedAt = time.Now()

// HealthResponse defines the data the Health
// REST endpoint returns.
type HealthResponse struct {
	Status   Status        `json:"status"`
	Database Status        `json:"database"`
	Uptime   time.Duration `json:"uptime"`
}

// Health reports whether quarry can reach its database. It answers 503
// with a degraded status when the ping fails.
func Health(db *gorm.DB) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp := HealthResponse{
			Status:   Healthy,
			Database: Healthy,
			Uptime:   time.Since(startedAt),
		}

		if err := ping(c, db); err != nil {
			log.Warn("database health check failed", "error", err)
			resp.Status = Degraded
			resp.Database = Unavailable
			return c.JSON(http.StatusServiceUnavailable, resp)
		}

		return c.JSON(http.StatusOK, resp)
	}
}

func ping(c echo.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(c.Request().Context())
}

// Status enumerates the health statuses of quarry.
type Status string

const (
	// Healthy implies quarry is having no major issues.
	Healthy Status = "healthy"
	// Degraded means the API is up but a dependency is not.
	Degraded Status = "degraded"
	// Unavailable marks a dependency that cannot be reached.
	Unavailable Status = "unavailable"
)
