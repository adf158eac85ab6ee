package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/db"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler reports process and database health.
type HealthHandler struct {
	db      *gorm.DB
	version string
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(conn *gorm.DB, version string) *HealthHandler {
	return &HealthHandler{db: conn, version: version}
}

// Healthz pings the database.
func (h *HealthHandler) Healthz(c *gin.Context) {
	out := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
	}
	if h.db != nil {
		sqlDB, errDB := h.db.DB()
		if errDB == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			errDB = sqlDB.PingContext(ctx)
			cancel()
		}
		if errDB != nil {
			log.WithError(errDB).WithField("unavailable", db.IsUnavailable(errDB)).Warn("healthz: database ping failed")
			out["status"] = "degraded"
			out["database"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, out)
			return
		}
		out["database"] = "ok"
	}
	c.JSON(http.StatusOK, out)
}
