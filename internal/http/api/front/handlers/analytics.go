package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/telemetry"
)

// AnalyticsHandler relays extension analytics so the sink key stays server side.
type AnalyticsHandler struct {
	tracker *telemetry.Tracker
}

// NewAnalyticsHandler constructs an AnalyticsHandler.
func NewAnalyticsHandler(tracker *telemetry.Tracker) *AnalyticsHandler {
	return &AnalyticsHandler{tracker: tracker}
}

type trackRequest struct {
	EventName  string         `json:"eventName"`
	Properties map[string]any `json:"properties"`
	DistinctID string         `json:"distinctId"`
}

// Track captures one client event.
func (h *AnalyticsHandler) Track(c *gin.Context) {
	var body trackRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.EventName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameter: eventName"})
		return
	}
	distinctID := strings.TrimSpace(body.DistinctID)
	if distinctID == "" {
		distinctID = "anonymous_user"
	}
	props := make(map[string]any, len(body.Properties)+2)
	for k, v := range body.Properties {
		props[k] = v
	}
	props["$lib"] = "extension-relay"
	if _, ok := props["timestamp"]; !ok {
		props["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}
	h.tracker.Capture(distinctID, body.EventName, props)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
