package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/gate"
	internalsettings "github.com/linkedai/assist-backend/internal/settings"
	"github.com/linkedai/assist-backend/internal/telemetry"
)

// UsageHandler serves read-only usage views.
type UsageHandler struct {
	gate    Gatekeeper
	tracker *telemetry.Tracker
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(gk Gatekeeper, tracker *telemetry.Tracker) *UsageHandler {
	return &UsageHandler{gate: gk, tracker: tracker}
}

// Get returns per-model usage for the current period.
func (h *UsageHandler) Get(c *gin.Context) {
	caller, _ := callerFrom(c)
	call := h.tracker.Start(caller.UserID, "api_usage", nil)

	usage, err := h.gate.UsageFor(c.Request.Context(), caller)
	if err != nil {
		call.Failure(failureReason(err), nil)
		WriteError(c, err)
		return
	}
	call.Success(nil)

	models := make(gin.H, len(usage.Models))
	for model, entry := range usage.Models {
		models[model] = usageJSON(entry)
	}
	out := gin.H{
		"subscriptionType": string(usage.Tier),
		"useOwnApiKey":     usage.OwnKey,
		"nextResetDate":    usage.ResetDate.UTC().Format(time.RFC3339),
		"models":           models,
	}
	// Flat fields describe the default model for older extension builds.
	if haiku, ok := usage.Models[internalsettings.ModelHaiku]; ok {
		out["callsCount"] = haiku.Used
		out["limit"] = haiku.Limit
		out["hasRemainingCalls"] = hasRemaining(haiku)
	}
	c.JSON(http.StatusOK, out)
}

// Models lists the models the caller's plan can use.
func (h *UsageHandler) Models(c *gin.Context) {
	caller, _ := callerFrom(c)
	usage, err := h.gate.UsageFor(c.Request.Context(), caller)
	if err != nil {
		WriteError(c, err)
		return
	}
	out := make([]gin.H, 0, len(usage.Models))
	for _, model := range sortedModels(usage) {
		entry := usage.Models[model]
		out = append(out, gin.H{
			"id":        model,
			"available": entry.Available,
			"unlimited": entry.Unlimited,
			"limit":     entry.Limit,
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": out, "subscriptionType": string(usage.Tier)})
}

func usageJSON(entry gate.ModelUsage) gin.H {
	return gin.H{
		"callsCount":        entry.Used,
		"limit":             entry.Limit,
		"unlimited":         entry.Unlimited,
		"available":         entry.Available,
		"hasRemainingCalls": hasRemaining(entry),
		"nextResetDate":     entry.ResetDate.UTC().Format(time.RFC3339),
	}
}

func hasRemaining(entry gate.ModelUsage) bool {
	if !entry.Available {
		return false
	}
	return entry.Unlimited || entry.Used < entry.Limit
}

func sortedModels(usage gate.Usage) []string {
	out := make([]string, 0, len(usage.Models))
	for model := range usage.Models {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}
