package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/anthropic"
	internalsettings "github.com/linkedai/assist-backend/internal/settings"
	"github.com/linkedai/assist-backend/internal/telemetry"
	log "github.com/sirupsen/logrus"
)

const analyzeEndpoint = "anthropic_messages"

// AnalyzeHandler proxies gated analysis requests upstream.
type AnalyzeHandler struct {
	gate     Gatekeeper
	upstream Analyzer
	tracker  *telemetry.Tracker
}

// NewAnalyzeHandler constructs an AnalyzeHandler.
func NewAnalyzeHandler(gk Gatekeeper, upstream Analyzer, tracker *telemetry.Tracker) *AnalyzeHandler {
	return &AnalyzeHandler{gate: gk, upstream: upstream, tracker: tracker}
}

type analyzeRequest struct {
	Text         string `json:"text"`
	SystemPrompt string `json:"systemPrompt"`
	Model        string `json:"model"`
}

// Analyze gates the caller and forwards the prompt with the selected credential.
func (h *AnalyzeHandler) Analyze(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization token"})
		return
	}

	var body analyzeRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	call := h.tracker.Start(caller.UserID, analyzeEndpoint, map[string]any{
		"prompt_length":        len(body.Text),
		"system_prompt_length": len(body.SystemPrompt),
	})
	if strings.TrimSpace(body.Text) == "" {
		call.Failure("missing text", nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required parameter: text"})
		return
	}
	model := strings.TrimSpace(body.Model)
	if model == "" {
		model = internalsettings.ModelHaiku
	}

	decision, errGate := h.gate.GateIdentity(c.Request.Context(), caller, model)
	if errGate != nil {
		call.Failure(failureReason(errGate), map[string]any{"model": model})
		WriteError(c, errGate)
		return
	}

	raw, errUpstream := h.upstream.Messages(c.Request.Context(), decision.APIKey, anthropic.Request{
		Model:        model,
		Text:         body.Text,
		SystemPrompt: body.SystemPrompt,
	})
	if errUpstream != nil {
		var upstreamErr *anthropic.UpstreamError
		if errors.As(errUpstream, &upstreamErr) {
			call.Failure(fmt.Sprintf("upstream status %d", upstreamErr.StatusCode), map[string]any{"model": model})
			c.JSON(upstreamErr.StatusCode, gin.H{
				"error": fmt.Sprintf("API call failed: %d - %s", upstreamErr.StatusCode, upstreamErr.Message),
			})
			return
		}
		log.WithError(errUpstream).WithField("user_id", caller.UserID).Warn("analyze: upstream request failed")
		call.Failure("upstream unreachable", map[string]any{"model": model})
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
		return
	}

	call.Success(map[string]any{
		"model":               model,
		"credential_source":   string(decision.Credential),
		"response_size_bytes": len(raw),
	})
	c.Header("X-Credential-Source", string(decision.Credential))
	if !decision.Unlimited {
		c.Header("X-Usage-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-Usage-Used", strconv.Itoa(decision.Used))
	}
	c.Data(http.StatusOK, "application/json", raw)
}
