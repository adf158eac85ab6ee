package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/linkedai/assist-backend/internal/quota"
	log "github.com/sirupsen/logrus"
)

// QuotaHandler exposes the per-tier model limits.
type QuotaHandler struct {
	quotas QuotaStore
	gate   Gate
}

// NewQuotaHandler constructs a QuotaHandler.
func NewQuotaHandler(quotas QuotaStore, gk Gate) *QuotaHandler {
	return &QuotaHandler{quotas: quotas, gate: gk}
}

// List returns the table currently served by the loader.
func (h *QuotaHandler) List(c *gin.Context) {
	table := h.quotas.Load(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		string(quota.TierTrial): table[quota.TierTrial],
		string(quota.TierPro):   table[quota.TierPro],
	})
}

// Update replaces one tier's limits and drops the cached table.
func (h *QuotaHandler) Update(c *gin.Context) {
	tier, ok := quota.ParseTier(c.Param("tier"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tier"})
		return
	}
	body, errRead := c.GetRawData()
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	limits, errSave := h.quotas.Save(c.Request.Context(), tier, body)
	if errSave != nil {
		if errors.Is(errSave, quota.ErrInvalidLimits) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limits must map model ids to non-negative integers"})
			return
		}
		log.WithError(errSave).WithField("tier", tier).Error("admin: save quota limits failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save limits failed"})
		return
	}
	h.gate.InvalidateQuotas()
	log.WithFields(log.Fields{"tier": tier, "limits": limits}).Info("admin: quota limits updated")
	c.JSON(http.StatusOK, gin.H{"tier": string(tier), "limits": limits})
}
