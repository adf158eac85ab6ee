package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	handlers "github.com/linkedai/assist-backend/internal/http/api/admin/handlers"
	"github.com/linkedai/assist-backend/internal/identity"
	log "github.com/sirupsen/logrus"
)

// Deps are the collaborators of the operator API.
type Deps struct {
	Token         string
	Quotas        handlers.QuotaStore
	Gate          handlers.Gate
	Subscriptions handlers.SubscriptionAdmin
}

// RegisterAdminRoutes registers the operator routes. Nothing is registered without a token.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.Gate == nil {
		return
	}
	if strings.TrimSpace(deps.Token) == "" {
		log.Info("admin api disabled: no admin token configured")
		return
	}

	authed := r.Group("/v0/admin")
	authed.Use(adminAuthMiddleware(deps.Token))

	quotaHandler := handlers.NewQuotaHandler(deps.Quotas, deps.Gate)
	authed.GET("/quotas", quotaHandler.List)
	authed.PUT("/quotas/:tier", quotaHandler.Update)

	userHandler := handlers.NewUserHandler(deps.Subscriptions, deps.Gate, nil)
	authed.GET("/users/:id/usage", userHandler.Usage)
	authed.GET("/users/:id/subscription", userHandler.Subscription)
	authed.POST("/users/:id/subscription", userHandler.Grant)
	authed.DELETE("/users/:id/subscription", userHandler.Revoke)
	authed.POST("/users/:id/cache/invalidate", userHandler.Invalidate)
}

// adminAuthMiddleware checks the static operator bearer token.
func adminAuthMiddleware(token string) gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(token))
	return func(c *gin.Context) {
		presented, errToken := identity.ExtractBearerToken(c.GetHeader("Authorization"))
		if errToken != nil || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
