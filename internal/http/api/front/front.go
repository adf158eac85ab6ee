package front

import (
	"net/http"

	"github.com/gin-gonic/gin"
	handlers "github.com/linkedai/assist-backend/internal/http/api/front/handlers"
	"github.com/linkedai/assist-backend/internal/identity"
	"github.com/linkedai/assist-backend/internal/telemetry"
	"gorm.io/gorm"
)

// Deps are the collaborators of the front API.
type Deps struct {
	DB            *gorm.DB
	Gate          handlers.Gatekeeper
	Subscriptions handlers.SubscriptionService
	Upstream      handlers.Analyzer
	Tracker       *telemetry.Tracker
	WebhookSecret string
	Version       string
}

// RegisterFrontRoutes registers the extension-facing routes.
func RegisterFrontRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.Gate == nil {
		return
	}
	r.Use(corsMiddleware())

	healthHandler := handlers.NewHealthHandler(deps.DB, deps.Version)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/api/healthcheck", healthHandler.Healthz)

	api := r.Group("/api")

	webhookHandler := handlers.NewWebhookHandler(deps.Subscriptions, deps.Gate, deps.WebhookSecret)
	api.POST("/subscriptions/webhook", webhookHandler.Stripe)

	analyticsHandler := handlers.NewAnalyticsHandler(deps.Tracker)
	api.POST("/analytics/track", analyticsHandler.Track)

	authed := api.Group("")
	authed.Use(identityMiddleware(deps.Gate))

	analyzeHandler := handlers.NewAnalyzeHandler(deps.Gate, deps.Upstream, deps.Tracker)
	authed.POST("/anthropic/analyze", analyzeHandler.Analyze)

	usageHandler := handlers.NewUsageHandler(deps.Gate, deps.Tracker)
	authed.GET("/usage", usageHandler.Get)
	authed.GET("/models", usageHandler.Models)

	subscriptionHandler := handlers.NewSubscriptionHandler(deps.Subscriptions, deps.Gate, deps.Tracker)
	authed.GET("/subscriptions/status", subscriptionHandler.Status)
	authed.POST("/subscriptions/update-api-key", subscriptionHandler.UpdateAPIKey)
}

// identityMiddleware resolves the bearer token and stores the caller on the request context.
func identityMiddleware(gk handlers.Gatekeeper) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, errToken := identity.ExtractBearerToken(c.GetHeader("Authorization"))
		if errToken != nil {
			handlers.WriteError(c, errToken)
			c.Abort()
			return
		}
		id, errAuth := gk.Authenticate(c.Request.Context(), token)
		if errAuth != nil {
			handlers.WriteError(c, errAuth)
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(identity.WithIdentity(c.Request.Context(), id))
		c.Set("userID", id.UserID)
		c.Next()
	}
}

// corsMiddleware allows the extension origin to call the API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
