// internal/app/router.go
package app

import (
	"net/http"

	billingHandler "billing-service/internal/handlers/billing"
	"billing-service/internal/middleware"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handlers struct {
	BillingHandler *billingHandler.BillingHandler
	AdminHandler   *billingHandler.AdminHandler
	AuthMiddleware *middleware.AuthMiddleware
	Checkout       []gin.HandlerFunc
	Metrics        http.Handler
}

func SetupRouter(r *gin.Engine, logger *zap.Logger, h *Handlers) {
	r.Use(
		middleware.RequestID(),
		middleware.RecoveryMiddleware(logger),
		middleware.RequestLogger(logger),
	)

	r.GET("/metrics", gin.WrapH(h.Metrics))

	api := r.Group("/api/v1")

	// ==================== Health Check ====================
	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": "1.0.0"})
	})

	// ==================== Billing ====================
	billingHandler.Register(api, h.AuthMiddleware, h.BillingHandler, h.AdminHandler, h.Checkout...)
}
