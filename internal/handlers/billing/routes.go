// internal/handlers/billing/routes.go
package billing

import (
	"billing-service/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Register mounts the billing routes on rg. checkout runs after Auth on the
// endpoints that open or settle a payment.
func Register(rg *gin.RouterGroup, auth *middleware.AuthMiddleware, h *BillingHandler, admin *AdminHandler, checkout ...gin.HandlerFunc) {
	withCheckout := func(fn gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, checkout...), fn)
	}

	// provider callbacks authenticate by signature, not by user token
	rg.POST("/billing/webhooks/payment", h.PaymentWebhook)

	user := rg.Group("/billing")
	user.Use(auth.Auth())
	{
		user.GET("/plans", h.ListPlans)
		user.GET("/subscription", h.GetSubscription)
		user.GET("/summary", h.GetSummary)
		user.GET("/quota", h.GetQuota)
		user.GET("/entitlement", h.CheckEntitlement)
		user.GET("/transactions", h.ListTransactions)
		user.GET("/events", h.ListEvents)

		user.POST("/free", h.CreateFree)
		user.POST("/upgrade", withCheckout(h.Upgrade)...)
		user.POST("/downgrade", h.Downgrade)
		user.POST("/downgrade/schedule", h.ScheduleDowngrade)
		user.DELETE("/downgrade/schedule", h.CancelScheduledDowngrade)
		user.POST("/cancel", h.Cancel)
		user.POST("/confirm", withCheckout(h.ConfirmPayment)...)
	}

	adm := rg.Group("/admin")
	adm.Use(auth.AdminOnly()...)
	{
		adm.POST("/subscriptions/:id/pause", admin.Pause)
		adm.POST("/subscriptions/:id/resume", admin.Resume)
		adm.POST("/subscriptions/:id/suspend", admin.Suspend)
		adm.POST("/subscriptions/:id/unsuspend", admin.Unsuspend)
		adm.POST("/transactions/:id/apply-upgrade", admin.ApplyUpgrade)
		adm.POST("/jobs/:name/run", admin.RunJob)
	}
}
