// internal/handlers/billing/billing_handler.go
package billing

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"billing-service/internal/domain/quota"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/transaction"
	"billing-service/internal/middleware"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/response"
	"billing-service/internal/service/catalog"
	"billing-service/internal/service/payment"
	quotasvc "billing-service/internal/service/quota"
	subsvc "billing-service/internal/service/subscription"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 16

type BillingHandler struct {
	subscriptions *subsvc.Service
	quotas        *quotasvc.Service
	catalog       *catalog.Service
	gateway       payment.Gateway
	logger        *zap.Logger
}

func NewBillingHandler(
	subscriptions *subsvc.Service,
	quotas *quotasvc.Service,
	catalog *catalog.Service,
	gateway payment.Gateway,
	logger *zap.Logger,
) *BillingHandler {
	return &BillingHandler{
		subscriptions: subscriptions,
		quotas:        quotas,
		catalog:       catalog,
		gateway:       gateway,
		logger:        logger,
	}
}

// ========== Catalog & read endpoints ==========

// ListPlans returns the current version of every plan
func (h *BillingHandler) ListPlans(c *gin.Context) {
	plans, err := h.catalog.ListCurrent(c.Request.Context())
	if err != nil {
		response.Fail(c, "failed to list plans", err)
		return
	}
	response.Success(c, http.StatusOK, "plans retrieved", plans)
}

// GetSubscription returns the caller's active (or latest) subscription
func (h *BillingHandler) GetSubscription(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	result, err := h.subscriptions.GetSubscription(c.Request.Context(), userID)
	if err != nil {
		response.Fail(c, "failed to load subscription", err)
		return
	}
	response.Success(c, http.StatusOK, "subscription retrieved", result)
}

// GetSummary returns the cached billing view
func (h *BillingHandler) GetSummary(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	summary, err := h.quotas.GetSummary(c.Request.Context(), userID)
	if err != nil {
		response.Fail(c, "failed to load summary", err)
		return
	}
	response.Success(c, http.StatusOK, "summary retrieved", summary)
}

// GetQuota returns the effective quota next to current usage
func (h *BillingHandler) GetQuota(c *gin.Context) {
	userID := middleware.MustGetUserID(c)
	ctx := c.Request.Context()

	q, err := h.quotas.GetEffectiveQuota(ctx, userID)
	if err != nil {
		response.Fail(c, "failed to load quota", err)
		return
	}
	usage, err := h.quotas.GetUsage(ctx, userID)
	if err != nil {
		response.Fail(c, "failed to load usage", err)
		return
	}
	response.Success(c, http.StatusOK, "quota retrieved", gin.H{"quota": q, "usage": usage})
}

// CheckEntitlement answers whether the caller may add or use a resource
func (h *BillingHandler) CheckEntitlement(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	kind := quota.ResourceKind(c.Query("resource"))
	action := quota.Action(c.DefaultQuery("action", string(quota.ActionAdd)))

	result, err := h.quotas.CheckEntitlement(c.Request.Context(), userID, kind, action)
	if err != nil {
		response.Fail(c, "failed to check entitlement", err)
		return
	}
	response.Success(c, http.StatusOK, "entitlement checked", result)
}

// ListTransactions lists the caller's transactions
func (h *BillingHandler) ListTransactions(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var filters transaction.TransactionListFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid query parameters", err)
		return
	}

	result, err := h.subscriptions.ListTransactions(c.Request.Context(), userID, &filters)
	if err != nil {
		response.Fail(c, "failed to list transactions", err)
		return
	}
	response.Success(c, http.StatusOK, "transactions retrieved", result)
}

// ListEvents returns the ledger history of the caller's subscription
func (h *BillingHandler) ListEvents(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		response.Error(c, http.StatusBadRequest, "limit must be between 1 and 500", err)
		return
	}

	result, err := h.subscriptions.History(c.Request.Context(), userID, limit)
	if err != nil {
		response.Fail(c, "failed to load history", err)
		return
	}
	response.Success(c, http.StatusOK, "events retrieved", result)
}

// ========== Lifecycle endpoints ==========

// CreateFree starts the caller on the free plan
func (h *BillingHandler) CreateFree(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	sub, err := h.subscriptions.CreateFree(c.Request.Context(), userID)
	if err != nil {
		response.Fail(c, "failed to create subscription", err)
		return
	}
	response.Success(c, http.StatusCreated, "subscription created successfully", sub)
}

// Upgrade prepares a prorated upgrade. The Idempotency-Key header is used
// when the body carries none.
func (h *BillingHandler) Upgrade(c *gin.Context) {
	var req subscription.UpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	req.UserID = middleware.MustGetUserID(c)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := h.subscriptions.PrepareUpgrade(c.Request.Context(), &req)
	if err != nil {
		response.Fail(c, "failed to prepare upgrade", err)
		return
	}

	status := http.StatusCreated
	if result.Applied {
		status = http.StatusOK
	}
	response.Success(c, status, "upgrade prepared", result)
}

// Downgrade is kept for clients that still call it; immediate downgrades
// are always refused.
func (h *BillingHandler) Downgrade(c *gin.Context) {
	var req subscription.DowngradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	req.UserID = middleware.MustGetUserID(c)

	if err := h.subscriptions.Downgrade(c.Request.Context(), &req); err != nil {
		response.Fail(c, "failed to downgrade", err)
		return
	}
	response.Success(c, http.StatusOK, "downgraded", nil)
}

// ScheduleDowngrade schedules a downgrade at (or after) the period end
func (h *BillingHandler) ScheduleDowngrade(c *gin.Context) {
	var req subscription.ScheduleDowngradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	req.UserID = middleware.MustGetUserID(c)

	result, err := h.subscriptions.ScheduleDowngrade(c.Request.Context(), &req)
	if err != nil {
		response.Fail(c, "failed to schedule downgrade", err)
		return
	}
	response.Success(c, http.StatusCreated, "downgrade scheduled", result)
}

// CancelScheduledDowngrade withdraws a pending downgrade
func (h *BillingHandler) CancelScheduledDowngrade(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	sub, err := h.subscriptions.CancelScheduledDowngrade(c.Request.Context(), userID)
	if err != nil {
		response.Fail(c, "failed to cancel scheduled downgrade", err)
		return
	}
	response.Success(c, http.StatusOK, "scheduled downgrade canceled", sub)
}

// Cancel cancels the subscription at the end of the current period
func (h *BillingHandler) Cancel(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var req subscription.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	result, err := h.subscriptions.CancelWithPolicy(c.Request.Context(), userID, req.Reason)
	if err != nil {
		response.Fail(c, "failed to cancel subscription", err)
		return
	}
	response.Success(c, http.StatusOK, "subscription will be canceled at period end", result)
}

// ConfirmPayment is the client-side confirmation after checkout
func (h *BillingHandler) ConfirmPayment(c *gin.Context) {
	var req subscription.ConfirmPaidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	req.UserID = middleware.MustGetUserID(c)

	result, err := h.subscriptions.ConfirmPaid(c.Request.Context(), &req)
	if err != nil {
		response.Fail(c, "failed to confirm payment", err)
		return
	}

	message := "payment confirmed"
	if result.Replayed {
		message = "payment already confirmed"
	}
	response.Success(c, http.StatusOK, message, result)
}

// ========== Provider webhook ==========

// PaymentWebhook receives provider notifications. Payments matching no
// transaction by payment id or echoed transaction id are acknowledged so the
// provider stops retrying; every other failure is returned so it retries.
func (h *BillingHandler) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		response.Error(c, http.StatusBadRequest, "failed to read body", err)
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Webhook-Signature")
	}

	ev, err := h.gateway.ParseWebhook(payload, signature)
	if err != nil {
		h.logger.Warn("rejected payment webhook", zap.Error(err))
		response.Error(c, http.StatusBadRequest, "invalid webhook", err)
		return
	}
	if !ev.Succeeded || ev.PaymentID == "" {
		response.Success(c, http.StatusOK, "event ignored", gin.H{"event_id": ev.ID, "type": ev.Type})
		return
	}

	result, err := h.subscriptions.HandlePaymentSuccess(c.Request.Context(), ev.PaymentID, ev.TransactionID)
	if err != nil {
		if xerrors.IsReason(err, xerrors.ReasonTransactionNotFound) {
			h.logger.Warn("webhook for unknown payment",
				zap.String("event_id", ev.ID),
				zap.String("payment_id", ev.PaymentID),
				zap.String("transaction_id", ev.TransactionID),
			)
			response.Success(c, http.StatusOK, "event ignored", gin.H{"event_id": ev.ID, "type": ev.Type})
			return
		}
		response.Fail(c, "failed to apply payment", err)
		return
	}
	response.Success(c, http.StatusOK, "payment applied", result)
}
