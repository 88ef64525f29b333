// internal/handlers/billing/admin_handler.go
package billing

import (
	"context"
	"errors"
	"io"
	"net/http"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/pkg/response"
	subsvc "billing-service/internal/service/subscription"
	"billing-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// JobTrigger runs a background job on demand.
type JobTrigger interface {
	Trigger(ctx context.Context, name string) (*worker.RunReport, error)
}

type statusChange func(ctx context.Context, subscriptionID, reason string) (*subscription.Subscription, error)

type AdminHandler struct {
	subscriptions *subsvc.Service
	jobs          JobTrigger
	logger        *zap.Logger
}

func NewAdminHandler(subscriptions *subsvc.Service, jobs JobTrigger, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		subscriptions: subscriptions,
		jobs:          jobs,
		logger:        logger,
	}
}

func (h *AdminHandler) Pause(c *gin.Context) {
	h.changeStatus(c, h.subscriptions.Pause, "subscription paused")
}

func (h *AdminHandler) Resume(c *gin.Context) {
	h.changeStatus(c, h.subscriptions.Resume, "subscription resumed")
}

func (h *AdminHandler) Suspend(c *gin.Context) {
	h.changeStatus(c, h.subscriptions.Suspend, "subscription suspended")
}

func (h *AdminHandler) Unsuspend(c *gin.Context) {
	h.changeStatus(c, h.subscriptions.Unsuspend, "subscription unsuspended")
}

func (h *AdminHandler) changeStatus(c *gin.Context, change statusChange, message string) {
	var req subscription.StatusChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, http.StatusBadRequest, "invalid request", err)
		return
	}

	sub, err := change(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		response.Fail(c, "failed to change subscription status", err)
		return
	}
	response.Success(c, http.StatusOK, message, sub)
}

// ApplyUpgrade applies a paid upgrade transaction by hand
func (h *AdminHandler) ApplyUpgrade(c *gin.Context) {
	result, err := h.subscriptions.ApplyUpgradeOnPaymentSuccess(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Fail(c, "failed to apply upgrade", err)
		return
	}
	response.Success(c, http.StatusOK, "upgrade applied", result)
}

// RunJob triggers a background job outside its schedule
func (h *AdminHandler) RunJob(c *gin.Context) {
	name := c.Param("name")

	report, err := h.jobs.Trigger(c.Request.Context(), name)
	if err != nil {
		response.Fail(c, "failed to run job", err)
		return
	}

	h.logger.Info("job triggered manually", zap.String("job", name), zap.Bool("lock_skipped", report.LockSkipped))
	status := http.StatusOK
	if report.LockSkipped {
		status = http.StatusAccepted
	}
	response.Success(c, status, "job finished", report)
}
