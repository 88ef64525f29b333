package xerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common reusable application errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized access")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict: resource already exists")
	ErrInternal       = errors.New("internal server error")
	ErrBadRequest     = errors.New("bad request")
	ErrDuplicateEntry = errors.New("duplicate entry")
	ErrLockBusy       = errors.New("lock is held by another process")
)

// Kind classifies a BillingError.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPolicy     Kind = "policy"
	KindQuota      Kind = "quota"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindExternal   Kind = "external"
	KindInternal   Kind = "internal"
)

// Stable reason codes surfaced to callers.
const (
	ReasonPlanCodeRequired         = "plan_code_required"
	ReasonPlanNotFound             = "plan_not_found"
	ReasonSubscriptionNotFound     = "subscription_not_found"
	ReasonSubscriptionCanceled     = "subscription_canceled"
	ReasonSubscriptionBusy         = "subscription_busy"
	ReasonAlreadyOnTargetPlan      = "already_on_target_plan"
	ReasonActiveSubscriptionExists = "active_subscription_exists"
	ReasonDowngradeOnlyAtPeriodEnd = "downgrade_only_at_period_end"
	ReasonNotADowngrade            = "not_a_downgrade"
	ReasonNoScheduledDowngrade     = "no_scheduled_downgrade"
	ReasonAlreadyCanceled          = "already_canceled"
	ReasonSubscriptionSuspended    = "subscription_suspended"
	ReasonTrialCannotBeCanceled    = "trial_cannot_be_canceled"
	ReasonFreePlanCannotBeCanceled = "free_plan_cannot_be_canceled"
	ReasonCancelTooSoon            = "cancel_too_soon_after_cycle_start"
	ReasonInvalidTransition        = "invalid_status_transition"
	ReasonTransactionNotFound      = "transaction_not_found"
	ReasonTransactionNotPending    = "transaction_not_pending"
	ReasonPaymentRefRequired       = "payment_ref_required"
	ReasonPaymentNotSettled        = "payment_not_settled"
	ReasonUnknownEffectiveAction   = "unknown_effective_action"
	ReasonQuotaExceeded            = "quota_exceeded"
	ReasonGracePeriodExpired       = "grace_period_expired"
	ReasonInvalidResource          = "invalid_resource"
	ReasonPaymentProvider          = "payment_provider_error"
	ReasonUnknownJob               = "unknown_job"
)

// BillingError carries a stable machine-readable reason alongside the
// human message.
type BillingError struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *BillingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// New builds a BillingError without a cause.
func New(kind Kind, reason, message string) *BillingError {
	return &BillingError{Kind: kind, Reason: reason, Message: message}
}

// Validation, Policy, Conflict and NotFound are shorthands for New.
func Validation(reason, message string) *BillingError {
	return New(KindValidation, reason, message)
}

func Policy(reason, message string) *BillingError {
	return New(KindPolicy, reason, message)
}

func Conflict(reason, message string) *BillingError {
	return New(KindConflict, reason, message)
}

func NotFound(reason, message string) *BillingError {
	return &BillingError{Kind: KindNotFound, Reason: reason, Message: message, Err: ErrNotFound}
}

// External wraps a downstream failure.
func External(reason, message string, err error) *BillingError {
	return &BillingError{Kind: KindExternal, Reason: reason, Message: message, Err: err}
}

// AsBilling extracts a BillingError from err's chain.
func AsBilling(err error) (*BillingError, bool) {
	var be *BillingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// ReasonOf returns the reason code carried by err, or "internal_error".
func ReasonOf(err error) string {
	if be, ok := AsBilling(err); ok {
		return be.Reason
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "internal_error"
}

// IsReason reports whether err carries the given reason code.
func IsReason(err error, reason string) bool {
	be, ok := AsBilling(err)
	return ok && be.Reason == reason
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	if be, ok := AsBilling(err); ok {
		switch be.Kind {
		case KindValidation:
			return http.StatusBadRequest
		case KindPolicy:
			return http.StatusUnprocessableEntity
		case KindQuota:
			return http.StatusForbidden
		case KindConflict:
			return http.StatusConflict
		case KindNotFound:
			return http.StatusNotFound
		case KindExternal:
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateEntry), errors.Is(err, ErrLockBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
