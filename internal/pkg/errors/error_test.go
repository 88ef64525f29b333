package xerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReasonOfWrapped(t *testing.T) {
	err := fmt.Errorf("prepare upgrade: %w", Validation(ReasonPlanNotFound, "plan pro not found"))

	assert.Equal(t, ReasonPlanNotFound, ReasonOf(err))
	assert.True(t, IsReason(err, ReasonPlanNotFound))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestReasonOfPlainErrors(t *testing.T) {
	assert.Equal(t, "not_found", ReasonOf(Wrap(ErrNotFound, "find plan")))
	assert.Equal(t, "internal_error", ReasonOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Policy(ReasonDowngradeOnlyAtPeriodEnd, "x"), http.StatusUnprocessableEntity},
		{Conflict(ReasonSubscriptionBusy, "x"), http.StatusConflict},
		{NotFound(ReasonSubscriptionNotFound, "x"), http.StatusNotFound},
		{New(KindQuota, ReasonQuotaExceeded, "x"), http.StatusForbidden},
		{External(ReasonPaymentProvider, "x", errors.New("y")), http.StatusBadGateway},
		{ErrLockBusy, http.StatusConflict},
		{errors.New("anything"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := NotFound(ReasonTransactionNotFound, "tx missing")
	assert.True(t, Is(err, ErrNotFound))
}
