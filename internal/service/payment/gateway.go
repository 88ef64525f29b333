// internal/service/payment/gateway.go
package payment

import (
	"context"
	"errors"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownPayment   = errors.New("unknown payment")
	ErrAlreadySettled   = errors.New("payment already settled")
)

// ChargeRequest describes one payment attempt for a transaction.
type ChargeRequest struct {
	TransactionID  string
	SubscriptionID string
	UserID         int64
	AmountMinor    int64
	Currency       string
	Description    string
}

// Charge is what the provider returned for a payment attempt.
type Charge struct {
	PaymentID  string
	PaymentURL string
	Settled    bool
}

// LinkOverrides adjusts a regenerated payment link.
type LinkOverrides struct {
	AmountMinor int64
	ReturnURL   string
}

// WebhookEvent is a provider notification reduced to what billing needs.
// TransactionID is the billing transaction the charge was created for, when
// the provider echoes it back.
type WebhookEvent struct {
	ID            string
	Type          string
	PaymentID     string
	TransactionID string
	Succeeded     bool
}

// Gateway is the payment collaborator. Billing only records the identifiers
// and settlement flags it returns.
type Gateway interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	IsSettled(ctx context.Context, paymentID string) (bool, error)
	RegenerateLink(ctx context.Context, paymentID string, overrides LinkOverrides) (*Charge, error)
	// TransactionOf returns the transaction id a charge was created for.
	TransactionOf(ctx context.Context, paymentID string) (string, error)
	// CancelCharge makes an unpaid charge unpayable. It returns
	// ErrAlreadySettled when the payment went through first.
	CancelCharge(ctx context.Context, paymentID string) error
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
