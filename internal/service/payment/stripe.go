// internal/service/payment/stripe.go
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"billing-service/internal/domain/transaction"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

// StripeGateway charges through Stripe PaymentIntents.
type StripeGateway struct {
	webhookSecret string
	returnURL     string
	logger        *zap.Logger
}

func NewStripeGateway(apiKey, webhookSecret, returnURL string, logger *zap.Logger) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{
		webhookSecret: webhookSecret,
		returnURL:     returnURL,
		logger:        logger,
	}
}

func (g *StripeGateway) Name() string {
	return transaction.ProviderStripe
}

// CreateCharge opens a PaymentIntent. The transaction id doubles as the
// Stripe idempotency key, so retrying a charge returns the same intent.
func (g *StripeGateway) CreateCharge(_ context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountMinor),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.SetIdempotencyKey(req.TransactionID)
	params.AddMetadata("transaction_id", req.TransactionID)
	params.AddMetadata("subscription_id", req.SubscriptionID)
	params.AddMetadata("user_id", fmt.Sprintf("%d", req.UserID))

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	g.logger.Info("stripe payment intent created",
		zap.String("transaction_id", req.TransactionID),
		zap.String("payment_id", pi.ID),
		zap.String("status", string(pi.Status)),
	)
	return g.charge(pi, ""), nil
}

func (g *StripeGateway) IsSettled(_ context.Context, paymentID string) (bool, error) {
	pi, err := paymentintent.Get(paymentID, nil)
	if err != nil {
		return false, fmt.Errorf("stripe: get payment intent %s: %w", paymentID, err)
	}
	return pi.Status == stripe.PaymentIntentStatusSucceeded, nil
}

// RegenerateLink returns a fresh checkout link for an unpaid intent,
// updating its amount first when overridden.
func (g *StripeGateway) RegenerateLink(_ context.Context, paymentID string, overrides LinkOverrides) (*Charge, error) {
	pi, err := paymentintent.Get(paymentID, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe: get payment intent %s: %w", paymentID, err)
	}

	if overrides.AmountMinor > 0 && overrides.AmountMinor != pi.Amount &&
		pi.Status != stripe.PaymentIntentStatusSucceeded {
		pi, err = paymentintent.Update(paymentID, &stripe.PaymentIntentParams{
			Amount: stripe.Int64(overrides.AmountMinor),
		})
		if err != nil {
			return nil, fmt.Errorf("stripe: update payment intent %s: %w", paymentID, err)
		}
	}
	return g.charge(pi, overrides.ReturnURL), nil
}

// TransactionOf reads the transaction id CreateCharge stored in the intent's
// metadata.
func (g *StripeGateway) TransactionOf(_ context.Context, paymentID string) (string, error) {
	pi, err := paymentintent.Get(paymentID, nil)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing {
			return "", fmt.Errorf("%w: %s", ErrUnknownPayment, paymentID)
		}
		return "", fmt.Errorf("stripe: get payment intent %s: %w", paymentID, err)
	}
	txID := pi.Metadata["transaction_id"]
	if txID == "" {
		return "", fmt.Errorf("%w: %s has no transaction metadata", ErrUnknownPayment, paymentID)
	}
	return txID, nil
}

// CancelCharge cancels an unpaid intent so its checkout link stops working.
func (g *StripeGateway) CancelCharge(_ context.Context, paymentID string) error {
	pi, err := paymentintent.Get(paymentID, nil)
	if err != nil {
		return fmt.Errorf("stripe: get payment intent %s: %w", paymentID, err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return ErrAlreadySettled
	case stripe.PaymentIntentStatusCanceled:
		return nil
	}

	_, err = paymentintent.Cancel(paymentID, &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	})
	if err != nil {
		return fmt.Errorf("stripe: cancel payment intent %s: %w", paymentID, err)
	}
	g.logger.Info("stripe payment intent canceled", zap.String("payment_id", paymentID))
	return nil
}

func (g *StripeGateway) charge(pi *stripe.PaymentIntent, returnURL string) *Charge {
	c := &Charge{
		PaymentID: pi.ID,
		Settled:   pi.Status == stripe.PaymentIntentStatusSucceeded,
	}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		c.PaymentURL = pi.NextAction.RedirectToURL.URL
		return c
	}
	if returnURL == "" {
		returnURL = g.returnURL
	}
	if returnURL != "" && pi.ClientSecret != "" {
		c.PaymentURL = checkoutURL(returnURL, pi.ID, pi.ClientSecret)
	}
	return c
}

func checkoutURL(base, paymentID, secret string) string {
	q := url.Values{}
	q.Set("payment_intent", paymentID)
	q.Set("payment_intent_client_secret", secret)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// ParseWebhook verifies the Stripe-Signature header and extracts the payment
// intent of payment_intent.* events.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &WebhookEvent{ID: ev.ID, Type: string(ev.Type)}
	if !strings.HasPrefix(out.Type, "payment_intent.") || ev.Data == nil {
		return out, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("stripe: parse payment intent event: %w", err)
	}
	out.PaymentID = pi.ID
	out.TransactionID = pi.Metadata["transaction_id"]
	out.Succeeded = ev.Type == "payment_intent.succeeded"
	return out, nil
}
