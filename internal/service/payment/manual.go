// internal/service/payment/manual.go
package payment

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"billing-service/internal/domain/transaction"

	"go.uber.org/zap"
)

type manualCharge struct {
	req      ChargeRequest
	settled  bool
	canceled bool
}

// ManualGateway keeps charges in memory and settles them when told to. It
// backs development setups and tests.
type ManualGateway struct {
	mu      sync.Mutex
	charges map[string]*manualCharge

	payURL string
	secret string
	// chargeErr, when set, fails every CreateCharge.
	chargeErr  error
	cancelErr  error
	autoSettle bool
	logger     *zap.Logger
}

func NewManualGateway(payURL, secret string, logger *zap.Logger) *ManualGateway {
	return &ManualGateway{
		charges: make(map[string]*manualCharge),
		payURL:  payURL,
		secret:  secret,
		logger:  logger,
	}
}

func (g *ManualGateway) Name() string {
	return transaction.ProviderManual
}

// SetAutoSettle makes new charges settle immediately.
func (g *ManualGateway) SetAutoSettle(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoSettle = v
}

// FailCharges makes CreateCharge return err until called with nil.
func (g *ManualGateway) FailCharges(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeErr = err
}

// FailCancels makes CancelCharge return err until called with nil.
func (g *ManualGateway) FailCancels(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelErr = err
}

// Settle marks a payment as paid. Unknown ids are registered as settled so
// confirmations for payments made elsewhere can be simulated. Canceled
// charges stay unpaid.
func (g *ManualGateway) Settle(paymentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[paymentID]
	if !ok {
		c = &manualCharge{}
		g.charges[paymentID] = c
	}
	if c.canceled {
		g.logger.Warn("payment attempted on canceled charge", zap.String("payment_id", paymentID))
		return
	}
	c.settled = true
}

const manualPrefix = "man_"

func paymentIDFor(txID string) string {
	return manualPrefix + txID
}

func (g *ManualGateway) CreateCharge(_ context.Context, req ChargeRequest) (*Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chargeErr != nil {
		return nil, g.chargeErr
	}

	id := paymentIDFor(req.TransactionID)
	c, ok := g.charges[id]
	if !ok {
		c = &manualCharge{req: req, settled: g.autoSettle}
		g.charges[id] = c
	}

	g.logger.Debug("manual charge created",
		zap.String("transaction_id", req.TransactionID),
		zap.String("payment_id", id),
		zap.Int64("amount_minor", req.AmountMinor),
	)
	return &Charge{PaymentID: id, PaymentURL: g.link(id, ""), Settled: c.settled}, nil
}

func (g *ManualGateway) IsSettled(_ context.Context, paymentID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[paymentID]
	if !ok {
		return false, nil
	}
	return c.settled, nil
}

func (g *ManualGateway) RegenerateLink(_ context.Context, paymentID string, overrides LinkOverrides) (*Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.charges[paymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayment, paymentID)
	}
	if overrides.AmountMinor > 0 && !c.settled {
		c.req.AmountMinor = overrides.AmountMinor
	}
	return &Charge{PaymentID: paymentID, PaymentURL: g.link(paymentID, overrides.ReturnURL), Settled: c.settled}, nil
}

func (g *ManualGateway) TransactionOf(_ context.Context, paymentID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.charges[paymentID]; ok && c.req.TransactionID != "" {
		return c.req.TransactionID, nil
	}
	if txID, ok := strings.CutPrefix(paymentID, manualPrefix); ok && txID != "" {
		return txID, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPayment, paymentID)
}

func (g *ManualGateway) CancelCharge(_ context.Context, paymentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	c, ok := g.charges[paymentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPayment, paymentID)
	}
	if c.settled {
		return ErrAlreadySettled
	}
	c.canceled = true
	return nil
}

func (g *ManualGateway) link(paymentID, base string) string {
	if base == "" {
		base = g.payURL
	}
	if base == "" {
		return ""
	}
	return base + "?payment_id=" + url.QueryEscape(paymentID)
}

type manualWebhook struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
}

// ParseWebhook accepts {"type":"payment.succeeded","payment_id":"..."}
// signed with the shared secret. A succeeded notification settles the charge.
// transaction_id is optional; manual payment ids carry it anyway.
func (g *ManualGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if g.secret != "" && !hmac.Equal([]byte(signature), []byte(g.secret)) {
		return nil, ErrInvalidSignature
	}

	var body manualWebhook
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("manual: parse webhook: %w", err)
	}

	ev := &WebhookEvent{
		ID:            body.ID,
		Type:          body.Type,
		PaymentID:     body.PaymentID,
		TransactionID: body.TransactionID,
		Succeeded:     body.Type == "payment.succeeded",
	}
	if txID, ok := strings.CutPrefix(body.PaymentID, manualPrefix); ok && ev.TransactionID == "" {
		ev.TransactionID = txID
	}
	if ev.Succeeded && ev.PaymentID != "" {
		g.Settle(ev.PaymentID)
	}
	return ev, nil
}
