// internal/service/notification/service.go
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billing-service/internal/pkg/async"
	"billing-service/internal/repository"

	"go.uber.org/zap"
)

// Notifier is the delivery surface billing consumes.
type Notifier interface {
	SendEmail(ctx context.Context, to, subject, html, text string) error
	SendSMS(ctx context.Context, to, message string) error
}

type EmailChannel interface {
	SendEmail(ctx context.Context, to, subject, html, text string) error
}

type SMSChannel interface {
	SendSMS(ctx context.Context, to, message string) error
}

// Message is one notification rendered for every channel. An empty SMS
// skips the text message.
type Message struct {
	Subject string
	HTML    string
	Text    string
	SMS     string
}

// Dispatcher fans notifications out to the configured channels in the
// background. Delivery failures are logged and never reach the caller.
type Dispatcher struct {
	email   EmailChannel
	sms     SMSChannel
	users   repository.UserDirectory
	timeout time.Duration
	logger  *zap.Logger
}

func NewDispatcher(email EmailChannel, sms SMSChannel, users repository.UserDirectory, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		email:   email,
		sms:     sms,
		users:   users,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// SendEmail queues an email.
func (d *Dispatcher) SendEmail(ctx context.Context, to, subject, html, text string) error {
	if d.email == nil {
		return nil
	}
	async.SafeGo(ctx, d.logger, d.timeout, "send-email", func(ctx context.Context) error {
		return d.email.SendEmail(ctx, to, subject, html, text)
	})
	return nil
}

// SendSMS queues a text message.
func (d *Dispatcher) SendSMS(ctx context.Context, to, message string) error {
	if d.sms == nil {
		return nil
	}
	async.SafeGo(ctx, d.logger, d.timeout, "send-sms", func(ctx context.Context) error {
		return d.sms.SendSMS(ctx, to, message)
	})
	return nil
}

// NotifyUser resolves the user's contact details and delivers msg in the
// background.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID int64, msg Message) {
	async.SafeGo(ctx, d.logger, d.timeout, "notify-user", func(ctx context.Context) error {
		return d.Deliver(ctx, userID, msg)
	})
}

// Deliver sends msg synchronously to every channel the user can be reached on.
func (d *Dispatcher) Deliver(ctx context.Context, userID int64, msg Message) error {
	contact, err := d.users.FindContact(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve contact for user %d: %w", userID, err)
	}

	var errs []error
	if d.email != nil && contact.Email != "" {
		if err := d.email.SendEmail(ctx, contact.Email, msg.Subject, msg.HTML, msg.Text); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}
	if d.sms != nil && contact.Phone != "" && msg.SMS != "" {
		if err := d.sms.SendSMS(ctx, contact.Phone, msg.SMS); err != nil {
			errs = append(errs, fmt.Errorf("sms: %w", err))
		}
	}

	if len(errs) == 0 {
		d.logger.Debug("notification delivered", zap.Int64("user_id", userID), zap.String("subject", msg.Subject))
	}
	return errors.Join(errs...)
}
