// internal/service/notification/templates.go
package notification

import (
	"fmt"
	"html"
	"time"
)

// ExpiringSoon warns that a subscription without auto-renew ends soon.
func ExpiringSoon(planName string, endsAt time.Time) Message {
	date := endsAt.UTC().Format("2 Jan 2006")
	return Message{
		Subject: "Your subscription is about to expire",
		HTML: fmt.Sprintf(`<p>Your <strong>%s</strong> subscription ends on <strong>%s</strong>.</p>
<p>Turn on auto-renew or renew manually to keep your cameras and recordings.</p>`, html.EscapeString(planName), date),
		Text: fmt.Sprintf("Your %s subscription ends on %s. Renew to keep your cameras and recordings.", planName, date),
		SMS:  fmt.Sprintf("Your %s plan ends on %s. Renew to avoid losing access.", planName, date),
	}
}

// Expired follows up after a subscription fell back to the free tier.
func Expired(planName string) Message {
	return Message{
		Subject: "Your subscription has expired",
		HTML: fmt.Sprintf(`<p>Your <strong>%s</strong> subscription has expired and your account is now on the free plan.</p>
<p>Upgrade at any time to restore your previous limits.</p>`, html.EscapeString(planName)),
		Text: fmt.Sprintf("Your %s subscription has expired and your account is now on the free plan.", planName),
	}
}

// PaymentRequired carries a checkout link for an open transaction.
func PaymentRequired(planName, amount, currency, paymentURL string) Message {
	return Message{
		Subject: "Complete your payment",
		HTML: fmt.Sprintf(`<p>A payment of <strong>%s %s</strong> is due for your <strong>%s</strong> plan.</p>
<p><a class="button" href="%s">Pay now</a></p>`, html.EscapeString(currency), amount, html.EscapeString(planName), html.EscapeString(paymentURL)),
		Text: fmt.Sprintf("A payment of %s %s is due for your %s plan: %s", currency, amount, planName, paymentURL),
		SMS:  fmt.Sprintf("Pay %s %s for your %s plan: %s", currency, amount, planName, paymentURL),
	}
}
