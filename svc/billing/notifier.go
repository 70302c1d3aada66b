package billing

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"

	"github.com/dmitrymomot/resumekit/pkg/email"
)

// Notifier tells users about billing problems.
type Notifier interface {
	PaymentFailed(ctx context.Context, to string, planName string) error
}

// EmailNotifier sends notifications through an email.EmailSender.
type EmailNotifier struct {
	sender     email.EmailSender
	appName    string
	billingURL string
}

func NewEmailNotifier(sender email.EmailSender, appName, billingURL string) *EmailNotifier {
	return &EmailNotifier{sender: sender, appName: appName, billingURL: billingURL}
}

func (n *EmailNotifier) PaymentFailed(ctx context.Context, to string, planName string) error {
	body, err := email.Render(ctx, paymentFailedEmail(n.appName, planName, n.billingURL))
	if err != nil {
		return fmt.Errorf("render payment failed email: %w", err)
	}
	return n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   to,
		Subject:  fmt.Sprintf("%s: we could not process your payment", n.appName),
		BodyHTML: body,
		Tag:      "payment-failed",
	})
}

func paymentFailedEmail(appName, planName, billingURL string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<!doctype html><html><body style="font-family:sans-serif">`+
			`<h1>Payment failed</h1>`+
			`<p>We could not charge your card for the `+templ.EscapeString(planName)+` plan on `+templ.EscapeString(appName)+`.</p>`+
			`<p>Paid features are paused until the payment goes through. Your free-tier features keep working.</p>`+
			`<p><a href="`+templ.EscapeString(billingURL)+`">Update your payment method</a></p>`+
			`</body></html>`)
		return err
	})
}
