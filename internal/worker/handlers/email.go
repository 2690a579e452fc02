package handlers

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/taskmill/taskmill/internal/log"
)

// SendEmail delivers through SendGrid when EMAIL_API_KEY is configured and
// falls back to a simulated send otherwise, so the catalog works offline.
func SendEmail(_ context.Context, payload map[string]any) (map[string]any, error) {
	to := stringField(payload, "to", "")
	if to == "" {
		return nil, errors.New("missing 'to' field")
	}

	subject := stringField(payload, "subject", "")
	if subject == "" {
		return nil, errors.New("missing 'subject' field")
	}

	body := stringField(payload, "body", "")
	if body == "" {
		return nil, errors.New("missing 'body' field")
	}

	apiKey := os.Getenv("EMAIL_API_KEY")
	if apiKey == "" {
		log.GetLogger().Infof("simulated email to %s: %s", to, subject)
		return map[string]any{"to": to, "delivered": true, "simulated": true}, nil
	}

	from := mail.NewEmail(os.Getenv("FROM_NAME"), os.Getenv("FROM_ADDRESS"))
	toEmail := mail.NewEmail("", to)
	email := mail.NewSingleEmail(from, subject, toEmail, body, body)
	client := sendgrid.NewSendClient(apiKey)

	response, err := client.Send(email)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send email")
	}
	if response.StatusCode >= 400 {
		return nil, errors.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.GetLogger().Infof("email sent to %s (status: %d)", to, response.StatusCode)

	return map[string]any{"to": to, "delivered": true, "simulated": false}, nil
}
