package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/zulandar/relance/internal/config"
	"gopkg.in/gomail.v2"
)

// SMTP sends email through an SMTP relay.
type SMTP struct {
	cfg  config.SMTPConfig
	dial func(m ...*gomail.Message) error
}

// NewSMTP returns an SMTP transport.
func NewSMTP(cfg config.SMTPConfig) *SMTP {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &SMTP{cfg: cfg, dial: d.DialAndSend}
}

// Send implements Transport. gomail has no context support, so ctx is only
// checked before dialing.
func (s *SMTP) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := CheckEmail(msg.To); err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host)
	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.FromEmail, s.cfg.FromName)
	if msg.Name != "" {
		m.SetAddressHeader("To", msg.To, msg.Name)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/plain", msg.Body)

	if err := s.dial(m); err != nil {
		return Receipt{}, fmt.Errorf("smtp: send to %s: %w", msg.To, err)
	}
	return Receipt{ProviderID: id, Recipient: msg.To}, nil
}

// SendGrid sends email through the SendGrid v3 mail API.
type SendGrid struct {
	cfg     config.SendGridConfig
	baseURL string
}

// NewSendGrid returns a SendGrid transport.
func NewSendGrid(cfg config.SendGridConfig) *SendGrid {
	return &SendGrid{cfg: cfg, baseURL: "https://api.sendgrid.com"}
}

// Send implements Transport.
func (s *SendGrid) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := CheckEmail(msg.To); err != nil {
		return Receipt{}, err
	}

	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromEmail)
	to := mail.NewEmail(msg.Name, msg.To)
	email := mail.NewSingleEmailPlainText(from, msg.Subject, to, msg.Body)

	client := sendgrid.NewSendClient(s.cfg.APIKey)
	client.BaseURL = s.baseURL + "/v3/mail/send"
	resp, err := client.SendWithContext(ctx, email)
	if err != nil {
		return Receipt{}, fmt.Errorf("sendgrid: send to %s: %w", msg.To, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return Receipt{}, fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}

	var id string
	if v := resp.Headers["X-Message-Id"]; len(v) > 0 {
		id = v[0]
	}
	return Receipt{ProviderID: id, Recipient: msg.To}, nil
}
