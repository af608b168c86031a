package provider

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"dispatch/internal/config"
	"dispatch/internal/types"
)

// Compile-time assertion that SMTPProvider implements Provider.
var _ Provider = (*SMTPProvider)(nil)

// mailSender abstracts the go-mail client's send operation for testability.
type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPProvider delivers email notifications through an SMTP relay using
// go-mail. The client dials per send; connection pooling is the relay's
// concern, and a fresh dial keeps failure classification simple.
type SMTPProvider struct {
	cfg    config.SMTPConfig
	client mailSender
	logger types.Logger
}

// NewSMTPProvider creates an SMTP adapter from the mail configuration.
func NewSMTPProvider(cfg config.SMTPConfig, logger types.Logger) (*SMTPProvider, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password.Unmask()),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp provider: create client: %w", err)
	}

	return &SMTPProvider{cfg: cfg, client: client, logger: logger}, nil
}

// NewSMTPProviderWithSender creates an SMTP adapter with a caller-supplied
// sender. This constructor exists for testing.
func NewSMTPProviderWithSender(cfg config.SMTPConfig, sender mailSender, logger types.Logger) *SMTPProvider {
	return &SMTPProvider{cfg: cfg, client: sender, logger: logger}
}

// Name returns the provider name used for breaker identification and logs.
func (p *SMTPProvider) Name() string { return "smtp" }

// Send composes and relays one email message. Malformed addresses are
// permanent failures; relay errors are transient (the SMTP conversation
// failing distinguishes neither greylisting nor outages, and both deserve a
// retry).
func (p *SMTPProvider) Send(ctx context.Context, d Delivery) (string, error) {
	if d.To == "" {
		return "", permanentErr("email delivery requires a destination address", nil)
	}

	msg := mail.NewMsg()
	if err := msg.FromFormat(p.cfg.FromName, p.cfg.FromAddress); err != nil {
		return "", permanentErr("invalid sender address", err)
	}
	if err := msg.To(d.To); err != nil {
		return "", permanentErr(fmt.Sprintf("invalid recipient address %q", d.To), err)
	}

	subject := d.Subject
	if subject == "" {
		subject = "Notification"
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextHTML, d.Body)

	messageID := uuid.NewString()
	msg.SetMessageIDWithValue(messageID)

	if err := p.client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", transientErr("smtp send failed", err)
	}

	p.logger.Info("email sent",
		"to", d.To,
		"message_id", messageID,
		"correlation_id", d.CorrelationID,
	)
	return messageID, nil
}
