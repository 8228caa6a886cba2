package email

import (
	"bytes"
	"context"
	"fmt"

	mail "github.com/wneessen/go-mail"
)

// sendSMTP composes and delivers one message through the configured SMTP
// relay. The generated Message-ID is the provider message id.
func (a *Adapter) sendSMTP(ctx context.Context, cfg config, msg outboundMessage) (string, error) {
	m := mail.NewMsg()
	if err := m.From(cfg.From); err != nil {
		return "", fmt.Errorf("set from: %w", err)
	}
	if err := m.To(msg.Recipients...); err != nil {
		return "", fmt.Errorf("set to: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	m.SetMessageID()
	if msg.ReplyTo != "" {
		m.SetGenHeader(mail.HeaderInReplyTo, msg.ReplyTo)
		m.SetGenHeader(mail.HeaderReferences, msg.ReplyTo)
	}
	for _, att := range msg.Attachments {
		opts := []mail.FileOption{}
		if att.MimeType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(att.MimeType)))
		}
		if err := m.AttachReader(att.Name, bytes.NewReader(att.Data), opts...); err != nil {
			return "", fmt.Errorf("attach %s: %w", att.Name, err)
		}
	}

	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	}
	switch cfg.SMTPSecurity {
	case SecurityTLS:
		opts = append(opts, mail.WithSSLPort(false), mail.WithTLSPolicy(mail.TLSMandatory))
	case SecurityStartTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return "", fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return m.GetMessageID(), nil
}
