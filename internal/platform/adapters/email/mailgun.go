package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	mg "github.com/mailgun/mailgun-go/v5"
	"github.com/mailgun/mailgun-go/v5/events"

	"github.com/msgcore/msgcore/internal/platform"
)

func mailgunClient(cfg config) *mg.Client {
	client := mg.NewMailgun(cfg.MailgunAPIKey)
	if cfg.MailgunRegion == "eu" {
		client.SetAPIBase(mg.APIBaseEU)
	}
	return client
}

// sendMailgun delivers one message through the Mailgun API.
func (a *Adapter) sendMailgun(ctx context.Context, cfg config, msg outboundMessage) (string, error) {
	client := mailgunClient(cfg)
	m := mg.NewMessage(cfg.MailgunDomain, cfg.From, msg.Subject, msg.Body, msg.Recipients...)
	if msg.ReplyTo != "" {
		m.AddHeader("In-Reply-To", msg.ReplyTo)
		m.AddHeader("References", msg.ReplyTo)
	}
	for _, att := range msg.Attachments {
		m.AddBufferAttachment(att.Name, att.Data)
	}
	resp, err := client.Send(ctx, m)
	if err != nil {
		return "", fmt.Errorf("mailgun send: %w", err)
	}
	return resp.ID, nil
}

// mailgunPoll watches stored events for new inbound mail. Event payloads
// carry headers only, so the envelope text is the subject line.
type mailgunPoll struct {
	logger   *slog.Logger
	cfg      config
	inst     platform.Instance
	handler  platform.InboundHandler
	lastTime time.Time
}

func (p *mailgunPoll) run(ctx context.Context) {
	p.lastTime = time.Now()
	client := mailgunClient(p.cfg)
	for {
		p.pollEvents(ctx, client)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *mailgunPoll) pollEvents(ctx context.Context, client *mg.Client) {
	opts := &mg.ListEventOptions{
		Begin:  p.lastTime,
		End:    time.Now(),
		Limit:  100,
		Filter: map[string]string{"event": "stored"},
	}

	iter := client.ListEvents(p.cfg.MailgunDomain, opts)
	var evts []events.Event
	if !iter.Next(ctx, &evts) {
		if err := iter.Err(); err != nil {
			p.logger.Error("mailgun events poll failed", slog.Any("error", err))
		}
		return
	}

	for _, evt := range evts {
		stored, ok := evt.(*events.Stored)
		if !ok {
			continue
		}
		ts := stored.GetTimestamp()
		if ts.After(p.lastTime) {
			p.lastTime = ts.Add(time.Millisecond)
		}

		env, ok := p.envelopeFromStored(stored, ts)
		if !ok {
			continue
		}
		if err := p.handler(ctx, p.inst, env); err != nil {
			p.logger.Error("handle inbound failed", slog.Any("error", err))
		}
	}
}

func (p *mailgunPoll) envelopeFromStored(stored *events.Stored, ts time.Time) (platform.Envelope, bool) {
	headers := stored.Message.Headers
	from, display := parseFromHeader(headers.From)
	subject := strings.TrimSpace(headers.Subject)
	if from == "" || subject == "" || headers.MessageID == "" {
		return platform.Envelope{}, false
	}
	return platform.NewEnvelope(platform.Envelope{
		Platform:   Type,
		TenantID:   p.inst.TenantID,
		InstanceID: p.inst.ID,
		ThreadID:   from,
		Timestamp:  ts,
		User: platform.User{
			ProviderUserID: from,
			Display:        display,
		},
		Content: platform.Content{Text: subject},
		Meta: platform.ProviderMeta{
			EventID: headers.MessageID,
			Raw: map[string]any{
				"subject": subject,
				"to":      headers.To,
			},
		},
	}), true
}

// parseFromHeader splits "Name <addr>" into address and display name.
func parseFromHeader(value string) (string, string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ""
	}
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return value, ""
	}
	return addr.Address, addr.Name
}
