package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/msgcore/msgcore/internal/guard"
	"github.com/msgcore/msgcore/internal/platform"
)

// Type is the platform identifier for email.
const Type = platform.PlatformType("email")

const (
	maxTextRunes    = 100000
	maxSubjectRunes = 120
)

// Adapter bridges email to the canonical envelope model. Outbound mail goes
// through SMTP or the Mailgun API depending on instance config; inbound mail
// arrives through a long-lived IMAP watch or Mailgun stored-event polling.
type Adapter struct {
	logger *slog.Logger
}

func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{logger: log.With(slog.String("adapter", "email"))}
}

func (a *Adapter) Type() platform.PlatformType { return Type }

func (a *Adapter) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:        Type,
		DisplayName: "Email",
		Capabilities: platform.Capabilities{
			Text:        true,
			Attachments: true,
			Embeds:      true,
			Reply:       true,
		},
		Limits: platform.Limits{
			MaxTextRunes:       maxTextRunes,
			MaxAttachmentBytes: guard.DefaultMaxBytes,
			NativeEmbeds:       false,
		},
	}
}

func (a *Adapter) NormalizeConfig(raw map[string]any) (map[string]any, error) {
	return normalizeConfig(raw)
}

// Connect starts the inbound watch for the instance. SMTP instances hold an
// IMAP connection with IDLE and a poll fallback; Mailgun instances poll
// stored events.
func (a *Adapter) Connect(ctx context.Context, inst platform.Instance, handler platform.InboundHandler) (platform.Connection, error) {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return nil, err
	}
	connCtx, cancel := context.WithCancel(ctx)
	switch cfg.Provider {
	case ProviderSMTP:
		watch := &imapWatch{
			logger:  a.logger.With(slog.String("instance_id", inst.ID)),
			cfg:     cfg,
			inst:    inst,
			handler: handler,
		}
		go watch.run(connCtx)
	case ProviderMailgun:
		poll := &mailgunPoll{
			logger:  a.logger.With(slog.String("instance_id", inst.ID)),
			cfg:     cfg,
			inst:    inst,
			handler: handler,
		}
		go poll.run(connCtx)
	}
	a.logger.Info("connected",
		slog.String("instance_id", inst.ID),
		slog.String("provider", cfg.Provider))

	stop := func(_ context.Context) error {
		a.logger.Info("stop", slog.String("instance_id", inst.ID))
		cancel()
		return nil
	}
	return platform.NewConnection(inst, stop), nil
}

// Send transforms canonical content into one email. Embeds are flattened to
// markdown in the body; the target is one or more recipient addresses
// separated by commas.
func (a *Adapter) Send(ctx context.Context, inst platform.Instance, target string, content platform.Content, opts platform.SendOptions) (platform.SendResult, error) {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return platform.SendResult{}, err
	}
	recipients, err := parseRecipients(target)
	if err != nil {
		return platform.SendResult{}, err
	}

	transformed, err := platform.TransformContent(content, a.Descriptor().Limits)
	if err != nil {
		return platform.SendResult{Warnings: transformed.Warnings}, err
	}
	warnings := transformed.Warnings

	msg := outboundMessage{
		Recipients: recipients,
		Subject:    subjectFor(content, transformed.Text),
		Body:       transformed.Text,
		ReplyTo:    strings.TrimSpace(opts.ReplyTo),
	}
	for _, att := range transformed.Attachments {
		payload, name, loadErr := attachmentPayload(ctx, att)
		if loadErr != nil {
			warnings = append(warnings, fmt.Sprintf("attachment %q skipped: %v", att.Filename, loadErr))
			continue
		}
		msg.Attachments = append(msg.Attachments, filePayload{Name: name, MimeType: att.MimeType, Data: payload})
	}

	var id string
	switch cfg.Provider {
	case ProviderMailgun:
		id, err = a.sendMailgun(ctx, cfg, msg)
	default:
		id, err = a.sendSMTP(ctx, cfg, msg)
	}
	if err != nil {
		return platform.SendResult{Warnings: warnings}, platform.WrapError(platform.CodeDeliveryFailed, err, "email send failed")
	}
	return platform.SendResult{ProviderMessageID: id, Warnings: warnings}, nil
}

// outboundMessage is the provider-neutral shape both senders consume.
type outboundMessage struct {
	Recipients  []string
	Subject     string
	Body        string
	ReplyTo     string
	Attachments []filePayload
}

type filePayload struct {
	Name     string
	MimeType string
	Data     []byte
}

// parseRecipients splits and validates a comma-separated address list.
func parseRecipients(target string) ([]string, error) {
	var recipients []string
	for _, part := range strings.Split(target, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, platform.NewError(platform.CodeInvalidFormat, "email: invalid recipient %q", addr)
		}
		recipients = append(recipients, addr)
	}
	if len(recipients) == 0 {
		return nil, platform.NewError(platform.CodeInvalidFormat, "email: target must contain at least one address")
	}
	return recipients, nil
}

// subjectFor picks a subject line: the first embed title when present,
// otherwise the first line of the body.
func subjectFor(content platform.Content, body string) string {
	for _, embed := range content.Embeds {
		if title := strings.TrimSpace(embed.Title); title != "" {
			return platform.TruncateRunes(title, maxSubjectRunes)
		}
	}
	line := body
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(strings.TrimLeft(line, "#*> "))
	if line == "" {
		return "New message"
	}
	return platform.TruncateRunes(line, maxSubjectRunes)
}

// attachmentPayload loads attachment bytes. URL sources are downloaded since
// mail carries parts inline; because the fetch happens locally, the host is
// resolved and re-screened here even though it passed the guard during
// transform.
func attachmentPayload(ctx context.Context, att platform.PreparedAttachment) ([]byte, string, error) {
	name := strings.TrimSpace(att.Filename)
	if name == "" {
		name = "attachment"
	}
	if url := strings.TrimSpace(att.URL); url != "" {
		if err := guard.ValidateFetchURL(ctx, url, guard.PurposeAttachment); err != nil {
			return nil, "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, "", fmt.Errorf("build download request: %w", err)
		}
		client := &http.Client{Timeout: 60 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("download attachment: %w", err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("download attachment status: %d", resp.StatusCode)
		}
		if resp.ContentLength > guard.DefaultMaxBytes {
			return nil, "", platform.NewError(platform.CodeSizeExceeded, "attachment exceeds %d bytes", guard.DefaultMaxBytes)
		}
		// Content-Length is advisory; the read itself enforces the limit.
		data, err := guard.ReadAllLimit(resp.Body, guard.DefaultMaxBytes)
		if err != nil {
			return nil, "", err
		}
		return data, name, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, "", fmt.Errorf("invalid base64 data")
	}
	return decoded, name, nil
}

var (
	_ platform.Adapter          = (*Adapter)(nil)
	_ platform.ConfigNormalizer = (*Adapter)(nil)
	_ platform.Sender           = (*Adapter)(nil)
	_ platform.Receiver         = (*Adapter)(nil)
)
