package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/msgcore/msgcore/internal/platform"
)

// imapWatch keeps one IMAP connection per instance and turns new messages
// into envelopes. It prefers IDLE and falls back to polling when the server
// does not support it.
type imapWatch struct {
	logger  *slog.Logger
	cfg     config
	inst    platform.Instance
	handler platform.InboundHandler
	lastUID imap.UID
}

func (w *imapWatch) run(ctx context.Context) {
	for {
		if err := w.connectAndReceive(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("imap connection error, retrying in 30s", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *imapWatch) connectAndReceive(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", w.cfg.IMAPHost, w.cfg.IMAPPort)

	newMailCh := make(chan struct{}, 1)
	notifyNewMail := func() {
		select {
		case newMailCh <- struct{}{}:
		default:
		}
	}

	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: w.cfg.IMAPHost},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					notifyNewMail()
				}
			},
		},
	}
	var client *imapclient.Client
	var err error
	switch w.cfg.IMAPSecurity {
	case SecurityStartTLS:
		client, err = imapclient.DialStartTLS(addr, opts)
	case SecurityNone:
		client, err = imapclient.DialInsecure(addr, opts)
	default:
		client, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("dial imap (%s): %w", w.cfg.IMAPSecurity, err)
	}
	defer client.Close()

	// SASL PLAIN first; servers that disable AUTH=PLAIN still take LOGIN.
	if err := client.Authenticate(sasl.NewPlainClient("", w.cfg.Username, w.cfg.Password)); err != nil {
		if err := client.Login(w.cfg.Username, w.cfg.Password).Wait(); err != nil {
			return fmt.Errorf("imap login: %w", err)
		}
	}
	defer client.Logout()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("select inbox: %w", err)
	}

	w.logger.Info("imap connected",
		slog.String("host", w.cfg.IMAPHost),
		slog.Int("port", w.cfg.IMAPPort))
	w.fetchNew(ctx, client)

	idleCmd, idleErr := client.Idle()
	if idleErr != nil {
		w.logger.Warn("IDLE not supported, falling back to polling", slog.Any("error", idleErr))
		return w.pollLoop(ctx, client)
	}

	// Some servers accept IDLE but never push EXISTS, so a periodic check
	// backstops the notifications.
	checkInterval := w.cfg.PollInterval
	if checkInterval > 2*time.Minute {
		checkInterval = 2 * time.Minute
	}

	for {
		select {
		case <-ctx.Done():
			_ = idleCmd.Close()
			return nil
		case <-newMailCh:
			_ = idleCmd.Close()
			w.fetchNew(ctx, client)
			idleCmd, idleErr = client.Idle()
			if idleErr != nil {
				return w.pollLoop(ctx, client)
			}
		case <-time.After(checkInterval):
			_ = idleCmd.Close()
			w.fetchNew(ctx, client)
			idleCmd, idleErr = client.Idle()
			if idleErr != nil {
				return w.pollLoop(ctx, client)
			}
		}
	}
}

func (w *imapWatch) pollLoop(ctx context.Context, client *imapclient.Client) error {
	for {
		w.fetchNew(ctx, client)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// fetchNew pulls messages with UIDs above the high-water mark. UID ranges
// work regardless of the \Seen flag, so other clients reading the inbox do
// not hide mail from us. The first fetch only records the current high UID.
func (w *imapWatch) fetchNew(ctx context.Context, client *imapclient.Client) {
	var uidSet imap.UIDSet
	if w.lastUID > 0 {
		uidSet.AddRange(w.lastUID+1, 0)
	} else {
		uidSet.AddRange(1, 0)
	}

	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	fetchCmd := client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	isFirstRun := w.lastUID == 0
	processed := 0

	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil || buf.Envelope == nil {
			continue
		}
		if buf.UID > w.lastUID {
			w.lastUID = buf.UID
		}
		if isFirstRun {
			continue
		}

		env, ok := w.envelopeFromBuffer(buf)
		if !ok {
			continue
		}
		processed++
		if err := w.handler(ctx, w.inst, env); err != nil {
			w.logger.Error("handle inbound failed", slog.Any("error", err))
		}
	}

	if processed > 0 {
		w.logger.Info("imap fetch completed",
			slog.Int("processed", processed),
			slog.Uint64("last_uid", uint64(w.lastUID)))
	}
}

// envelopeFromBuffer translates one fetched message. The sender address acts
// as the thread id so replies route back to the mailbox.
func (w *imapWatch) envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) (platform.Envelope, bool) {
	mailEnv := buf.Envelope
	from := ""
	display := ""
	if len(mailEnv.From) > 0 {
		from = mailEnv.From[0].Addr()
		display = mailEnv.From[0].Name
	}
	if from == "" || from == w.cfg.Username {
		return platform.Envelope{}, false
	}

	var body string
	var attachments []platform.Attachment
	if len(buf.BodySection) > 0 {
		parsed, err := parseMessage(buf.BodySection[0].Bytes)
		if err != nil {
			w.logger.Warn("parse message failed",
				slog.String("message_id", mailEnv.MessageID),
				slog.Any("error", err))
		} else {
			body = parsed.Body
			attachments = parsed.Attachments
		}
	}

	text := joinSubjectBody(mailEnv.Subject, body)
	if text == "" && len(attachments) == 0 {
		return platform.Envelope{}, false
	}

	eventID := mailEnv.MessageID
	if eventID == "" {
		eventID = fmt.Sprintf("uid:%d", buf.UID)
	}
	timestamp := mailEnv.Date
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	return platform.NewEnvelope(platform.Envelope{
		Platform:   Type,
		TenantID:   w.inst.TenantID,
		InstanceID: w.inst.ID,
		ThreadID:   from,
		Timestamp:  timestamp,
		User: platform.User{
			ProviderUserID: from,
			Display:        display,
		},
		Content: platform.Content{
			Text:        text,
			Attachments: attachments,
		},
		Meta: platform.ProviderMeta{
			EventID: eventID,
			Raw: map[string]any{
				"subject": mailEnv.Subject,
				"uid":     uint32(buf.UID),
			},
		},
	}), true
}

func joinSubjectBody(subject, body string) string {
	subject = strings.TrimSpace(subject)
	body = strings.TrimSpace(body)
	switch {
	case subject == "":
		return body
	case body == "":
		return subject
	default:
		return subject + "\n\n" + body
	}
}
