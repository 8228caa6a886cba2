package email

import (
	"fmt"
	"strings"
	"time"
)

// Outbound providers. SMTP pairs with an IMAP inbox for inbound mail;
// mailgun sends through the Mailgun API and polls stored events.
const (
	ProviderSMTP    = "smtp"
	ProviderMailgun = "mailgun"
)

// Transport security for SMTP and IMAP connections.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityNone     = "none"
)

const (
	defaultSMTPPort     = 587
	defaultIMAPPort     = 993
	defaultPollInterval = 300 * time.Second
	minPollInterval     = 15 * time.Second
)

type config struct {
	Provider string
	From     string

	Username     string
	Password     string
	SMTPHost     string
	SMTPPort     int
	SMTPSecurity string
	IMAPHost     string
	IMAPPort     int
	IMAPSecurity string

	MailgunDomain string
	MailgunAPIKey string
	MailgunRegion string

	PollInterval time.Duration
}

func parseConfig(raw map[string]any) (config, error) {
	cfg := config{
		Provider:     strings.ToLower(stringValue(raw, "provider")),
		From:         stringValue(raw, "from"),
		PollInterval: defaultPollInterval,
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderSMTP
	}
	if secs := intValue(raw, "poll_interval_seconds", 0); secs > 0 {
		cfg.PollInterval = time.Duration(secs) * time.Second
	}
	if cfg.PollInterval < minPollInterval {
		cfg.PollInterval = minPollInterval
	}

	switch cfg.Provider {
	case ProviderSMTP:
		cfg.Username = stringValue(raw, "username")
		cfg.Password = stringValue(raw, "password")
		cfg.SMTPHost = stringValue(raw, "smtp_host")
		cfg.SMTPPort = intValue(raw, "smtp_port", defaultSMTPPort)
		cfg.IMAPHost = stringValue(raw, "imap_host")
		cfg.IMAPPort = intValue(raw, "imap_port", defaultIMAPPort)
		var err error
		if cfg.SMTPSecurity, err = parseSecurity(stringValue(raw, "smtp_security"), SecurityStartTLS); err != nil {
			return config{}, err
		}
		if cfg.IMAPSecurity, err = parseSecurity(stringValue(raw, "imap_security"), SecurityTLS); err != nil {
			return config{}, err
		}
		for key, v := range map[string]string{
			"username":  cfg.Username,
			"password":  cfg.Password,
			"smtp_host": cfg.SMTPHost,
			"imap_host": cfg.IMAPHost,
		} {
			if v == "" {
				return config{}, fmt.Errorf("email: %s is required", key)
			}
		}
		if cfg.From == "" {
			cfg.From = cfg.Username
		}
	case ProviderMailgun:
		cfg.MailgunDomain = stringValue(raw, "domain")
		cfg.MailgunAPIKey = stringValue(raw, "api_key")
		cfg.MailgunRegion = strings.ToLower(stringValue(raw, "region"))
		if cfg.MailgunDomain == "" {
			return config{}, fmt.Errorf("email: domain is required")
		}
		if cfg.MailgunAPIKey == "" {
			return config{}, fmt.Errorf("email: api_key is required")
		}
		switch cfg.MailgunRegion {
		case "":
			cfg.MailgunRegion = "us"
		case "us", "eu":
		default:
			return config{}, fmt.Errorf("email: region must be %q or %q", "us", "eu")
		}
		if cfg.From == "" {
			cfg.From = "noreply@" + cfg.MailgunDomain
		}
	default:
		return config{}, fmt.Errorf("email: provider must be %q or %q", ProviderSMTP, ProviderMailgun)
	}
	return cfg, nil
}

func normalizeConfig(raw map[string]any) (map[string]any, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"provider":              cfg.Provider,
		"from":                  cfg.From,
		"poll_interval_seconds": int(cfg.PollInterval / time.Second),
	}
	switch cfg.Provider {
	case ProviderSMTP:
		out["username"] = cfg.Username
		out["password"] = cfg.Password
		out["smtp_host"] = cfg.SMTPHost
		out["smtp_port"] = cfg.SMTPPort
		out["smtp_security"] = cfg.SMTPSecurity
		out["imap_host"] = cfg.IMAPHost
		out["imap_port"] = cfg.IMAPPort
		out["imap_security"] = cfg.IMAPSecurity
	case ProviderMailgun:
		out["domain"] = cfg.MailgunDomain
		out["api_key"] = cfg.MailgunAPIKey
		out["region"] = cfg.MailgunRegion
	}
	return out, nil
}

func parseSecurity(value, fallback string) (string, error) {
	switch strings.ToLower(value) {
	case "":
		return fallback, nil
	case SecurityTLS, SecurityStartTLS, SecurityNone:
		return strings.ToLower(value), nil
	default:
		return "", fmt.Errorf("email: security must be %q, %q, or %q", SecurityTLS, SecurityStartTLS, SecurityNone)
	}
}

func stringValue(raw map[string]any, key string) string {
	if raw == nil {
		return ""
	}
	value, _ := raw[key].(string)
	return strings.TrimSpace(value)
}

func intValue(raw map[string]any, key string, fallback int) int {
	switch n := raw[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	default:
		return fallback
	}
}
