package telegram

import (
	"fmt"
	"strings"
)

// Update delivery modes. Polling long-polls getUpdates; webhook expects
// Telegram to POST updates to the instance's webhook URL.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

type config struct {
	BotToken string
	Mode     string
}

func parseConfig(raw map[string]any) (config, error) {
	token := stringValue(raw, "bot_token")
	if token == "" {
		token = stringValue(raw, "botToken")
	}
	if token == "" {
		return config{}, fmt.Errorf("telegram: bot_token is required")
	}
	mode := strings.ToLower(stringValue(raw, "mode"))
	switch mode {
	case "":
		mode = ModePolling
	case ModePolling, ModeWebhook:
	default:
		return config{}, fmt.Errorf("telegram: mode must be %q or %q", ModePolling, ModeWebhook)
	}
	return config{BotToken: token, Mode: mode}, nil
}

func normalizeConfig(raw map[string]any) (map[string]any, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"bot_token": cfg.BotToken, "mode": cfg.Mode}, nil
}

func stringValue(raw map[string]any, key string) string {
	if raw == nil {
		return ""
	}
	value, _ := raw[key].(string)
	return strings.TrimSpace(value)
}
