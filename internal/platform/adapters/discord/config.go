package discord

import (
	"fmt"
	"strings"
)

type config struct {
	BotToken string
}

func parseConfig(raw map[string]any) (config, error) {
	token := stringValue(raw, "bot_token")
	if token == "" {
		token = stringValue(raw, "botToken")
	}
	if token == "" {
		return config{}, fmt.Errorf("discord: bot_token is required")
	}
	return config{BotToken: token}, nil
}

func normalizeConfig(raw map[string]any) (map[string]any, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"bot_token": cfg.BotToken}, nil
}

func stringValue(raw map[string]any, key string) string {
	if raw == nil {
		return ""
	}
	value, _ := raw[key].(string)
	return strings.TrimSpace(value)
}
