package lark

import (
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
)

const (
	regionFeishu = "feishu"
	regionLark   = "lark"

	// ModeWebhook receives events through the webhook router; ModeWebsocket
	// holds a long-lived event connection instead.
	ModeWebhook   = "webhook"
	ModeWebsocket = "websocket"
)

type config struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	Region            string
	Mode              string
}

func parseConfig(raw map[string]any) (config, error) {
	appID := readString(raw, "app_id", "appId")
	appSecret := readString(raw, "app_secret", "appSecret")
	if appID == "" || appSecret == "" {
		return config{}, fmt.Errorf("lark: app_id and app_secret are required")
	}
	region, err := normalizeRegion(readString(raw, "region"))
	if err != nil {
		return config{}, err
	}
	mode, err := normalizeMode(readString(raw, "mode", "inbound_mode"))
	if err != nil {
		return config{}, err
	}
	return config{
		AppID:             appID,
		AppSecret:         appSecret,
		EncryptKey:        readString(raw, "encrypt_key", "encryptKey"),
		VerificationToken: readString(raw, "verification_token", "verificationToken"),
		Region:            region,
		Mode:              mode,
	}, nil
}

func normalizeConfig(raw map[string]any) (map[string]any, error) {
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"app_id":     cfg.AppID,
		"app_secret": cfg.AppSecret,
		"region":     cfg.Region,
		"mode":       cfg.Mode,
	}
	if cfg.EncryptKey != "" {
		result["encrypt_key"] = cfg.EncryptKey
	}
	if cfg.VerificationToken != "" {
		result["verification_token"] = cfg.VerificationToken
	}
	return result, nil
}

func normalizeRegion(raw string) (string, error) {
	switch strings.ToLower(raw) {
	case "", regionLark, "global", "intl":
		return regionLark, nil
	case regionFeishu, "cn":
		return regionFeishu, nil
	default:
		return "", fmt.Errorf("lark: region must be %q or %q", regionLark, regionFeishu)
	}
}

func normalizeMode(raw string) (string, error) {
	switch strings.ToLower(raw) {
	case "", ModeWebhook:
		return ModeWebhook, nil
	case ModeWebsocket, "ws":
		return ModeWebsocket, nil
	default:
		return "", fmt.Errorf("lark: mode must be %q or %q", ModeWebhook, ModeWebsocket)
	}
}

func (c config) openBaseURL() string {
	if c.Region == regionFeishu {
		return lark.FeishuBaseUrl
	}
	return lark.LarkBaseUrl
}

func readString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := raw[key].(string); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
