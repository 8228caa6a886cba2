package lark

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"

	"github.com/msgcore/msgcore/internal/platform"
)

// HandleWebhook feeds one raw event-subscription callback through the SDK
// dispatcher, which verifies the signature or token and decrypts the payload
// before routing. The connection for the instance is ensured by the caller.
func (a *Adapter) HandleWebhook(ctx context.Context, inst platform.Instance, body []byte, headers map[string]string) error {
	handler, ok := a.handlerFor(inst.Key())
	if !ok {
		return platform.NewError(platform.CodeNotConnected, "no registered handler for %s", inst.Key())
	}
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return err
	}
	if err := validateCallbackToken(body, cfg); err != nil {
		return err
	}

	header := make(http.Header, len(headers))
	for key, value := range headers {
		header.Set(key, value)
	}
	resp := a.buildDispatcher(ctx, inst, cfg, handler).Handle(ctx, &larkevent.EventReq{
		Header: header,
		Body:   body,
	})
	if resp != nil && resp.StatusCode >= http.StatusBadRequest {
		return platform.NewError(platform.CodeInvalidToken, "lark webhook rejected: status %d %s", resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}
	return nil
}

// validateCallbackToken compares the payload token when no encrypt key is
// configured; with an encrypt key the SDK's signature check covers auth.
// Challenge requests pass through so URL verification can complete.
func validateCallbackToken(body []byte, cfg config) error {
	if cfg.EncryptKey != "" {
		return nil
	}
	var fuzzy larkevent.EventFuzzy
	if err := json.Unmarshal(body, &fuzzy); err != nil {
		return platform.WrapError(platform.CodeInvalidFormat, err, "lark webhook body is not an event")
	}
	if larkevent.ReqType(strings.TrimSpace(fuzzy.Type)) == larkevent.ReqTypeChallenge {
		return nil
	}
	expected := strings.TrimSpace(cfg.VerificationToken)
	if expected == "" {
		return nil
	}
	token := strings.TrimSpace(fuzzy.Token)
	if fuzzy.Header != nil && strings.TrimSpace(fuzzy.Header.Token) != "" {
		token = strings.TrimSpace(fuzzy.Header.Token)
	}
	if token != expected {
		return platform.NewError(platform.CodeInvalidToken, "lark webhook token mismatch")
	}
	return nil
}
