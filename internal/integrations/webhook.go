package integrations

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jordanhubbard/approvalflow/internal/workflow"
)

// SignatureHeader carries the HMAC-SHA256 of the request body when the step
// config has a secret
const SignatureHeader = "X-Signature-256"

func (d *Dispatcher) sendWebhook(ctx context.Context, cfg WebhookConfig, ectx workflow.ExecutionContext) (any, string, error) {
	if cfg.Target == "" {
		return nil, "", fmt.Errorf("Webhook URL (target) is required")
	}

	body := cfg.Payload
	body["requestId"] = ectx.RequestID
	body["requestData"] = ectx.RequestData
	body["timestamp"] = d.timestamp()

	var headers map[string]string
	if cfg.Secret != "" {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		headers = map[string]string{SignatureHeader: Sign(cfg.Secret, encoded)}
	}

	respBody, err := d.postJSON(ctx, "Webhook", cfg.Target, body, headers)
	if err != nil {
		return nil, "", err
	}

	return map[string]any{
		"target":   cfg.Target,
		"response": decodeResponse(respBody),
	}, "Webhook delivered", nil
}

// Sign returns the signature header value for body: "sha256=<hex hmac>"
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func decodeResponse(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return string(body)
	}
	return decoded
}
