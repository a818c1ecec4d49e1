package integrations

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jordanhubbard/approvalflow/internal/workflow"
)

// Config keys recognised in a step's integration config
const (
	keyWorkflowID = "workflowId"
	keyTarget     = "target"
	keyPayload    = "payload"
	keySecret     = "secret"
	keyToken      = "token"
)

// N8nConfig is the typed view of an n8n step config
type N8nConfig struct {
	WorkflowID string
	Payload    map[string]any
}

// WebhookConfig is the typed view of a generic webhook step config
type WebhookConfig struct {
	Target  string
	Payload map[string]any
	Secret  string
}

// ChatConfig covers teams, slack, telegram and discord. Message is the raw
// payload string sent as the message body.
type ChatConfig struct {
	Target  string
	Message string
	Token   string
}

// OutlookConfig is accepted but never sent anywhere
type OutlookConfig struct {
	Target  string
	Payload map[string]any
}

func parseN8nConfig(cfg map[string]string) N8nConfig {
	return N8nConfig{
		WorkflowID: strings.TrimSpace(cfg[keyWorkflowID]),
		Payload:    parsePayload(cfg[keyPayload]),
	}
}

func parseWebhookConfig(cfg map[string]string) WebhookConfig {
	return WebhookConfig{
		Target:  strings.TrimSpace(cfg[keyTarget]),
		Payload: parsePayload(cfg[keyPayload]),
		Secret:  cfg[keySecret],
	}
}

func parseChatConfig(cfg map[string]string) ChatConfig {
	return ChatConfig{
		Target:  strings.TrimSpace(cfg[keyTarget]),
		Message: cfg[keyPayload],
		Token:   cfg[keyToken],
	}
}

func parseOutlookConfig(cfg map[string]string) OutlookConfig {
	return OutlookConfig{
		Target:  strings.TrimSpace(cfg[keyTarget]),
		Payload: parsePayload(cfg[keyPayload]),
	}
}

// parsePayload decodes a JSON object. Anything else, including invalid
// JSON and non-object values, yields an empty object.
func parsePayload(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil || decoded == nil {
		return out
	}
	return decoded
}

// messageText returns the configured message or the default notice
func (c ChatConfig) messageText(ectx workflow.ExecutionContext) string {
	if c.Message != "" {
		return c.Message
	}
	return defaultMessage(ectx.RequestID)
}

func defaultMessage(requestID string) string {
	return fmt.Sprintf("New request #%s requires attention", requestID)
}
