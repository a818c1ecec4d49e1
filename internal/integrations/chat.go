package integrations

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/approvalflow/internal/workflow"
)

// teamsCard is the legacy Office 365 connector MessageCard format
type teamsCard struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary"`
	ThemeColor string         `json:"themeColor"`
	Sections   []teamsSection `json:"sections"`
}

type teamsSection struct {
	ActivityTitle string      `json:"activityTitle"`
	Facts         []teamsFact `json:"facts"`
	Text          string      `json:"text"`
}

type teamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (d *Dispatcher) sendTeams(ctx context.Context, cfg ChatConfig, ectx workflow.ExecutionContext) (any, string, error) {
	if cfg.Target == "" {
		return nil, "", fmt.Errorf("Teams webhook URL (target) is required")
	}

	card := teamsCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    fmt.Sprintf("Request #%s", ectx.RequestID),
		ThemeColor: "0076D7",
		Sections: []teamsSection{{
			ActivityTitle: "Approval Request",
			Facts: []teamsFact{
				{Name: "Request ID", Value: ectx.RequestID},
				{Name: "Status", Value: "Pending Approval"},
			},
			Text: cfg.messageText(ectx),
		}},
	}

	if _, err := d.postJSON(ctx, "Teams notification", cfg.Target, card, nil); err != nil {
		return nil, "", err
	}
	return map[string]any{"target": cfg.Target}, "Teams notification sent", nil
}

func (d *Dispatcher) sendSlack(ctx context.Context, cfg ChatConfig, ectx workflow.ExecutionContext) (any, string, error) {
	if cfg.Target == "" {
		return nil, "", fmt.Errorf("Slack webhook URL (target) is required")
	}

	text := cfg.messageText(ectx)
	msg := slackMessage{
		Text: text,
		Blocks: []slackBlock{{
			Type: "section",
			Text: slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Request #%s*\n%s", ectx.RequestID, text)},
		}},
	}

	if _, err := d.postJSON(ctx, "Slack notification", cfg.Target, msg, nil); err != nil {
		return nil, "", err
	}
	return map[string]any{"target": cfg.Target}, "Slack notification sent", nil
}

// queueOutlook makes no outbound call. Mail delivery belongs to a separate
// mail service that picks up the queued record.
func (d *Dispatcher) queueOutlook(action string, cfg OutlookConfig) (any, string, error) {
	return map[string]any{
		"queued": true,
		"action": action,
		"target": cfg.Target,
	}, "Outlook integration queued", nil
}
