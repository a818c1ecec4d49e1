package integrations

import (
	"context"
	"fmt"

	"github.com/jordanhubbard/approvalflow/internal/workflow"
)

func (d *Dispatcher) triggerN8n(ctx context.Context, cfg N8nConfig, ectx workflow.ExecutionContext) (any, string, error) {
	if cfg.WorkflowID == "" {
		return nil, "", fmt.Errorf("n8n workflow ID/webhook slug is required")
	}

	payload := cfg.Payload
	payload["_context"] = map[string]any{
		"requestId":      ectx.RequestID,
		"userId":         ectx.UserID,
		"organizationId": ectx.OrganizationID,
		"stepIndex":      ectx.CurrentStepIndex,
		"timestamp":      d.timestamp(),
	}
	payload["requestData"] = ectx.RequestData
	payload["previousResults"] = ectx.PreviousResults

	resp, err := d.n8n.TriggerWebhook(ctx, cfg.WorkflowID, payload)
	if err != nil {
		return nil, "", err
	}
	return resp, fmt.Sprintf("n8n workflow %s triggered", cfg.WorkflowID), nil
}
