package runner

import (
	"context"
	"log"

	"github.com/jordanhubbard/approvalflow/internal/workflow"
	"github.com/jordanhubbard/approvalflow/pkg/messages"
)

// publishOutcome emits one event per reported step and one for the final
// status. Publish failures are logged; they never fail the run.
func (r *Runner) publishOutcome(ctx context.Context, wf *workflow.Definition, outcome workflow.Outcome) {
	if r.events == nil {
		return
	}
	requestID := outcome.Context.RequestID

	for _, res := range outcome.Results {
		switch {
		case res.StepType == workflow.StepTypeIntegration && res.Success:
			r.publish(ctx, messages.StepExecuted(wf.ID, requestID, res.StepID, eventSource, map[string]interface{}{
				"provider": string(res.Provider),
				"message":  res.Message,
			}))
		case res.RequiresUserAction:
			r.publish(ctx, messages.AwaitingAction(wf.ID, requestID, res.StepID, eventSource, map[string]interface{}{
				"next_step_index": res.NextStepIndex,
				"message":         res.Message,
			}))
		}
	}

	switch outcome.Status {
	case workflow.StatusCompleted:
		r.publish(ctx, messages.WorkflowCompleted(wf.ID, requestID, eventSource))
	case workflow.StatusRejected:
		r.publish(ctx, messages.WorkflowRejected(wf.ID, requestID, stepAt(wf, outcome.Context.CurrentStepIndex), eventSource))
	case workflow.StatusFailed:
		var stepID, description string
		if n := len(outcome.Results); n > 0 {
			stepID = outcome.Results[n-1].StepID
			description = outcome.Results[n-1].Error
		}
		r.publish(ctx, messages.WorkflowFailed(wf.ID, requestID, stepID, eventSource, description, map[string]interface{}{
			"step_index": outcome.Context.CurrentStepIndex,
		}))
	}
}

func (r *Runner) publish(ctx context.Context, event *messages.EventMessage) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishEvent(ctx, event.Type, event); err != nil {
		log.Printf("[Runner] Warning: failed to publish %s request=%s: %v", event.Type, event.RequestID, err)
		return
	}
	r.metrics.EventsPublished.WithLabelValues(event.Type).Inc()
}

func stepAt(wf *workflow.Definition, idx int) string {
	if idx < 0 || idx >= len(wf.Steps) {
		return ""
	}
	return wf.Steps[idx].ID
}
