package workflow

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/approvalflow/internal/metrics"
	"github.com/jordanhubbard/approvalflow/internal/telemetry"
)

// Dispatcher performs the outbound call for an integration step. It must
// always return a result; failures are reported with Success set to false.
type Dispatcher interface {
	Dispatch(ctx context.Context, step Step, ectx ExecutionContext) StepExecutionResult
}

// Outcome is the result of one forward pass. Context is the execution
// context at the stopping point, ready to be persisted by the caller.
type Outcome struct {
	Status  Status                `json:"status"`
	Results []StepExecutionResult `json:"results"`
	Context ExecutionContext      `json:"context"`
}

// ApprovalRequest is the data attached to an approval pause so the approval
// subsystem can assign and notify without re-reading the definition
type ApprovalRequest struct {
	StepName      string             `json:"step_name"`
	Approvers     []ApproverTarget   `json:"approvers,omitempty"`
	AutoApprove   *AutoApprovePolicy `json:"auto_approve,omitempty"`
	Escalation    *EscalationPolicy  `json:"escalation,omitempty"`
	Notifications *NotificationFlags `json:"notifications,omitempty"`
}

// Engine walks workflow steps. It holds no per-run state; everything a run
// needs lives in the ExecutionContext passed in.
type Engine struct {
	dispatcher Dispatcher
	metrics    *metrics.Metrics
}

// NewEngine creates a new workflow engine
func NewEngine(dispatcher Dispatcher) *Engine {
	return &Engine{
		dispatcher: dispatcher,
		metrics:    metrics.NewMetrics(),
	}
}

// StartWorkflowExecution runs a workflow from its first step
func (e *Engine) StartWorkflowExecution(ctx context.Context, wf *Definition, requestID string, requestData map[string]any, userID, organizationID string) Outcome {
	ectx := NewExecutionContext(requestID, requestData, userID, organizationID)
	if wf != nil {
		log.Printf("[Engine] Starting workflow=%s request=%s (%d steps)", wf.ID, requestID, len(wf.Steps))
	}
	telemetry.WorkflowsStarted.Add(ctx, 1)
	return e.ProcessStep(ctx, wf, ectx)
}

// ContinueWorkflowAfterApproval resumes after a human decision on the step at
// ectx.CurrentStepIndex. The caller rebuilds ectx, including previous
// results, from its own records.
func (e *Engine) ContinueWorkflowAfterApproval(ctx context.Context, wf *Definition, ectx ExecutionContext, approved bool) Outcome {
	if !approved {
		log.Printf("[Engine] Rejected workflow=%s request=%s at step index %d", definitionID(wf), ectx.RequestID, ectx.CurrentStepIndex)
		e.metrics.WorkflowOutcomes.WithLabelValues(definitionID(wf), string(StatusRejected)).Inc()
		return Outcome{
			Status: StatusRejected,
			Results: []StepExecutionResult{{
				Success:       false,
				StepID:        StepIDWorkflowRejected,
				Message:       "Workflow rejected",
				NextStepIndex: ectx.CurrentStepIndex,
			}},
			Context: ectx,
		}
	}

	log.Printf("[Engine] Approved workflow=%s request=%s at step index %d, continuing", definitionID(wf), ectx.RequestID, ectx.CurrentStepIndex)
	return e.ProcessStep(ctx, wf, ectx.Advance())
}

// ProcessStep advances through wf.Steps from ectx.CurrentStepIndex until the
// workflow completes, an integration fails, or an approval step is reached.
// Steps whose conditions do not hold are skipped without a result.
func (e *Engine) ProcessStep(ctx context.Context, wf *Definition, ectx ExecutionContext) Outcome {
	ctx, span := telemetry.Tracer.Start(ctx, "workflow.process_step", trace.WithAttributes(
		attribute.String("workflow.id", definitionID(wf)),
		attribute.String("request.id", ectx.RequestID),
		attribute.Int("workflow.start_index", ectx.CurrentStepIndex),
	))
	defer span.End()

	outcome := e.run(ctx, wf, ectx)

	span.SetAttributes(
		attribute.String("workflow.status", string(outcome.Status)),
		attribute.Int("workflow.results", len(outcome.Results)),
	)
	if outcome.Status == StatusFailed {
		span.SetStatus(codes.Error, "workflow halted")
	}
	e.metrics.WorkflowOutcomes.WithLabelValues(definitionID(wf), string(outcome.Status)).Inc()
	if outcome.Status == StatusCompleted {
		telemetry.WorkflowsCompleted.Add(ctx, 1)
	}

	return outcome
}

func (e *Engine) run(ctx context.Context, wf *Definition, ectx ExecutionContext) Outcome {
	var results []StepExecutionResult

	if wf == nil {
		return failed(results, ectx, StepExecutionResult{
			Success:       false,
			Message:       "Workflow could not be executed",
			Error:         "workflow definition cannot be nil",
			NextStepIndex: ectx.CurrentStepIndex,
		})
	}

	for {
		idx := ectx.CurrentStepIndex
		if idx < 0 {
			return failed(results, ectx, StepExecutionResult{
				Success:       false,
				Message:       "Workflow could not be executed",
				Error:         fmt.Sprintf("Invalid step index %d", idx),
				NextStepIndex: idx,
			})
		}

		if idx >= len(wf.Steps) {
			log.Printf("[Engine] Completed workflow=%s request=%s", wf.ID, ectx.RequestID)
			results = append(results, StepExecutionResult{
				Success:       true,
				StepID:        StepIDWorkflowComplete,
				Message:       "Workflow completed successfully",
				NextStepIndex: idx,
			})
			return Outcome{Status: StatusCompleted, Results: results, Context: ectx}
		}

		step := wf.Steps[idx]

		if !EvaluateConditions(step.Conditions, ectx.RequestData) {
			log.Printf("[Engine] Skipping workflow=%s request=%s step=%s (index %d): conditions not met", wf.ID, ectx.RequestID, step.ID, idx)
			e.metrics.StepExecutions.WithLabelValues(wf.ID, string(step.Type), "skipped").Inc()
			ectx = ectx.Advance()
			continue
		}

		switch step.Type {
		case StepTypeIntegration:
			result := e.dispatch(ctx, step, ectx)
			results = append(results, result)

			if !result.Success {
				log.Printf("[Engine] Integration step failed workflow=%s request=%s step=%s: %s", wf.ID, ectx.RequestID, step.ID, result.Error)
				e.metrics.StepExecutions.WithLabelValues(wf.ID, string(step.Type), "failed").Inc()
				return Outcome{Status: StatusFailed, Results: results, Context: ectx}
			}

			e.metrics.StepExecutions.WithLabelValues(wf.ID, string(step.Type), "executed").Inc()
			telemetry.StepsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("step.type", string(step.Type))))
			ectx = ectx.WithResult(step.ID, result.Data).Advance()

		case StepTypeApproval:
			log.Printf("[Engine] Paused for approval workflow=%s request=%s step=%s", wf.ID, ectx.RequestID, step.ID)
			e.metrics.StepExecutions.WithLabelValues(wf.ID, string(step.Type), "awaiting_action").Inc()
			telemetry.StepsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("step.type", string(step.Type))))
			results = append(results, StepExecutionResult{
				Success:  true,
				StepID:   step.ID,
				StepType: StepTypeApproval,
				Message:  fmt.Sprintf("Awaiting approval: %s", step.Name),
				Data: ApprovalRequest{
					StepName:      step.Name,
					Approvers:     step.Approvers,
					AutoApprove:   step.AutoApprove,
					Escalation:    step.Escalation,
					Notifications: step.Notifications,
				},
				RequiresUserAction: true,
				NextStepIndex:      idx,
			})
			return Outcome{Status: StatusAwaitingAction, Results: results, Context: ectx}

		default:
			e.metrics.StepExecutions.WithLabelValues(wf.ID, string(step.Type), "failed").Inc()
			return failed(results, ectx, StepExecutionResult{
				Success:       false,
				StepID:        step.ID,
				StepType:      step.Type,
				Message:       fmt.Sprintf("Step %s could not be executed", step.Name),
				Error:         fmt.Sprintf("Unknown step type: %s", step.Type),
				NextStepIndex: idx,
			})
		}
	}
}

// dispatch runs an integration step and pins the fields the engine owns
func (e *Engine) dispatch(ctx context.Context, step Step, ectx ExecutionContext) StepExecutionResult {
	var result StepExecutionResult
	if e.dispatcher == nil {
		result = StepExecutionResult{
			Success: false,
			Message: "Integration could not be executed",
			Error:   "no integration dispatcher configured",
		}
	} else {
		result = e.dispatcher.Dispatch(ctx, step, ectx)
	}

	result.StepID = step.ID
	result.StepType = StepTypeIntegration
	if result.Provider == "" && step.Integration != nil {
		result.Provider = step.Integration.Provider
	}
	result.RequiresUserAction = false
	if result.Success {
		result.NextStepIndex = ectx.CurrentStepIndex + 1
	} else {
		result.NextStepIndex = ectx.CurrentStepIndex
	}
	return result
}

func failed(results []StepExecutionResult, ectx ExecutionContext, result StepExecutionResult) Outcome {
	return Outcome{
		Status:  StatusFailed,
		Results: append(results, result),
		Context: ectx,
	}
}

func definitionID(wf *Definition) string {
	if wf == nil {
		return ""
	}
	return wf.ID
}
