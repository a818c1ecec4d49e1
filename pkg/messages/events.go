package messages

import "time"

// Workflow lifecycle event types
const (
	EventWorkflowStarted        = "workflow.started"
	EventWorkflowStepExecuted   = "workflow.step_executed"
	EventWorkflowAwaitingAction = "workflow.awaiting_action"
	EventWorkflowCompleted      = "workflow.completed"
	EventWorkflowFailed         = "workflow.failed"
	EventWorkflowRejected       = "workflow.rejected"
	EventWorkflowRetried        = "workflow.retried"
)

// EventMessage represents a workflow event sent via NATS
type EventMessage struct {
	Type          string                 `json:"type"`   // "workflow.started", "workflow.completed", etc.
	Source        string                 `json:"source"` // Service that generated the event
	WorkflowID    string                 `json:"workflow_id,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	StepID        string                 `json:"step_id,omitempty"`
	Event         EventData              `json:"event"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// EventData contains the event-specific information
type EventData struct {
	Action      string                 `json:"action"`   // "started", "executed", "paused", "completed", "failed", "rejected"
	Category    string                 `json:"category"` // "workflow", "step"
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// WorkflowStarted creates a workflow.started event
func WorkflowStarted(workflowID, requestID, source string) *EventMessage {
	return &EventMessage{
		Type:       EventWorkflowStarted,
		Source:     source,
		WorkflowID: workflowID,
		RequestID:  requestID,
		Event: EventData{
			Action:   "started",
			Category: "workflow",
		},
		Timestamp: time.Now(),
	}
}

// StepExecuted creates a workflow.step_executed event for an integration step
func StepExecuted(workflowID, requestID, stepID, source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:       EventWorkflowStepExecuted,
		Source:     source,
		WorkflowID: workflowID,
		RequestID:  requestID,
		StepID:     stepID,
		Event: EventData{
			Action:   "executed",
			Category: "step",
			Data:     data,
		},
		Timestamp: time.Now(),
	}
}

// AwaitingAction creates a workflow.awaiting_action event for an approval pause
func AwaitingAction(workflowID, requestID, stepID, source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:       EventWorkflowAwaitingAction,
		Source:     source,
		WorkflowID: workflowID,
		RequestID:  requestID,
		StepID:     stepID,
		Event: EventData{
			Action:   "paused",
			Category: "workflow",
			Data:     data,
		},
		Timestamp: time.Now(),
	}
}

// WorkflowCompleted creates a workflow.completed event
func WorkflowCompleted(workflowID, requestID, source string) *EventMessage {
	return &EventMessage{
		Type:       EventWorkflowCompleted,
		Source:     source,
		WorkflowID: workflowID,
		RequestID:  requestID,
		Event: EventData{
			Action:   "completed",
			Category: "workflow",
		},
		Timestamp: time.Now(),
	}
}

// WorkflowFailed creates a workflow.failed event
func WorkflowFailed(workflowID, requestID, stepID, source, description string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:       EventWorkflowFailed,
		Source:     source,
		WorkflowID: workflowID,
		RequestID:  requestID,
		StepID:     stepID,
		Event: EventData{
			Action:      "failed",
			Category:    "workflow",
			Description: description,
			Data:        data,
		},
		Timestamp: time.Now(),
	}
}

// WorkflowRejected creates a workflow.rejected event
func WorkflowRejected(workflowID, requestID, stepID, source string) *EventMessage {
	return &EventMessage{
		Type:       EventWorkflowRejected,
		Source:     source,
		WorkflowID: workflowID,
		RequestID:  requestID,
		StepID:     stepID,
		Event: EventData{
			Action:   "rejected",
			Category: "workflow",
		},
		Timestamp: time.Now(),
	}
}

// WorkflowRetried creates a workflow.retried event
func WorkflowRetried(workflowID, requestID, stepID, source string, attempt int) *EventMessage {
	return &EventMessage{
		Type:       EventWorkflowRetried,
		Source:     source,
		WorkflowID: workflowID,
		RequestID:  requestID,
		StepID:     stepID,
		Event: EventData{
			Action:   "retried",
			Category: "step",
			Data:     map[string]interface{}{"attempt": attempt},
		},
		Timestamp: time.Now(),
	}
}
