package messages

import (
	"encoding/json"
	"testing"
)

func TestWorkflowStarted(t *testing.T) {
	msg := WorkflowStarted("purchase", "req-1", "runner")

	if msg.Type != "workflow.started" {
		t.Errorf("got type %q", msg.Type)
	}
	if msg.Source != "runner" {
		t.Errorf("got source %q", msg.Source)
	}
	if msg.WorkflowID != "purchase" {
		t.Errorf("got workflow %q", msg.WorkflowID)
	}
	if msg.RequestID != "req-1" {
		t.Errorf("got request %q", msg.RequestID)
	}
	if msg.Event.Action != "started" {
		t.Errorf("got action %q", msg.Event.Action)
	}
	if msg.Event.Category != "workflow" {
		t.Errorf("got category %q", msg.Event.Category)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestStepExecuted(t *testing.T) {
	data := map[string]interface{}{"provider": "slack"}
	msg := StepExecuted("purchase", "req-1", "notify", "runner", data)

	if msg.Type != EventWorkflowStepExecuted {
		t.Errorf("got type %q", msg.Type)
	}
	if msg.StepID != "notify" {
		t.Errorf("got step %q", msg.StepID)
	}
	if msg.Event.Category != "step" {
		t.Errorf("got category %q", msg.Event.Category)
	}
	if msg.Event.Data["provider"] != "slack" {
		t.Error("data not preserved")
	}
}

func TestStepExecutedNilData(t *testing.T) {
	msg := StepExecuted("purchase", "req-1", "notify", "runner", nil)
	if msg.Event.Data != nil {
		t.Error("expected nil data")
	}
}

func TestAwaitingAction(t *testing.T) {
	msg := AwaitingAction("purchase", "req-1", "manager", "runner", nil)

	if msg.Type != EventWorkflowAwaitingAction {
		t.Errorf("got type %q", msg.Type)
	}
	if msg.Event.Action != "paused" {
		t.Errorf("got action %q", msg.Event.Action)
	}
}

func TestWorkflowFailed(t *testing.T) {
	msg := WorkflowFailed("purchase", "req-1", "notify", "runner", "Webhook failed with status 500", nil)

	if msg.Type != EventWorkflowFailed {
		t.Errorf("got type %q", msg.Type)
	}
	if msg.Event.Description != "Webhook failed with status 500" {
		t.Errorf("got description %q", msg.Event.Description)
	}
}

func TestTerminalEvents(t *testing.T) {
	tests := []struct {
		msg    *EventMessage
		typ    string
		action string
	}{
		{WorkflowCompleted("wf", "req", "runner"), EventWorkflowCompleted, "completed"},
		{WorkflowRejected("wf", "req", "manager", "runner"), EventWorkflowRejected, "rejected"},
		{WorkflowRetried("wf", "req", "notify", "runner", 2), EventWorkflowRetried, "retried"},
	}

	for _, tc := range tests {
		if tc.msg.Type != tc.typ {
			t.Errorf("got type %q, want %q", tc.msg.Type, tc.typ)
		}
		if tc.msg.Event.Action != tc.action {
			t.Errorf("%s: got action %q, want %q", tc.typ, tc.msg.Event.Action, tc.action)
		}
	}
}

func TestEventMessageJSON(t *testing.T) {
	msg := WorkflowFailed("wf", "req", "notify", "runner", "boom", map[string]interface{}{"attempt": 1})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "source", "workflow_id", "request_id", "step_id", "event", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if _, ok := raw["metadata"]; ok {
		t.Error("empty metadata should be omitted")
	}
}
