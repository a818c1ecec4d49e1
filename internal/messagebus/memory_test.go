package messagebus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/approvalflow/pkg/messages"
)

func TestMatchEventType(t *testing.T) {
	tests := []struct {
		pattern, eventType string
		want               bool
	}{
		{"", "workflow.completed", true},
		{"*", "workflow.completed", true},
		{">", "workflow.completed", true},
		{"workflow.completed", "workflow.completed", true},
		{"workflow.completed", "workflow.failed", false},
		{"workflow.*", "workflow.failed", true},
		{"workflow.*", "workflow", false},
		{"workflow.>", "workflow.step.executed", true},
		{"workflow", "workflow.failed", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, matchEventType(tc.pattern, tc.eventType), "%q vs %q", tc.pattern, tc.eventType)
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(2)
	var all, completed []string

	require.NoError(t, bus.SubscribeEvents("", func(e *messages.EventMessage) { all = append(all, e.Type) }))
	require.NoError(t, bus.SubscribeEvents(messages.EventWorkflowCompleted, func(e *messages.EventMessage) {
		completed = append(completed, e.RequestID)
	}))

	ctx := context.Background()
	for _, e := range []*messages.EventMessage{
		messages.WorkflowStarted("wf", "req-1", "test"),
		messages.StepExecuted("wf", "req-1", "notify", "test", nil),
		messages.WorkflowCompleted("wf", "req-1", "test"),
	} {
		require.NoError(t, bus.PublishEvent(ctx, e.Type, e))
	}

	assert.Equal(t, []string{"workflow.started", "workflow.step_executed", "workflow.completed"}, all)
	assert.Equal(t, []string{"req-1"}, completed)

	history := bus.History()
	require.Len(t, history, 2)
	assert.Equal(t, messages.EventWorkflowCompleted, history[1].Type)
}

func TestMemoryBus_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemoryBus(0).PublishEvent(ctx, "x", messages.WorkflowStarted("wf", "r", "test"))
	assert.Error(t, err)
}
