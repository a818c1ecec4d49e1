package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jordanhubbard/approvalflow/internal/lock"
	"github.com/jordanhubbard/approvalflow/internal/messagebus"
	"github.com/jordanhubbard/approvalflow/internal/metrics"
	"github.com/jordanhubbard/approvalflow/internal/workflow"
	"github.com/jordanhubbard/approvalflow/pkg/messages"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyDispatcher fails each step listed in failures that many times before
// succeeding
type flakyDispatcher struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyDispatcher(failures map[string]int) *flakyDispatcher {
	return &flakyDispatcher{failures: failures, calls: map[string]int{}}
}

func (f *flakyDispatcher) Dispatch(_ context.Context, step workflow.Step, _ workflow.ExecutionContext) workflow.StepExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[step.ID]++
	if f.failures[step.ID] > 0 {
		f.failures[step.ID]--
		return workflow.StepExecutionResult{
			Success: false,
			Message: "webhook integration failed",
			Error:   "Webhook failed with status 503",
		}
	}
	return workflow.StepExecutionResult{Success: true, Message: "Webhook delivered", Data: map[string]any{"ok": true}}
}

func (f *flakyDispatcher) count(stepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stepID]
}

func purchaseWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID:   "purchase",
		Name: "Purchase Request",
		Steps: []workflow.Step{
			{
				ID:   "notify",
				Name: "Notify finance",
				Type: workflow.StepTypeIntegration,
				Integration: &workflow.Integration{
					Provider: workflow.ProviderWebhook,
					Config:   map[string]string{"target": "http://example.invalid/hook"},
				},
			},
			{
				ID:        "manager",
				Name:      "Manager approval",
				Type:      workflow.StepTypeApproval,
				Approvers: []workflow.ApproverTarget{{Type: "manager"}},
			},
			{
				ID:   "record",
				Name: "Record decision",
				Type: workflow.StepTypeIntegration,
				Integration: &workflow.Integration{
					Provider: workflow.ProviderWebhook,
					Config:   map[string]string{"target": "http://example.invalid/record"},
				},
			},
		},
	}
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func eventTypes(bus *messagebus.MemoryBus) []string {
	var out []string
	for _, e := range bus.History() {
		out = append(out, e.Type)
	}
	return out
}

func TestRunner_StartPausesAtApproval(t *testing.T) {
	bus := messagebus.NewMemoryBus(100)
	r := New(workflow.NewEngine(newFlakyDispatcher(nil)), WithEvents(bus))

	outcome, err := r.Start(t.Context(), purchaseWorkflow(), Seed{RequestID: "req-1", RequestData: map[string]any{"amount": 5000}})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusAwaitingAction, outcome.Status)
	assert.Equal(t, 1, outcome.Context.CurrentStepIndex)
	assert.Equal(t, []string{
		messages.EventWorkflowStarted,
		messages.EventWorkflowStepExecuted,
		messages.EventWorkflowAwaitingAction,
	}, eventTypes(bus))

	history := bus.History()
	assert.Equal(t, "notify", history[1].StepID)
	assert.Equal(t, "manager", history[2].StepID)
	assert.Equal(t, "req-1", history[2].RequestID)
}

func TestRunner_ResumeToCompletion(t *testing.T) {
	bus := messagebus.NewMemoryBus(100)
	r := New(workflow.NewEngine(newFlakyDispatcher(nil)), WithEvents(bus))
	wf := purchaseWorkflow()

	paused, err := r.Start(t.Context(), wf, Seed{RequestID: "req-2"})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusAwaitingAction, paused.Status)

	done, err := r.Resume(t.Context(), wf, paused.Context, true)
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusCompleted, done.Status)
	require.Len(t, done.Results, 2)
	assert.Equal(t, "record", done.Results[0].StepID)
	assert.Equal(t, workflow.StepIDWorkflowComplete, done.Results[1].StepID)
	assert.Contains(t, done.Context.PreviousResults, "notify")
	assert.Contains(t, done.Context.PreviousResults, "record")

	types := eventTypes(bus)
	assert.Equal(t, messages.EventWorkflowCompleted, types[len(types)-1])
}

func TestRunner_ResumeRejected(t *testing.T) {
	bus := messagebus.NewMemoryBus(100)
	r := New(workflow.NewEngine(newFlakyDispatcher(nil)), WithEvents(bus))
	wf := purchaseWorkflow()

	paused, err := r.Start(t.Context(), wf, Seed{RequestID: "req-3"})
	require.NoError(t, err)

	rejected, err := r.Resume(t.Context(), wf, paused.Context, false)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, rejected.Status)

	history := bus.History()
	last := history[len(history)-1]
	assert.Equal(t, messages.EventWorkflowRejected, last.Type)
	assert.Equal(t, "manager", last.StepID)
}

func TestRunner_RetriesIntegrationFailure(t *testing.T) {
	bus := messagebus.NewMemoryBus(100)
	d := newFlakyDispatcher(map[string]int{"notify": 2})
	r := New(workflow.NewEngine(d), WithEvents(bus), WithRetry(fastRetry(3)))

	outcome, err := r.Start(t.Context(), purchaseWorkflow(), Seed{RequestID: "req-4"})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusAwaitingAction, outcome.Status)
	assert.Equal(t, 3, d.count("notify"))

	// The failed attempts are replaced by the successful one
	require.Len(t, outcome.Results, 2)
	assert.True(t, outcome.Results[0].Success)
	assert.Equal(t, "notify", outcome.Results[0].StepID)

	var retried []*messages.EventMessage
	for _, e := range bus.History() {
		if e.Type == messages.EventWorkflowRetried {
			retried = append(retried, e)
		}
	}
	require.Len(t, retried, 2)
	assert.Equal(t, 2, retried[0].Event.Data["attempt"])
	assert.Equal(t, 3, retried[1].Event.Data["attempt"])
}

func TestRunner_RetriesExhausted(t *testing.T) {
	bus := messagebus.NewMemoryBus(100)
	d := newFlakyDispatcher(map[string]int{"notify": 10})
	r := New(workflow.NewEngine(d), WithEvents(bus), WithRetry(fastRetry(3)))

	outcome, err := r.Start(t.Context(), purchaseWorkflow(), Seed{RequestID: "req-5"})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusFailed, outcome.Status)
	assert.Equal(t, 3, d.count("notify"))
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, "Webhook failed with status 503", outcome.Results[0].Error)
	assert.Equal(t, 0, outcome.Context.CurrentStepIndex)

	history := bus.History()
	last := history[len(history)-1]
	assert.Equal(t, messages.EventWorkflowFailed, last.Type)
	assert.Equal(t, "notify", last.StepID)
	assert.Equal(t, "Webhook failed with status 503", last.Event.Description)
}

func TestRunner_NoRetryByDefault(t *testing.T) {
	d := newFlakyDispatcher(map[string]int{"notify": 1})
	r := New(workflow.NewEngine(d))

	outcome, err := r.Start(t.Context(), purchaseWorkflow(), Seed{RequestID: "req-6"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, outcome.Status)
	assert.Equal(t, 1, d.count("notify"))

	// A manual retry picks up at the failed step
	again, err := r.Retry(t.Context(), purchaseWorkflow(), outcome.Context)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusAwaitingAction, again.Status)
	assert.Equal(t, 2, d.count("notify"))
}

func TestRunner_StructuralFailureNotRetried(t *testing.T) {
	wf := &workflow.Definition{
		ID:    "broken",
		Steps: []workflow.Step{{ID: "wait", Name: "Wait", Type: "timer"}},
	}
	d := newFlakyDispatcher(nil)
	r := New(workflow.NewEngine(d), WithRetry(fastRetry(5)))

	outcome, err := r.Start(t.Context(), wf, Seed{RequestID: "req-7"})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, outcome.Status)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, "Unknown step type: timer", outcome.Results[0].Error)
}

func TestRunner_LockContention(t *testing.T) {
	locker := lock.NewMemoryLocker()
	r := New(workflow.NewEngine(newFlakyDispatcher(nil)), WithLocker(locker))

	release, err := locker.Acquire(t.Context(), "req-8")
	require.NoError(t, err)

	contention := metrics.NewMetrics().LockContention
	before := testutil.ToFloat64(contention)

	_, err = r.Start(t.Context(), purchaseWorkflow(), Seed{RequestID: "req-8"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, lock.ErrLocked))
	assert.Equal(t, before+1, testutil.ToFloat64(contention))

	require.NoError(t, release(t.Context()))

	_, err = r.Start(t.Context(), purchaseWorkflow(), Seed{RequestID: "req-8"})
	require.NoError(t, err)
	assert.False(t, locker.Held("req-8"), "lock should be released after the run")
}

func TestRunner_CancelledContextStopsRetries(t *testing.T) {
	d := newFlakyDispatcher(map[string]int{"notify": 10})
	r := New(workflow.NewEngine(d), WithRetry(RetryPolicy{
		MaxAttempts:     10,
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
		Multiplier:      1,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan workflow.Outcome, 1)
	go func() {
		outcome, _ := r.Retry(ctx, purchaseWorkflow(), workflow.NewExecutionContext("req-9", nil, "", ""))
		done <- outcome
	}()

	select {
	case outcome := <-done:
		assert.Equal(t, workflow.StatusFailed, outcome.Status)
		assert.Equal(t, 1, d.count("notify"))
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop ignored context cancellation")
	}
}

func TestRunner_NilDefinition(t *testing.T) {
	r := New(workflow.NewEngine(nil))
	_, err := r.Start(t.Context(), nil, Seed{RequestID: "req-10"})
	assert.Error(t, err)
}

func TestRunner_NewState(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	r := New(workflow.NewEngine(newFlakyDispatcher(nil)), WithClock(mock))
	wf := purchaseWorkflow()

	outcome, err := r.Start(t.Context(), wf, Seed{RequestID: "req-11"})
	require.NoError(t, err)

	state := r.NewState(wf, outcome)
	assert.Equal(t, "purchase", state.WorkflowID)
	assert.Equal(t, workflow.StatusAwaitingAction, state.Status)
	assert.Equal(t, 1, state.Context.CurrentStepIndex)
	assert.Equal(t, mock.Now().UTC(), state.UpdatedAt)
}

func TestMergeRetry(t *testing.T) {
	prev := workflow.Outcome{Results: []workflow.StepExecutionResult{
		{StepID: "a", Success: true},
		{StepID: "b", Success: false},
	}}
	next := workflow.Outcome{
		Status:  workflow.StatusCompleted,
		Results: []workflow.StepExecutionResult{{StepID: "b", Success: true}, {StepID: workflow.StepIDWorkflowComplete, Success: true}},
	}

	merged := mergeRetry(prev, next)
	assert.Equal(t, workflow.StatusCompleted, merged.Status)
	var ids []string
	for _, res := range merged.Results {
		ids = append(ids, res.StepID)
	}
	assert.Equal(t, []string{"a", "b", workflow.StepIDWorkflowComplete}, ids)
}
