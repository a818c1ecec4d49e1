// Package runner hosts the workflow engine: it serializes advancement per
// request, retries failed integration steps, and publishes lifecycle events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/jordanhubbard/approvalflow/internal/lock"
	"github.com/jordanhubbard/approvalflow/internal/messagebus"
	"github.com/jordanhubbard/approvalflow/internal/metrics"
	"github.com/jordanhubbard/approvalflow/internal/workflow"
	"github.com/jordanhubbard/approvalflow/pkg/messages"
)

const eventSource = "approvalflow-runner"

var errStepFailed = errors.New("integration step failed")

// RetryPolicy controls retries of a failed integration step. MaxAttempts
// counts the first try; 1 or less disables retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Seed is the request a new run starts from
type Seed struct {
	RequestID      string         `json:"request_id"`
	RequestData    map[string]any `json:"request_data"`
	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id"`
}

// State is what a caller persists between a pause and the next decision
type State struct {
	WorkflowID string                         `json:"workflow_id"`
	Status     workflow.Status                `json:"status"`
	Context    workflow.ExecutionContext      `json:"context"`
	Results    []workflow.StepExecutionResult `json:"results,omitempty"`
	UpdatedAt  time.Time                      `json:"updated_at"`
}

// Runner drives a workflow.Engine on behalf of a hosting application
type Runner struct {
	engine  *workflow.Engine
	locker  lock.Locker
	events  messagebus.EventPublisher
	retry   RetryPolicy
	clock   clock.Clock
	metrics *metrics.Metrics
}

// Option configures a Runner
type Option func(*Runner)

// WithLocker sets the per-request locker
func WithLocker(l lock.Locker) Option {
	return func(r *Runner) { r.locker = l }
}

// WithEvents sets the event publisher
func WithEvents(p messagebus.EventPublisher) Option {
	return func(r *Runner) { r.events = p }
}

// WithRetry sets the retry policy
func WithRetry(p RetryPolicy) Option {
	return func(r *Runner) { r.retry = p }
}

// WithClock sets the clock used for state timestamps and backoff
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// New creates a runner around engine. Without options it uses in-process
// locks, publishes nothing and never retries.
func New(engine *workflow.Engine, opts ...Option) *Runner {
	r := &Runner{
		engine:  engine,
		locker:  lock.NewMemoryLocker(),
		retry:   RetryPolicy{MaxAttempts: 1},
		clock:   clock.New(),
		metrics: metrics.NewMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs wf for a new request from its first step
func (r *Runner) Start(ctx context.Context, wf *workflow.Definition, seed Seed) (workflow.Outcome, error) {
	if wf == nil {
		return workflow.Outcome{}, fmt.Errorf("workflow definition cannot be nil")
	}

	release, err := r.acquire(ctx, seed.RequestID)
	if err != nil {
		return workflow.Outcome{}, err
	}
	defer r.release(release, seed.RequestID)

	log.Printf("[Runner] Starting workflow=%s request=%s", wf.ID, seed.RequestID)
	r.publish(ctx, messages.WorkflowStarted(wf.ID, seed.RequestID, eventSource))

	outcome := r.advance(ctx, wf, seed.RequestID, func() workflow.Outcome {
		return r.engine.StartWorkflowExecution(ctx, wf, seed.RequestID, seed.RequestData, seed.UserID, seed.OrganizationID)
	})
	r.publishOutcome(ctx, wf, outcome)
	return outcome, nil
}

// Resume records a decision on the approval step at ectx.CurrentStepIndex
// and continues
func (r *Runner) Resume(ctx context.Context, wf *workflow.Definition, ectx workflow.ExecutionContext, approved bool) (workflow.Outcome, error) {
	if wf == nil {
		return workflow.Outcome{}, fmt.Errorf("workflow definition cannot be nil")
	}

	release, err := r.acquire(ctx, ectx.RequestID)
	if err != nil {
		return workflow.Outcome{}, err
	}
	defer r.release(release, ectx.RequestID)

	log.Printf("[Runner] Resuming workflow=%s request=%s at step %d (approved=%t)", wf.ID, ectx.RequestID, ectx.CurrentStepIndex, approved)

	outcome := r.advance(ctx, wf, ectx.RequestID, func() workflow.Outcome {
		return r.engine.ContinueWorkflowAfterApproval(ctx, wf, ectx, approved)
	})
	r.publishOutcome(ctx, wf, outcome)
	return outcome, nil
}

// Retry re-invokes a failed run from the step it stopped at. ectx is the
// context from the failed outcome; results recorded before the failure are
// kept.
func (r *Runner) Retry(ctx context.Context, wf *workflow.Definition, ectx workflow.ExecutionContext) (workflow.Outcome, error) {
	if wf == nil {
		return workflow.Outcome{}, fmt.Errorf("workflow definition cannot be nil")
	}

	release, err := r.acquire(ctx, ectx.RequestID)
	if err != nil {
		return workflow.Outcome{}, err
	}
	defer r.release(release, ectx.RequestID)

	log.Printf("[Runner] Retrying workflow=%s request=%s from step %d", wf.ID, ectx.RequestID, ectx.CurrentStepIndex)

	outcome := r.advance(ctx, wf, ectx.RequestID, func() workflow.Outcome {
		return r.engine.ProcessStep(ctx, wf, ectx)
	})
	r.publishOutcome(ctx, wf, outcome)
	return outcome, nil
}

// NewState captures outcome for persistence
func (r *Runner) NewState(wf *workflow.Definition, outcome workflow.Outcome) State {
	return State{
		WorkflowID: wf.ID,
		Status:     outcome.Status,
		Context:    outcome.Context,
		Results:    outcome.Results,
		UpdatedAt:  r.clock.Now().UTC(),
	}
}

func (r *Runner) acquire(ctx context.Context, requestID string) (lock.Release, error) {
	release, err := r.locker.Acquire(ctx, requestID)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			r.metrics.LockContention.Inc()
			log.Printf("[Runner] Lock busy, request=%s is already being advanced", requestID)
		}
		return nil, fmt.Errorf("failed to lock request %s: %w", requestID, err)
	}
	return release, nil
}

func (r *Runner) release(release lock.Release, requestID string) {
	// The caller's context may already be done; the release must still go out
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := release(ctx); err != nil {
		log.Printf("[Runner] Warning: failed to release lock request=%s: %v", requestID, err)
	}
}

// advance runs first and then, while the outcome is a retryable failure,
// re-invokes the engine from the failed step with backoff between tries
func (r *Runner) advance(ctx context.Context, wf *workflow.Definition, requestID string, first func() workflow.Outcome) workflow.Outcome {
	if r.retry.MaxAttempts <= 1 {
		return first()
	}

	var outcome workflow.Outcome
	attempt := 0
	op := func() error {
		attempt++
		if attempt == 1 {
			outcome = first()
		} else {
			next := r.engine.ProcessStep(ctx, wf, outcome.Context)
			outcome = mergeRetry(outcome, next)
		}

		if outcome.Status != workflow.StatusFailed {
			return nil
		}
		if !retryable(outcome) {
			return backoff.Permanent(errStepFailed)
		}
		return errStepFailed
	}

	notify := func(err error, wait time.Duration) {
		stepID := lastStepID(outcome)
		log.Printf("[Runner] Step failed workflow=%s request=%s step=%s (attempt %d/%d), retrying in %v",
			wf.ID, requestID, stepID, attempt, r.retry.MaxAttempts, wait)
		r.metrics.WorkflowRetries.WithLabelValues(wf.ID).Inc()
		r.publish(ctx, messages.WorkflowRetried(wf.ID, requestID, stepID, eventSource, attempt+1))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.retry.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil && attempt > 1 {
		log.Printf("[Runner] Giving up workflow=%s request=%s after %d attempts", wf.ID, requestID, attempt)
	}
	return outcome
}

func (r *Runner) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.retry.InitialInterval,
		MaxInterval:         r.retry.MaxInterval,
		Multiplier:          r.retry.Multiplier,
		RandomizationFactor: 0.2,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               r.clock,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	b.Reset()
	return b
}

// retryable reports whether the failure came from an integration call.
// Structural failures (unknown step type, bad index) will fail again.
func retryable(outcome workflow.Outcome) bool {
	if len(outcome.Results) == 0 {
		return false
	}
	last := outcome.Results[len(outcome.Results)-1]
	return !last.Success && last.StepType == workflow.StepTypeIntegration
}

// mergeRetry replaces the failed result of prev with the retry's results
func mergeRetry(prev, next workflow.Outcome) workflow.Outcome {
	results := make([]workflow.StepExecutionResult, 0, len(prev.Results)+len(next.Results))
	if n := len(prev.Results); n > 0 {
		results = append(results, prev.Results[:n-1]...)
	}
	results = append(results, next.Results...)
	return workflow.Outcome{Status: next.Status, Results: results, Context: next.Context}
}

func lastStepID(outcome workflow.Outcome) string {
	if len(outcome.Results) == 0 {
		return ""
	}
	return outcome.Results[len(outcome.Results)-1].StepID
}
