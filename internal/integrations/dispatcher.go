package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/approvalflow/internal/metrics"
	"github.com/jordanhubbard/approvalflow/internal/n8n"
	"github.com/jordanhubbard/approvalflow/internal/telemetry"
	"github.com/jordanhubbard/approvalflow/internal/workflow"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	timestampLayout    = "2006-01-02T15:04:05.000Z07:00"
)

// TelegramSettings holds the process-wide bot credentials. A step may
// override the token with its own "token" config key.
type TelegramSettings struct {
	Token     string
	ServerURL string
}

// Dispatcher routes integration steps to their provider. It implements
// workflow.Dispatcher.
type Dispatcher struct {
	n8n        *n8n.Client
	httpClient *http.Client
	clock      clock.Clock
	telegram   TelegramSettings
	metrics    *metrics.Metrics
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithN8nClient sets the n8n client
func WithN8nClient(c *n8n.Client) Option {
	return func(d *Dispatcher) { d.n8n = c }
}

// WithHTTPClient sets the client used for webhook, chat and discord calls
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithClock sets the clock used for payload timestamps and latency
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithTelegram sets the telegram bot credentials
func WithTelegram(s TelegramSettings) Option {
	return func(d *Dispatcher) { d.telegram = s }
}

// NewDispatcher creates a dispatcher. Outbound HTTP is traced through an
// otelhttp transport unless a client is supplied.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		clock:   clock.New(),
		metrics: metrics.NewMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if d.n8n == nil {
		d.n8n = n8n.NewClient("", n8n.WithHTTPClient(d.httpClient))
	}
	return d
}

// Dispatch executes the integration of step. It never panics and never
// returns an error; failures are reported in the result.
func (d *Dispatcher) Dispatch(ctx context.Context, step workflow.Step, ectx workflow.ExecutionContext) (result workflow.StepExecutionResult) {
	if step.Integration == nil {
		return workflow.StepExecutionResult{
			Success: false,
			StepID:  step.ID,
			Message: "Integration could not be executed",
			Error:   "integration config is missing",
		}
	}
	provider := step.Integration.Provider

	ctx, span := telemetry.Tracer.Start(ctx, "integration.dispatch", trace.WithAttributes(
		attribute.String("integration.provider", string(provider)),
		attribute.String("integration.action", step.Integration.Action),
		attribute.String("step.id", step.ID),
		attribute.String("request.id", ectx.RequestID),
	))
	start := d.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Integrations] Panic in %s provider step=%s request=%s: %v", provider, step.ID, ectx.RequestID, r)
			result = failure(step.ID, provider, fmt.Errorf("integration panicked: %v", r))
		}

		elapsed := d.clock.Since(start)
		d.metrics.RecordIntegration(string(provider), result.Success, elapsed.Seconds())
		attrs := metric.WithAttributes(
			attribute.String("provider", string(provider)),
			attribute.Bool("success", result.Success),
		)
		telemetry.IntegrationDispatches.Add(ctx, 1, attrs)
		telemetry.IntegrationLatency.Record(ctx, float64(elapsed.Milliseconds()), attrs)

		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
		}
		span.End()
	}()

	data, message, err := d.call(ctx, step.Integration, ectx)
	if err != nil {
		log.Printf("[Integrations] %s call failed step=%s request=%s: %v", provider, step.ID, ectx.RequestID, err)
		return failure(step.ID, provider, err)
	}

	log.Printf("[Integrations] %s call succeeded step=%s request=%s", provider, step.ID, ectx.RequestID)
	return workflow.StepExecutionResult{
		Success:  true,
		StepID:   step.ID,
		Provider: provider,
		Message:  message,
		Data:     data,
	}
}

func (d *Dispatcher) call(ctx context.Context, in *workflow.Integration, ectx workflow.ExecutionContext) (any, string, error) {
	switch in.Provider {
	case workflow.ProviderN8n:
		return d.triggerN8n(ctx, parseN8nConfig(in.Config), ectx)
	case workflow.ProviderWebhook:
		return d.sendWebhook(ctx, parseWebhookConfig(in.Config), ectx)
	case workflow.ProviderTeams:
		return d.sendTeams(ctx, parseChatConfig(in.Config), ectx)
	case workflow.ProviderSlack:
		return d.sendSlack(ctx, parseChatConfig(in.Config), ectx)
	case workflow.ProviderOutlook:
		return d.queueOutlook(in.Action, parseOutlookConfig(in.Config))
	case workflow.ProviderTelegram:
		return d.sendTelegram(ctx, parseChatConfig(in.Config), ectx)
	case workflow.ProviderDiscord:
		return d.sendDiscord(ctx, parseChatConfig(in.Config), ectx)
	default:
		return nil, "", fmt.Errorf("Unknown integration provider: %s", in.Provider)
	}
}

func (d *Dispatcher) timestamp() string {
	return d.clock.Now().UTC().Format(timestampLayout)
}

// postJSON sends body to target and fails on any non-2xx status. label
// prefixes the status error, e.g. "Webhook failed with status 500".
func (d *Dispatcher) postJSON(ctx context.Context, label, target string, body any, headers map[string]string) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s failed with status %d", label, resp.StatusCode)
	}
	return respBody, nil
}

func failure(stepID string, provider workflow.Provider, err error) workflow.StepExecutionResult {
	return workflow.StepExecutionResult{
		Success:  false,
		StepID:   stepID,
		Provider: provider,
		Message:  fmt.Sprintf("%s integration failed", provider),
		Error:    err.Error(),
	}
}
