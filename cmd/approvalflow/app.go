package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/approvalflow/internal/integrations"
	"github.com/jordanhubbard/approvalflow/internal/lock"
	"github.com/jordanhubbard/approvalflow/internal/logging"
	"github.com/jordanhubbard/approvalflow/internal/messagebus"
	"github.com/jordanhubbard/approvalflow/internal/metrics"
	"github.com/jordanhubbard/approvalflow/internal/n8n"
	"github.com/jordanhubbard/approvalflow/internal/runner"
	"github.com/jordanhubbard/approvalflow/internal/telemetry"
	"github.com/jordanhubbard/approvalflow/internal/workflow"
	"github.com/jordanhubbard/approvalflow/pkg/config"
	"github.com/jordanhubbard/approvalflow/pkg/messages"
)

// app is everything a command needs to drive workflows
type app struct {
	cfg     *config.Config
	logs    *logging.Manager
	n8n     *n8n.Client
	runner  *runner.Runner
	closers []func(context.Context) error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if definitionsDir != "" {
		cfg.Definitions.Dir = definitionsDir
	}
	if quiet {
		cfg.Logging.Quiet = true
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if err := a.initLogging(ctx); err != nil {
		return nil, err
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTelemetry(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			log.Printf("[CLI] Warning: telemetry disabled: %v", err)
		} else {
			a.closers = append(a.closers, shutdown)
		}
	}

	httpClient := &http.Client{
		Timeout:   cfg.HTTP.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	a.n8n = newN8nClient(cfg, httpClient)

	dispatcher := integrations.NewDispatcher(
		integrations.WithN8nClient(a.n8n),
		integrations.WithHTTPClient(httpClient),
		integrations.WithTelegram(integrations.TelegramSettings{
			Token:     cfg.Telegram.BotToken,
			ServerURL: cfg.Telegram.ServerURL,
		}),
	)

	events, err := a.initEvents()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	locker, err := a.initLocker()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.runner = runner.New(workflow.NewEngine(dispatcher),
		runner.WithLocker(locker),
		runner.WithEvents(events),
		runner.WithRetry(runner.RetryPolicy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
			Multiplier:      cfg.Retry.Multiplier,
		}),
	)
	return a, nil
}

// newN8nClient shares the instrumented transport but not the client timeout,
// so the n8n call deadline alone decides when a webhook times out.
func newN8nClient(cfg *config.Config, httpClient *http.Client) *n8n.Client {
	return n8n.NewClient(cfg.N8n.BaseURL,
		n8n.WithTimeout(cfg.N8n.Timeout),
		n8n.WithHealthTimeout(cfg.N8n.HealthTimeout),
		n8n.WithHTTPClient(&http.Client{Transport: httpClient.Transport}),
	)
}

func (a *app) initLogging(ctx context.Context) error {
	cfg := a.cfg.Logging

	var echo io.Writer = os.Stderr
	if cfg.Quiet {
		echo = nil
	}

	if cfg.DatabaseDSN != "" {
		db, err := logging.OpenDatabase(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to open log database: %w", err)
		}
		a.logs = logging.NewManager(db)
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	} else {
		a.logs = logging.NewManager(nil)
	}

	logMetrics := metrics.NewMetrics()
	a.logs.AddHandler(func(e logging.LogEntry) {
		logMetrics.LogEntries.WithLabelValues(e.Level).Inc()
	})

	switch {
	case cfg.Capture || cfg.DatabaseDSN != "":
		a.logs.InstallLogInterceptor(echo)
	case cfg.Quiet:
		log.SetOutput(io.Discard)
	}
	return nil
}

// record adds one entry per command outcome, tagged so `logs --request`
// finds it
func (a *app) record(command string, state runner.State) {
	meta := map[string]interface{}{
		"request_id":  state.Context.RequestID,
		"workflow_id": state.WorkflowID,
		"status":      string(state.Status),
		"command":     command,
	}
	if n := len(state.Results); n > 0 {
		meta["step_id"] = state.Results[n-1].StepID
	}

	msg := fmt.Sprintf("%s finished with status %s at step index %d", command, state.Status, state.Context.CurrentStepIndex)
	switch state.Status {
	case workflow.StatusFailed:
		a.logs.Error("cli", msg, meta)
	case workflow.StatusRejected:
		a.logs.Warn("cli", msg, meta)
	default:
		a.logs.Info("cli", msg, meta)
	}
}

func (a *app) initEvents() (messagebus.EventPublisher, error) {
	if a.cfg.NATS.URL == "" {
		bus := messagebus.NewMemoryBus(0)
		_ = bus.SubscribeEvents(">", func(e *messages.EventMessage) {
			log.Printf("[Events] %s workflow=%s request=%s step=%s", e.Type, e.WorkflowID, e.RequestID, e.StepID)
		})
		return bus, nil
	}

	bus, err := messagebus.NewNatsMessageBus(messagebus.Config{
		URL:        a.cfg.NATS.URL,
		StreamName: a.cfg.NATS.StreamName,
		Timeout:    a.cfg.NATS.Timeout,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return bus.Close() })
	return bus, nil
}

func (a *app) initLocker() (lock.Locker, error) {
	if a.cfg.Redis.URL == "" {
		return lock.NewMemoryLocker(), nil
	}
	locker, err := lock.NewRedisLockerFromURL(a.cfg.Redis.URL, a.cfg.Redis.KeyPrefix, a.cfg.Redis.LockTTL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return locker.Close() })
	return locker, nil
}

// Close pushes metrics, releases connections in reverse order and flushes
// pending log writes
func (a *app) Close(ctx context.Context) {
	if err := metrics.Push(ctx, a.cfg.Telemetry.PushgatewayURL, "approvalflow"); err != nil {
		log.Printf("[CLI] Warning: %v", err)
	}

	if a.logs != nil {
		a.logs.Flush()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.closers[i](closeCtx); err != nil {
			log.Printf("[CLI] Warning: shutdown: %v", err)
		}
		cancel()
	}
}
