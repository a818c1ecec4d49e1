package main

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/approvalflow/internal/logging"
	"github.com/jordanhubbard/approvalflow/internal/metrics"
	"github.com/jordanhubbard/approvalflow/internal/n8n"
	"github.com/jordanhubbard/approvalflow/internal/runner"
	"github.com/jordanhubbard/approvalflow/internal/workflow"
	"github.com/jordanhubbard/approvalflow/pkg/config"
)

func TestN8nClientTimeoutUsesCallDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := config.DefaultConfig()
	cfg.N8n.BaseURL = srv.URL
	cfg.N8n.Timeout = 300 * time.Millisecond
	cfg.HTTP.Timeout = 50 * time.Millisecond

	shared := &http.Client{Timeout: cfg.HTTP.Timeout, Transport: http.DefaultTransport}
	client := newN8nClient(cfg, shared)

	start := time.Now()
	_, err := client.TriggerWebhook(context.Background(), "slow", map[string]any{})
	require.Error(t, err)

	var timeoutErr *n8n.TimeoutError
	require.True(t, errors.As(err, &timeoutErr), "got %v", err)
	assert.Equal(t, "Request timed out after 300ms", err.Error())
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond, "shared client timeout should not apply")
}

func TestAppLogsAreTaggedByRequest(t *testing.T) {
	isolateEnv(t)
	t.Cleanup(func() { log.SetFlags(log.LstdFlags) })

	cfg := config.DefaultConfig()
	cfg.Logging.Capture = true
	cfg.Logging.Quiet = true

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.Close(ctx)

	infoEntries := metrics.NewMetrics().LogEntries.WithLabelValues(logging.LogLevelInfo)
	before := testutil.ToFloat64(infoEntries)

	wf := &workflow.Definition{
		ID:    "logs-demo",
		Steps: []workflow.Step{{ID: "manager", Name: "Manager", Type: workflow.StepTypeApproval}},
	}
	outcome, err := a.runner.Start(ctx, wf, runner.Seed{RequestID: "req-logs"})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusAwaitingAction, outcome.Status)
	a.record("run", a.runner.NewState(wf, outcome))

	sources := map[string]bool{}
	for _, e := range a.logs.GetRecent(logging.Filter{RequestID: "req-logs"}) {
		sources[e.Source] = true
	}
	assert.True(t, sources["runner"], "runner lines should carry the request id")
	assert.True(t, sources["engine"], "engine lines should carry the request id")
	assert.True(t, sources["cli"])

	recorded := a.logs.GetRecent(logging.Filter{RequestID: "req-logs", Source: "cli"})
	require.Len(t, recorded, 1)
	assert.Equal(t, "logs-demo", recorded[0].Metadata["workflow_id"])
	assert.Equal(t, "manager", recorded[0].Metadata["step_id"])
	assert.Equal(t, "awaiting_action", recorded[0].Metadata["status"])

	assert.Empty(t, a.logs.GetRecent(logging.Filter{RequestID: "someone-else"}))
	assert.Greater(t, testutil.ToFloat64(infoEntries), before)
}

func TestShowLogs(t *testing.T) {
	outputFormat = "table"
	defer func() { outputFormat = "auto" }()

	m := logging.NewManager(nil)
	m.Error("runner", "step failed", map[string]interface{}{"request_id": "req-1", "step_id": "notify"})
	m.Info("cli", "other request", map[string]interface{}{"request_id": "req-2"})

	filter, err := logFilter("req-1", "", "", "", 0, 10)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, showLogs(context.Background(), &buf, m, filter))

	out := buf.String()
	assert.Contains(t, out, "step failed")
	assert.Contains(t, out, "notify")
	assert.NotContains(t, out, "other request")
}

func TestLogFilter(t *testing.T) {
	f, err := logFilter("req-1", "purchase", logging.LogLevelError, "runner", time.Hour, 5)
	require.NoError(t, err)
	assert.Equal(t, "req-1", f.RequestID)
	assert.Equal(t, "purchase", f.WorkflowID)
	assert.Equal(t, 5, f.Limit)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), f.Since, time.Minute)

	_, err = logFilter("", "", "loud", "", 0, 5)
	assert.Error(t, err)
	_, err = logFilter("", "", "", "", 0, 0)
	assert.Error(t, err)
}

func TestLogsCommandNeedsDatabase(t *testing.T) {
	isolateEnv(t)

	_, err := execute(t, "logs", "--request", "req-1", "-q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.database_dsn")

	_, err = execute(t, "logs", "--level", "loud", "-q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
}
