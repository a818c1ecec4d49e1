package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/approvalflow/internal/runner"
	"github.com/jordanhubbard/approvalflow/internal/workflow"
)

// isolateEnv keeps the developer's environment out of the commands under test
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APPROVALFLOW_CONFIG",
		"N8N_BASE_URL",
		"APPROVALFLOW_NATS_URL",
		"APPROVALFLOW_REDIS_URL",
		"APPROVALFLOW_TELEGRAM_TOKEN",
		"APPROVALFLOW_LOG_DSN",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
	t.Cleanup(func() { log.SetOutput(os.Stderr) })
}

func execute(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.Bytes(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const purchaseDefinition = `id: purchase-approval
name: Purchase Approval
steps:
  - id: notify-finance
    name: Notify finance
    type: integration
    conditions:
      - field: amount
        operator: greater_than
        value: 1000
    integration:
      provider: webhook
      config:
        target: "${TEST_HOOK_URL}/finance"
  - id: manager
    name: Manager approval
    type: approval
    approvers:
      - type: manager
  - id: record
    name: Record decision
    type: integration
    integration:
      provider: webhook
      config:
        target: "${TEST_HOOK_URL}/record"
`

func hookServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(srv.Close)
	t.Setenv("TEST_HOOK_URL", srv.URL)
	return srv, &hits
}

func decodeState(t *testing.T, out []byte) runner.State {
	t.Helper()
	var state runner.State
	require.NoError(t, json.Unmarshal(out, &state), "output: %s", out)
	return state
}

func TestRunAndResume(t *testing.T) {
	isolateEnv(t)
	_, hits := hookServer(t, http.StatusOK)

	dir := t.TempDir()
	defPath := writeFile(t, dir, "purchase.yaml", purchaseDefinition)
	statePath := filepath.Join(dir, "state.json")

	out, err := execute(t, "run", defPath, "--data", `{"amount": 5000}`, "--request-id", "req-1",
		"--state-out", statePath, "-o", "json", "-q")
	require.NoError(t, err)

	state := decodeState(t, out)
	assert.Equal(t, "purchase-approval", state.WorkflowID)
	assert.Equal(t, workflow.StatusAwaitingAction, state.Status)
	assert.Equal(t, 1, state.Context.CurrentStepIndex)
	assert.Contains(t, state.Context.PreviousResults, "notify-finance")
	assert.EqualValues(t, 1, hits.Load())

	out, err = execute(t, "resume", statePath, "--approve", "-w", defPath, "-o", "json", "-q")
	require.NoError(t, err)

	state = decodeState(t, out)
	assert.Equal(t, workflow.StatusCompleted, state.Status)
	assert.EqualValues(t, 2, hits.Load())

	saved, err := readState(statePath)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, saved.Status)

	// A completed request cannot be resumed again
	_, err = execute(t, "resume", statePath, "--approve", "-w", defPath, "-q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not awaiting action")
}

func TestRunSkipsConditionalStep(t *testing.T) {
	isolateEnv(t)
	_, hits := hookServer(t, http.StatusOK)

	dir := t.TempDir()
	defPath := writeFile(t, dir, "purchase.yaml", purchaseDefinition)

	out, err := execute(t, "run", defPath, "--data", `{"amount": 500}`, "-o", "json", "-q")
	require.NoError(t, err)

	state := decodeState(t, out)
	assert.Equal(t, workflow.StatusAwaitingAction, state.Status)
	assert.NotEmpty(t, state.Context.RequestID, "request id should be generated")
	assert.EqualValues(t, 0, hits.Load())
}

func TestRunByWorkflowID(t *testing.T) {
	isolateEnv(t)
	hookServer(t, http.StatusOK)

	dir := t.TempDir()
	writeFile(t, dir, "purchase.yaml", purchaseDefinition)

	out, err := execute(t, "run", "purchase-approval", "-d", dir, "--data", `{"amount": 5000}`, "-o", "json", "-q")
	require.NoError(t, err)
	assert.Equal(t, "purchase-approval", decodeState(t, out).WorkflowID)

	_, err = execute(t, "run", "missing-workflow", "-d", dir, "-q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrDefinitionNotFound))
}

func TestRunFailureExitCode(t *testing.T) {
	isolateEnv(t)
	hookServer(t, http.StatusBadGateway)

	dir := t.TempDir()
	defPath := writeFile(t, dir, "purchase.yaml", purchaseDefinition)
	statePath := filepath.Join(dir, "state.json")

	out, err := execute(t, "run", defPath, "--data", `{"amount": 5000}`, "--state-out", statePath, "-o", "json", "-q")
	require.Error(t, err)

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.code)
	assert.Contains(t, ee.msg, "Webhook failed with status 502")

	state := decodeState(t, out)
	assert.Equal(t, workflow.StatusFailed, state.Status)
	assert.Equal(t, 0, state.Context.CurrentStepIndex)

	saved, err := readState(statePath)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, saved.Status)
}

func TestValidate(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeFile(t, dir, "purchase.yaml", purchaseDefinition)
	writeFile(t, dir, "broken.yaml", "id: broken\nname: Broken\nsteps:\n  - id: wait\n    type: timer\n")
	writeFile(t, dir, "notes.txt", "not a definition")

	out, err := execute(t, "validate", dir, "-o", "json", "-q")
	require.Error(t, err)
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.code)

	var reports []validationReport
	require.NoError(t, json.Unmarshal(out, &reports))
	require.Len(t, reports, 2)

	byID := map[bool]validationReport{}
	for _, r := range reports {
		byID[r.Valid] = r
	}
	assert.Equal(t, "purchase-approval", byID[true].ID)
	assert.Equal(t, 3, byID[true].Steps)
	assert.NotEmpty(t, byID[false].Error)

	_, err = execute(t, "validate", filepath.Join(dir, "purchase.yaml"), "-q")
	assert.NoError(t, err)
}

func TestEval(t *testing.T) {
	isolateEnv(t)

	tests := []struct {
		name string
		data string
		want bool
	}{
		{"above threshold", `{"amount": 5000}`, true},
		{"below threshold", `{"amount": 10}`, false},
		{"missing field", `{}`, false},
	}

	conds := `[{"field":"amount","operator":"greater_than","value":1000}]`
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := execute(t, "eval", "--conditions", conds, "--data", tc.data, "-o", "json")
			require.NoError(t, err)

			var result struct {
				Result     bool `json:"result"`
				Conditions int  `json:"conditions"`
			}
			require.NoError(t, json.Unmarshal(out, &result))
			assert.Equal(t, tc.want, result.Result)
			assert.Equal(t, 1, result.Conditions)
		})
	}

	// Unknown operators pass, matching how the engine gates steps
	out, err := execute(t, "eval", "--conditions", `[{"field":"amount","operator":"like","value":1}]`, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, string(out), `"result": true`)
}

func TestHealth(t *testing.T) {
	isolateEnv(t)

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer healthy.Close()

	t.Setenv("N8N_BASE_URL", healthy.URL)
	out, err := execute(t, "health", "-o", "json", "-q")
	require.NoError(t, err)
	assert.Contains(t, string(out), `"healthy": true`)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	t.Setenv("N8N_BASE_URL", down.URL)
	_, err = execute(t, "health", "-o", "json", "-q")
	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.code)
}

func TestResolveFormat(t *testing.T) {
	var buf bytes.Buffer

	got, err := resolveFormat("auto", &buf)
	require.NoError(t, err)
	assert.Equal(t, "json", got, "a buffer is not a terminal")

	got, err = resolveFormat("table", &buf)
	require.NoError(t, err)
	assert.Equal(t, "table", got)

	_, err = resolveFormat("xml", &buf)
	assert.Error(t, err)
}

func TestStateTable(t *testing.T) {
	outputFormat = "table"
	defer func() { outputFormat = "auto" }()

	state := runner.State{
		WorkflowID: "purchase-approval",
		Status:     workflow.StatusFailed,
		Context:    workflow.NewExecutionContext("req-7", nil, "", ""),
		Results: []workflow.StepExecutionResult{{
			StepID:   "notify-finance",
			StepType: workflow.StepTypeIntegration,
			Provider: workflow.ProviderSlack,
			Message:  "slack integration failed",
			Error:    "Slack notification failed with status 500",
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, render(&buf, state, stateTable(state)))

	out := buf.String()
	assert.Contains(t, out, "purchase-approval")
	assert.Contains(t, out, "req-7")
	assert.Contains(t, out, "failed")
	assert.True(t, strings.Contains(out, "notify-finance") && strings.Contains(out, "slack"))
	assert.Contains(t, out, "Slack notification failed with status 500")
}

func TestParseRequestData(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "req.yaml", "amount: 5000\ndepartment: finance\n")

	data, err := parseRequestData("", yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 5000, data["amount"])
	assert.Equal(t, "finance", data["department"])

	data, err = parseRequestData(`{"amount": 12.5}`, "")
	require.NoError(t, err)
	assert.Equal(t, 12.5, data["amount"])

	data, err = parseRequestData("", "")
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = parseRequestData(`[1,2]`, "")
	assert.Error(t, err)
}

func TestReadStateRejectsIncomplete(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "state.json", `{"status":"awaiting_action","context":{}}`)

	_, err := readState(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing workflow_id")
}
