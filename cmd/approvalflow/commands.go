package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/approvalflow/internal/runner"
	"github.com/jordanhubbard/approvalflow/internal/workflow"
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// --- run / resume / retry ---

func newRunCommand() *cobra.Command {
	var (
		dataJSON  string
		dataFile  string
		requestID string
		userID    string
		orgID     string
		stateOut  string
	)
	cmd := &cobra.Command{
		Use:   "run <definition-file|workflow-id>",
		Short: "Start a workflow for a new request",
		Args:  cobra.ExactArgs(1),
		Example: `  approvalflow run workflows/purchase.yaml --data '{"amount": 5000}' --state-out req.json
  approvalflow run purchase-approval --data-file request.yaml -o table`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			wf, err := resolveDefinition(args[0], cfg.Definitions.Dir)
			if err != nil {
				return err
			}
			data, err := parseRequestData(dataJSON, dataFile)
			if err != nil {
				return err
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			outcome, err := a.runner.Start(ctx, wf, runner.Seed{
				RequestID:      requestID,
				RequestData:    data,
				UserID:         userID,
				OrganizationID: orgID,
			})
			if err != nil {
				return err
			}
			state := a.runner.NewState(wf, outcome)
			a.record("run", state)
			return finish(cmd.OutOrStdout(), state, stateOut)
		},
	}
	cmd.Flags().StringVar(&dataJSON, "data", "", "Request data as a JSON object")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "Request data file (JSON or YAML)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Request ID (generated when empty)")
	cmd.Flags().StringVar(&userID, "user", "", "Requesting user ID")
	cmd.Flags().StringVar(&orgID, "org", "", "Organization ID")
	cmd.Flags().StringVar(&stateOut, "state-out", "", "Write the resumable state to this file")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")
	return cmd
}

func newResumeCommand() *cobra.Command {
	var (
		approve  bool
		reject   bool
		wfRef    string
		stateOut string
	)
	cmd := &cobra.Command{
		Use:   "resume <state-file>",
		Short: "Record an approval decision and continue the workflow",
		Args:  cobra.ExactArgs(1),
		Example: `  approvalflow resume req.json --approve
  approvalflow resume req.json --reject --state-out rejected.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			state, err := readState(args[0])
			if err != nil {
				return err
			}
			if state.Status != workflow.StatusAwaitingAction {
				return fmt.Errorf("request %s is not awaiting action (status %s)", state.Context.RequestID, state.Status)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if wfRef == "" {
				wfRef = state.WorkflowID
			}
			wf, err := resolveDefinition(wfRef, cfg.Definitions.Dir)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			outcome, err := a.runner.Resume(ctx, wf, state.Context, approve && !reject)
			if err != nil {
				return err
			}
			if stateOut == "" {
				stateOut = args[0]
			}
			next := a.runner.NewState(wf, outcome)
			a.record("resume", next)
			return finish(cmd.OutOrStdout(), next, stateOut)
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "Approve the pending step")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject the request")
	cmd.Flags().StringVarP(&wfRef, "workflow", "w", "", "Definition file or workflow ID (defaults to the state's workflow)")
	cmd.Flags().StringVar(&stateOut, "state-out", "", "Where to write the new state (defaults to the input file)")
	cmd.MarkFlagsMutuallyExclusive("approve", "reject")
	cmd.MarkFlagsOneRequired("approve", "reject")
	return cmd
}

func newRetryCommand() *cobra.Command {
	var (
		wfRef    string
		stateOut string
	)
	cmd := &cobra.Command{
		Use:   "retry <state-file>",
		Short: "Re-run a failed workflow from the step that failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			state, err := readState(args[0])
			if err != nil {
				return err
			}
			if state.Status != workflow.StatusFailed {
				return fmt.Errorf("request %s has not failed (status %s)", state.Context.RequestID, state.Status)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if wfRef == "" {
				wfRef = state.WorkflowID
			}
			wf, err := resolveDefinition(wfRef, cfg.Definitions.Dir)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			outcome, err := a.runner.Retry(ctx, wf, state.Context)
			if err != nil {
				return err
			}
			if stateOut == "" {
				stateOut = args[0]
			}
			next := a.runner.NewState(wf, outcome)
			a.record("retry", next)
			return finish(cmd.OutOrStdout(), next, stateOut)
		},
	}
	cmd.Flags().StringVarP(&wfRef, "workflow", "w", "", "Definition file or workflow ID (defaults to the state's workflow)")
	cmd.Flags().StringVar(&stateOut, "state-out", "", "Where to write the new state (defaults to the input file)")
	return cmd
}

// finish saves and prints state. A failed run exits with status 2 after
// printing so scripts can tell it apart from a usage error.
func finish(w io.Writer, state runner.State, stateOut string) error {
	if stateOut != "" {
		if err := writeState(stateOut, state); err != nil {
			return err
		}
	}
	if err := render(w, state, stateTable(state)); err != nil {
		return err
	}
	if state.Status == workflow.StatusFailed {
		msg := fmt.Sprintf("workflow %s failed for request %s", state.WorkflowID, state.Context.RequestID)
		if n := len(state.Results); n > 0 && state.Results[n-1].Error != "" {
			msg += ": " + state.Results[n-1].Error
		}
		return &exitError{code: 2, msg: msg}
	}
	return nil
}

// --- validate / list ---

type validationReport struct {
	Path  string `json:"path"`
	ID    string `json:"id,omitempty"`
	Steps int    `json:"steps"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "validate [file|dir]...",
		Short: "Validate workflow definition files",
		Example: `  approvalflow validate workflows/
  approvalflow validate workflows/purchase.yaml
  approvalflow validate --watch workflows/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = []string{cfg.Definitions.Dir}
			}

			if watch {
				if len(args) != 1 {
					return fmt.Errorf("--watch takes exactly one directory")
				}
				ctx, stop := signalContext(cmd)
				defer stop()
				return watchDefinitions(ctx, cmd.OutOrStdout(), args[0])
			}

			files, err := definitionFiles(args)
			if err != nil {
				return err
			}
			reports := validateFiles(files)

			if err := render(cmd.OutOrStdout(), reports, func(w io.Writer) error {
				fmt.Fprintln(w, "FILE\tID\tSTEPS\tVALID\tERROR")
				for _, r := range reports {
					fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", r.Path, dash(r.ID), r.Steps, r.Valid, oneLine(r.Error))
				}
				return nil
			}); err != nil {
				return err
			}

			invalid := 0
			for _, r := range reports {
				if !r.Valid {
					invalid++
				}
			}
			if invalid > 0 {
				return &exitError{code: 1, msg: fmt.Sprintf("%d of %d definitions are invalid", invalid, len(reports))}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and re-validate the directory on change")
	return cmd
}

func validateFiles(files []string) []validationReport {
	reports := make([]validationReport, 0, len(files))
	for _, path := range files {
		r := validationReport{Path: path}
		def, err := workflow.LoadDefinitionFromFile(path)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.ID = def.ID
			r.Steps = len(def.Steps)
			r.Valid = true
		}
		reports = append(reports, r)
	}
	return reports
}

// definitionFiles expands directories into their definition files
func definitionFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
			matches, err := filepath.Glob(filepath.Join(p, pattern))
			if err != nil {
				return nil, err
			}
			files = append(files, matches...)
		}
	}
	return files, nil
}

func watchDefinitions(ctx context.Context, w io.Writer, dir string) error {
	registry := workflow.NewRegistry(dir)
	if err := registry.Reload(); err != nil {
		return err
	}
	fmt.Fprintf(w, "loaded %d definitions from %s\n", len(registry.List()), dir)

	return registry.Watch(ctx, func(err error) {
		if err != nil {
			fmt.Fprintf(w, "reload failed: %v\n", err)
			return
		}
		ids := make([]string, 0)
		for _, def := range registry.List() {
			ids = append(ids, def.ID)
		}
		fmt.Fprintf(w, "reloaded %d definitions: %s\n", len(ids), strings.Join(ids, ", "))
	})
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions in the definition directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry := workflow.NewRegistry(cfg.Definitions.Dir)
			if err := registry.Reload(); err != nil {
				return err
			}
			defs := registry.List()
			return render(cmd.OutOrStdout(), defs, func(w io.Writer) error {
				fmt.Fprintln(w, "ID\tNAME\tSTEPS")
				for _, def := range defs {
					fmt.Fprintf(w, "%s\t%s\t%d\n", def.ID, def.Name, len(def.Steps))
				}
				return nil
			})
		},
	}
}

// --- eval ---

func newEvalCommand() *cobra.Command {
	var (
		conditionsJSON string
		conditionsFile string
		dataJSON       string
		dataFile       string
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate step conditions against request data",
		Example: `  approvalflow eval --conditions '[{"field":"amount","operator":"greater_than","value":1000}]' --data '{"amount":5000}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conds, err := parseConditions(conditionsJSON, conditionsFile)
			if err != nil {
				return err
			}
			data, err := parseRequestData(dataJSON, dataFile)
			if err != nil {
				return err
			}
			for i, c := range conds {
				if err := c.Validate(); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: condition %d: %v (always passes)\n", i, err)
				}
			}

			result := struct {
				Result     bool `json:"result"`
				Conditions int  `json:"conditions"`
			}{workflow.EvaluateConditions(conds, data), len(conds)}

			return render(cmd.OutOrStdout(), result, func(w io.Writer) error {
				fmt.Fprintf(w, "CONDITIONS\t%d\n", result.Conditions)
				fmt.Fprintf(w, "RESULT\t%t\n", result.Result)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&conditionsJSON, "conditions", "", "Conditions as a JSON array")
	cmd.Flags().StringVar(&conditionsFile, "conditions-file", "", "Conditions file (JSON or YAML)")
	cmd.Flags().StringVar(&dataJSON, "data", "", "Request data as a JSON object")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "Request data file (JSON or YAML)")
	cmd.MarkFlagsMutuallyExclusive("conditions", "conditions-file")
	cmd.MarkFlagsMutuallyExclusive("data", "data-file")
	return cmd
}

// --- helpers ---

// resolveDefinition loads ref as a file when one exists at that path,
// otherwise looks it up by id in dir
func resolveDefinition(ref, dir string) (*workflow.Definition, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		return workflow.LoadDefinitionFromFile(ref)
	}

	registry := workflow.NewRegistry(dir)
	if err := registry.Reload(); err != nil {
		return nil, fmt.Errorf("failed to load definitions from %s: %w", dir, err)
	}
	def, err := registry.Get(ref)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	return def, nil
}

// decodeFile decodes a JSON or YAML file into v, chosen by extension
func decodeFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, v)
	default:
		err = json.Unmarshal(raw, v)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func parseRequestData(inline, file string) (map[string]any, error) {
	data := map[string]any{}
	switch {
	case file != "":
		if err := decodeFile(file, &data); err != nil {
			return nil, err
		}
	case inline != "":
		if err := json.Unmarshal([]byte(inline), &data); err != nil {
			return nil, fmt.Errorf("failed to parse --data: %w", err)
		}
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func parseConditions(inline, file string) ([]workflow.Condition, error) {
	var conds []workflow.Condition
	switch {
	case file != "":
		if err := decodeFile(file, &conds); err != nil {
			return nil, err
		}
	case inline != "":
		if err := json.Unmarshal([]byte(inline), &conds); err != nil {
			return nil, fmt.Errorf("failed to parse --conditions: %w", err)
		}
	default:
		return nil, errors.New("one of --conditions or --conditions-file is required")
	}
	return conds, nil
}

func readState(path string) (runner.State, error) {
	var state runner.State
	raw, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return state, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if state.WorkflowID == "" || state.Context.RequestID == "" {
		return state, fmt.Errorf("state file %s is missing workflow_id or request_id", path)
	}
	if state.Context.RequestData == nil {
		state.Context.RequestData = map[string]any{}
	}
	if state.Context.PreviousResults == nil {
		state.Context.PreviousResults = map[string]any{}
	}
	return state, nil
}

func writeState(path string, state runner.State) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}
