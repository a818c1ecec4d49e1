package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/jordanhubbard/approvalflow/internal/runner"
)

// resolveFormat turns "auto" into table on a terminal and json otherwise
func resolveFormat(format string, w io.Writer) (string, error) {
	switch format {
	case "json", "table":
		return format, nil
	case "", "auto":
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return "table", nil
		}
		return "json", nil
	default:
		return "", fmt.Errorf("unknown output format %q (want auto, json or table)", format)
	}
}

// render writes v as indented JSON, or through table when the format is table
func render(w io.Writer, v any, table func(io.Writer) error) error {
	format, err := resolveFormat(outputFormat, w)
	if err != nil {
		return err
	}
	if format == "table" && table != nil {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		if err := table(tw); err != nil {
			return err
		}
		return tw.Flush()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stateTable(state runner.State) func(io.Writer) error {
	return func(w io.Writer) error {
		fmt.Fprintf(w, "WORKFLOW\t%s\n", state.WorkflowID)
		fmt.Fprintf(w, "REQUEST\t%s\n", state.Context.RequestID)
		fmt.Fprintf(w, "STATUS\t%s\n", state.Status)
		fmt.Fprintf(w, "STEP INDEX\t%d\n", state.Context.CurrentStepIndex)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "STEP\tTYPE\tPROVIDER\tOK\tMESSAGE")
		for _, res := range state.Results {
			msg := res.Message
			if res.Error != "" {
				msg += ": " + res.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
				dash(res.StepID), dash(string(res.StepType)), dash(string(res.Provider)), res.Success, oneLine(msg))
		}
		return nil
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
