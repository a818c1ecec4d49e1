package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	configPath     string
	outputFormat   string
	definitionsDir string
	quiet          bool
)

// exitError carries a process exit code for outcomes that are not command
// errors, such as a workflow that ran and failed
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "approvalflow",
		Short: "Run business-approval workflows",
		Long: `approvalflow walks approval workflow definitions: it evaluates step conditions,
calls integrations (n8n, webhooks, Teams, Slack, Telegram, Discord) and pauses at
approval steps. Paused runs are written to a state file and continued with "resume".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("APPROVALFLOW_CONFIG"), "Path to config YAML")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "auto", "Output format: auto, json, table")
	rootCmd.PersistentFlags().StringVarP(&definitionsDir, "definitions", "d", "", "Workflow definition directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress log output")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newEvalCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newLogsCommand())

	return rootCmd
}
