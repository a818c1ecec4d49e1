package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/approvalflow/internal/logging"
)

func newLogsCommand() *cobra.Command {
	var (
		requestID  string
		workflowID string
		level      string
		source     string
		since      time.Duration
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show persisted log entries for a request or workflow",
		Long: `Query the log database configured by logging.database_dsn. Entries are
tagged with the request, workflow and step they came from.`,
		Example: `  approvalflow logs --request req-1
  approvalflow logs --workflow purchase-approval --level error --since 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			filter, err := logFilter(requestID, workflowID, level, source, since, limit)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Logging.DatabaseDSN == "" {
				return fmt.Errorf("logs are only kept across runs when logging.database_dsn is set")
			}

			db, err := logging.OpenDatabase(ctx, cfg.Logging.DatabaseDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			return showLogs(ctx, cmd.OutOrStdout(), logging.NewManager(db), filter)
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "Only entries for this request ID")
	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Only entries for this workflow ID")
	cmd.Flags().StringVar(&level, "level", "", "Only entries at this level (debug, info, warn, error)")
	cmd.Flags().StringVar(&source, "source", "", "Only entries from this component (engine, runner, integrations, cli)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of entries")
	return cmd
}

func logFilter(requestID, workflowID, level, source string, since time.Duration, limit int) (logging.Filter, error) {
	switch level {
	case "", logging.LogLevelDebug, logging.LogLevelInfo, logging.LogLevelWarn, logging.LogLevelError:
	default:
		return logging.Filter{}, fmt.Errorf("unknown log level %q", level)
	}
	if limit <= 0 {
		return logging.Filter{}, fmt.Errorf("--limit must be positive")
	}

	f := logging.Filter{
		Limit:      limit,
		Level:      level,
		Source:     source,
		RequestID:  requestID,
		WorkflowID: workflowID,
	}
	if since > 0 {
		f.Since = time.Now().Add(-since)
	}
	return f, nil
}

func showLogs(ctx context.Context, w io.Writer, m *logging.Manager, f logging.Filter) error {
	entries, err := m.Query(ctx, f)
	if err != nil {
		return err
	}
	return render(w, entries, func(w io.Writer) error {
		fmt.Fprintln(w, "TIME\tLEVEL\tSOURCE\tREQUEST\tSTEP\tMESSAGE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.Format(time.RFC3339), e.Level, e.Source,
				dash(metaString(e.Metadata, "request_id")), dash(metaString(e.Metadata, "step_id")), oneLine(e.Message))
		}
		return nil
	})
}

func metaString(meta map[string]interface{}, key string) string {
	s, _ := meta[key].(string)
	return s
}
