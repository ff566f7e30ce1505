package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/sluice/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View engine logs",
	Long: `View and filter sluice.log and its rotated backups from logging.dir.

Examples:
  # Last 50 entries
  sluice logs

  # Everything one run logged, for a dead-lettered file
  sluice logs --run 1f0c2a9e-... -n 0

  # Warnings and errors of one task in the last hour
  sluice logs --task invoices --level warn --since 1h

  # Entries whose message mentions retries, as JSON
  sluice logs --grep retry --format json`,
	RunE: runLogs,
}

var (
	logsTask   string
	logsRun    string
	logsTail   int
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsFormat string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsTask, "task", "t", "", "Only entries of this task")
	logsCmd.Flags().StringVarP(&logsRun, "run", "r", "", "Only entries of this run")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message contains this text")
	logsCmd.Flags().StringVarP(&logsFormat, "format", "f", "text", "Output format (text/json)")
}

// parseLogFilter converts the flag values into a log filter.
func parseLogFilter(task, run, level, since, grep string, now time.Time) (logging.LogFilter, error) {
	filter := logging.LogFilter{TaskID: task, RunID: run, MessageContains: grep}
	if level != "" {
		if !slices.Contains(logging.ValidLevels(), strings.ToUpper(level)) {
			return filter, fmt.Errorf("invalid level %q", level)
		}
		filter.Level = strings.ToUpper(level)
	}
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return filter, fmt.Errorf("invalid duration format: %w", err)
		}
		filter.Since = now.Add(-d)
	}
	return filter, nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	filter, err := parseLogFilter(logsTask, logsRun, logsLevel, logsSince, logsGrep, time.Now())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Logging.Dir == "" {
		return fmt.Errorf("logging.dir is not set; the engine logs to stderr")
	}

	entries, err := logging.ReadLogs(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}
	entries = logging.FilterLogs(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	return writeLogs(cmd.OutOrStdout(), entries, logsFormat)
}

func writeLogs(w io.Writer, entries []logging.LogEntry, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q (want text or json)", format)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "No matching log entries found.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintln(w, logging.FormatText(e))
	}
	return nil
}
