package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/sluice/internal/config"
	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/model"
	"github.com/Iron-Ham/sluice/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs",
	Long: `List runs recorded in the state store, newest first.

Examples:
  # Last 20 runs of every task
  sluice runs

  # Dead-lettered runs of one task as JSON
  sluice runs --task invoices --status deadlettered --format json

  # History of one file over the last day
  sluice runs --path /in/a.pdf --since 24h`,
	RunE: runRuns,
}

var (
	runsTask   string
	runsStatus string
	runsPath   string
	runsSince  string
	runsLimit  int
	runsFormat string
)

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().StringVarP(&runsTask, "task", "t", "", "Only runs of this task")
	runsCmd.Flags().StringVarP(&runsStatus, "status", "s", "", "Only runs with this status (pending/running/succeeded/failed/deadlettered)")
	runsCmd.Flags().StringVarP(&runsPath, "path", "p", "", "Only runs for this source path")
	runsCmd.Flags().StringVar(&runsSince, "since", "", "Only runs started within this duration (e.g., 1h, 30m)")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs (0 for all)")
	runsCmd.Flags().StringVarP(&runsFormat, "format", "f", "text", "Output format (text/json/yaml)")
}

// runView is the serialized form of a run.
type runView struct {
	ID             string     `json:"id" yaml:"id"`
	TaskID         string     `json:"task_id" yaml:"task_id"`
	SourcePath     string     `json:"source_path" yaml:"source_path"`
	Status         string     `json:"status" yaml:"status"`
	Skipped        bool       `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	StartedAt      time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	FailedStep     *int       `json:"failed_step,omitempty" yaml:"failed_step,omitempty"`
	Error          string     `json:"error,omitempty" yaml:"error,omitempty"`
	DeadLetterPath string     `json:"dead_letter_path,omitempty" yaml:"dead_letter_path,omitempty"`
	Steps          []stepView `json:"steps" yaml:"steps"`
}

type stepView struct {
	Index    int    `json:"index" yaml:"index"`
	Type     string `json:"type" yaml:"type"`
	Outcome  string `json:"outcome" yaml:"outcome"`
	Attempts int    `json:"attempts" yaml:"attempts"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	Note     string `json:"note,omitempty" yaml:"note,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newRunView(r *model.PipelineRun) runView {
	v := runView{
		ID:             r.ID,
		TaskID:         r.TaskID,
		SourcePath:     r.SourcePath(),
		Status:         string(r.Status),
		Skipped:        r.Skipped,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		FailedStep:     r.FailedStep,
		Error:          r.ErrorMessage,
		DeadLetterPath: r.DeadLetterPath,
		Steps:          make([]stepView, 0, len(r.StepResults)),
	}
	for _, s := range r.StepResults {
		v.Steps = append(v.Steps, stepView{
			Index:    s.StepIndex,
			Type:     string(s.Type),
			Outcome:  string(s.Outcome),
			Attempts: s.Attempts,
			Path:     s.ResultingPath,
			Note:     s.Note,
			Error:    s.ErrorMessage,
		})
	}
	return v
}

// parseRunFilter converts the flag values into a store filter.
func parseRunFilter(task, status, path, since string, limit int, now time.Time) (store.RunFilter, error) {
	filter := store.RunFilter{TaskID: task, SourcePath: path, Limit: limit}
	if status != "" {
		s := model.RunStatus(strings.ToLower(status))
		if !s.Valid() {
			return filter, fmt.Errorf("invalid status %q", status)
		}
		filter.Status = s
	}
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return filter, fmt.Errorf("invalid duration format: %w", err)
		}
		filter.Since = now.Add(-d)
	}
	if limit < 0 {
		return filter, fmt.Errorf("limit must be non-negative")
	}
	return filter, nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	filter, err := parseRunFilter(runsTask, runsStatus, runsPath, runsSince, runsLimit, time.Now())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Runtime.StateBackend == config.BackendMemory {
		fmt.Fprintln(cmd.OutOrStdout(), "The memory state backend keeps no history between processes.")
		return nil
	}

	st, err := openStore(cfg, logging.NopLogger())
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	return writeRuns(cmd.OutOrStdout(), runs, runsFormat, time.Now())
}

func writeRuns(w io.Writer, runs []*model.PipelineRun, format string, now time.Time) error {
	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, newRunView(r))
	}

	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q (want text, json, or yaml)", format)
	}

	if len(views) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTASK\tSTATUS\tSTARTED\tDURATION\tSOURCE")
	for _, v := range views {
		status := v.Status
		if v.Skipped {
			status += " (skipped)"
		}
		duration := "-"
		if v.CompletedAt != nil {
			duration = v.CompletedAt.Sub(v.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(v.ID), v.TaskID, status,
			humanize.RelTime(v.StartedAt, now, "ago", "from now"),
			duration, v.SourcePath)
		if v.Error != "" {
			fmt.Fprintf(tw, "\t\t\t\t\t  error: %s\n", v.Error)
		}
		if v.DeadLetterPath != "" {
			fmt.Fprintf(tw, "\t\t\t\t\t  dead letter: %s\n", v.DeadLetterPath)
		}
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
