package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/sluice/internal/logging"
	"github.com/Iron-Ham/sluice/internal/model"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "sluice" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "sluice")
	}

	expectedCmds := []string{"run", "validate", "runs", "translate", "logs"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestTranslateCommand(t *testing.T) {
	output, err := executeCommand(rootCmd, "translate", "photo.jpeg", "*.??g")
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if strings.TrimSpace(output) != "photo.jpg" {
		t.Errorf("output = %q, want photo.jpg", output)
	}

	if _, err := executeCommand(rootCmd, "translate", "a.txt", "../*"); err == nil {
		t.Error("translate should reject a pattern with a path separator")
	}
}

func sampleRuns(now time.Time) []*model.PipelineRun {
	done := now.Add(-time.Minute)
	failedStep := 1
	return []*model.PipelineRun{
		{
			ID:          "0123456789abcdef",
			TaskID:      "invoices",
			Event:       model.FileEvent{TaskID: "invoices", SourcePath: "/in/a.pdf"},
			StartedAt:   now.Add(-2 * time.Minute),
			CompletedAt: &done,
			Status:      model.RunSucceeded,
			StepResults: []model.StepResult{
				{StepIndex: 0, Type: model.StepCopy, Attempts: 1, Outcome: model.OutcomeSucceeded, ResultingPath: "/out/a.pdf"},
			},
		},
		{
			ID:             "run-2",
			TaskID:         "invoices",
			Event:          model.FileEvent{TaskID: "invoices", SourcePath: "/in/b.pdf"},
			StartedAt:      now.Add(-time.Hour),
			CompletedAt:    &done,
			Status:         model.RunDeadLettered,
			FailedStep:     &failedStep,
			ErrorMessage:   "device unavailable",
			DeadLetterPath: "/dl/invoices/b.pdf",
		},
	}
}

func TestWriteRunsText(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	if err := writeRuns(&buf, sampleRuns(now), "text", now); err != nil {
		t.Fatalf("writeRuns() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"RUN", "01234567", "succeeded", "/in/a.pdf", "deadlettered", "error: device unavailable", "dead letter: /dl/invoices/b.pdf", "2 minutes ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := writeRuns(&buf, nil, "text", now); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No runs found.") {
		t.Errorf("empty output = %q", buf.String())
	}
}

func TestWriteRunsStructured(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var jsonBuf bytes.Buffer
	if err := writeRuns(&jsonBuf, sampleRuns(now), "json", now); err != nil {
		t.Fatalf("writeRuns(json) error = %v", err)
	}
	var fromJSON []runView
	if err := json.Unmarshal(jsonBuf.Bytes(), &fromJSON); err != nil {
		t.Fatalf("json output does not parse: %v", err)
	}
	if len(fromJSON) != 2 || fromJSON[0].SourcePath != "/in/a.pdf" || fromJSON[0].Steps[0].Path != "/out/a.pdf" {
		t.Errorf("json runs = %+v", fromJSON)
	}
	if fromJSON[1].FailedStep == nil || *fromJSON[1].FailedStep != 1 {
		t.Errorf("failed_step = %v, want 1", fromJSON[1].FailedStep)
	}

	var yamlBuf bytes.Buffer
	if err := writeRuns(&yamlBuf, sampleRuns(now), "yaml", now); err != nil {
		t.Fatalf("writeRuns(yaml) error = %v", err)
	}
	var fromYAML []map[string]any
	if err := yaml.Unmarshal(yamlBuf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml output does not parse: %v", err)
	}
	if len(fromYAML) != 2 || fromYAML[1]["dead_letter_path"] != "/dl/invoices/b.pdf" {
		t.Errorf("yaml runs = %+v", fromYAML)
	}

	if err := writeRuns(&bytes.Buffer{}, nil, "xml", now); err == nil {
		t.Error("unknown format should fail")
	}
}

func TestParseRunFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f, err := parseRunFilter("invoices", "Failed", "/in/a.pdf", "2h", 5, now)
	if err != nil {
		t.Fatalf("parseRunFilter() error = %v", err)
	}
	if f.TaskID != "invoices" || f.Status != model.RunFailed || f.SourcePath != "/in/a.pdf" || f.Limit != 5 {
		t.Errorf("filter = %+v", f)
	}
	if !f.Since.Equal(now.Add(-2 * time.Hour)) {
		t.Errorf("Since = %v", f.Since)
	}

	tests := []struct {
		name, status, since string
		limit               int
	}{
		{"bad status", "done", "", 0},
		{"bad since", "", "yesterday", 0},
		{"negative limit", "", "", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseRunFilter("", tt.status, "", tt.since, tt.limit, now); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestParseLogFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f, err := parseLogFilter("invoices", "run-1", "warn", "30m", "retry", now)
	if err != nil {
		t.Fatalf("parseLogFilter() error = %v", err)
	}
	want := logging.LogFilter{
		Level:           logging.LevelWarn,
		Since:           now.Add(-30 * time.Minute),
		TaskID:          "invoices",
		RunID:           "run-1",
		MessageContains: "retry",
	}
	if f != want {
		t.Errorf("filter = %+v, want %+v", f, want)
	}

	if _, err := parseLogFilter("", "", "loud", "", "", now); err == nil {
		t.Error("invalid level should fail")
	}
}

func TestWriteLogs(t *testing.T) {
	entries := []logging.LogEntry{
		{Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Level: "WARN", Message: "step retry scheduled", TaskID: "invoices"},
	}

	var text bytes.Buffer
	if err := writeLogs(&text, entries, "text"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text.String(), "step retry scheduled") || !strings.Contains(text.String(), "task=invoices") {
		t.Errorf("text = %q", text.String())
	}

	var js bytes.Buffer
	if err := writeLogs(&js, entries, "json"); err != nil {
		t.Fatal(err)
	}
	var back logging.LogEntry
	if err := json.Unmarshal(js.Bytes(), &back); err != nil || back.Message != "step retry scheduled" {
		t.Errorf("json = %q (%v)", js.String(), err)
	}
}
