package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRunStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunPending, RunRunning, true},
		{RunPending, RunFailed, true},
		{RunRunning, RunRunning, true},
		{RunRunning, RunSucceeded, true},
		{RunRunning, RunFailed, true},
		{RunFailed, RunDeadLettered, true},
		{RunRunning, RunPending, false},
		{RunSucceeded, RunRunning, false},
		{RunSucceeded, RunSucceeded, false},
		{RunFailed, RunRunning, false},
		{RunDeadLettered, RunFailed, false},
		{RunRunning, RunDeadLettered, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunStatus_Predicates(t *testing.T) {
	for _, s := range []RunStatus{RunPending, RunRunning} {
		if !s.IsActive() || s.IsTerminal() {
			t.Errorf("%s: want active, non-terminal", s)
		}
	}
	for _, s := range []RunStatus{RunSucceeded, RunDeadLettered} {
		if s.IsActive() || !s.IsTerminal() {
			t.Errorf("%s: want terminal, inactive", s)
		}
	}
	if RunFailed.IsActive() || RunFailed.IsTerminal() {
		t.Error("failed should be neither active nor terminal")
	}
	if RunStatus("bogus").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestPipelineRun_Clone(t *testing.T) {
	now := time.Now()
	idx := 1
	r := &PipelineRun{
		ID:          "r1",
		StepResults: []StepResult{{StepIndex: 0}},
		CompletedAt: &now,
		FailedStep:  &idx,
	}
	c := r.Clone()
	c.StepResults[0].StepIndex = 9
	*c.FailedStep = 5

	if r.StepResults[0].StepIndex != 0 {
		t.Error("Clone shares StepResults backing array")
	}
	if *r.FailedStep != 1 {
		t.Error("Clone shares FailedStep pointer")
	}
}

func TestStepDefinition_EqualAndJSON(t *testing.T) {
	a := StepDefinition{
		Type:   StepCopy,
		Retry:  RetryPolicy{Max: 2, Backoff: time.Second},
		Action: CopyAction{TransferAction{Destination: "/d", Conflict: ConflictRename}},
	}
	b := a
	if !a.Equal(b) {
		t.Error("identical steps not equal")
	}
	b.Action = CopyAction{TransferAction{Destination: "/other", Conflict: ConflictRename}}
	if a.Equal(b) {
		t.Error("different destinations reported equal")
	}

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"type":"copy"`) || !strings.Contains(string(data), `"destination":"/d"`) {
		t.Errorf("unexpected JSON: %s", data)
	}
}

func TestActionHelpers(t *testing.T) {
	if TypeOf(ArchiveAction{}) != StepArchive {
		t.Error("TypeOf(ArchiveAction) != archive")
	}
	if TypeOf(nil) != "" {
		t.Error("TypeOf(nil) should be empty")
	}
	tr, ok := Transfer(MoveAction{TransferAction{Destination: "/x"}})
	if !ok || tr.Destination != "/x" {
		t.Errorf("Transfer(MoveAction) = %+v, %v", tr, ok)
	}
	if _, ok := Transfer(PrintAction{}); ok {
		t.Error("Transfer(PrintAction) should report false")
	}
	for _, st := range StepTypes() {
		if !st.Valid() {
			t.Errorf("%s not valid", st)
		}
	}
	if !StepMove.Relocates() || StepPrint.Relocates() {
		t.Error("Relocates() wrong")
	}
}

func TestArchivePeriod_Subfolder(t *testing.T) {
	ts := time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		p    ArchivePeriod
		want string
	}{
		{PeriodYear, "2024"},
		{PeriodMonth, "2024-03"},
		{PeriodDay, "2024-03-07"},
		{"", "2024-03"},
	}
	for _, tt := range tests {
		if got := tt.p.Subfolder(ts); got != tt.want {
			t.Errorf("%q.Subfolder() = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestConditionField_Supports(t *testing.T) {
	if !FieldSize.Supports(OpGt) {
		t.Error("size should support gt")
	}
	if FieldName.Supports(OpGt) {
		t.Error("name should not support gt")
	}
	if FieldSize.Supports(OpGlob) {
		t.Error("size should not support glob")
	}
	if !FieldExtension.Supports(OpEq) {
		t.Error("extension should support eq")
	}
	if ConditionField("owner").Supports(OpEq) {
		t.Error("unknown field should support nothing")
	}
}

func TestTaskDefinition_Equal(t *testing.T) {
	a := TaskDefinition{
		ID:               "t",
		Enabled:          true,
		Watch:            WatchSpec{Directory: "/in", Glob: "*"},
		Pipeline:         []StepDefinition{{Type: StepDelete, Action: DeleteAction{}}},
		ConcurrencyLimit: 1,
	}
	b := a
	b.Pipeline = []StepDefinition{{Type: StepDelete, Action: DeleteAction{}}}
	if !a.Equal(b) {
		t.Error("equal definitions reported different")
	}
	b.Pipeline[0].Action = DeleteAction{Secure: true}
	if a.Equal(b) {
		t.Error("differing pipelines reported equal")
	}
}
