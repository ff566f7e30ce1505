package model

import (
	"encoding/json"
	"time"
)

// StepType identifies one of the fixed step kinds.
type StepType string

const (
	StepCopy     StepType = "copy"
	StepMove     StepType = "move"
	StepPrint    StepType = "print"
	StepArchive  StepType = "archive"
	StepDelete   StepType = "delete"
	StepDecision StepType = "decision"
)

// StepTypes lists every supported step kind in declaration order.
func StepTypes() []StepType {
	return []StepType{StepCopy, StepMove, StepPrint, StepArchive, StepDelete, StepDecision}
}

// Valid reports whether t is a supported step kind.
func (t StepType) Valid() bool {
	switch t {
	case StepCopy, StepMove, StepPrint, StepArchive, StepDelete, StepDecision:
		return true
	}
	return false
}

// Relocates reports whether a successful step of this kind changes the
// current file location of a run.
func (t StepType) Relocates() bool {
	return t == StepCopy || t == StepMove || t == StepArchive
}

// ConflictStrategy resolves destination collisions.
type ConflictStrategy string

const (
	ConflictOverwrite ConflictStrategy = "overwrite"
	ConflictRename    ConflictStrategy = "rename"
	ConflictSkip      ConflictStrategy = "skip"
	ConflictFail      ConflictStrategy = "fail"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case ConflictOverwrite, ConflictRename, ConflictSkip, ConflictFail:
		return true
	}
	return false
}

// ArchivePeriod selects the subfolder granularity of an archive step.
type ArchivePeriod string

const (
	PeriodYear  ArchivePeriod = "year"
	PeriodMonth ArchivePeriod = "month"
	PeriodDay   ArchivePeriod = "day"
)

// Subfolder renders t as the folder name for this period.
func (p ArchivePeriod) Subfolder(t time.Time) string {
	switch p {
	case PeriodYear:
		return t.Format("2006")
	case PeriodDay:
		return t.Format("2006-01-02")
	default:
		return t.Format("2006-01")
	}
}

// Valid reports whether p is a known period.
func (p ArchivePeriod) Valid() bool {
	return p == PeriodYear || p == PeriodMonth || p == PeriodDay
}

// RetryPolicy bounds the attempts of a single step. Max is the number of
// retries after the first attempt, so a step runs at most Max+1 times.
type RetryPolicy struct {
	Max     int           `json:"max"`
	Backoff time.Duration `json:"backoff"`
}

// StepDefinition is one entry of a task pipeline. Action holds the
// parameters of the concrete step kind and always matches Type.
type StepDefinition struct {
	Type   StepType
	Retry  RetryPolicy
	Action Action
}

// Equal reports whether two steps are identical.
func (s StepDefinition) Equal(o StepDefinition) bool {
	return s.Type == o.Type && s.Retry == o.Retry && s.Action == o.Action
}

// MarshalJSON flattens the action parameters next to the type tag.
func (s StepDefinition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   StepType    `json:"type"`
		Retry  RetryPolicy `json:"retry"`
		Params Action      `json:"params,omitempty"`
	}{s.Type, s.Retry, s.Action})
}

// Action is the closed set of step parameter types. The unexported method
// keeps the set fixed to this package.
type Action interface {
	stepType() StepType
}

// TransferAction carries the parameters shared by copy and move.
type TransferAction struct {
	Destination    string           `json:"destination"`
	Pattern        string           `json:"pattern,omitempty"`
	Atomic         bool             `json:"atomic"`
	VerifyChecksum bool             `json:"verify_checksum"`
	Conflict       ConflictStrategy `json:"conflict"`
}

// CopyAction copies the current file to a translated destination.
type CopyAction struct {
	TransferAction
}

func (CopyAction) stepType() StepType { return StepCopy }

// MoveAction copies then removes the source once the copy is durable.
type MoveAction struct {
	TransferAction
}

func (MoveAction) stepType() StepType { return StepMove }

// ArchiveAction copies into a dated subfolder of Destination.
type ArchiveAction struct {
	TransferAction
	Period ArchivePeriod `json:"period"`
}

func (ArchiveAction) stepType() StepType { return StepArchive }

// PrintAction submits the current file to a named output device.
type PrintAction struct {
	Device string `json:"device"`
	Copies int    `json:"copies"`
}

func (PrintAction) stepType() StepType { return StepPrint }

// DeleteAction removes the current file.
type DeleteAction struct {
	Secure bool `json:"secure"`
}

func (DeleteAction) stepType() StepType { return StepDelete }

// DecisionAction ends the run early, as a skipped success, when Condition
// evaluates to false.
type DecisionAction struct {
	Condition Condition `json:"condition"`
}

func (DecisionAction) stepType() StepType { return StepDecision }

// TypeOf returns the step kind an action belongs to.
func TypeOf(a Action) StepType {
	if a == nil {
		return ""
	}
	return a.stepType()
}

// Transfer returns the transfer parameters of copy, move, and archive
// actions.
func Transfer(a Action) (TransferAction, bool) {
	switch v := a.(type) {
	case CopyAction:
		return v.TransferAction, true
	case MoveAction:
		return v.TransferAction, true
	case ArchiveAction:
		return v.TransferAction, true
	}
	return TransferAction{}, false
}
