package model

// ConditionField is the file attribute a decision inspects.
type ConditionField string

const (
	FieldName      ConditionField = "name"
	FieldExtension ConditionField = "extension"
	FieldPath      ConditionField = "path"
	FieldSize      ConditionField = "size"
	FieldAge       ConditionField = "age"
)

// Operator compares a file attribute with the condition value.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGe       Operator = "ge"
	OpLt       Operator = "lt"
	OpLe       Operator = "le"
	OpGlob     Operator = "glob"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
)

// Numeric reports whether the field compares as a number.
func (f ConditionField) Numeric() bool {
	return f == FieldSize || f == FieldAge
}

// Valid reports whether f is a known field.
func (f ConditionField) Valid() bool {
	switch f {
	case FieldName, FieldExtension, FieldPath, FieldSize, FieldAge:
		return true
	}
	return false
}

// Supports reports whether op may be used with field f.
func (f ConditionField) Supports(op Operator) bool {
	switch op {
	case OpEq, OpNe:
		return f.Valid()
	case OpGt, OpGe, OpLt, OpLe:
		return f.Numeric()
	case OpGlob, OpContains, OpRegex:
		return f.Valid() && !f.Numeric()
	}
	return false
}

// Condition is the predicate of a decision step. Value is kept as written
// in configuration: sizes accept units ("10KB", "1.5 MiB") and ages accept
// Go durations ("36h").
type Condition struct {
	Field    ConditionField `json:"field"`
	Operator Operator       `json:"operator"`
	Value    string         `json:"value"`
}
