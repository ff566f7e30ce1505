package pipeline

import (
	"cmp"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"

	"github.com/Iron-Ham/sluice/internal/errors"
	"github.com/Iron-Ham/sluice/internal/model"
)

// ValidateCondition checks that the operator suits the field and that the
// value parses for it. Configuration loading calls it so a bad decision
// step excludes its task instead of failing at run time.
func ValidateCondition(c model.Condition) error {
	if !c.Field.Valid() {
		return errors.NewValidationError(fmt.Sprintf("unknown condition field %q", c.Field)).WithField("condition.field")
	}
	if !c.Field.Supports(c.Operator) {
		return errors.NewValidationError(fmt.Sprintf("operator %q is not supported for field %q", c.Operator, c.Field)).
			WithField("condition.operator")
	}
	switch {
	case c.Field == model.FieldSize:
		if _, err := humanize.ParseBytes(c.Value); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid size %q", c.Value)).WithField("condition.value")
		}
	case c.Field == model.FieldAge:
		if _, err := time.ParseDuration(c.Value); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid age %q", c.Value)).WithField("condition.value")
		}
	case c.Operator == model.OpGlob:
		if _, err := glob.Compile(c.Value); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid glob %q", c.Value)).WithField("condition.value")
		}
	case c.Operator == model.OpRegex:
		if _, err := regexp.Compile(c.Value); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid regex %q", c.Value)).WithField("condition.value")
		}
	}
	return nil
}

// Evaluate applies c to the file at path. Extensions are compared without
// the leading dot.
func Evaluate(c model.Condition, path string, info fs.FileInfo, now time.Time) (bool, error) {
	if err := ValidateCondition(c); err != nil {
		return false, errors.NewPermanentStepError("invalid decision condition", err)
	}

	switch c.Field {
	case model.FieldSize:
		want, _ := humanize.ParseBytes(c.Value)
		return compare(c.Operator, uint64(max(info.Size(), 0)), want), nil
	case model.FieldAge:
		want, _ := time.ParseDuration(c.Value)
		return compare(c.Operator, now.Sub(info.ModTime()), want), nil
	}

	var subject string
	switch c.Field {
	case model.FieldName:
		subject = filepath.Base(path)
	case model.FieldExtension:
		subject = strings.TrimPrefix(filepath.Ext(path), ".")
	case model.FieldPath:
		subject = path
	}

	switch c.Operator {
	case model.OpEq:
		return subject == c.Value, nil
	case model.OpNe:
		return subject != c.Value, nil
	case model.OpContains:
		return strings.Contains(subject, c.Value), nil
	case model.OpGlob:
		g, _ := glob.Compile(c.Value)
		return g.Match(subject), nil
	case model.OpRegex:
		re, _ := regexp.Compile(c.Value)
		return re.MatchString(subject), nil
	}
	return false, nil
}

func compare[T cmp.Ordered](op model.Operator, got, want T) bool {
	switch op {
	case model.OpEq:
		return got == want
	case model.OpNe:
		return got != want
	case model.OpGt:
		return got > want
	case model.OpGe:
		return got >= want
	case model.OpLt:
		return got < want
	case model.OpLe:
		return got <= want
	}
	return false
}
