package tasks

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"task-dialer/internal/backoff"

	"github.com/go-playground/validator/v10"
)

const defaultPerNumberMaxAttempts = 3

// CreateInput is the accepted shape of a new task.
type CreateInput struct {
	Numbers              []string           `json:"numbers" validate:"required,min=1,max=3,unique,dive,min=4,max=20"`
	CallbackTarget       string             `json:"callbackTarget" validate:"required,min=4,max=20"`
	RuleSetID            string             `json:"ruleSetId" validate:"required"`
	TimeWindow           *TimeWindow        `json:"timeWindow,omitempty"`
	PerNumberMaxAttempts *int               `json:"perNumberMaxAttempts,omitempty" validate:"omitempty,min=1,max=10"`
	GlobalMaxAttempts    *int               `json:"globalMaxAttempts,omitempty" validate:"omitempty,min=1,max=30"`
	Backoff              *backoff.Overrides `json:"backoffPolicy,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate returns a *ValidationError listing every rejected field.
func (in CreateInput) Validate(v *validator.Validate) error {
	fields := map[string]string{}

	if err := v.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			fields[fieldPath(fe)] = fieldMessage(fe)
		}
	}

	if w := in.TimeWindow; w != nil && w.Start != nil && w.End != nil && !w.Start.Before(*w.End) {
		fields["timeWindow"] = "start must be before end"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// fieldPath drops the root struct name: "CreateInput.numbers[0]" -> "numbers[0]".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "unique":
		return "must not contain duplicates"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// effectiveLimits applies the attempt-budget defaults.
func (in CreateInput) effectiveLimits() (perNumber, global int) {
	perNumber = defaultPerNumberMaxAttempts
	if in.PerNumberMaxAttempts != nil {
		perNumber = *in.PerNumberMaxAttempts
	}
	global = perNumber * len(in.Numbers)
	if in.GlobalMaxAttempts != nil {
		global = *in.GlobalMaxAttempts
	}
	return perNumber, global
}

func (in CreateInput) window() TimeWindow {
	if in.TimeWindow == nil {
		return TimeWindow{}
	}
	w := TimeWindow{}
	if in.TimeWindow.Start != nil {
		w.Start = ptr(in.TimeWindow.Start.UTC())
	}
	if in.TimeWindow.End != nil {
		w.End = ptr(in.TimeWindow.End.UTC())
	}
	return w
}

func normalizeNumbers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, n := range in {
		out = append(out, strings.TrimSpace(n))
	}
	return out
}
