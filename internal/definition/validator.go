package definition

import (
	"fmt"

	"github.com/pitabwire/assent/model"
)

// Validator checks the structure of workflow templates before they are
// stored.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a single template. Step orders must form the contiguous
// sequence 1..N with no gaps or duplicates.
func (v *Validator) Validate(t model.WorkflowTemplate) []model.FieldError {
	var errs []model.FieldError

	if t.Code == "" {
		errs = append(errs, model.FieldError{Field: "code", Code: "REQUIRED", Message: "code is required"})
	}
	if t.Name == "" {
		errs = append(errs, model.FieldError{Field: "name", Code: "REQUIRED", Message: "name is required"})
	}
	if t.AppliesTo == "" {
		errs = append(errs, model.FieldError{Field: "applies_to", Code: "REQUIRED", Message: "applies_to is required"})
	}
	if len(t.Steps) == 0 {
		errs = append(errs, model.FieldError{Field: "steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	seen := make(map[int]bool, len(t.Steps))
	for i, s := range t.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		switch {
		case s.Order < 1:
			errs = append(errs, model.FieldError{Field: sp + ".order", Code: "OUT_OF_RANGE", Message: fmt.Sprintf("order %d must be at least 1", s.Order)})
		case s.Order > len(t.Steps):
			errs = append(errs, model.FieldError{Field: sp + ".order", Code: "GAP", Message: fmt.Sprintf("order %d leaves a gap in a %d-step sequence", s.Order, len(t.Steps))})
		case seen[s.Order]:
			errs = append(errs, model.FieldError{Field: sp + ".order", Code: "DUPLICATE", Message: fmt.Sprintf("order %d appears more than once", s.Order)})
		}
		seen[s.Order] = true

		if s.RequiredRole == "" {
			errs = append(errs, model.FieldError{Field: sp + ".role", Code: "REQUIRED", Message: "step role is required"})
		}
		if s.ActionKind == "" {
			errs = append(errs, model.FieldError{Field: sp + ".action", Code: "REQUIRED", Message: "step action is required"})
		} else if !s.ActionKind.Valid() {
			errs = append(errs, model.FieldError{Field: sp + ".action", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid action kind %q", s.ActionKind)})
		}
	}

	return errs
}
