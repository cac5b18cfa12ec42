package rules

import (
	"fmt"

	"webhook-rules/internal/common/errors"
	"webhook-rules/internal/common/validation"
)

var knownConditionTypes = map[string]bool{
	CondDescriptionContains: true,
	CondDescriptionEquals:   true,
	CondHasTag:              true,
	CondProjectIDEquals:     true,
	CondProjectIDIn:         true,
	CondIsBillable:          true,
	CondUserIDEquals:        true,
	CondClientIDEquals:      true,
}

var knownActionTypes = map[string]bool{
	ActionOpenAPICall:    true,
	ActionAddTag:         true,
	ActionRemoveTag:      true,
	ActionSetDescription: true,
	ActionSetBillable:    true,
}

// Validate checks a normalized rule before it is stored. Failures are
// validation AppErrors.
func Validate(rule Rule) error {
	if err := validation.ValidateStruct(rule); err != nil {
		return err
	}

	v := validation.NewValidator()
	if len(rule.Conditions) == 0 && rule.Trigger == nil {
		v.Validate(func() error {
			return errors.ValidationError("rule must include at least one condition or a trigger")
		})
	}

	for i, c := range rule.Conditions {
		cv := validation.NewValidatorWithPrefix(fmt.Sprintf("conditions[%d]", i))
		cv.ValidateIf(!knownConditionTypes[c.Type], func() error {
			return errors.ValidationErrorf("unknown condition type %q", c.Type)
		})
		v.Merge(cv)
	}

	for i, a := range rule.Actions {
		av := validation.NewValidatorWithPrefix(fmt.Sprintf("actions[%d]", i))
		av.ValidateIf(!knownActionTypes[a.Type], func() error {
			return errors.ValidationErrorf("unsupported action type %q", a.Type)
		})
		if a.Type == ActionOpenAPICall {
			av.Validate(func() error {
				_, err := ParseOpenAPICall(a)
				return err
			})
		}
		v.Merge(av)
	}

	return v.Error()
}
