package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/mibody/internal/expression"
	"github.com/roach88/mibody/internal/ir"
)

// Validation error codes.
const (
	ErrElementIDEmpty         = "E101"
	ErrInvalidMode            = "E102"
	ErrInputCollectionEmpty   = "E103"
	ErrInvalidVariableName    = "E104"
	ErrReservedVariableName   = "E105"
	ErrOutputElementNoTarget  = "E106"
	ErrChildIDEmpty           = "E107"
	ErrInvalidElementType     = "E108"
	ErrInvalidMapping         = "E109"
	ErrDuplicateElementID     = "E110"
	ErrInvalidExpression      = "E111"
	ErrNestingCycle           = "E112"
	ErrUnclassifiedDefinition = "E199"
)

// ValidationError is a single definition problem.
type ValidationError struct {
	ElementID string `json:"element_id,omitempty"`
	Field     string `json:"field"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Line      int    `json:"line,omitempty"`
}

func (e ValidationError) Error() string {
	field := e.Field
	if e.ElementID != "" {
		field = e.ElementID + "." + field
	}
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, field, e.Message)
}

// Validate checks every definition and the set as a whole, returning all
// problems found. When checker is non-nil, every expression is also
// parsed with it.
func Validate(defs []ir.MultiInstanceDefinition, checker expression.Checker) []ValidationError {
	errs := []ValidationError{}
	seen := make(map[string]bool, len(defs))

	for i := range defs {
		def := &defs[i]
		errs = append(errs, validateDefinition(def, checker)...)

		if def.ElementID != "" {
			if seen[def.ElementID] {
				errs = append(errs, ValidationError{
					ElementID: def.ElementID,
					Field:     "element_id",
					Message:   fmt.Sprintf("duplicate element id %q", def.ElementID),
					Code:      ErrDuplicateElementID,
				})
			}
			seen[def.ElementID] = true
		}
	}

	for _, c := range FindNestingCycles(defs) {
		errs = append(errs, ValidationError{
			ElementID: c.Path[0],
			Field:     "child.id",
			Message:   c.Message,
			Code:      ErrNestingCycle,
		})
	}
	return errs
}

func validateDefinition(def *ir.MultiInstanceDefinition, checker expression.Checker) []ValidationError {
	var errs []ValidationError
	for _, ve := range def.Validate() {
		errs = append(errs, ValidationError{
			ElementID: def.ElementID,
			Field:     ve.Field,
			Message:   ve.Message,
			Code:      classify(ve),
		})
	}
	if checker == nil {
		return errs
	}

	check := func(field, expr string) {
		if strings.TrimSpace(expr) == "" {
			return
		}
		if err := checker.Check(expr); err != nil {
			errs = append(errs, ValidationError{
				ElementID: def.ElementID,
				Field:     field,
				Message:   err.Error(),
				Code:      ErrInvalidExpression,
			})
		}
	}
	check("input_collection", def.InputCollection)
	check("completion_condition", def.CompletionCondition)
	check("output_element", def.OutputElement)
	for i, m := range def.Child.InputMappings {
		check(fmt.Sprintf("child.input_mappings[%d].source", i), m.Source)
	}
	for i, m := range def.Child.OutputMappings {
		check(fmt.Sprintf("child.output_mappings[%d].source", i), m.Source)
	}
	return errs
}

// classify maps a definition problem onto its code.
func classify(ve ir.ValidationError) string {
	switch {
	case ve.Field == "element_id":
		return ErrElementIDEmpty
	case ve.Field == "mode":
		return ErrInvalidMode
	case ve.Field == "input_collection":
		return ErrInputCollectionEmpty
	case ve.Field == "output_element":
		return ErrOutputElementNoTarget
	case ve.Field == "child.id":
		return ErrChildIDEmpty
	case ve.Field == "child.type":
		return ErrInvalidElementType
	case strings.HasPrefix(ve.Field, "child.input_mappings"), strings.HasPrefix(ve.Field, "child.output_mappings"):
		return ErrInvalidMapping
	case strings.Contains(ve.Message, "reserved"):
		return ErrReservedVariableName
	case strings.Contains(ve.Message, "invalid variable name"):
		return ErrInvalidVariableName
	default:
		return ErrUnclassifiedDefinition
	}
}
