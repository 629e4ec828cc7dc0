package ir

import (
	"fmt"
	"regexp"
	"strings"
)

// LoopMode selects the fan-out strategy of a multi-instance body.
type LoopMode string

const (
	LoopParallel   LoopMode = "parallel"
	LoopSequential LoopMode = "sequential"
)

// Validate reports whether m is a known loop mode.
func (m LoopMode) Validate() error {
	switch m {
	case LoopParallel, LoopSequential:
		return nil
	default:
		return fmt.Errorf("invalid loop mode %q: must be one of: parallel, sequential", m)
	}
}

// ElementType names the kind of the element a body runs per item.
type ElementType string

const (
	ElementServiceTask  ElementType = "service_task"
	ElementUserTask     ElementType = "user_task"
	ElementScriptTask   ElementType = "script_task"
	ElementSubProcess   ElementType = "sub_process"
	ElementCallActivity ElementType = "call_activity"
)

// ValidElementTypes lists the accepted child element types.
var ValidElementTypes = map[ElementType]bool{
	ElementServiceTask:  true,
	ElementUserTask:     true,
	ElementScriptTask:   true,
	ElementSubProcess:   true,
	ElementCallActivity: true,
}

// Mapping copies the value of Source (an expression) into the Target
// variable.
type Mapping struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// ElementRef is an opaque reference to the child element definition. The
// core never looks inside Properties; the activation protocol does.
type ElementRef struct {
	ID             string      `json:"id"`
	Type           ElementType `json:"type"`
	Properties     IRObject    `json:"properties,omitempty"`
	InputMappings  []Mapping   `json:"input_mappings,omitempty"`
	OutputMappings []Mapping   `json:"output_mappings,omitempty"`
}

// MultiInstanceDefinition is the immutable, authored description of a
// multi-instance activity.
type MultiInstanceDefinition struct {
	ElementID           string     `json:"element_id"`
	Mode                LoopMode   `json:"mode"`
	InputCollection     string     `json:"input_collection"`
	InputElement        string     `json:"input_element,omitempty"`
	CompletionCondition string     `json:"completion_condition,omitempty"`
	OutputElement       string     `json:"output_element,omitempty"`
	OutputCollection    string     `json:"output_collection,omitempty"`
	Child               ElementRef `json:"child"`
}

// ValidationError is a single definition problem with its field path.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	variableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	variablePath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// reservedNames are bound by the body in every child scope or exposed to
// the completion condition and cannot be reused as input element names.
var reservedNames = map[string]bool{
	"loopCounter":                 true,
	"numberOfInstances":           true,
	"numberOfActiveInstances":     true,
	"numberOfCompletedInstances":  true,
	"numberOfTerminatedInstances": true,
}

// Validate checks the definition and returns every problem found.
func (d *MultiInstanceDefinition) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if d.ElementID == "" {
		add("element_id", "must not be empty")
	}
	if err := d.Mode.Validate(); err != nil {
		add("mode", "%s", err.Error())
	}
	if strings.TrimSpace(d.InputCollection) == "" {
		add("input_collection", "must not be empty")
	}
	if d.InputElement != "" {
		if !variableName.MatchString(d.InputElement) {
			add("input_element", "invalid variable name %q", d.InputElement)
		} else if reservedNames[d.InputElement] {
			add("input_element", "%q is reserved", d.InputElement)
		}
	}
	if d.OutputCollection != "" && !variableName.MatchString(d.OutputCollection) {
		add("output_collection", "invalid variable name %q", d.OutputCollection)
	}
	if d.OutputElement != "" && d.OutputCollection == "" {
		add("output_element", "requires output_collection")
	}

	if d.Child.ID == "" {
		add("child.id", "must not be empty")
	}
	if !ValidElementTypes[d.Child.Type] {
		add("child.type", "invalid element type %q", d.Child.Type)
	}
	for i, m := range d.Child.InputMappings {
		errs = append(errs, m.validate(fmt.Sprintf("child.input_mappings[%d]", i))...)
	}
	for i, m := range d.Child.OutputMappings {
		errs = append(errs, m.validate(fmt.Sprintf("child.output_mappings[%d]", i))...)
	}

	return errs
}

func (m Mapping) validate(field string) []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(m.Source) == "" {
		errs = append(errs, ValidationError{Field: field + ".source", Message: "must not be empty"})
	}
	if !variableName.MatchString(m.Target) {
		errs = append(errs, ValidationError{Field: field + ".target", Message: fmt.Sprintf("invalid variable name %q", m.Target)})
	}
	return errs
}

// OutputElementRoot returns the root variable of the output element when
// it is a plain variable path: "result" for "result.nested". Expressions
// that are not paths have no root variable.
func (d *MultiInstanceDefinition) OutputElementRoot() (string, bool) {
	expr := strings.TrimSpace(d.OutputElement)
	if expr == "" || !variablePath.MatchString(expr) {
		return "", false
	}
	root, _, _ := strings.Cut(expr, ".")
	return root, true
}
