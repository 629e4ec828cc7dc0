package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario is one executable multi-instance test.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Specs lists the CUE files holding the definitions. Relative paths
	// are resolved against the scenario file.
	Specs []string `yaml:"specs"`

	// Dialect selects the expression language; empty means expr.
	Dialect string `yaml:"dialect,omitempty"`

	// Variables seed the root flow scope.
	Variables map[string]any `yaml:"variables,omitempty"`

	// ActivationBatchSize paces parallel fan-out; zero keeps the default.
	ActivationBatchSize int `yaml:"activation_batch_size,omitempty"`

	// DeferTermination keeps terminated children TERMINATING until a
	// confirm_termination step.
	DeferTermination bool `yaml:"defer_termination,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one action field is set.
type Step struct {
	Activate           string        `yaml:"activate,omitempty"`
	As                 string        `yaml:"as,omitempty"`
	Complete           *CompleteStep `yaml:"complete,omitempty"`
	Terminate          string        `yaml:"terminate,omitempty"`
	ConfirmTermination *ChildRef     `yaml:"confirm_termination,omitempty"`
	Trigger            *TriggerStep  `yaml:"trigger,omitempty"`

	Expect *StepExpect `yaml:"expect,omitempty"`
}

// ChildRef addresses a child by body name and loop counter.
type ChildRef struct {
	Body        string `yaml:"body"`
	LoopCounter int    `yaml:"loop_counter"`
}

// CompleteStep completes a live child after setting Set in its scope.
type CompleteStep struct {
	Body        string         `yaml:"body"`
	LoopCounter int            `yaml:"loop_counter"`
	Set         map[string]any `yaml:"set,omitempty"`
}

// TriggerStep delivers a boundary event.
type TriggerStep struct {
	Body         string `yaml:"body"`
	Event        string `yaml:"event"`
	Interrupting bool   `yaml:"interrupting"`
}

// StepExpect is checked right after its step. Body defaults to the body
// the step addressed.
type StepExpect struct {
	Body    string `yaml:"body,omitempty"`
	State   string `yaml:"state,omitempty"`
	Pending []int  `yaml:"pending,omitempty"`
}

// Assertion validates the final trace and state.
type Assertion struct {
	Type string `yaml:"type"`

	Kind  string         `yaml:"kind,omitempty"`
	Kinds []string       `yaml:"kinds,omitempty"`
	Body  string         `yaml:"body,omitempty"`
	Match map[string]any `yaml:"match,omitempty"`
	Count int            `yaml:"count,omitempty"`

	State string `yaml:"state,omitempty"`
	Name  string `yaml:"name,omitempty"`
	Value any    `yaml:"value,omitempty"`
	Code  string `yaml:"code,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertBodyState     = "body_state"
	AssertVariable      = "variable"
	AssertIncident      = "incident"
)

// Action returns the name of the step's action.
func (s Step) Action() string {
	var names []string
	if s.Activate != "" {
		names = append(names, "activate")
	}
	if s.Complete != nil {
		names = append(names, "complete")
	}
	if s.Terminate != "" {
		names = append(names, "terminate")
	}
	if s.ConfirmTermination != nil {
		names = append(names, "confirm_termination")
	}
	if s.Trigger != nil {
		names = append(names, "trigger")
	}
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected and spec paths are resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, spec := range scenario.Specs {
		if !filepath.IsAbs(spec) {
			scenario.Specs[i] = filepath.Join(base, spec)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Specs) == 0 {
		return errors.New("specs list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return errors.New("assertions list is required and must be non-empty")
	}
	if s.ActivationBatchSize < 0 {
		return fmt.Errorf("activation_batch_size must be non-negative, got %d", s.ActivationBatchSize)
	}

	for _, spec := range s.Specs {
		if _, err := os.Stat(spec); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("spec file not found: %s", spec)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	switch step.Action() {
	case "":
		return fmt.Errorf("steps[%d]: exactly one of activate, complete, terminate, confirm_termination, trigger is required", i)
	case "complete":
		if step.Complete.Body == "" || step.Complete.LoopCounter < 1 {
			return fmt.Errorf("steps[%d].complete: body and a positive loop_counter are required", i)
		}
	case "confirm_termination":
		if step.ConfirmTermination.Body == "" || step.ConfirmTermination.LoopCounter < 1 {
			return fmt.Errorf("steps[%d].confirm_termination: body and a positive loop_counter are required", i)
		}
	case "trigger":
		if step.Trigger.Body == "" || step.Trigger.Event == "" {
			return fmt.Errorf("steps[%d].trigger: body and event are required", i)
		}
	}
	if step.As != "" && step.Activate == "" {
		return fmt.Errorf("steps[%d]: as is only valid with activate", i)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertBodyState:
		if a.Body == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: body and state are required for body_state", index)
		}
	case AssertVariable:
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for variable", index)
		}
	case AssertIncident:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for incident", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
