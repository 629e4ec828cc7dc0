package harness

import "github.com/roach88/mibody/internal/ir"

// TraceEvent is one engine record, with the body key replaced by the
// body's scenario name.
type TraceEvent struct {
	Seq     int64       `json:"seq"`
	Body    string      `json:"body"`
	Kind    string      `json:"kind"`
	Payload ir.IRObject `json:"payload"`
}

// IncidentEvent is an incident raised during the scenario.
type IncidentEvent struct {
	Body    string `json:"body"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the records of every body, in seq order.
	Trace []TraceEvent `json:"trace"`

	Errors    []string        `json:"errors,omitempty"`
	Incidents []IncidentEvent `json:"incidents,omitempty"`

	// Bodies maps body names to their final state.
	Bodies map[string]string `json:"bodies"`

	// Keys maps body names to the engine's body keys.
	Keys map[string]string `json:"keys"`

	// Variables are the root scope's variables at the end.
	Variables ir.IRObject `json:"variables"`
}

// NewResult creates a passing, empty result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Trace:     []TraceEvent{},
		Errors:    []string{},
		Bodies:    make(map[string]string),
		Keys:      make(map[string]string),
		Variables: ir.IRObject{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
