package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/mibody/internal/ir"
)

// TraceSnapshot is the deterministic part of a result compared against
// golden files. Instance keys are hashes of body keys and are left out.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	Bodies       map[string]string
	Variables    ir.IRObject
	Incidents    []IncidentEvent
}

// NewTraceSnapshot takes the snapshot of a result.
func NewTraceSnapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Bodies:       result.Bodies,
		Variables:    result.Variables,
		Incidents:    result.Incidents,
	}
}

func (s TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		payload := make(ir.IRObject, len(ev.Payload))
		for k, v := range ev.Payload {
			if k != "instance_key" {
				payload[k] = v
			}
		}
		trace[i] = map[string]any{
			"body":    ev.Body,
			"kind":    ev.Kind,
			"payload": payload,
		}
	}

	bodies := make(map[string]any, len(s.Bodies))
	for k, v := range s.Bodies {
		bodies[k] = v
	}

	out := map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
		"bodies":        bodies,
		"variables":     s.Variables,
	}
	if len(s.Incidents) > 0 {
		incidents := make([]any, len(s.Incidents))
		for i, inc := range s.Incidents {
			incidents[i] = map[string]any{"body": inc.Body, "code": inc.Code}
		}
		out["incidents"] = incidents
	}
	return out
}

// MarshalCanonical renders the snapshot as canonical JSON.
func (s TraceSnapshot) MarshalCanonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden runs a scenario, fails the test if it does not pass and
// compares its snapshot with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) *Result {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		t.Fatalf("run scenario %s: %v", scenario.Name, err)
	}
	if !result.Pass {
		t.Errorf("scenario %s failed:\n%v", scenario.Name, result.Errors)
	}
	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := NewTraceSnapshot(name, result).MarshalCanonical()
	if err != nil {
		t.Fatalf("marshal snapshot %s: %v", name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
