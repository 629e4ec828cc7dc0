package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/mibody/internal/ir"
)

func load(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
	require.NoError(t, err)
	return s
}

func TestGoldenScenarios(t *testing.T) {
	for _, name := range []string{
		"parallel_completion",
		"completion_condition",
		"sequential_trigger",
	} {
		t.Run(name, func(t *testing.T) {
			RunWithGolden(t, load(t, name), WithLogger(zaptest.NewLogger(t)))
		})
	}
}

func TestScenariosPass(t *testing.T) {
	for _, name := range []string{
		"deferred_termination",
		"input_failure",
		"mappings",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(load(t, name), WithLogger(zaptest.NewLogger(t)))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	s := load(t, "completion_condition")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := NewTraceSnapshot(s.Name, first).MarshalCanonical()
	require.NoError(t, err)
	b, err := NewTraceSnapshot(s.Name, second).MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, first.Trace, second.Trace)
}

func TestRunReportsFailedExpectations(t *testing.T) {
	s := load(t, "parallel_completion")
	s.Steps[0].Expect.Pending = []int{1, 2}
	s.Assertions = append(s.Assertions, Assertion{Type: AssertVariable, Name: "results", Value: []any{0}})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "steps[0].expect: body review has live children [1 2 3], expected [1 2]")
	assert.Contains(t, result.Errors[1], "Assertion failed: variable")
}

func TestRunReportsChildNotLive(t *testing.T) {
	s := load(t, "parallel_completion")
	s.Steps = append(s.Steps, Step{Complete: &CompleteStep{Body: "review", LoopCounter: 1}})

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "steps[4]: child 1 of review is not live")
}

func TestRunNamesRepeatedActivations(t *testing.T) {
	s := load(t, "parallel_completion")
	s.Steps = []Step{
		{Activate: "review"},
		{Activate: "review", As: "second"},
		{Terminate: "second", Expect: &StepExpect{State: "TERMINATED"}},
		{Terminate: "review"},
	}
	s.Assertions = []Assertion{
		{Type: AssertBodyState, Body: "second", State: "TERMINATED"},
		{Type: AssertTraceCount, Kind: "child_terminated", Body: "second", Count: 3},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, map[string]string{"review": "TERMINATED", "second": "TERMINATED"}, result.Bodies)
}

func TestRunUnknownBody(t *testing.T) {
	s := load(t, "parallel_completion")
	s.Steps = []Step{{Terminate: "nope"}}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown body "nope"`)
}

func TestRunUnknownDefinition(t *testing.T) {
	s := load(t, "parallel_completion")
	s.Steps = []Step{{Activate: "nope"}}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no definition for element "nope"`)
}

func TestRunJavaScriptDialect(t *testing.T) {
	s := load(t, "mappings")
	s.Dialect = "javascript"

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, ir.IRInt(10), result.Variables["last_amount"])
}

func TestSnapshotOmitsInstanceKeys(t *testing.T) {
	r := NewResult()
	r.Trace = []TraceEvent{{
		Seq:  1,
		Body: "a",
		Kind: "child_activated",
		Payload: ir.IRObject{
			"loop_counter": ir.IRInt(1),
			"instance_key": ir.IRString("abc"),
		},
	}}
	r.Bodies["a"] = "ACTIVATED"

	data, err := NewTraceSnapshot("s", r).MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"bodies":{"a":"ACTIVATED"},"scenario_name":"s","trace":[{"body":"a","kind":"child_activated","payload":{"loop_counter":1}}],"variables":{}}`,
		string(data))
}
