package compiler

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mibody/internal/ir"
)

const reviewSource = `
multi_instance: review: {
	mode:                 "parallel"
	input_collection:     "= reviewers"
	input_element:        "reviewer"
	completion_condition: "= numberOfCompletedInstances >= 2"
	output_element:       "= decision"
	output_collection:    "decisions"
	child: {
		id:   "review-task"
		type: "user_task"
		properties: {
			queue:   "reviews"
			retries: 3
		}
		input_mappings: [{source: "= reviewer.name", target: "assignee"}]
		output_mappings: [{source: "= approved", target: "decision"}]
	}
}

multi_instance: "notify-all": {
	mode:             "sequential"
	input_collection: "= contacts"
	child: {
		id:   "notify"
		type: "service_task"
	}
}
`

func TestCompileSource(t *testing.T) {
	defs, err := CompileSource("review.cue", []byte(reviewSource))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	review := defs[0]
	assert.Equal(t, "review", review.ElementID)
	assert.Equal(t, ir.LoopParallel, review.Mode)
	assert.Equal(t, "= reviewers", review.InputCollection)
	assert.Equal(t, "reviewer", review.InputElement)
	assert.Equal(t, "= numberOfCompletedInstances >= 2", review.CompletionCondition)
	assert.Equal(t, "= decision", review.OutputElement)
	assert.Equal(t, "decisions", review.OutputCollection)
	assert.Equal(t, "review-task", review.Child.ID)
	assert.Equal(t, ir.ElementUserTask, review.Child.Type)
	assert.Equal(t, ir.IRObject{"queue": ir.IRString("reviews"), "retries": ir.IRInt(3)}, review.Child.Properties)
	assert.Equal(t, []ir.Mapping{{Source: "= reviewer.name", Target: "assignee"}}, review.Child.InputMappings)
	assert.Equal(t, []ir.Mapping{{Source: "= approved", Target: "decision"}}, review.Child.OutputMappings)

	notify := defs[1]
	assert.Equal(t, "notify-all", notify.ElementID, "quoted labels are unquoted")
	assert.Equal(t, ir.LoopSequential, notify.Mode)
	assert.Empty(t, notify.OutputCollection)
	assert.Nil(t, notify.Child.Properties)
}

func TestCompileDefaultsToParallel(t *testing.T) {
	defs, err := CompileSource("t.cue", []byte(`
multi_instance: a: {
	input_collection: "= items"
	child: {id: "a", type: "script_task"}
}
`))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, ir.LoopParallel, defs[0].Mode)
}

func TestCompileElementIDOverride(t *testing.T) {
	defs, err := CompileSource("t.cue", []byte(`
multi_instance: a: {
	element_id:       "Activity_0x1"
	input_collection: "= items"
	child: {id: "Activity_0x1", type: "service_task"}
}
`))
	require.NoError(t, err)
	assert.Equal(t, "Activity_0x1", defs[0].ElementID)
}

func TestCompileWithoutRootField(t *testing.T) {
	defs, err := CompileSource("t.cue", []byte(`other: 1`))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestCompileDefinitionsFromValue(t *testing.T) {
	v := cuecontext.New().CompileString(reviewSource)
	defs, err := CompileDefinitions(v)
	require.NoError(t, err)
	assert.Len(t, defs, 2)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{
			name:  "missing input collection",
			src:   `multi_instance: a: child: {id: "a", type: "user_task"}`,
			field: "input_collection",
		},
		{
			name:  "missing child",
			src:   `multi_instance: a: input_collection: "= items"`,
			field: "child",
		},
		{
			name: "mode not a string",
			src: `multi_instance: a: {
	mode: 3
	input_collection: "= items"
	child: {id: "a", type: "user_task"}
}`,
			field: "mode",
		},
		{
			name: "incomplete value",
			src: `multi_instance: a: {
	input_collection: string
	child: {id: "a", type: "user_task"}
}`,
			field: "input_collection",
		},
		{
			name: "properties not a struct",
			src: `multi_instance: a: {
	input_collection: "= items"
	child: {id: "a", type: "user_task", properties: [1, 2]}
}`,
			field: "properties",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource("bad.cue", []byte(tt.src))
			require.Error(t, err)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileSyntaxErrorHasPosition(t *testing.T) {
	_, err := CompileSource("broken.cue", []byte("multi_instance: a: {\n\tmode: \n"))
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Pos.IsValid())
	assert.Contains(t, err.Error(), "broken.cue")
}
