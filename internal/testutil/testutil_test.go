package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mibody/internal/ir"
)

func TestOpenStore(t *testing.T) {
	s, path := OpenStore(t)
	assert.NotEmpty(t, path)
	require.NoError(t, s.Ping(context.Background()))
}

func TestNewTree(t *testing.T) {
	tree, root := NewTree(t, map[string]any{"items": []any{1, 2}, "name": "x"})

	v, ok := tree.Get(root, "items")
	require.True(t, ok)
	assert.Equal(t, ir.Ints(1, 2), v)
	v, ok = tree.Get(root, "name")
	require.True(t, ok)
	assert.Equal(t, ir.IRString("x"), v)
}

func TestDefinitionIsValid(t *testing.T) {
	for _, mode := range []ir.LoopMode{ir.LoopParallel, ir.LoopSequential} {
		def := Definition("review", mode)
		assert.Empty(t, def.Validate())
		assert.Equal(t, "review-task", def.Child.ID)
	}
}
