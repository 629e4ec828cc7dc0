// Package testutil holds fixtures shared by package tests: a temporary
// store, a seeded scope tree and a ready-made definition.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/scope"
	"github.com/roach88/mibody/internal/store"
)

// OpenStore opens a store in a fresh temporary directory and closes it
// when the test ends. It returns the store and its path.
func OpenStore(t testing.TB) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mibody.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

// NewTree creates a scope tree whose root defines vars.
func NewTree(t testing.TB, vars map[string]any) (*scope.Tree, scope.ID) {
	t.Helper()
	tree := scope.NewTree()
	root := tree.CreateRoot()
	for name, v := range vars {
		val, err := ir.FromGo(v)
		require.NoError(t, err, "variable %s", name)
		require.NoError(t, tree.SetLocal(root, name, val))
	}
	return tree, root
}

// Definition returns a valid definition over the items variable that
// collects each child's result into results.
func Definition(id string, mode ir.LoopMode) ir.MultiInstanceDefinition {
	return ir.MultiInstanceDefinition{
		ElementID:        id,
		Mode:             mode,
		InputCollection:  "= items",
		InputElement:     "item",
		OutputElement:    "= result",
		OutputCollection: "results",
		Child:            ir.ElementRef{ID: id + "-task", Type: ir.ElementUserTask},
	}
}
