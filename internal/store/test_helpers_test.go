package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/mibody/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestCommand creates a command with a content-addressed id.
func createTestCommand(bodyKey string, kind ir.CommandKind, key ir.IRObject, seq int64) ir.Command {
	return ir.Command{
		ID:      ir.MustCommandID(bodyKey, kind, key),
		BodyKey: bodyKey,
		Kind:    kind,
		Payload: key,
		Seq:     seq,
	}
}

// createTestStep creates a step moving bodyKey into state.
func createTestStep(cmd ir.Command, state string) Step {
	return Step{
		Command: cmd,
		Body: ir.StoredBody{
			Key:       cmd.BodyKey,
			ElementID: "task",
			State:     state,
			Data:      `{"state":"` + state + `"}`,
			Hash:      "hash-" + state,
			Seq:       cmd.Seq,
		},
	}
}
