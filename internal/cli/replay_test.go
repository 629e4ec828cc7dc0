package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mibody/internal/store"
)

func emptyStore(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(db)
	require.NoError(t, err)
	require.NoError(t, st.Close())
	return db
}

func TestReplayEmptyStore(t *testing.T) {
	out, err := execute(t, "replay", "--db", emptyStore(t))
	require.NoError(t, err)
	assert.Contains(t, out, "No bodies found in database.")
}

func TestReplayReproducesSnapshots(t *testing.T) {
	db := filepath.Join(t.TempDir(), "replay.db")
	keys := runToDB(t, db, "parallel_completion.yaml")
	runToDB(t, db, "sequential_trigger.yaml")

	out, err := execute(t, "replay", "--db", db)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Replay summary: 2 body(ies)")
	assert.Contains(t, out, "ok   "+keys["review"]+" (review) COMPLETED")
	assert.Contains(t, out, "(review_sequential) TERMINATED")
	assert.Contains(t, out, "All snapshots reproduced.")

	out, err = execute(t, "replay", "--db", db, "--body", keys["review"], "--format", "json")
	require.NoError(t, err)
	var result ReplayResult
	resp := decodeData(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, result.Bodies, 1)
	assert.True(t, result.AllMatch)
	assert.Equal(t, result.Bodies[0].StoredHash, result.Bodies[0].ReplayedHash)
	assert.Positive(t, result.Bodies[0].Commands)
}

func TestReplayHonoursBatchSize(t *testing.T) {
	db := filepath.Join(t.TempDir(), "batch.db")
	runToDB(t, db, "deferred_termination.yaml")

	out, err := execute(t, "replay", "--db", db, "--batch-size", "2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "All snapshots reproduced.")
}

func TestReplayDetectsTamperedSnapshot(t *testing.T) {
	db := filepath.Join(t.TempDir(), "tamper.db")
	keys := runToDB(t, db, "parallel_completion.yaml")

	st, err := store.Open(db)
	require.NoError(t, err)
	_, err = st.DB().Exec(`UPDATE bodies SET snapshot_hash = 'tampered' WHERE key = ?`, keys["review"])
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "replay", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "DIFF "+keys["review"])
	assert.Contains(t, out, "stored tampered")
	assert.Contains(t, out, "Replay diverged.")

	out, err = execute(t, "replay", "--db", db, "--format", "json")
	require.Error(t, err)
	var result ReplayResult
	resp := decodeData(t, out, &result)
	assert.Equal(t, "E_REPLAY", resp.Error.Code)
	assert.False(t, result.AllMatch)
}

func TestReplayMissingStore(t *testing.T) {
	out, err := execute(t, "replay", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, ErrCodeStore)
	assert.Contains(t, out, "database not found")
}
