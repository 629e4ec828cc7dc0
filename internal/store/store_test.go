package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mibody/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"commands", "bodies", "child_instances", "records", "incidents"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q not found", table)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	s.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestOpen_ReopenKeepsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		require.NoError(t, err)
		version, err := s.SchemaVersion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, len(migrations), version)
		require.NoError(t, s.Close())
	}
}

func TestCommitStep(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	cmd := createTestCommand("body-1", ir.CommandActivate, ir.IRObject{}, 1)
	step := createTestStep(cmd, "ACTIVATED")
	step.Children = []ir.ChildIndexEntry{
		{InstanceKey: "child-1", BodyKey: "body-1", LoopCounter: 1, Seq: 2},
		{InstanceKey: "child-2", BodyKey: "body-1", LoopCounter: 2, Seq: 3},
	}
	step.Records = []ir.Record{
		{Seq: 2, BodyKey: "body-1", Kind: ir.RecordBodyTransition, Payload: ir.IRObject{"to": ir.IRString("ACTIVATED")}},
		{Seq: 3, BodyKey: "body-1", Kind: ir.RecordChildActivated, Payload: ir.IRObject{"loop_counter": ir.IRInt(1)}},
	}

	inserted, err := s.CommitStep(ctx, step)
	require.NoError(t, err)
	assert.True(t, inserted)

	has, err := s.HasCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.True(t, has)

	body, err := s.ReadBody(ctx, "body-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVATED", body.State)
	assert.Equal(t, "hash-ACTIVATED", body.Hash)

	records, err := s.ReadRecords(ctx, "body-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, cmd.ID, records[0].CommandID)
	assert.Equal(t, ir.RecordChildActivated, records[1].Kind)
	assert.Equal(t, ir.IRInt(1), records[1].Payload["loop_counter"])

	index, err := s.ReadChildIndex(ctx)
	require.NoError(t, err)
	assert.Len(t, index, 2)
}

func TestCommitStep_Redelivery(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	cmd := createTestCommand("body-1", ir.CommandActivate, ir.IRObject{}, 1)
	_, err := s.CommitStep(ctx, createTestStep(cmd, "ACTIVATED"))
	require.NoError(t, err)

	again := createTestStep(cmd, "COMPLETED")
	again.Command.Seq = 9
	again.Records = []ir.Record{{Seq: 10, BodyKey: "body-1", Kind: ir.RecordBodyTransition}}

	inserted, err := s.CommitStep(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)

	body, err := s.ReadBody(ctx, "body-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVATED", body.State, "re-delivered step writes nothing")

	records, err := s.ReadRecords(ctx, "body-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCommitStep_Atomic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	step := createTestStep(createTestCommand("body-1", ir.CommandActivate, ir.IRObject{}, 1), "ACTIVATED")
	// References a body that does not exist: foreign key failure mid-step.
	step.Children = []ir.ChildIndexEntry{{InstanceKey: "child-1", BodyKey: "missing-body", LoopCounter: 1, Seq: 2}}

	_, err := s.CommitStep(ctx, step)
	require.Error(t, err)

	has, err := s.HasCommand(ctx, step.Command.ID)
	require.NoError(t, err)
	assert.False(t, has, "failed step must not leave the command behind")

	_, err = s.ReadBody(ctx, "body-1")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestReadCommands_Ordering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	activate := createTestCommand("body-1", ir.CommandActivate, ir.IRObject{}, 1)
	c2 := createTestCommand("body-1", ir.CommandChildCompleted, ir.IRObject{"instance_key": ir.IRString("child-2")}, 5)
	c1 := createTestCommand("body-1", ir.CommandChildCompleted, ir.IRObject{"instance_key": ir.IRString("child-1")}, 3)
	other := createTestCommand("body-2", ir.CommandActivate, ir.IRObject{}, 2)

	for _, cmd := range []ir.Command{activate, c2, c1, other} {
		_, err := s.CommitStep(ctx, createTestStep(cmd, "ACTIVATED"))
		require.NoError(t, err)
	}

	cmds, err := s.ReadCommands(ctx, "body-1")
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, []int64{1, 3, 5}, []int64{cmds[0].Seq, cmds[1].Seq, cmds[2].Seq})
	assert.Equal(t, ir.IRString("child-1"), cmds[1].Payload["instance_key"])

	none, err := s.ReadCommands(ctx, "nope")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestReadActiveBodies(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	states := map[string]string{
		"body-a": "ACTIVATED",
		"body-b": "COMPLETED",
		"body-c": "TERMINATING",
		"body-d": "TERMINATED",
	}
	seq := int64(0)
	for _, key := range []string{"body-a", "body-b", "body-c", "body-d"} {
		seq++
		cmd := createTestCommand(key, ir.CommandActivate, ir.IRObject{}, seq)
		step := createTestStep(cmd, states[key])
		step.Children = []ir.ChildIndexEntry{{InstanceKey: key + "-child", BodyKey: key, LoopCounter: 1, Seq: seq}}
		_, err := s.CommitStep(ctx, step)
		require.NoError(t, err)
	}

	active, err := s.ReadActiveBodies(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "body-a", active[0].Key)
	assert.Equal(t, "body-c", active[1].Key)

	index, err := s.ReadChildIndex(ctx)
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.Equal(t, "body-a-child", index[0].InstanceKey)
	assert.Equal(t, "body-c-child", index[1].InstanceKey)

	all, err := s.ReadBodies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestIncidents(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteIncident(ctx, ir.Incident{Seq: 4, BodyKey: "body-1", CommandID: "cmd-1", Code: "COMPLETION_CONDITION_EVALUATION_FAILED", Message: "boom"}))
	require.NoError(t, s.WriteIncident(ctx, ir.Incident{Seq: 7, BodyKey: "body-2", CommandID: "cmd-2", Code: "INVARIANT_VIOLATION", Message: "dup"}))

	one, err := s.ReadIncidents(ctx, "body-1")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "boom", one[0].Message)

	all, err := s.ReadIncidents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMaxSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	step := createTestStep(createTestCommand("body-1", ir.CommandActivate, ir.IRObject{}, 3), "ACTIVATED")
	step.Records = []ir.Record{{Seq: 8, BodyKey: "body-1", Kind: ir.RecordBodyTransition}}
	_, err = s.CommitStep(ctx, step)
	require.NoError(t, err)
	require.NoError(t, s.WriteIncident(ctx, ir.Incident{Seq: 5, BodyKey: "body-1", Code: "X"}))

	seq, err = s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), seq)
}

func TestPayloadRoundTripKeepsLargeIntegers(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	big := ir.IRInt(1 << 60)
	cmd := createTestCommand("body-1", ir.CommandChildCompleted, ir.IRObject{"instance_key": ir.IRString("c")}, 1)
	cmd.Payload = ir.IRObject{"variables": ir.IRObject{"n": big, "none": ir.IRNull{}}}
	_, err := s.CommitStep(ctx, createTestStep(cmd, "ACTIVATED"))
	require.NoError(t, err)

	cmds, err := s.ReadCommands(ctx, "body-1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	vars := cmds[0].Payload["variables"].(ir.IRObject)
	assert.Equal(t, big, vars["n"])
	assert.Equal(t, ir.IRNull{}, vars["none"])
}
