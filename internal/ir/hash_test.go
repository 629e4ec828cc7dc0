package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandIDDeterminism(t *testing.T) {
	key := IRObject{"instance_key": IRString("child-1")}

	id1, err := CommandID("body-1", CommandChildCompleted, key)
	require.NoError(t, err)
	id2, err := CommandID("body-1", CommandChildCompleted, key)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)
}

func TestCommandIDChangesWithInput(t *testing.T) {
	key := IRObject{"instance_key": IRString("child-1")}

	base := MustCommandID("body-1", CommandChildCompleted, key)
	assert.NotEqual(t, base, MustCommandID("body-2", CommandChildCompleted, key))
	assert.NotEqual(t, base, MustCommandID("body-1", CommandChildTerminated, key))
	assert.NotEqual(t, base, MustCommandID("body-1", CommandChildCompleted, IRObject{"instance_key": IRString("child-2")}))
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain(DomainCommand, data), hashWithDomain(DomainSnapshot, data))
}

func TestSnapshotHashIgnoresKeyOrder(t *testing.T) {
	a, err := SnapshotHash(IRObject{"state": IRString("activated"), "n": IRInt(3)})
	require.NoError(t, err)
	b, err := SnapshotHash(IRObject{"n": IRInt(3), "state": IRString("activated")})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestChildInstanceKey(t *testing.T) {
	k1 := ChildInstanceKey("body-1", 1)
	assert.Len(t, k1, 32)
	assert.Equal(t, k1, ChildInstanceKey("body-1", 1))
	assert.NotEqual(t, k1, ChildInstanceKey("body-1", 2))
	assert.NotEqual(t, k1, ChildInstanceKey("body-2", 1))
}
