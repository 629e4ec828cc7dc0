package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix leaves
// room for algorithm migration.
const (
	DomainCommand  = "mibody/command/v1"
	DomainSnapshot = "mibody/snapshot/v1"
	DomainChild    = "mibody/child/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data). The null separator
// removes ambiguity at the domain/data boundary.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CommandID computes the content-addressed id of a command addressed to a
// body. The id identifies what happened, not when: it excludes the logical
// clock, so a re-delivered notification hashes to the same id and the
// store drops it.
func CommandID(bodyKey string, kind CommandKind, key IRObject) (string, error) {
	obj := IRObject{
		"body_key": IRString(bodyKey),
		"kind":     IRString(kind),
		"key":      key,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("CommandID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainCommand, canonical), nil
}

// SnapshotHash hashes a canonical body snapshot. Replay compares the hash
// of a re-derived snapshot against the stored one.
func SnapshotHash(snapshot IRObject) (string, error) {
	canonical, err := MarshalCanonical(snapshot)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// ChildInstanceKey derives a stable instance key for child loopCounter of a
// body. In-process activation protocols use it so that a replayed
// activation request yields the same key.
func ChildInstanceKey(bodyKey string, loopCounter int) string {
	canonical, err := MarshalCanonical(IRObject{
		"body_key":     IRString(bodyKey),
		"loop_counter": IRInt(loopCounter),
	})
	if err != nil {
		panic(err)
	}
	return hashWithDomain(DomainChild, canonical)[:32]
}

// MustCommandID is like CommandID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustCommandID(bodyKey string, kind CommandKind, key IRObject) string {
	id, err := CommandID(bodyKey, kind, key)
	if err != nil {
		panic(err)
	}
	return id
}
