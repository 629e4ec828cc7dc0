package ir

const (
	// IRVersion is the version of the persisted snapshot and record format.
	IRVersion = "1"

	// EngineVersion is the mibody engine version.
	EngineVersion = "0.1.0"
)
