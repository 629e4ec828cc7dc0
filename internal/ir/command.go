package ir

// CommandKind identifies a command addressed to a multi-instance body.
type CommandKind string

const (
	CommandActivate        CommandKind = "activate"
	CommandChildCompleted  CommandKind = "child_completed"
	CommandChildTerminated CommandKind = "child_terminated"
	CommandTerminate       CommandKind = "terminate"
	CommandContinueFanOut  CommandKind = "continue_fan_out"
	CommandTrigger         CommandKind = "trigger"
)

// Command is one entry of a body's append-only command log. Replaying a
// body's commands in seq order through a fresh controller reproduces its
// state.
type Command struct {
	ID      string      `json:"id"`
	BodyKey string      `json:"body_key"`
	Kind    CommandKind `json:"kind"`
	Payload IRObject    `json:"payload"`
	Seq     int64       `json:"seq"`
}

// RecordKind identifies an observable fact produced while processing a
// command.
type RecordKind string

const (
	RecordBodyTransition   RecordKind = "body_transition"
	RecordChildActivated   RecordKind = "child_activated"
	RecordChildTerminating RecordKind = "child_terminating"
	RecordChildCompleted   RecordKind = "child_completed"
	RecordChildTerminated  RecordKind = "child_terminated"
	RecordChildSkipped     RecordKind = "child_skipped"
	RecordVariableWritten  RecordKind = "variable_written"
	RecordFanOutPaused     RecordKind = "fan_out_paused"
	RecordTriggerIgnored   RecordKind = "trigger_ignored"
)

// Record is one trace entry. Records are written in the same transaction as
// the command that produced them.
type Record struct {
	Seq       int64      `json:"seq"`
	BodyKey   string     `json:"body_key"`
	CommandID string     `json:"command_id"`
	Kind      RecordKind `json:"kind"`
	Payload   IRObject   `json:"payload"`
}

// Incident is a typed failure raised while processing a command. The
// command is not recorded, so re-delivering it retries.
type Incident struct {
	Seq       int64  `json:"seq"`
	BodyKey   string `json:"body_key"`
	CommandID string `json:"command_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// StoredBody is the persisted snapshot of a body. Data is the JSON
// encoding of the body; Hash is SnapshotHash of its canonical snapshot.
type StoredBody struct {
	Key       string `json:"key"`
	ElementID string `json:"element_id"`
	State     string `json:"state"`
	Data      string `json:"data"`
	Hash      string `json:"hash"`
	Seq       int64  `json:"seq"`
}

// ChildIndexEntry maps a child instance key back to its body.
type ChildIndexEntry struct {
	InstanceKey string `json:"instance_key"`
	BodyKey     string `json:"body_key"`
	LoopCounter int    `json:"loop_counter"`
	Seq         int64  `json:"seq"`
}
